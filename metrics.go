package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// proxyMetrics holds the Prometheus collectors for one proxy process. A nil
// *proxyMetrics is valid and records nothing, so tests can skip it.
type proxyMetrics struct {
	registry *prometheus.Registry

	messagesIn        *prometheus.CounterVec
	messagesOut       *prometheus.CounterVec
	unexpected        *prometheus.CounterVec
	framingErrors     prometheus.Counter
	commitsAccepted   prometheus.Counter
	commitsRejected   *prometheus.CounterVec
	commitRetries     prometheus.Counter
	roundsAbandoned   *prometheus.CounterVec
	roundState        *prometheus.GaugeVec
	templateHeight    prometheus.Gauge
	templateTxs       prometheus.Gauge
	templateRefreshes *prometheus.CounterVec
	templateErrors    prometheus.Counter
	rpcLatency        prometheus.Histogram
	poolConnected     prometheus.Gauge
	poolReconnects    prometheus.Counter
}

func newProxyMetrics() *proxyMetrics {
	reg := prometheus.NewRegistry()
	m := &proxyMetrics{
		registry: reg,
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobproxy_messages_received_total",
			Help: "Job negotiation messages received from the pool",
		}, []string{"msg"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobproxy_messages_sent_total",
			Help: "Job negotiation messages sent to the pool",
		}, []string{"msg"}),
		unexpected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobproxy_unexpected_messages_total",
			Help: "Messages that are legal on the wire but never sent to a proxy",
		}, []string{"msg"}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobproxy_framing_errors_total",
			Help: "Inbound payloads that failed to decode",
		}),
		commitsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobproxy_commits_accepted_total",
			Help: "CommitMiningJob requests accepted by the pool",
		}),
		commitsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobproxy_commits_rejected_total",
			Help: "CommitMiningJob requests rejected by the pool",
		}, []string{"code"}),
		commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobproxy_commit_retries_total",
			Help: "Fresh token requests issued after a rejected commit",
		}),
		roundsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobproxy_rounds_abandoned_total",
			Help: "Negotiation rounds that ended fatally",
		}, []string{"reason"}),
		roundState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobproxy_round_state",
			Help: "1 for the current negotiation round state",
		}, []string{"state"}),
		templateHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobproxy_template_height",
			Help: "Height of the latest block template",
		}),
		templateTxs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobproxy_template_transactions",
			Help: "Transactions in the latest block template",
		}),
		templateRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobproxy_template_refreshes_total",
			Help: "Template refreshes by trigger",
		}, []string{"trigger"}),
		templateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobproxy_template_errors_total",
			Help: "getblocktemplate or template build failures",
		}),
		rpcLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobproxy_gbt_latency_seconds",
			Help:    "getblocktemplate round trip time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		poolConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobproxy_pool_connected",
			Help: "1 while a pool session is established",
		}),
		poolReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobproxy_pool_reconnects_total",
			Help: "Pool session reconnect attempts",
		}),
	}
	reg.MustRegister(
		m.messagesIn, m.messagesOut, m.unexpected, m.framingErrors,
		m.commitsAccepted, m.commitsRejected, m.commitRetries, m.roundsAbandoned,
		m.roundState, m.templateHeight, m.templateTxs, m.templateRefreshes,
		m.templateErrors, m.rpcLatency, m.poolConnected, m.poolReconnects,
	)
	return m
}

func (m *proxyMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *proxyMetrics) RecordInbound(msgType uint8) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(jobNegotiationMsgName(msgType)).Inc()
}

func (m *proxyMetrics) RecordOutbound(msgType uint8) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(jobNegotiationMsgName(msgType)).Inc()
}

func (m *proxyMetrics) RecordUnexpected(msgType uint8) {
	if m == nil {
		return
	}
	m.unexpected.WithLabelValues(jobNegotiationMsgName(msgType)).Inc()
}

func (m *proxyMetrics) RecordFramingError() {
	if m == nil {
		return
	}
	m.framingErrors.Inc()
}

func (m *proxyMetrics) RecordCommitAccepted() {
	if m == nil {
		return
	}
	m.commitsAccepted.Inc()
}

func (m *proxyMetrics) RecordCommitRejected(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unspecified"
	}
	m.commitsRejected.WithLabelValues(code).Inc()
}

func (m *proxyMetrics) RecordCommitRetry() {
	if m == nil {
		return
	}
	m.commitRetries.Inc()
}

func (m *proxyMetrics) RecordRoundAbandoned(reason string) {
	if m == nil {
		return
	}
	m.roundsAbandoned.WithLabelValues(reason).Inc()
}

// SetRoundState sets the gauge for state to 1 and every other known state to 0.
func (m *proxyMetrics) SetRoundState(state string) {
	if m == nil {
		return
	}
	for _, s := range negotiationRoundStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.roundState.WithLabelValues(s).Set(v)
	}
}

func (m *proxyMetrics) RecordTemplate(tpl *blockTemplate) {
	if m == nil || tpl == nil {
		return
	}
	m.templateHeight.Set(float64(tpl.Height))
	m.templateTxs.Set(float64(len(tpl.Transactions)))
}

func (m *proxyMetrics) RecordTemplateRefresh(trigger string) {
	if m == nil {
		return
	}
	m.templateRefreshes.WithLabelValues(trigger).Inc()
}

func (m *proxyMetrics) RecordTemplateError() {
	if m == nil {
		return
	}
	m.templateErrors.Inc()
}

func (m *proxyMetrics) ObserveRPCLatency(seconds float64) {
	if m == nil {
		return
	}
	m.rpcLatency.Observe(seconds)
}

func (m *proxyMetrics) SetPoolConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.poolConnected.Set(1)
		return
	}
	m.poolConnected.Set(0)
}

func (m *proxyMetrics) RecordPoolReconnect() {
	if m == nil {
		return
	}
	m.poolReconnects.Inc()
}
