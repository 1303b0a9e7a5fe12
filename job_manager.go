package main

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/remeh/sizedwaitgroup"
)

func newTemplateFeed(rpc templateRPC, cfg Config, params *chaincfg.Params, metrics *proxyMetrics) *templateFeed {
	return &templateFeed{
		rpc:         rpc,
		cfg:         cfg,
		params:      params,
		metrics:     metrics,
		subs:        make(map[chan *blockTemplate]struct{}),
		notifyQueue: make(chan *blockTemplate, templateSubscriberBuffer),
	}
}

func (tf *templateFeed) recordTemplateError(err error) {
	if err == nil {
		return
	}
	tf.metrics.RecordTemplateError()
	tf.lastErrMu.Lock()
	tf.lastErr = err
	tf.lastErrAt = time.Now()
	tf.appendFeedError(err.Error())
	tf.lastErrMu.Unlock()
}

func (tf *templateFeed) appendFeedError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	tf.feedErrHistory = append(tf.feedErrHistory, msg)
	if len(tf.feedErrHistory) > templateFeedErrorHistorySize {
		tf.feedErrHistory = tf.feedErrHistory[len(tf.feedErrHistory)-templateFeedErrorHistorySize:]
	}
}

func (tf *templateFeed) recordTemplateSuccess(tpl *blockTemplate) {
	tf.lastErrMu.Lock()
	hadErr := tf.lastErr != nil
	tf.lastErr = nil
	tf.lastErrAt = time.Time{}
	tf.lastSuccess = tpl.CreatedAt
	if hadErr {
		target := "(unknown)"
		if tf.rpc != nil {
			target = tf.rpc.EndpointLabel()
		}
		tf.appendFeedError("event: template feed recovered (rpc " + target + ")")
	}
	tf.lastErrMu.Unlock()
	tf.resetRetryDelay()
	tf.metrics.RecordTemplate(tpl)
}

func (tf *templateFeed) sleepRetry(ctx context.Context) error {
	return sleepContext(ctx, tf.nextRetryDelay())
}

func (tf *templateFeed) nextRetryDelay() time.Duration {
	tf.retryMu.Lock()
	defer tf.retryMu.Unlock()
	if tf.retryDelay == 0 {
		tf.retryDelay = templateRetryDelayMin
		return tf.retryDelay
	}
	tf.retryDelay *= 2
	if tf.retryDelay > templateRetryDelayMax {
		tf.retryDelay = templateRetryDelayMax
	}
	return tf.retryDelay
}

func (tf *templateFeed) resetRetryDelay() {
	tf.retryMu.Lock()
	tf.retryDelay = 0
	tf.retryMu.Unlock()
}

func (tf *templateFeed) Status() templateFeedStatus {
	tf.lastErrMu.RLock()
	lastErr := tf.lastErr
	lastErrAt := tf.lastErrAt
	lastSuccess := tf.lastSuccess
	history := append([]string(nil), tf.feedErrHistory...)
	tf.lastErrMu.RUnlock()

	st := templateFeedStatus{
		LastSuccess:    lastSuccess,
		LastErrorAt:    lastErrAt,
		ErrorHistory:   history,
		ZMQHealthy:     tf.cfg.ZMQBlockAddr != "" && tf.zmqHealthy.Load(),
		ZMQDisconnects: atomic.LoadUint64(&tf.zmqDisconnects),
		ZMQReconnects:  atomic.LoadUint64(&tf.zmqReconnects),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if cur := tf.Current(); cur != nil {
		st.Ready = true
		st.Height = cur.Height
		st.TemplateID = cur.TemplateID
		st.Transactions = len(cur.Transactions)
		st.CoinbaseOuts = cur.CoinbaseTxOutputsCount
	}
	return st
}

// Start performs the first refresh and launches the notification workers,
// the polling loop and, when configured, the ZMQ block watcher.
func (tf *templateFeed) Start(ctx context.Context) {
	tf.notifyWg = sizedwaitgroup.New(templateNotifyWorkers)
	for i := range templateNotifyWorkers {
		tf.notifyWg.Add()
		go tf.notificationWorker(ctx, i)
	}

	if err := tf.refreshTemplate(ctx, "startup"); err != nil {
		logger.Error("initial template refresh error", "error", err)
	}

	go tf.pollLoop(ctx)
	if tf.cfg.ZMQBlockAddr != "" {
		go tf.zmqBlockLoop(ctx)
	}
}

// Wait blocks until the notification workers have exited after ctx ends.
func (tf *templateFeed) Wait() {
	tf.notifyWg.Wait()
}
