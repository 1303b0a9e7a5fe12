package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	poolVendor          = "goJobProxy"
	poolSetupTimeout    = 15 * time.Second
	maxWatchdogInterval = time.Second
)

// templateSource is what a pool session needs from the template feed.
type templateSource interface {
	Subscribe() chan *blockTemplate
	Unsubscribe(chan *blockTemplate)
}

// poolSession is one Job Negotiation connection to the pool. It performs the
// SetupConnection handshake, starts a round for every new template, feeds
// pool messages through the negotiator envelope and writes the responses.
type poolSession struct {
	cfg       Config
	conn      io.ReadWriteCloser
	transport sv2FrameTransport
	env       *negotiatorEnvelope
	feed      templateSource
	journal   *negotiationJournal
	metrics   *proxyMetrics
	log       componentLogger

	retryCh chan struct{}
	retryMu sync.Mutex
	retry   *time.Timer
}

func newPoolSession(cfg Config, conn io.ReadWriteCloser, env *negotiatorEnvelope, feed templateSource, journal *negotiationJournal, metrics *proxyMetrics) *poolSession {
	return &poolSession{
		cfg:       cfg,
		conn:      conn,
		transport: newSV2PlainFrameTransport(conn, conn),
		env:       env,
		feed:      feed,
		journal:   journal,
		metrics:   metrics,
		log:       logger.component("pool"),
		retryCh:   make(chan struct{}, 1),
	}
}

// run blocks until the session ends and returns why. The read loop runs on
// the caller's goroutine so a negotiator panic reaches the caller unchanged.
func (s *poolSession) run(ctx context.Context) error {
	if err := s.setup(); err != nil {
		return err
	}
	s.metrics.SetPoolConnected(true)
	defer s.metrics.SetPoolConnected(false)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.stopRetry()

	var (
		causeOnce sync.Once
		cause     error
	)
	fail := func(err error) {
		causeOnce.Do(func() { cause = err })
		cancel()
	}

	go func() {
		<-sessCtx.Done()
		_ = s.conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.templateLoop(sessCtx); err != nil {
			fail(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.watchdog(sessCtx); err != nil {
			fail(err)
		}
	}()

	readErr := s.readLoop()
	fail(readErr)
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return cause
}

func (s *poolSession) setup() error {
	host, portStr, err := net.SplitHostPort(s.cfg.PoolAddr)
	if err != nil {
		return fmt.Errorf("pool.address %q: %w", s.cfg.PoolAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("pool.address %q port: %w", s.cfg.PoolAddr, err)
	}
	frame, err := encodeStratumV2SetupConnectionFrame(stratumV2WireSetupConnection{
		Protocol:     sv2ProtocolJobNegotiation,
		MinVersion:   sv2VersionCurrent,
		MaxVersion:   sv2VersionCurrent,
		EndpointHost: host,
		EndpointPort: uint16(port),
		Vendor:       poolVendor,
		Firmware:     buildVersion,
	})
	if err != nil {
		return err
	}
	if err := s.transport.WriteFrame(frame); err != nil {
		return fmt.Errorf("write setupconnection: %w", err)
	}

	if dl, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dl.SetReadDeadline(time.Now().Add(poolSetupTimeout))
		defer func() { _ = dl.SetReadDeadline(time.Time{}) }()
	}
	reply, err := s.transport.ReadFrame()
	if err != nil {
		return fmt.Errorf("read setupconnection reply: %w", err)
	}
	msg, err := decodeStratumV2SetupReplyFrame(reply)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case stratumV2WireSetupConnectionSuccess:
		if m.UsedVersion != sv2VersionCurrent {
			return fmt.Errorf("pool selected unsupported version %d", m.UsedVersion)
		}
		s.log.Info("pool session established", "pool", s.cfg.PoolAddr, "version", m.UsedVersion, "flags", m.Flags)
		return nil
	case stratumV2WireSetupConnectionError:
		return fmt.Errorf("pool refused setupconnection: %s", m.ErrorCode)
	default:
		return fmt.Errorf("unexpected setupconnection reply %T", msg)
	}
}

func (s *poolSession) readLoop() error {
	for {
		raw, err := s.transport.ReadFrame()
		if err != nil {
			return err
		}
		frame, err := decodeStratumV2Frame(raw)
		if err != nil {
			return err
		}
		if frame.baseExtensionType() != stratumV2CoreExtensionType || frame.isChannelMessage() {
			s.log.Warn("ignoring frame outside job negotiation", "ext", frame.ExtensionType, "msg_type", frame.MsgType)
			continue
		}
		s.metrics.RecordInbound(frame.MsgType)
		out, err := s.env.HandleFrame(frame.MsgType, frame.Payload)
		if err := s.afterHandle(frame.MsgType, out, err); err != nil {
			return err
		}
	}
}

// afterHandle applies the session policy for one handled message. A non-nil
// return ends the session.
func (s *poolSession) afterHandle(msgType uint8, out jnOutcome, err error) error {
	var (
		rejection *poolRejectionError
		missing   *missingTxIndexError
	)
	switch {
	case err == nil:
	case errors.Is(err, errStratumV2Framing):
		s.metrics.RecordFramingError()
		s.log.Warn("dropping malformed message", "msg", jobNegotiationMsgName(msgType), "error", err)
		return nil
	case errors.Is(err, errUnexpectedMessage):
		s.metrics.RecordUnexpected(msgType)
		s.log.Warn("pool sent a proxy-only message", "msg", jobNegotiationMsgName(msgType))
		if s.cfg.CloseOnUnexpectedMessage {
			return err
		}
		return nil
	case errors.As(err, &rejection):
		return s.onRejection(rejection)
	case errors.Is(err, errNoCommittedJob), errors.As(err, &missing):
		s.log.Warn("cannot answer transaction request", "msg", jobNegotiationMsgName(msgType), "error", err)
		return nil
	default:
		return err
	}

	if msgType == stratumV2MsgTypeCommitMiningJobSuccess {
		s.metrics.RecordCommitAccepted()
		s.journalAccepted(out.RequestID)
	}
	if !out.hasResponse() {
		return nil
	}
	if commit, ok := out.Respond.(stratumV2WireCommitMiningJob); ok {
		s.journalCommit(commit)
	}
	return s.send(out.Respond)
}

func (s *poolSession) onRejection(rej *poolRejectionError) error {
	s.metrics.RecordCommitRejected(rej.Code)
	if err := s.journal.RecordOutcome(rej.RequestID, journalOutcomeRejected, rej.Code); err != nil {
		s.log.Warn("journal rejection", "error", err)
	}
	if rej.Superseded {
		s.log.Info("pool rejected a superseded commit", "request_id", rej.RequestID, "code", rej.Code)
		return nil
	}
	if !rej.Retryable {
		s.metrics.RecordRoundAbandoned("retries_exhausted")
		s.log.Error("pool rejected commit, retry budget spent", "request_id", rej.RequestID, "code", rej.Code, "attempt", rej.Attempt)
		return fmt.Errorf("%w: %v", errCommitRetriesExhausted, rej)
	}
	s.log.Warn("pool rejected commit, retrying with a fresh token",
		"request_id", rej.RequestID, "code", rej.Code, "attempt", rej.Attempt, "delay", s.cfg.CommitRetryDelay)
	s.scheduleRetry()
	return nil
}

func (s *poolSession) journalCommit(commit stratumV2WireCommitMiningJob) {
	st, err := s.env.Status()
	if err != nil {
		return
	}
	if err := s.journal.RecordCommit(commit.RequestID, commit.MiningJobToken, st.TemplateID, st.TemplateHeight, len(commit.TxShortHashList)); err != nil {
		s.log.Warn("journal commit", "request_id", commit.RequestID, "error", err)
	}
}

func (s *poolSession) journalAccepted(requestID uint32) {
	if err := s.journal.RecordOutcome(requestID, journalOutcomeAccepted, ""); err != nil {
		s.log.Warn("journal accept", "request_id", requestID, "error", err)
	}
}

func (s *poolSession) send(msg stratumV2JobNegotiationMessage) error {
	frame, err := encodeStratumV2JobNegotiationFrame(msg)
	if err != nil {
		return err
	}
	if err := s.transport.WriteFrame(frame); err != nil {
		return fmt.Errorf("write %s: %w", jobNegotiationMsgName(msg.jobNegotiationMsgType()), err)
	}
	s.metrics.RecordOutbound(msg.jobNegotiationMsgType())
	return nil
}

func (s *poolSession) requestToken() error {
	msg, err := s.env.RequestToken(s.cfg.UserIdentifier)
	if err != nil {
		return err
	}
	s.log.Debug("requesting mining job token", "request_id", msg.RequestID)
	return s.send(msg)
}

// templateLoop opens a new round for every template newer than the last one
// and for every scheduled retry.
func (s *poolSession) templateLoop(ctx context.Context) error {
	ch := s.feed.Subscribe()
	defer s.feed.Unsubscribe(ch)

	var lastID uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case tpl, ok := <-ch:
			if !ok {
				return errors.New("template feed closed")
			}
			if tpl.TemplateID <= lastID {
				continue
			}
			lastID = tpl.TemplateID
			if err := s.env.SetTemplate(tpl); err != nil {
				return err
			}
			// The new round replaces any retry still waiting on its delay.
			s.stopRetry()
			if err := s.requestToken(); err != nil {
				return err
			}
		case <-s.retryCh:
			s.metrics.RecordCommitRetry()
			if err := s.requestToken(); err != nil {
				return err
			}
		}
	}
}

func (s *poolSession) scheduleRetry() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(s.cfg.CommitRetryDelay, func() {
		select {
		case s.retryCh <- struct{}{}:
		default:
		}
	})
}

func (s *poolSession) stopRetry() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// watchdog ends the session when the pool leaves any open round unanswered
// for longer than negotiation.round_timeout_seconds.
func (s *poolSession) watchdog(ctx context.Context) error {
	interval := s.cfg.RoundTimeout / 4
	if interval <= 0 || interval > maxWatchdogInterval {
		interval = maxWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		st, err := s.env.Status()
		if err != nil {
			return err
		}
		s.metrics.SetRoundState(st.RoundState)
		round, stalled, err := s.env.Stalled(s.cfg.RoundTimeout)
		if err != nil {
			return err
		}
		if !stalled {
			continue
		}
		if err := s.env.Abandon(); err != nil {
			return fmt.Errorf("abandon stalled round request_id=%d: %w", round.RequestID, err)
		}
		s.metrics.SetRoundState(roundStateFatal)
		s.metrics.RecordRoundAbandoned("stalled")
		if err := s.journal.RecordOutcome(round.RequestID, journalOutcomeAbandoned, "stalled"); err != nil {
			s.log.Warn("journal abandon", "request_id", round.RequestID, "error", err)
		}
		return fmt.Errorf("%w: request_id=%d %s for %s", errRoundStalled, round.RequestID, round.State, humanDuration(round.Age))
	}
}
