package main

import (
	"sync"
	"time"
)

// negotiatorEnvelope gives every caller (pool reader, template feed, token
// trigger) exclusive access to one jobNegotiator for the length of a single
// step. A step that panics poisons the envelope: the panic continues to the
// caller and every later step fails with errNegotiatorPoisoned.
type negotiatorEnvelope struct {
	mu       sync.Mutex
	poisoned bool
	n        *jobNegotiator
}

func newNegotiatorEnvelope(n *jobNegotiator) *negotiatorEnvelope {
	return &negotiatorEnvelope{n: n}
}

func (e *negotiatorEnvelope) with(fn func(n *jobNegotiator) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poisoned {
		return errNegotiatorPoisoned
	}
	completed := false
	defer func() {
		if !completed {
			e.poisoned = true
		}
	}()
	err := fn(e.n)
	completed = true
	return err
}

// Handle runs one decoded message through the negotiator.
func (e *negotiatorEnvelope) Handle(msg stratumV2JobNegotiationMessage) (jnOutcome, error) {
	var out jnOutcome
	err := e.with(func(n *jobNegotiator) error {
		var err error
		out, err = n.handle(msg)
		return err
	})
	return out, err
}

// HandleFrame decodes (msgType, payload) outside the lock and handles the
// result. Decode failures are *stratumV2FramingError and leave the
// negotiator untouched.
func (e *negotiatorEnvelope) HandleFrame(msgType uint8, payload []byte) (jnOutcome, error) {
	msg, err := decodeStratumV2JobNegotiationMessage(msgType, payload)
	if err != nil {
		return jnOutcome{}, err
	}
	return e.Handle(msg)
}

func (e *negotiatorEnvelope) SetTemplate(tpl *blockTemplate) error {
	return e.with(func(n *jobNegotiator) error {
		n.setTemplate(tpl)
		return nil
	})
}

func (e *negotiatorEnvelope) RequestToken(userIdentifier string) (stratumV2WireAllocateMiningJobToken, error) {
	var msg stratumV2WireAllocateMiningJobToken
	err := e.with(func(n *jobNegotiator) error {
		msg = n.requestToken(userIdentifier)
		return nil
	})
	return msg, err
}

func (e *negotiatorEnvelope) Abandon() error {
	return e.with(func(n *jobNegotiator) error {
		n.abandon()
		return nil
	})
}

func (e *negotiatorEnvelope) Status() (negotiatorStatus, error) {
	var st negotiatorStatus
	err := e.with(func(n *jobNegotiator) error {
		st = n.status()
		return nil
	})
	return st, err
}

// Stalled reports the open round that has waited on the pool longer than
// timeout, if any.
func (e *negotiatorEnvelope) Stalled(timeout time.Duration) (stalledRound, bool, error) {
	var (
		round   stalledRound
		stalled bool
	)
	err := e.with(func(n *jobNegotiator) error {
		round, stalled = n.oldestStalledRound(timeout)
		return nil
	})
	return round, stalled, err
}

func (e *negotiatorEnvelope) Poisoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poisoned
}
