package main

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
)

const (
	roundStateIdle           = "idle"
	roundStateTokenRequested = "token-requested"
	roundStateJobCommitted   = "job-committed"
	roundStateDone           = "done"
	roundStateFatal          = "fatal"

	roundEventRequestToken = "request-token"
	roundEventCommit       = "commit"
	roundEventAccept       = "accept"
	roundEventReject       = "reject"
	roundEventAbandon      = "abandon"
)

var negotiationRoundStates = []string{
	roundStateIdle,
	roundStateTokenRequested,
	roundStateJobCommitted,
	roundStateDone,
	roundStateFatal,
}

// negotiationRound tracks where the primary exchange
// (token -> commit -> accept/reject) stands. Transaction follow-ups never
// move it.
//
//	idle ──request-token──> token-requested ──commit──> job-committed ──accept──> done
//	                                                        │
//	                                   idle <──reject───────┤
//	                                  fatal <──abandon──────┘ (from any live state)
type negotiationRound struct {
	fsm       *fsm.FSM
	enteredAt time.Time
	now       func() time.Time
}

func newNegotiationRound() *negotiationRound {
	r := &negotiationRound{now: time.Now}
	r.fsm = fsm.NewFSM(
		roundStateIdle,
		fsm.Events{
			{
				Name: roundEventRequestToken,
				Src:  []string{roundStateIdle, roundStateTokenRequested, roundStateJobCommitted, roundStateDone},
				Dst:  roundStateTokenRequested,
			},
			{
				Name: roundEventCommit,
				Src:  []string{roundStateIdle, roundStateTokenRequested, roundStateJobCommitted, roundStateDone},
				Dst:  roundStateJobCommitted,
			},
			{
				Name: roundEventAccept,
				Src:  []string{roundStateJobCommitted},
				Dst:  roundStateDone,
			},
			{
				Name: roundEventReject,
				Src:  []string{roundStateJobCommitted},
				Dst:  roundStateIdle,
			},
			{
				Name: roundEventAbandon,
				Src:  []string{roundStateIdle, roundStateTokenRequested, roundStateJobCommitted, roundStateDone},
				Dst:  roundStateFatal,
			},
		},
		fsm.Callbacks{},
	)
	r.enteredAt = r.now()
	return r
}

// fire applies event. Re-entering the current state is not an error.
func (r *negotiationRound) fire(event string) error {
	before := r.fsm.Current()
	err := r.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return err
	}
	if r.fsm.Current() != before || event == roundEventRequestToken {
		r.enteredAt = r.now()
	}
	return nil
}

func (r *negotiationRound) state() string {
	return r.fsm.Current()
}

// age is how long the round has been in its current state.
func (r *negotiationRound) age() time.Duration {
	return r.now().Sub(r.enteredAt)
}

// awaitingPool reports whether the proxy is waiting on the pool to move the
// round forward.
func (r *negotiationRound) awaitingPool() bool {
	switch r.fsm.Current() {
	case roundStateTokenRequested, roundStateJobCommitted:
		return true
	default:
		return false
	}
}

func (r *negotiationRound) stalled(timeout time.Duration) bool {
	return timeout > 0 && r.awaitingPool() && r.age() > timeout
}
