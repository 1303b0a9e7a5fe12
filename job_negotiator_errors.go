package main

import (
	"errors"
	"fmt"
)

var (
	errUnexpectedMessage      = errors.New("unexpected job negotiation message")
	errPoolRejection          = errors.New("pool rejected committed job")
	errNegotiatorPoisoned     = errors.New("job negotiator unusable after an earlier panic")
	errNoCommittedJob         = errors.New("no committed job")
	errCommitRetriesExhausted = errors.New("commit retries exhausted")
	errRoundStalled           = errors.New("negotiation round stalled")
)

// unexpectedMessageError reports a well-formed message that only a proxy
// sends. Msg is the decoded variant as received.
type unexpectedMessageError struct {
	Msg stratumV2JobNegotiationMessage
}

func newUnexpectedMessageError(msg stratumV2JobNegotiationMessage) error {
	return &unexpectedMessageError{Msg: msg}
}

func (e *unexpectedMessageError) Error() string {
	return fmt.Sprintf("%v: %s is never sent to a proxy", errUnexpectedMessage, jobNegotiationMsgName(e.Msg.jobNegotiationMsgType()))
}

func (e *unexpectedMessageError) Is(target error) bool {
	return target == errUnexpectedMessage
}

// preconditionViolation is the panic value for states the negotiator must
// never be driven into, such as committing a job before any template exists.
type preconditionViolation string

func (p preconditionViolation) Error() string {
	return "job negotiator precondition violated: " + string(p)
}

// poolRejectionError is a CommitMiningJobError from the pool. Attempt counts
// consecutive rejections of the current round in this session; Retryable is
// false once the retry budget is spent. Superseded marks a rejection of a
// round that is no longer current, which never consumes the budget.
type poolRejectionError struct {
	RequestID  uint32
	Code       string
	Details    []byte
	Attempt    int
	Retryable  bool
	Superseded bool
}

func (e *poolRejectionError) Error() string {
	if e.Superseded {
		return fmt.Sprintf("pool rejected superseded commit request_id=%d code=%q", e.RequestID, e.Code)
	}
	return fmt.Sprintf("pool rejected commit request_id=%d code=%q attempt=%d", e.RequestID, e.Code, e.Attempt)
}

func (e *poolRejectionError) Is(target error) bool {
	if target == errPoolRejection {
		return true
	}
	return target == errCommitRetriesExhausted && !e.Retryable
}

type missingTxIndexError struct {
	RequestID uint32
	Index     uint16
	Count     int
}

func (e *missingTxIndexError) Error() string {
	return fmt.Sprintf("request_id=%d asks for transaction %d but the committed job has %d", e.RequestID, e.Index, e.Count)
}
