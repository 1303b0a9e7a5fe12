package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// jobNegotiationVersion is the version field of every CommitMiningJob.
const jobNegotiationVersion = uint32(2)

// jnOutcome is the result of handling one inbound message. A nil Respond
// means nothing goes back to the pool. RequestID is the request_id the pool
// put on the handled message.
type jnOutcome struct {
	Respond   stratumV2JobNegotiationMessage
	RequestID uint32
}

func (o jnOutcome) hasResponse() bool {
	return o.Respond != nil
}

func respond(requestID uint32, msg stratumV2JobNegotiationMessage) jnOutcome {
	return jnOutcome{Respond: msg, RequestID: requestID}
}

// jobNegotiator is the proxy side of the Job Negotiation protocol. It is not
// safe for concurrent use; negotiatorEnvelope serializes access to it.
type jobNegotiator struct {
	template *blockTemplate
	extras   commitExtrasPolicy
	commits  *commitTable
	log      componentLogger
	now      func() time.Time

	// rounds holds the rounds still waiting on the pool, by request_id.
	// current is the newest round the proxy opened; only its rejections
	// count against the retry budget.
	rounds        map[uint32]*negotiationRound
	current       *negotiationRound
	currentID     uint32
	maxOpenRounds int
	fatal         bool

	maxCommitRetries int
	rejections       int
	nextRequestID    uint32
	lastCommitID     uint32
	accepted         uint64
	superseded       uint64
}

type jobNegotiatorOptions struct {
	Extras            commitExtrasPolicy
	MaxCommitRetries  int
	CommitHistorySize int
	CommitHistoryTTL  time.Duration
}

func defaultJobNegotiatorOptions() jobNegotiatorOptions {
	return jobNegotiatorOptions{
		Extras:            unnegotiatedCommitExtras{},
		MaxCommitRetries:  defaultMaxCommitRetries,
		CommitHistorySize: defaultCommitHistorySize,
		CommitHistoryTTL:  secondsDuration(defaultCommitHistoryTTL),
	}
}

func newJobNegotiator(opts jobNegotiatorOptions) *jobNegotiator {
	if opts.Extras == nil {
		opts.Extras = unnegotiatedCommitExtras{}
	}
	if opts.CommitHistorySize <= 0 {
		opts.CommitHistorySize = defaultCommitHistorySize
	}
	if opts.CommitHistoryTTL <= 0 {
		opts.CommitHistoryTTL = secondsDuration(defaultCommitHistoryTTL)
	}
	n := &jobNegotiator{
		extras:           opts.Extras,
		commits:          newCommitTable(opts.CommitHistorySize, opts.CommitHistoryTTL),
		log:              logger.component("negotiator"),
		now:              time.Now,
		rounds:           make(map[uint32]*negotiationRound),
		maxOpenRounds:    opts.CommitHistorySize,
		maxCommitRetries: opts.MaxCommitRetries,
	}
	n.current = n.newRound()
	return n
}

// handle classifies msg and runs the matching handler.
func (n *jobNegotiator) handle(msg stratumV2JobNegotiationMessage) (jnOutcome, error) {
	switch m := msg.(type) {
	case stratumV2WireAllocateMiningJobTokenSuccess:
		return n.allocateMiningJobTokenSuccess(m), nil
	case stratumV2WireCommitMiningJobSuccess:
		n.commitMiningJobSuccess(m)
		return jnOutcome{RequestID: m.RequestID}, nil
	case stratumV2WireCommitMiningJobError:
		return jnOutcome{RequestID: m.RequestID}, n.commitMiningJobError(m)
	case stratumV2WireIdentifyTransactions:
		return n.identifyTransactions(m)
	case stratumV2WireProvideMissingTransactions:
		return n.provideMissingTransactions(m)
	case stratumV2WireAllocateMiningJobToken,
		stratumV2WireCommitMiningJob,
		stratumV2WireIdentifyTransactionsSuccess,
		stratumV2WireProvideMissingTransactionsSuccess:
		return jnOutcome{}, newUnexpectedMessageError(msg)
	default:
		panic(preconditionViolation(fmt.Sprintf("unknown job negotiation message %T", msg)))
	}
}

// allocateMiningJobTokenSuccess commits the latest template under the token
// the pool just granted.
func (n *jobNegotiator) allocateMiningJobTokenSuccess(m stratumV2WireAllocateMiningJobTokenSuccess) jnOutcome {
	tpl := n.template
	if tpl == nil {
		panic(preconditionViolation("token granted before any block template was set"))
	}
	extras := n.extras.commitExtras(tpl)

	commit := stratumV2WireCommitMiningJob{
		RequestID:                m.RequestID,
		MiningJobToken:           m.MiningJobToken,
		Version:                  jobNegotiationVersion,
		CoinbaseTxVersion:        tpl.CoinbaseTxVersion,
		CoinbasePrefix:           tpl.CoinbasePrefix,
		CoinbaseTxInputNSequence: tpl.CoinbaseTxInputSequence,
		CoinbaseTxValueRemaining: tpl.CoinbaseTxValueRemaining,
		CoinbaseTxOutputs:        tpl.CoinbaseTxOutputs,
		CoinbaseTxLocktime:       tpl.CoinbaseTxLocktime,
		MinExtranonceSize:        extras.MinExtranonceSize,
		TxShortHashNonce:         extras.TxShortHashNonce,
		TxShortHashList:          extras.TxShortHashList,
		TxHashListHash:           extras.TxHashListHash,
		ExcessData:               extras.ExcessData,
	}

	n.commits.record(&committedJob{
		RequestID:   m.RequestID,
		Token:       m.MiningJobToken,
		TemplateID:  tpl.TemplateID,
		Height:      tpl.Height,
		Txs:         extras.Referenced,
		CommittedAt: n.now(),
	})
	n.lastCommitID = m.RequestID
	r, ok := n.rounds[m.RequestID]
	if !ok {
		// A grant for a request this session never sent still commits; it
		// becomes the round the pool is working on.
		r = n.openRound(m.RequestID)
	}
	n.fire(m.RequestID, r, roundEventCommit)
	n.log.Debug("committing job", "request_id", m.RequestID, "template_id", tpl.TemplateID, "height", tpl.Height,
		"outputs", tpl.CoinbaseTxOutputsCount, "txs", len(extras.Referenced))
	return respond(m.RequestID, commit)
}

// commitMiningJobSuccess closes the round for m.RequestID. The new token is
// for the next commit on this connection; the proxy asks for a fresh one per
// template.
func (n *jobNegotiator) commitMiningJobSuccess(m stratumV2WireCommitMiningJobSuccess) {
	n.accepted++
	r, ok := n.rounds[m.RequestID]
	if !ok {
		n.log.Warn("pool accepted a job with no open round", "request_id", m.RequestID)
		return
	}
	n.fire(m.RequestID, r, roundEventAccept)
	n.closeRound(m.RequestID)
	if r == n.current {
		n.rejections = 0
	}
	n.log.Info("pool accepted committed job", "request_id", m.RequestID, "new_token_bytes", len(m.NewMiningJobToken))
}

// commitMiningJobError closes the round for m.RequestID. Only a rejection of
// the current round counts toward the retry budget; a rejection of a round a
// newer template already replaced is reported as Superseded.
func (n *jobNegotiator) commitMiningJobError(m stratumV2WireCommitMiningJobError) error {
	rej := &poolRejectionError{
		RequestID: m.RequestID,
		Code:      m.ErrorCode,
		Details:   m.ErrorDetails,
	}
	r, ok := n.rounds[m.RequestID]
	if !ok || r != n.current {
		n.superseded++
		rej.Superseded = true
		rej.Retryable = true
		rej.Attempt = n.rejections
		if ok {
			n.fire(m.RequestID, r, roundEventReject)
			n.closeRound(m.RequestID)
		}
		return rej
	}

	n.rejections++
	rej.Attempt = n.rejections
	rej.Retryable = n.rejections <= n.maxCommitRetries
	if rej.Retryable {
		n.fire(m.RequestID, r, roundEventReject)
		n.closeRound(m.RequestID)
	} else {
		n.abandon()
	}
	return rej
}

func (n *jobNegotiator) identifyTransactions(m stratumV2WireIdentifyTransactions) (jnOutcome, error) {
	job, err := n.commits.lookup(m.RequestID)
	if err != nil {
		return jnOutcome{}, fmt.Errorf("identify transactions request_id=%d: %w", m.RequestID, err)
	}
	return respond(m.RequestID, stratumV2WireIdentifyTransactionsSuccess{
		RequestID:    m.RequestID,
		TxDataHashes: job.transactionHashes(),
	}), nil
}

func (n *jobNegotiator) provideMissingTransactions(m stratumV2WireProvideMissingTransactions) (jnOutcome, error) {
	job, err := n.commits.lookup(m.RequestID)
	if err != nil {
		return jnOutcome{}, fmt.Errorf("provide missing transactions request_id=%d: %w", m.RequestID, err)
	}
	txs, err := job.transactionsAt(m.RequestID, m.UnknownTxPositionList)
	if err != nil {
		return jnOutcome{}, err
	}
	return respond(m.RequestID, stratumV2WireProvideMissingTransactionsSuccess{
		RequestID:       m.RequestID,
		TransactionList: txs,
	}), nil
}

// setTemplate replaces the template used by later commits. Already
// committed jobs keep the transaction list they were built with.
func (n *jobNegotiator) setTemplate(tpl *blockTemplate) {
	if tpl == nil {
		panic(preconditionViolation("nil block template"))
	}
	n.template = tpl
}

// requestToken builds the AllocateMiningJobToken that opens a round. Rounds
// opened earlier stay open until the pool answers them.
func (n *jobNegotiator) requestToken(userIdentifier string) stratumV2WireAllocateMiningJobToken {
	n.nextRequestID++
	r := n.openRound(n.nextRequestID)
	n.fire(n.nextRequestID, r, roundEventRequestToken)
	return stratumV2WireAllocateMiningJobToken{
		UserIdentifier: userIdentifier,
		RequestID:      n.nextRequestID,
	}
}

// abandon moves every open round to fatal, e.g. when the session gives up.
func (n *jobNegotiator) abandon() {
	if n.fatal {
		return
	}
	n.fatal = true
	if _, open := n.rounds[n.currentID]; !open {
		n.fire(n.currentID, n.current, roundEventAbandon)
	}
	for id, r := range n.rounds {
		n.fire(id, r, roundEventAbandon)
	}
}

func (n *jobNegotiator) newRound() *negotiationRound {
	r := newNegotiationRound()
	r.now = func() time.Time { return n.now() }
	r.enteredAt = r.now()
	return r
}

// openRound registers a round for requestID and makes it current. The oldest
// open rounds are dropped once more than maxOpenRounds are waiting.
func (n *jobNegotiator) openRound(requestID uint32) *negotiationRound {
	r := n.newRound()
	n.rounds[requestID] = r
	n.current, n.currentID = r, requestID
	for n.maxOpenRounds > 0 && len(n.rounds) > n.maxOpenRounds {
		var oldest uint32
		found := false
		for id := range n.rounds {
			if id != requestID && (!found || id < oldest) {
				oldest, found = id, true
			}
		}
		n.log.Warn("dropping unanswered round", "request_id", oldest, "state", n.rounds[oldest].state())
		delete(n.rounds, oldest)
	}
	return r
}

// closeRound forgets a finished round. The current round stays readable
// through n.current for status.
func (n *jobNegotiator) closeRound(requestID uint32) {
	delete(n.rounds, requestID)
}

// stalledRound is an open round the pool has left unanswered too long.
type stalledRound struct {
	RequestID uint32
	State     string
	Age       time.Duration
}

// oldestStalledRound returns the open round that has waited on the pool the longest,
// if that wait exceeds timeout.
func (n *jobNegotiator) oldestStalledRound(timeout time.Duration) (stalledRound, bool) {
	var worst stalledRound
	found := false
	for id, r := range n.rounds {
		if !r.stalled(timeout) {
			continue
		}
		if age := r.age(); !found || age > worst.Age {
			worst = stalledRound{RequestID: id, State: r.state(), Age: age}
			found = true
		}
	}
	return worst, found
}

// fire applies a round event. Events the round does not accept in its current
// state are logged and dropped; the pool decides what it sends.
func (n *jobNegotiator) fire(requestID uint32, r *negotiationRound, event string) {
	err := r.fire(event)
	if err == nil {
		return
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		n.log.Warn("round event ignored", "request_id", requestID, "event", event, "state", r.state())
		return
	}
	n.log.Error("round event failed", "request_id", requestID, "event", event, "state", r.state(), "error", err)
}

type negotiatorStatus struct {
	RoundState       string        `json:"round_state"`
	RoundAge         time.Duration `json:"-"`
	CurrentRequestID uint32        `json:"current_request_id"`
	OpenRounds       int           `json:"open_rounds"`
	TemplateID       uint64        `json:"template_id"`
	TemplateHeight   int64         `json:"template_height"`
	LastCommitID     uint32        `json:"last_commit_request_id"`
	Rejections       int           `json:"consecutive_rejections"`
	Superseded       uint64        `json:"superseded_rejections"`
	Accepted         uint64        `json:"accepted_commits"`
	CommittedJobs    int           `json:"committed_jobs"`
}

func (n *jobNegotiator) status() negotiatorStatus {
	st := negotiatorStatus{
		RoundState:       n.current.state(),
		RoundAge:         n.current.age(),
		CurrentRequestID: n.currentID,
		OpenRounds:       len(n.rounds),
		LastCommitID:     n.lastCommitID,
		Rejections:       n.rejections,
		Superseded:       n.superseded,
		Accepted:         n.accepted,
		CommittedJobs:    n.commits.len(),
	}
	if n.template != nil {
		st.TemplateID = n.template.TemplateID
		st.TemplateHeight = n.template.Height
	}
	return st
}
