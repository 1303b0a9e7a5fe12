package main

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func testBlockTemplate(id uint64, value uint64) *blockTemplate {
	return &blockTemplate{
		TemplateID:               id,
		Height:                   800000 + int64(id),
		CoinbaseTxVersion:        2,
		CoinbasePrefix:           []byte{0x03, byte(id), 0x35, 0x0c},
		CoinbaseTxInputSequence:  0xffffffff,
		CoinbaseTxValueRemaining: value,
		CoinbaseTxOutputsCount:   1,
		CoinbaseTxOutputs:        []byte{0, 0, 0, 0, 0, 0, 0, 0, 0x02, 0x6a, byte(id)},
		CoinbaseTxLocktime:       uint32(id),
	}
}

func testTemplateWithTxs(id uint64, n int) *blockTemplate {
	tpl := testBlockTemplate(id, 5000000000)
	for i := 0; i < n; i++ {
		var txid, wtxid chainhash.Hash
		txid[0] = byte(i + 1)
		wtxid[0] = byte(i + 1)
		wtxid[31] = 0xee
		tpl.Transactions = append(tpl.Transactions, templateTx{
			Txid:  txid,
			Wtxid: wtxid,
			Data:  []byte{0x02, byte(i), 0xaa},
		})
	}
	return tpl
}

func newTestJobNegotiator(t *testing.T) *jobNegotiator {
	t.Helper()
	return newJobNegotiator(defaultJobNegotiatorOptions())
}

func handleCommit(t *testing.T, n *jobNegotiator, in stratumV2WireAllocateMiningJobTokenSuccess) stratumV2WireCommitMiningJob {
	t.Helper()
	out, err := n.handle(in)
	if err != nil {
		t.Fatalf("handle AllocateMiningJobTokenSuccess: %v", err)
	}
	commit, ok := out.Respond.(stratumV2WireCommitMiningJob)
	if !ok {
		t.Fatalf("response type=%T want stratumV2WireCommitMiningJob", out.Respond)
	}
	return commit
}

func TestJobNegotiatorCommitScenario(t *testing.T) {
	n := newTestJobNegotiator(t)
	n.setTemplate(&blockTemplate{
		TemplateID:               1,
		CoinbaseTxVersion:        2,
		CoinbasePrefix:           []byte{},
		CoinbaseTxInputSequence:  0xffffffff,
		CoinbaseTxValueRemaining: 5000000000,
		CoinbaseTxOutputs:        []byte{},
		CoinbaseTxLocktime:       0,
	})

	got := handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{
		RequestID:      7,
		MiningJobToken: []byte("abc"),
	})
	want := stratumV2WireCommitMiningJob{
		RequestID:                7,
		MiningJobToken:           []byte("abc"),
		Version:                  2,
		CoinbaseTxVersion:        2,
		CoinbasePrefix:           []byte{},
		CoinbaseTxInputNSequence: 0xffffffff,
		CoinbaseTxValueRemaining: 5000000000,
		CoinbaseTxOutputs:        []byte{},
		CoinbaseTxLocktime:       0,
		MinExtranonceSize:        0,
		TxShortHashNonce:         0,
		TxShortHashList:          []shortTxID{},
		TxHashListHash:           [32]byte{},
		ExcessData:               []byte{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("commit mismatch:\n got=%#v\nwant=%#v", got, want)
	}
	if st := n.current.state(); st != roundStateJobCommitted {
		t.Fatalf("round state=%s want %s", st, roundStateJobCommitted)
	}
}

func TestJobNegotiatorCommitPassesThroughRequestAndToken(t *testing.T) {
	n := newTestJobNegotiator(t)
	n.setTemplate(testBlockTemplate(1, 625000000))

	cases := []struct {
		id    uint32
		token []byte
	}{
		{0, nil},
		{1, []byte{}},
		{0xffffffff, bytes.Repeat([]byte{0xab}, 255)},
		{42, []byte("token-42")},
	}
	for _, tc := range cases {
		got := handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{
			RequestID:                       tc.id,
			MiningJobToken:                  tc.token,
			CoinbaseOutputMaxAdditionalSize: 100,
		})
		if got.RequestID != tc.id {
			t.Fatalf("request_id=%d want %d", got.RequestID, tc.id)
		}
		if !bytes.Equal(got.MiningJobToken, tc.token) {
			t.Fatalf("token=%x want %x", got.MiningJobToken, tc.token)
		}
	}
}

func TestJobNegotiatorCommitProjectsLatestTemplate(t *testing.T) {
	n := newTestJobNegotiator(t)
	for id := uint64(1); id <= 3; id++ {
		tpl := testBlockTemplate(id, 312500000*id)
		n.setTemplate(tpl)
		got := handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: uint32(id)})
		if got.CoinbaseTxVersion != tpl.CoinbaseTxVersion ||
			!bytes.Equal(got.CoinbasePrefix, tpl.CoinbasePrefix) ||
			got.CoinbaseTxInputNSequence != tpl.CoinbaseTxInputSequence ||
			got.CoinbaseTxValueRemaining != tpl.CoinbaseTxValueRemaining ||
			!bytes.Equal(got.CoinbaseTxOutputs, tpl.CoinbaseTxOutputs) ||
			got.CoinbaseTxLocktime != tpl.CoinbaseTxLocktime {
			t.Fatalf("template %d: coinbase fields not copied verbatim: %#v", id, got)
		}
	}
}

func TestJobNegotiatorResponsesKeepRequestID(t *testing.T) {
	n := newTestJobNegotiator(t)
	n.extras = newSipHashCommitExtras(8)
	n.setTemplate(testTemplateWithTxs(1, 3))
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 11})

	for _, id := range []uint32{11, 12, 0} {
		out, err := n.handle(stratumV2WireIdentifyTransactions{RequestID: id})
		if err != nil {
			t.Fatalf("identify %d: %v", id, err)
		}
		if got := out.Respond.(stratumV2WireIdentifyTransactionsSuccess).RequestID; got != id {
			t.Fatalf("identify request_id=%d want %d", got, id)
		}
		out, err = n.handle(stratumV2WireProvideMissingTransactions{RequestID: id, UnknownTxPositionList: []uint16{0}})
		if err != nil {
			t.Fatalf("provide %d: %v", id, err)
		}
		if got := out.Respond.(stratumV2WireProvideMissingTransactionsSuccess).RequestID; got != id {
			t.Fatalf("provide request_id=%d want %d", got, id)
		}
	}
}

func TestJobNegotiatorRejectsProxyOnlyMessages(t *testing.T) {
	inbound := []stratumV2JobNegotiationMessage{
		stratumV2WireAllocateMiningJobToken{UserIdentifier: "u", RequestID: 1},
		stratumV2WireCommitMiningJob{RequestID: 2},
		stratumV2WireIdentifyTransactionsSuccess{RequestID: 3},
		stratumV2WireProvideMissingTransactionsSuccess{RequestID: 4},
	}
	for _, msg := range inbound {
		n := newTestJobNegotiator(t)
		fixed := time.Now()
		n.now = func() time.Time { return fixed }
		tpl := testBlockTemplate(1, 625000000)
		n.setTemplate(tpl)
		before := n.status()

		out, err := n.handle(msg)
		if !errors.Is(err, errUnexpectedMessage) {
			t.Fatalf("%T: err=%v want errUnexpectedMessage", msg, err)
		}
		var unexpected *unexpectedMessageError
		if !errors.As(err, &unexpected) || !reflect.DeepEqual(unexpected.Msg, msg) {
			t.Fatalf("%T: error does not carry the offending message: %v", msg, err)
		}
		if out.hasResponse() {
			t.Fatalf("%T: unexpected response %#v", msg, out.Respond)
		}
		if after := n.status(); after != before {
			t.Fatalf("%T: state changed: before=%#v after=%#v", msg, before, after)
		}
		if n.template != tpl {
			t.Fatalf("%T: template replaced", msg)
		}
	}
}

func TestJobNegotiatorCommitSuccessWithoutTemplate(t *testing.T) {
	n := newTestJobNegotiator(t)
	out, err := n.handle(stratumV2WireCommitMiningJobSuccess{RequestID: 9, NewMiningJobToken: []byte("next")})
	if err != nil {
		t.Fatalf("handle CommitMiningJobSuccess: %v", err)
	}
	if out.hasResponse() {
		t.Fatalf("unexpected response %#v", out.Respond)
	}
}

func TestJobNegotiatorCommitWithoutTemplatePanics(t *testing.T) {
	n := newTestJobNegotiator(t)
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected precondition panic")
		}
		if _, ok := r.(preconditionViolation); !ok {
			t.Fatalf("panic value %T(%v) want preconditionViolation", r, r)
		}
	}()
	_, _ = n.handle(stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 1, MiningJobToken: []byte("t")})
}

func TestJobNegotiatorSetNilTemplatePanics(t *testing.T) {
	n := newTestJobNegotiator(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for nil template")
		}
	}()
	n.setTemplate(nil)
}

func TestJobNegotiatorRoundLifecycle(t *testing.T) {
	n := newTestJobNegotiator(t)
	n.setTemplate(testBlockTemplate(1, 625000000))

	req := n.requestToken("proxy-user")
	if req.RequestID != 1 || req.UserIdentifier != "proxy-user" {
		t.Fatalf("token request=%#v", req)
	}
	if st := n.current.state(); st != roundStateTokenRequested {
		t.Fatalf("state=%s want %s", st, roundStateTokenRequested)
	}
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: req.RequestID})
	if _, err := n.handle(stratumV2WireCommitMiningJobSuccess{RequestID: req.RequestID}); err != nil {
		t.Fatalf("commit success: %v", err)
	}
	st := n.status()
	if st.RoundState != roundStateDone || st.Accepted != 1 || st.LastCommitID != 1 {
		t.Fatalf("status after accept=%#v", st)
	}
	if next := n.requestToken("proxy-user"); next.RequestID != 2 {
		t.Fatalf("second request_id=%d want 2", next.RequestID)
	}
}

func TestJobNegotiatorRejectionRetriesThenAbandons(t *testing.T) {
	opts := defaultJobNegotiatorOptions()
	opts.MaxCommitRetries = 2
	n := newJobNegotiator(opts)
	n.setTemplate(testBlockTemplate(1, 625000000))

	reject := func(id uint32) *poolRejectionError {
		t.Helper()
		n.requestToken("u")
		handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: id})
		out, err := n.handle(stratumV2WireCommitMiningJobError{RequestID: id, ErrorCode: "invalid-job"})
		if out.hasResponse() {
			t.Fatalf("rejection produced a response: %#v", out.Respond)
		}
		var rej *poolRejectionError
		if !errors.As(err, &rej) {
			t.Fatalf("err=%v want *poolRejectionError", err)
		}
		if !errors.Is(err, errPoolRejection) {
			t.Fatalf("rejection does not match errPoolRejection")
		}
		if rej.RequestID != id || rej.Code != "invalid-job" {
			t.Fatalf("rejection=%#v", rej)
		}
		return rej
	}

	for attempt := 1; attempt <= 2; attempt++ {
		rej := reject(uint32(attempt))
		if !rej.Retryable || rej.Attempt != attempt {
			t.Fatalf("attempt %d: %#v want retryable", attempt, rej)
		}
		if errors.Is(rej, errCommitRetriesExhausted) {
			t.Fatalf("attempt %d: retryable rejection reported as exhausted", attempt)
		}
		if st := n.current.state(); st != roundStateIdle {
			t.Fatalf("attempt %d: state=%s want idle", attempt, st)
		}
	}

	rej := reject(3)
	if rej.Retryable || !errors.Is(rej, errCommitRetriesExhausted) {
		t.Fatalf("third rejection=%#v want exhausted", rej)
	}
	if st := n.current.state(); st != roundStateFatal {
		t.Fatalf("state=%s want fatal", st)
	}
}

func TestJobNegotiatorAcceptResetsRejections(t *testing.T) {
	opts := defaultJobNegotiatorOptions()
	opts.MaxCommitRetries = 1
	n := newJobNegotiator(opts)
	n.setTemplate(testBlockTemplate(1, 625000000))

	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 1})
	_, err := n.handle(stratumV2WireCommitMiningJobError{RequestID: 1, ErrorCode: "stale"})
	var rej *poolRejectionError
	if !errors.As(err, &rej) || !rej.Retryable {
		t.Fatalf("first rejection err=%v", err)
	}
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 2})
	if _, err := n.handle(stratumV2WireCommitMiningJobSuccess{RequestID: 2}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if n.rejections != 0 {
		t.Fatalf("rejections=%d want 0 after accept", n.rejections)
	}
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 3})
	_, err = n.handle(stratumV2WireCommitMiningJobError{RequestID: 3, ErrorCode: "stale"})
	if !errors.As(err, &rej) || !rej.Retryable || rej.Attempt != 1 {
		t.Fatalf("rejection after accept=%v", err)
	}
}

func TestJobNegotiatorOverlappingRoundsSettleByRequestID(t *testing.T) {
	opts := defaultJobNegotiatorOptions()
	opts.MaxCommitRetries = 1
	n := newJobNegotiator(opts)

	n.setTemplate(testBlockTemplate(1, 625000000))
	first := n.requestToken("u")
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: first.RequestID})
	n.setTemplate(testBlockTemplate(2, 625000000))
	second := n.requestToken("u")
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: second.RequestID})

	// The pool answers the older round after the newer one was committed.
	out, err := n.handle(stratumV2WireCommitMiningJobSuccess{RequestID: first.RequestID})
	if err != nil || out.RequestID != first.RequestID {
		t.Fatalf("accept first: out=%#v err=%v", out, err)
	}
	if _, open := n.rounds[first.RequestID]; open {
		t.Fatalf("accepted round %d still open", first.RequestID)
	}
	if r, open := n.rounds[second.RequestID]; !open || r.state() != roundStateJobCommitted {
		t.Fatalf("round %d closed by an accept for %d", second.RequestID, first.RequestID)
	}
	st := n.status()
	if st.RoundState != roundStateJobCommitted || st.CurrentRequestID != second.RequestID || st.OpenRounds != 1 {
		t.Fatalf("status after out of order accept=%#v", st)
	}

	// A rejection of a round a newer one replaced spends no retries.
	n.setTemplate(testBlockTemplate(3, 625000000))
	third := n.requestToken("u")
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: third.RequestID})
	_, err = n.handle(stratumV2WireCommitMiningJobError{RequestID: second.RequestID, ErrorCode: "stale-template"})
	var rej *poolRejectionError
	if !errors.As(err, &rej) || !rej.Superseded || !rej.Retryable || rej.Attempt != 0 {
		t.Fatalf("superseded rejection=%v", err)
	}
	if n.rejections != 0 || n.current.state() != roundStateJobCommitted {
		t.Fatalf("rejections=%d current=%s after superseded rejection", n.rejections, n.current.state())
	}

	_, err = n.handle(stratumV2WireCommitMiningJobError{RequestID: third.RequestID, ErrorCode: "stale-template"})
	if !errors.As(err, &rej) || rej.Superseded || !rej.Retryable || rej.Attempt != 1 {
		t.Fatalf("current rejection=%v", err)
	}

	// A late accept for a closed round leaves the rejection count alone.
	if _, err := n.handle(stratumV2WireCommitMiningJobSuccess{RequestID: second.RequestID}); err != nil {
		t.Fatalf("late accept: %v", err)
	}
	if n.rejections != 1 {
		t.Fatalf("rejections=%d want 1 after a late accept", n.rejections)
	}
	if st := n.status(); st.Superseded != 1 || st.Accepted != 2 || st.OpenRounds != 0 {
		t.Fatalf("final status=%#v", st)
	}
}

func TestJobNegotiatorOldestStalledRound(t *testing.T) {
	n := newTestJobNegotiator(t)
	now := time.Unix(1700000000, 0)
	n.now = func() time.Time { return now }
	n.setTemplate(testBlockTemplate(1, 625000000))

	first := n.requestToken("u")
	now = now.Add(30 * time.Second)
	second := n.requestToken("u")
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: second.RequestID})
	if _, err := n.handle(stratumV2WireCommitMiningJobSuccess{RequestID: second.RequestID}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	now = now.Add(40 * time.Second)
	round, stalled := n.oldestStalledRound(time.Minute)
	if !stalled || round.RequestID != first.RequestID || round.State != roundStateTokenRequested || round.Age != 70*time.Second {
		t.Fatalf("stalled=%v round=%#v", stalled, round)
	}
	n.abandon()
	if _, stalled := n.oldestStalledRound(time.Minute); stalled {
		t.Fatalf("abandoned round still reported as stalled")
	}
	if st := n.status(); st.RoundState != roundStateFatal {
		t.Fatalf("state after abandon=%s", st.RoundState)
	}
}

func TestJobNegotiatorDropsOldestOpenRounds(t *testing.T) {
	opts := defaultJobNegotiatorOptions()
	opts.CommitHistorySize = 2
	n := newJobNegotiator(opts)
	for i := 0; i < 4; i++ {
		n.requestToken("u")
	}
	if len(n.rounds) != 2 {
		t.Fatalf("open rounds=%d want 2", len(n.rounds))
	}
	for _, id := range []uint32{3, 4} {
		if _, open := n.rounds[id]; !open {
			t.Fatalf("round %d dropped, want the newest rounds kept", id)
		}
	}
}

func TestJobNegotiatorIdentifyTransactionsMatchesCommittedList(t *testing.T) {
	n := newTestJobNegotiator(t)
	n.extras = &sipHashCommitExtras{minExtranonceSize: 8, nonce: func() uint64 { return 77 }}
	tpl := testTemplateWithTxs(1, 4)
	n.setTemplate(tpl)
	commit := handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 5})
	if len(commit.TxShortHashList) != 4 {
		t.Fatalf("short hash list len=%d want 4", len(commit.TxShortHashList))
	}

	// A newer template must not change what request 5 committed to.
	n.setTemplate(testTemplateWithTxs(2, 1))

	out, err := n.handle(stratumV2WireIdentifyTransactions{RequestID: 5})
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	hashes := out.Respond.(stratumV2WireIdentifyTransactionsSuccess).TxDataHashes
	if len(hashes) != len(tpl.Transactions) {
		t.Fatalf("hash list len=%d want %d", len(hashes), len(tpl.Transactions))
	}
	k0, k1 := shortTxIDKeys(commit.TxShortHashNonce)
	for i, h := range hashes {
		if h != [32]byte(tpl.Transactions[i].Wtxid) {
			t.Fatalf("hash %d=%x want %x", i, h, tpl.Transactions[i].Wtxid)
		}
		if id := computeShortTxID(k0, k1, h[:]); id != commit.TxShortHashList[i] {
			t.Fatalf("hash %d does not match committed short id", i)
		}
	}
}

func TestJobNegotiatorProvideMissingTransactions(t *testing.T) {
	n := newTestJobNegotiator(t)
	n.extras = newSipHashCommitExtras(0)
	tpl := testTemplateWithTxs(1, 3)
	n.setTemplate(tpl)
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 8})

	out, err := n.handle(stratumV2WireProvideMissingTransactions{RequestID: 8, UnknownTxPositionList: []uint16{2, 0, 2}})
	if err != nil {
		t.Fatalf("provide: %v", err)
	}
	got := out.Respond.(stratumV2WireProvideMissingTransactionsSuccess).TransactionList
	want := [][]byte{tpl.Transactions[2].Data, tpl.Transactions[0].Data, tpl.Transactions[2].Data}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("transactions=%x want %x", got, want)
	}

	_, err = n.handle(stratumV2WireProvideMissingTransactions{RequestID: 8, UnknownTxPositionList: []uint16{3}})
	var missing *missingTxIndexError
	if !errors.As(err, &missing) || missing.Index != 3 || missing.Count != 3 {
		t.Fatalf("out of range err=%v", err)
	}
}

func TestJobNegotiatorTransactionRequestsBeforeCommit(t *testing.T) {
	n := newTestJobNegotiator(t)
	if _, err := n.handle(stratumV2WireIdentifyTransactions{RequestID: 1}); !errors.Is(err, errNoCommittedJob) {
		t.Fatalf("identify err=%v want errNoCommittedJob", err)
	}
	if _, err := n.handle(stratumV2WireProvideMissingTransactions{RequestID: 1}); !errors.Is(err, errNoCommittedJob) {
		t.Fatalf("provide err=%v want errNoCommittedJob", err)
	}
}

func TestJobNegotiatorUnnegotiatedCommitListsNoTransactions(t *testing.T) {
	n := newTestJobNegotiator(t)
	n.setTemplate(testTemplateWithTxs(1, 2))
	handleCommit(t, n, stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 1})
	out, err := n.handle(stratumV2WireIdentifyTransactions{RequestID: 1})
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if hashes := out.Respond.(stratumV2WireIdentifyTransactionsSuccess).TxDataHashes; len(hashes) != 0 {
		t.Fatalf("hash list len=%d want 0 for an empty short-hash commitment", len(hashes))
	}
}

type unknownJobNegotiationMessage struct{}

func (unknownJobNegotiationMessage) jobNegotiationMsgType() uint8 { return 0x5f }

func TestJobNegotiatorUnknownVariantPanics(t *testing.T) {
	n := newTestJobNegotiator(t)
	defer func() {
		if _, ok := recover().(preconditionViolation); !ok {
			t.Fatalf("expected preconditionViolation panic")
		}
	}()
	_, _ = n.handle(unknownJobNegotiationMessage{})
}
