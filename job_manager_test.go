package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

type fakeTemplateRPC struct {
	mu    sync.Mutex
	gbt   GetBlockTemplateResult
	err   error
	calls int
}

func (f *fakeTemplateRPC) GetBlockTemplate(context.Context) (GetBlockTemplateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.gbt, f.err
}

func (f *fakeTemplateRPC) EndpointLabel() string { return "fake" }

func (f *fakeTemplateRPC) set(gbt GetBlockTemplateResult, err error) {
	f.mu.Lock()
	f.gbt = gbt
	f.err = err
	f.mu.Unlock()
}

func newTestTemplateFeed(rpc templateRPC) *templateFeed {
	return newTemplateFeed(rpc, defaultConfig(), &chaincfg.MainNetParams, nil)
}

func feedGBT(t *testing.T, txCount int, curTime int64) GetBlockTemplateResult {
	gbt := testGBT(t, txCount)
	gbt.CurTime = curTime
	return gbt
}

func TestApplyBlockTemplatePublishesOnChange(t *testing.T) {
	tf := newTestTemplateFeed(nil)
	gbt := feedGBT(t, 2, 1700000000)

	if err := tf.applyBlockTemplate(gbt); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first := tf.Current()
	if first == nil || first.TemplateID != 1 {
		t.Fatalf("current=%v want template 1", first)
	}

	// Same tip, value and transactions: nothing new is published.
	gbt.CurTime++
	if err := tf.applyBlockTemplate(gbt); err != nil {
		t.Fatalf("apply unchanged: %v", err)
	}
	if tf.Current() != first {
		t.Fatalf("unchanged template replaced the current one")
	}

	gbt.CoinbaseValue += 1000
	if err := tf.applyBlockTemplate(gbt); err != nil {
		t.Fatalf("apply changed value: %v", err)
	}
	if cur := tf.Current(); cur.TemplateID != 2 || cur.CoinbaseTxValueRemaining != uint64(gbt.CoinbaseValue) {
		t.Fatalf("current=%d value=%d", cur.TemplateID, cur.CoinbaseTxValueRemaining)
	}

	gbt.Transactions = gbt.Transactions[:1]
	if err := tf.applyBlockTemplate(gbt); err != nil {
		t.Fatalf("apply changed txs: %v", err)
	}
	if cur := tf.Current(); cur.TemplateID != 3 || len(cur.Transactions) != 1 {
		t.Fatalf("current=%d txs=%d", cur.TemplateID, len(cur.Transactions))
	}
	if st := tf.Status(); !st.Ready || st.TemplateID != 3 || st.Height != gbt.Height || st.Transactions != 1 || st.CoinbaseOuts != 1 {
		t.Fatalf("status=%#v", st)
	}
}

func TestApplyBlockTemplateRejectsStale(t *testing.T) {
	tf := newTestTemplateFeed(nil)
	gbt := feedGBT(t, 1, 1700000000)
	if err := tf.applyBlockTemplate(gbt); err != nil {
		t.Fatalf("apply: %v", err)
	}

	older := gbt
	older.Height--
	if err := tf.applyBlockTemplate(older); !errors.Is(err, errStaleTemplate) {
		t.Fatalf("height regression err=%v", err)
	}
	earlier := gbt
	earlier.CurTime--
	earlier.CoinbaseValue++
	if err := tf.applyBlockTemplate(earlier); !errors.Is(err, errStaleTemplate) {
		t.Fatalf("curtime regression err=%v", err)
	}
	bad := gbt
	bad.CurTime = 0
	if err := tf.applyBlockTemplate(bad); err == nil {
		t.Fatalf("expected curtime error")
	}
	if tf.Current().TemplateID != 1 {
		t.Fatalf("stale template was published")
	}
	st := tf.Status()
	if st.LastError == "" || len(st.ErrorHistory) != templateFeedErrorHistorySize {
		t.Fatalf("status error=%q history=%v", st.LastError, st.ErrorHistory)
	}

	// A good template clears the error and notes the recovery.
	next := gbt
	next.Height++
	next.CoinbaseValue = 625000000
	if err := tf.applyBlockTemplate(next); err != nil {
		t.Fatalf("apply next: %v", err)
	}
	st = tf.Status()
	if st.LastError != "" || st.ErrorHistory[len(st.ErrorHistory)-1] != "event: template feed recovered (rpc (unknown))" {
		t.Fatalf("status after recovery=%#v", st)
	}
}

func TestSubscribeDeliversCurrentThenUpdates(t *testing.T) {
	tf := newTestTemplateFeed(nil)
	if err := tf.applyBlockTemplate(feedGBT(t, 1, 1700000000)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ch := tf.Subscribe()
	defer tf.Unsubscribe(ch)

	if got := <-ch; got.TemplateID != 1 {
		t.Fatalf("first delivery=%d want current template", got.TemplateID)
	}

	next := feedGBT(t, 2, 1700000001)
	if err := tf.applyBlockTemplate(next); err != nil {
		t.Fatalf("apply next: %v", err)
	}
	tf.deliver(tf.Current(), 0)
	select {
	case got := <-ch:
		if got.TemplateID != 2 {
			t.Fatalf("update=%d want 2", got.TemplateID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no template delivered")
	}
	if tf.Subscribers() != 1 {
		t.Fatalf("subscribers=%d", tf.Subscribers())
	}
}

func TestDeliverSkipsOlderTemplates(t *testing.T) {
	tf := newTestTemplateFeed(nil)
	if err := tf.applyBlockTemplate(feedGBT(t, 1, 1700000000)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := tf.applyBlockTemplate(feedGBT(t, 2, 1700000001)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ch := tf.Subscribe()
	<-ch
	tf.deliver(&blockTemplate{TemplateID: 1}, 0)
	select {
	case got := <-ch:
		t.Fatalf("older template %d delivered", got.TemplateID)
	default:
	}
	tf.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed by Unsubscribe")
	}
	tf.Unsubscribe(ch)
}

func TestSendTemplateNonBlockingDropsOldest(t *testing.T) {
	ch := make(chan *blockTemplate, 2)
	for id := uint64(1); id <= 2; id++ {
		if sendTemplateNonBlocking(ch, &blockTemplate{TemplateID: id}) {
			t.Fatalf("send %d dropped with room in the buffer", id)
		}
	}
	if !sendTemplateNonBlocking(ch, &blockTemplate{TemplateID: 3}) {
		t.Fatalf("full channel should report a drop")
	}
	if a, b := <-ch, <-ch; a.TemplateID != 2 || b.TemplateID != 3 {
		t.Fatalf("channel holds %d,%d want 2,3", a.TemplateID, b.TemplateID)
	}
}

func TestTemplateFeedStartPublishesToSubscribers(t *testing.T) {
	rpc := &fakeTemplateRPC{}
	rpc.set(feedGBT(t, 1, 1700000000), nil)
	tf := newTestTemplateFeed(rpc)
	ch := tf.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	tf.Start(ctx)
	select {
	case got := <-ch:
		if got.TemplateID != 1 {
			t.Fatalf("template=%d want 1", got.TemplateID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("startup template not delivered")
	}

	rpc.set(GetBlockTemplateResult{}, errors.New("node down"))
	if err := tf.refreshTemplateMinInterval(ctx, "test", 0); err == nil {
		t.Fatalf("expected rpc error")
	}
	if st := tf.Status(); st.LastError != "node down" || !st.Ready {
		t.Fatalf("status=%#v", st)
	}

	cancel()
	tf.Wait()
	tf.Unsubscribe(ch)
}

func TestTemplateFeedRetryDelayBackoff(t *testing.T) {
	tf := newTestTemplateFeed(nil)
	want := []time.Duration{templateRetryDelayMin, 2 * templateRetryDelayMin, templateRetryDelayMax, templateRetryDelayMax}
	for i, w := range want {
		if got := tf.nextRetryDelay(); got != w {
			t.Fatalf("delay %d=%s want %s", i, got, w)
		}
	}
	tf.resetRetryDelay()
	if got := tf.nextRetryDelay(); got != templateRetryDelayMin {
		t.Fatalf("delay after reset=%s", got)
	}
}
