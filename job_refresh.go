package main

import (
	"context"
	"time"
)

const templateRefreshMinInterval = 100 * time.Millisecond

func (tf *templateFeed) refreshTemplate(ctx context.Context, trigger string) error {
	return tf.refreshTemplateMinInterval(ctx, trigger, templateRefreshMinInterval)
}

func (tf *templateFeed) refreshTemplateMinInterval(ctx context.Context, trigger string, minInterval time.Duration) error {
	tf.refreshMu.Lock()
	defer tf.refreshMu.Unlock()
	if minInterval > 0 && time.Since(tf.lastRefreshAttempt) < minInterval {
		return nil
	}
	tf.lastRefreshAttempt = time.Now()
	tf.metrics.RecordTemplateRefresh(trigger)

	gbt, err := tf.rpc.GetBlockTemplate(ctx)
	if err != nil {
		tf.recordTemplateError(err)
		return err
	}
	return tf.applyBlockTemplate(gbt)
}

// applyBlockTemplate builds and publishes a template from gbt unless it is
// equivalent to the current one.
func (tf *templateFeed) applyBlockTemplate(gbt GetBlockTemplateResult) error {
	tf.applyMu.Lock()
	defer tf.applyMu.Unlock()

	if err := tf.checkStale(gbt); err != nil {
		tf.recordTemplateError(err)
		return err
	}
	if !tf.templateChanged(gbt) {
		return nil
	}

	tpl, err := buildBlockTemplate(gbt, tf.cfg.CoinbaseTag, tf.params, tf.nextID.Add(1))
	if err != nil {
		tf.recordTemplateError(err)
		return err
	}

	tf.mu.Lock()
	tf.cur = tpl
	tf.curGBT = gbt
	tf.mu.Unlock()

	tf.recordTemplateSuccess(tpl)
	logger.Info("new block template",
		"height", tpl.Height,
		"template_id", tpl.TemplateID,
		"txs", len(tpl.Transactions),
		"value", tpl.CoinbaseTxValueRemaining)
	tf.broadcastTemplate(tpl)
	return nil
}
