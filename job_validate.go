package main

import (
	"fmt"
)

// checkStale rejects templates that would move the tip backwards relative to
// the published one.
func (tf *templateFeed) checkStale(gbt GetBlockTemplateResult) error {
	if gbt.CurTime <= 0 {
		return fmt.Errorf("template curtime invalid: %d", gbt.CurTime)
	}
	tf.mu.RLock()
	cur := tf.cur
	prev := tf.curGBT
	tf.mu.RUnlock()
	if cur == nil {
		return nil
	}
	if gbt.Height < prev.Height {
		return fmt.Errorf("%w: template height regressed from %d to %d", errStaleTemplate, prev.Height, gbt.Height)
	}
	if gbt.Height == prev.Height && gbt.Previous == prev.Previous && gbt.CurTime < prev.CurTime {
		return fmt.Errorf("%w: template curtime regressed from %d to %d", errStaleTemplate, prev.CurTime, gbt.CurTime)
	}
	return nil
}

// templateChanged reports whether gbt differs from the published template in
// anything the committed job carries: tip, coinbase value, witness commitment
// or the transaction list.
func (tf *templateFeed) templateChanged(gbt GetBlockTemplateResult) bool {
	tf.mu.RLock()
	cur := tf.cur
	prev := tf.curGBT
	tf.mu.RUnlock()

	if cur == nil {
		return true
	}
	if gbt.Previous != prev.Previous ||
		gbt.Height != prev.Height ||
		gbt.CoinbaseValue != prev.CoinbaseValue ||
		gbt.DefaultWitnessCommitment != prev.DefaultWitnessCommitment {
		return true
	}
	if len(gbt.Transactions) != len(prev.Transactions) {
		return true
	}
	for i, tx := range gbt.Transactions {
		if tx.Txid != prev.Transactions[i].Txid || tx.Hash != prev.Transactions[i].Hash {
			return true
		}
	}
	return false
}
