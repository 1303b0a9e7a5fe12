package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// buildBlockTemplate turns a getblocktemplate result into the coinbase
// skeleton committed to the pool. The pool owns payout outputs; the template
// only carries outputs the node requires (the witness commitment) and the
// value left for the pool to allocate.
func buildBlockTemplate(tpl GetBlockTemplateResult, coinbaseTag string, params *chaincfg.Params, templateID uint64) (*blockTemplate, error) {
	if tpl.Height <= 0 {
		return nil, fmt.Errorf("template height invalid: %d", tpl.Height)
	}
	prevHash, err := chainhash.NewHashFromStr(tpl.Previous)
	if err != nil {
		return nil, fmt.Errorf("decode previousblockhash: %w", err)
	}
	if err := validateCoinbaseValue(tpl.Height, tpl.CoinbaseValue, params); err != nil {
		return nil, err
	}

	prefix, err := buildCoinbasePrefix(tpl.Height, coinbaseTag)
	if err != nil {
		return nil, err
	}

	outputs, outputCount, err := serializeRequiredCoinbaseOutputs(tpl.DefaultWitnessCommitment)
	if err != nil {
		return nil, err
	}

	txs, err := decodeTemplateTransactions(tpl.Transactions)
	if err != nil {
		return nil, err
	}

	return &blockTemplate{
		TemplateID:               templateID,
		Height:                   tpl.Height,
		PrevHash:                 *prevHash,
		CreatedAt:                time.Now(),
		CoinbaseTxVersion:        coinbaseTxVersion,
		CoinbasePrefix:           prefix,
		CoinbaseTxInputSequence:  coinbaseInputSequence,
		CoinbaseTxValueRemaining: uint64(tpl.CoinbaseValue),
		CoinbaseTxOutputsCount:   outputCount,
		CoinbaseTxOutputs:        outputs,
		CoinbaseTxLocktime:       0,
		Transactions:             txs,
	}, nil
}

func validateCoinbaseValue(height int64, value int64, params *chaincfg.Params) error {
	if value <= 0 {
		return fmt.Errorf("template coinbasevalue must be positive, got %d", value)
	}
	if value > btcutil.MaxSatoshi {
		return fmt.Errorf("template coinbasevalue %d exceeds max money", value)
	}
	if params == nil {
		return nil
	}
	// Fees are never negative, so the template can not offer less than the subsidy.
	subsidy := blockchain.CalcBlockSubsidy(int32(height), params)
	if value < subsidy {
		return fmt.Errorf("template coinbasevalue %d below subsidy %d at height %d", value, subsidy, height)
	}
	return nil
}

// buildCoinbasePrefix returns the scriptSig bytes that precede the
// extranonce: the BIP34 height push and an optional tag push.
func buildCoinbasePrefix(height int64, tag string) ([]byte, error) {
	tag = strings.TrimSpace(tag)
	if len(tag) > maxCoinbaseTagBytes {
		return nil, fmt.Errorf("coinbase tag too long: %d > %d", len(tag), maxCoinbaseTagBytes)
	}
	b := txscript.NewScriptBuilder().AddInt64(height)
	if tag != "" {
		b.AddData([]byte(tag))
	}
	prefix, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("build coinbase prefix: %w", err)
	}
	if len(prefix) > maxCoinbasePrefixLength {
		return nil, fmt.Errorf("coinbase prefix too long: %d", len(prefix))
	}
	return prefix, nil
}

func serializeRequiredCoinbaseOutputs(witnessCommitment string) ([]byte, uint32, error) {
	witnessCommitment = strings.TrimSpace(witnessCommitment)
	if witnessCommitment == "" {
		return nil, 0, nil
	}
	script, err := hex.DecodeString(witnessCommitment)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid default witness commitment: %w", err)
	}
	if len(script) == 0 {
		return nil, 0, fmt.Errorf("default witness commitment empty")
	}
	var buf bytes.Buffer
	if err := wire.WriteTxOut(&buf, 0, int32(coinbaseTxVersion), wire.NewTxOut(0, script)); err != nil {
		return nil, 0, fmt.Errorf("serialize witness commitment output: %w", err)
	}
	return buf.Bytes(), 1, nil
}

func decodeTemplateTransactions(txs []GBTTransaction) ([]templateTx, error) {
	out := make([]templateTx, 0, len(txs))
	for i, tx := range txs {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("decode tx %d data: %w", i, err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("tx %d data empty", i)
		}
		var msg wire.MsgTx
		if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("tx %d decode: %w", i, err)
		}
		txid := msg.TxHash()
		wtxid := msg.WitnessHash()
		if tx.Txid != "" && !strings.EqualFold(tx.Txid, txid.String()) {
			return nil, fmt.Errorf("tx %d txid mismatch with provided data", i)
		}
		if tx.Hash != "" && !strings.EqualFold(tx.Hash, wtxid.String()) {
			return nil, fmt.Errorf("tx %d wtxid mismatch with provided data", i)
		}
		out = append(out, templateTx{Txid: txid, Wtxid: wtxid, Data: raw})
	}
	return out, nil
}
