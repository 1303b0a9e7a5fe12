package main

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/dchest/siphash"
)

// commitExtras are the CommitMiningJob fields that do not come from the
// template's coinbase: extranonce sizing and the transaction short-hash
// commitment. Referenced is the ordered transaction list the short-hash list
// commits to; follow-up IdentifyTransactions / ProvideMissingTransactions
// requests are answered from it.
type commitExtras struct {
	MinExtranonceSize uint16
	TxShortHashNonce  uint64
	TxShortHashList   []shortTxID
	TxHashListHash    [32]byte
	ExcessData        []byte
	Referenced        []templateTx
}

type commitExtrasPolicy interface {
	commitExtras(tpl *blockTemplate) commitExtras
}

// unnegotiatedCommitExtras commits to no transactions and asks for no
// extranonce space: (0, 0, [], [0;32], []).
type unnegotiatedCommitExtras struct{}

func (unnegotiatedCommitExtras) commitExtras(*blockTemplate) commitExtras {
	return commitExtras{
		TxShortHashList: []shortTxID{},
		ExcessData:      []byte{},
	}
}

// sipHashCommitExtras commits to every template transaction with BIP152
// style short ids keyed from a fresh nonce per commit.
type sipHashCommitExtras struct {
	minExtranonceSize uint16
	nonce             func() uint64
}

func newSipHashCommitExtras(minExtranonceSize uint16) *sipHashCommitExtras {
	return &sipHashCommitExtras{minExtranonceSize: minExtranonceSize, nonce: rand.Uint64}
}

func (p *sipHashCommitExtras) commitExtras(tpl *blockTemplate) commitExtras {
	nonce := p.nonce()
	k0, k1 := shortTxIDKeys(nonce)
	ids := make([]shortTxID, 0, len(tpl.Transactions))
	concat := make([]byte, 0, len(tpl.Transactions)*32)
	for _, tx := range tpl.Transactions {
		ids = append(ids, computeShortTxID(k0, k1, tx.Wtxid[:]))
		concat = append(concat, tx.Wtxid[:]...)
	}
	return commitExtras{
		MinExtranonceSize: p.minExtranonceSize,
		TxShortHashNonce:  nonce,
		TxShortHashList:   ids,
		TxHashListHash:    sha256Sum(concat),
		ExcessData:        []byte{},
		Referenced:        tpl.Transactions,
	}
}

// shortTxIDKeys derives the SipHash keys: the first two little-endian u64s of
// SHA256(nonce as 8 LE bytes).
func shortTxIDKeys(nonce uint64) (k0, k1 uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	sum := sha256Sum(buf[:])
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

func computeShortTxID(k0, k1 uint64, wtxid []byte) shortTxID {
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], siphash.Hash(k0, k1, wtxid))
	var id shortTxID
	copy(id[:], full[:6])
	return id
}

func commitExtrasPolicyForConfig(cfg Config) (commitExtrasPolicy, error) {
	switch cfg.ShortHashMode {
	case shortHashModeOff, "":
		return unnegotiatedCommitExtras{}, nil
	case shortHashModeSipHash:
		return newSipHashCommitExtras(uint16(cfg.MinExtranonceSize)), nil
	default:
		return nil, fmt.Errorf("unknown short hash mode %q", cfg.ShortHashMode)
	}
}
