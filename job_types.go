package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/remeh/sizedwaitgroup"
)

// GetBlockTemplateResult mirrors the BIP22/23 getblocktemplate fields the
// proxy needs to build a coinbase skeleton.
type GetBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	LongPollID               string           `json:"longpollid"`
	Transactions             []GBTTransaction `json:"transactions"`
	Rules                    []string         `json:"rules"`
}

type GBTTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

// blockTemplate is one immutable snapshot of the coinbase skeleton plus the
// transaction set it was built with. Once published it is never modified;
// newer templates replace it.
type blockTemplate struct {
	TemplateID uint64
	Height     int64
	PrevHash   chainhash.Hash
	CreatedAt  time.Time

	CoinbaseTxVersion        uint32
	CoinbasePrefix           []byte
	CoinbaseTxInputSequence  uint32
	CoinbaseTxValueRemaining uint64
	CoinbaseTxOutputsCount   uint32
	CoinbaseTxOutputs        []byte
	CoinbaseTxLocktime       uint32

	Transactions []templateTx
}

// templateTx is a non-coinbase transaction in template order.
type templateTx struct {
	Txid  chainhash.Hash
	Wtxid chainhash.Hash
	Data  []byte
}

const (
	templateSubscriberBuffer = 4
	templateNotifyWorkers    = 8

	coinbaseTxVersion       = uint32(2)
	coinbaseInputSequence   = uint32(0xffffffff)
	maxCoinbaseTagBytes     = 64
	maxCoinbasePrefixLength = 100
)

const (
	templateRetryDelayMin = 5 * time.Second
	templateRetryDelayMax = 20 * time.Second
)

var errStaleTemplate = errors.New("stale template")

// templateRPC is the part of the node RPC client the feed needs.
type templateRPC interface {
	GetBlockTemplate(ctx context.Context) (GetBlockTemplateResult, error)
	EndpointLabel() string
}

const templateFeedErrorHistorySize = 3

// templateFeed keeps the latest block template and fans new ones out to
// subscribers (pool sessions).
type templateFeed struct {
	rpc     templateRPC
	cfg     Config
	params  *chaincfg.Params
	metrics *proxyMetrics

	mu     sync.RWMutex
	cur    *blockTemplate
	curGBT GetBlockTemplateResult
	nextID atomic.Uint64

	subs        map[chan *blockTemplate]struct{}
	subsMu      sync.Mutex
	notifyQueue chan *blockTemplate

	zmqHealthy     atomic.Bool
	zmqDisconnects uint64
	zmqReconnects  uint64

	lastErrMu          sync.RWMutex
	lastErr            error
	lastErrAt          time.Time
	lastSuccess        time.Time
	feedErrHistory     []string
	refreshMu          sync.Mutex
	lastRefreshAttempt time.Time
	applyMu            sync.Mutex

	notifyWg sizedwaitgroup.SizedWaitGroup

	retryDelay time.Duration
	retryMu    sync.Mutex
}

type templateFeedStatus struct {
	Ready          bool      `json:"ready"`
	Height         int64     `json:"height"`
	TemplateID     uint64    `json:"template_id"`
	Transactions   int       `json:"transactions"`
	CoinbaseOuts   uint32    `json:"coinbase_outputs"`
	LastSuccess    time.Time `json:"last_success"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
	ErrorHistory   []string  `json:"error_history,omitempty"`
	ZMQHealthy     bool      `json:"zmq_healthy"`
	ZMQDisconnects uint64    `json:"zmq_disconnects"`
	ZMQReconnects  uint64    `json:"zmq_reconnects"`
}
