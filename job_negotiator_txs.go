package main

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// committedJob is what the proxy committed under one request_id: enough to
// answer the pool's transaction follow-ups for that job.
type committedJob struct {
	RequestID   uint32
	Token       []byte
	TemplateID  uint64
	Height      int64
	Txs         []templateTx
	CommittedAt time.Time
}

// commitTable maps request_id to committed jobs. Entries expire after ttl and
// the table holds at most size jobs; the most recent commit is kept apart so
// follow-ups carrying an unrelated request_id still resolve.
type commitTable struct {
	jobs   *ttlcache.Cache[uint32, *committedJob]
	latest *committedJob
}

func newCommitTable(size int, ttl time.Duration) *commitTable {
	return &commitTable{
		jobs: ttlcache.New[uint32, *committedJob](
			ttlcache.WithTTL[uint32, *committedJob](ttl),
			ttlcache.WithCapacity[uint32, *committedJob](uint64(size)),
			ttlcache.WithDisableTouchOnHit[uint32, *committedJob](),
		),
	}
}

func (t *commitTable) record(job *committedJob) {
	t.jobs.Set(job.RequestID, job, ttlcache.DefaultTTL)
	t.latest = job
}

func (t *commitTable) lookup(requestID uint32) (*committedJob, error) {
	if item := t.jobs.Get(requestID); item != nil {
		return item.Value(), nil
	}
	if t.latest == nil {
		return nil, errNoCommittedJob
	}
	return t.latest, nil
}

func (t *commitTable) len() int {
	return t.jobs.Len()
}

// transactionHashes lists the wtxids the job committed to, in commit order.
func (j *committedJob) transactionHashes() [][32]byte {
	out := make([][32]byte, len(j.Txs))
	for i, tx := range j.Txs {
		out[i] = tx.Wtxid
	}
	return out
}

func (j *committedJob) transactionsAt(requestID uint32, positions []uint16) ([][]byte, error) {
	out := make([][]byte, 0, len(positions))
	for _, pos := range positions {
		if int(pos) >= len(j.Txs) {
			return nil, &missingTxIndexError{RequestID: requestID, Index: pos, Count: len(j.Txs)}
		}
		out = append(out, j.Txs[pos].Data)
	}
	return out, nil
}
