// Package queue implements the durable FIFO each level executor dequeues
// its input from.
package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/storage"
)

const (
	incomingBucket   = "incoming"
	processingBucket = "processing"
	deadlineBucket   = "deadline"
)

// nowFunc is overridable in tests.
var nowFunc = time.Now

// Queue is a single role's durable incoming/processing FIFO, backed by a
// storage.DB. Items are opaque bytes; callers (level executors) own
// marshaling.
type Queue struct {
	db   storage.DB
	name string // namespaces this queue's keys, e.g. "l1", "l2"

	mu      sync.Mutex
	nextSeq uint64
}

// New creates a Queue named name (use the role, e.g. "l2") backed by db,
// recovering its sequence counter from whatever is already on disk.
func New(db storage.DB, name string) (*Queue, error) {
	q := &Queue{db: db, name: name}
	if err := q.loadNextSeq(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) key(bucket string, seq uint64) []byte {
	return []byte(fmt.Sprintf("QUEUE/%s/%s/%020d", q.name, bucket, seq))
}

func (q *Queue) loadNextSeq() error {
	var maxSeq uint64
	for _, bucket := range []string{incomingBucket, processingBucket} {
		prefix := []byte(fmt.Sprintf("QUEUE/%s/%s/", q.name, bucket))
		it := q.db.NewIterator(prefix)
		for it.Next() {
			key := string(it.Key())
			if len(key) < 20 {
				continue
			}
			seqStr := key[len(key)-20:]
			var seq uint64
			if _, err := fmt.Sscanf(seqStr, "%020d", &seq); err == nil && seq >= maxSeq {
				maxSeq = seq + 1
			}
		}
		if err := it.Error(); err != nil {
			it.Release()
			return err
		}
		it.Release()
	}
	q.nextSeq = maxSeq
	return nil
}

// DeadlineKey derives the TTL key for item: deadlines are keyed by
// sha256(item), so re-enqueueing identical bytes shares one deadline.
func DeadlineKey(item []byte) []byte {
	sum := sha256.Sum256(item)
	return []byte("dc:tx:deadline:" + hex.EncodeToString(sum[:]))
}

// Enqueue pushes item onto the incoming bucket. If ttl > 0, a deadline is
// recorded; only L2-4 dequeues honor it.
func (q *Queue) Enqueue(item []byte, ttl time.Duration) error {
	q.mu.Lock()
	seq := q.nextSeq
	q.nextSeq++
	q.mu.Unlock()

	batch := q.db.NewBatch()
	batch.Set(q.key(incomingBucket, seq), item)
	if ttl > 0 {
		deadline := nowFunc().Add(ttl).Unix()
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(deadline))
		batch.Set(DeadlineKey(item), buf[:])
	}
	return batch.Write()
}

// Recover moves every item in processing back to incoming. Called by a
// level executor at startup, restoring at-least-once delivery after a
// crash that happened between dequeue and clear.
func (q *Queue) Recover() error {
	prefix := []byte(fmt.Sprintf("QUEUE/%s/%s/", q.name, processingBucket))
	it := q.db.NewIterator(prefix)
	defer it.Release()

	type entry struct {
		key, val []byte
	}
	var entries []entry
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		entries = append(entries, entry{k, v})
	}
	if err := it.Error(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	batch := q.db.NewBatch()
	q.mu.Lock()
	for _, e := range entries {
		batch.Delete(e.key)
		batch.Set(q.key(incomingBucket, q.nextSeq), e.val)
		q.nextSeq++
	}
	q.mu.Unlock()
	return batch.Write()
}

// ClearProcessing deletes every item currently in the processing bucket.
// Called only after the work product has been durably persisted.
func (q *Queue) ClearProcessing() error {
	prefix := []byte(fmt.Sprintf("QUEUE/%s/%s/", q.name, processingBucket))
	it := q.db.NewIterator(prefix)
	defer it.Release()

	batch := q.db.NewBatch()
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	if err := it.Error(); err != nil {
		return err
	}
	return batch.Write()
}

// IsExpired reports whether item's deadline (if any) has passed.
func (q *Queue) IsExpired(item []byte) (bool, error) {
	data, err := q.db.Get(DeadlineKey(item))
	if err == core.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	deadline := int64(binary.BigEndian.Uint64(data))
	return nowFunc().Unix() > deadline, nil
}

// NextItem atomically moves one item from incoming to processing and
// returns it. honorDeadline should be true for L2-4 (which silently
// discard expired items) and false for L1/L5 (which never expire).
// Returns (nil, nil) when incoming is empty.
func (q *Queue) NextItem(honorDeadline bool) ([]byte, error) {
	for {
		prefix := []byte(fmt.Sprintf("QUEUE/%s/%s/", q.name, incomingBucket))
		it := q.db.NewIterator(prefix)
		ok := it.Next()
		if !ok {
			it.Release()
			return nil, it.Error()
		}
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		val := make([]byte, len(it.Value()))
		copy(val, it.Value())
		it.Release()

		if honorDeadline {
			expired, err := q.IsExpired(val)
			if err != nil {
				return nil, err
			}
			if expired {
				if err := q.db.Delete(key); err != nil {
					return nil, err
				}
				continue
			}
		}

		seq, err := seqFromKey(key)
		if err != nil {
			return nil, err
		}
		batch := q.db.NewBatch()
		batch.Delete(key)
		batch.Set(q.key(processingBucket, seq), val)
		if err := batch.Write(); err != nil {
			return nil, err
		}
		return val, nil
	}
}

// NextBatch moves up to max items from incoming to processing in one call
// (L1's get_new_transactions / L5's batch collection). Never checks
// deadlines.
func (q *Queue) NextBatch(max int) ([][]byte, error) {
	prefix := []byte(fmt.Sprintf("QUEUE/%s/%s/", q.name, incomingBucket))
	it := q.db.NewIterator(prefix)
	defer it.Release()

	type entry struct {
		key, val []byte
	}
	var entries []entry
	for len(entries) < max && it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		entries = append(entries, entry{k, v})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	batch := q.db.NewBatch()
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		seq, err := seqFromKey(e.key)
		if err != nil {
			return nil, err
		}
		batch.Delete(e.key)
		batch.Set(q.key(processingBucket, seq), e.val)
		out = append(out, e.val)
	}
	if err := batch.Write(); err != nil {
		return nil, err
	}
	return out, nil
}

func seqFromKey(key []byte) (uint64, error) {
	s := string(key)
	if len(s) < 20 {
		return 0, fmt.Errorf("queue: malformed key %q", s)
	}
	var seq uint64
	if _, err := fmt.Sscanf(s[len(s)-20:], "%020d", &seq); err != nil {
		return 0, fmt.Errorf("queue: parse sequence from %q: %w", s, err)
	}
	return seq, nil
}
