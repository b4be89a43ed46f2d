package queue

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Deduplicator suppresses repeat submissions of the same
// (workflow, robot, params) tuple inside a time window.
//
// Expiry is lazy: stale entries are dropped when they are next looked up or
// recorded over. No background sweep.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[uint64]time.Time
}

func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Deduplicator{
		window: window,
		seen:   map[uint64]time.Time{},
	}
}

// Record stores the submission and returns its content hash.
func (d *Deduplicator) Record(workflowID, robotID string, params map[string]any) uint64 {
	h := contentHash(workflowID, robotID, params)
	d.mu.Lock()
	d.seen[h] = time.Now()
	d.mu.Unlock()
	return h
}

// IsDuplicate reports whether a matching submission was recorded within the
// window. Entries older than the window are treated as expired and removed.
func (d *Deduplicator) IsDuplicate(workflowID, robotID string, params map[string]any) bool {
	h := contentHash(workflowID, robotID, params)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[h]
	if !ok {
		return false
	}
	if now.Sub(at) >= d.window {
		delete(d.seen, h)
		return false
	}
	return true
}

// Len returns the number of recorded entries, expired or not.
// Diagnostics only.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// contentHash is a stable FNV-64a hash over the canonicalized tuple.
// The hash must cover params: same workflow+robot with different params is
// not a duplicate. It never leaves the process, so the algorithm is not a
// protocol contract.
func contentHash(workflowID, robotID string, params map[string]any) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(workflowID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(robotID))
	_, _ = h.Write([]byte("|"))
	if len(params) > 0 {
		// json.Marshal sorts map keys, so key order in the caller's map
		// cannot change the hash.
		if b, err := json.Marshal(params); err == nil {
			_, _ = h.Write(b)
		} else {
			_, _ = h.Write([]byte(fmt.Sprint(params)))
		}
	}
	return h.Sum64()
}
