// Package history keeps a rolling, per-key record of recent observations so
// that threshold rules can ask "how many times did this happen lately".
//
// Observations are keyed by path and event kind. Each key holds a slice
// sorted by timestamp; every Record prunes that key to the retention window
// (one hour by default) measured against the index clock. Keys that are not
// written are not pruned until their next Record, and Query filters by its
// own lower bound, so stale entries are never counted.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/tripwire/watchtower/internal/event"
)

// DefaultRetention is how long an observation stays in the index.
const DefaultRetention = time.Hour

// Option configures an Index.
type Option func(*Index)

// WithClock overrides the clock used for pruning. Tests use this to move
// time forward without sleeping.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(ix *Index) {
		if d > 0 {
			ix.retention = d
		}
	}
}

// Index is the in-memory event history. The zero value is not usable; create
// one with New. It is safe for concurrent use, although the agent only ever
// writes from its single worker goroutine.
type Index struct {
	mu        sync.Mutex
	entries   map[string][]event.Observation
	retention time.Duration
	now       func() time.Time
}

// New returns an empty Index.
func New(opts ...Option) *Index {
	ix := &Index{
		entries:   make(map[string][]event.Observation),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Key returns the index key for a path and event kind.
func Key(path string, kind event.Kind) string {
	return path + ":" + string(kind)
}

// Record appends obs under its (path, event) key and drops every entry of
// that key older than now minus the retention window.
func (ix *Index) Record(obs event.Observation) {
	key := Key(obs.Path, obs.Event)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	seq := ix.entries[key]

	// Observations normally arrive in order; fall back to a sorted insert
	// when one does not so the slice stays ordered by timestamp.
	if n := len(seq); n == 0 || seq[n-1].Timestamp <= obs.Timestamp {
		seq = append(seq, obs)
	} else {
		i := sort.Search(n, func(i int) bool { return seq[i].Timestamp > obs.Timestamp })
		seq = append(seq, event.Observation{})
		copy(seq[i+1:], seq[i:])
		seq[i] = obs
	}

	cutoff := ix.now().Add(-ix.retention).UnixMilli()
	drop := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp >= cutoff })
	if drop > 0 {
		seq = append(seq[:0:0], seq[drop:]...)
	}

	if len(seq) == 0 {
		delete(ix.entries, key)
		return
	}
	ix.entries[key] = seq
}

// Query returns the observations stored for (path, kind) whose timestamp is
// at or after since (Unix milliseconds), oldest first. Unknown keys yield an
// empty, non-nil slice. The returned slice is a copy.
func (ix *Index) Query(path string, kind event.Kind, since int64) []event.Observation {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	seq := ix.entries[Key(path, kind)]
	i := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp >= since })

	out := make([]event.Observation, len(seq)-i)
	copy(out, seq[i:])
	return out
}

// Count is Query without the copy.
func (ix *Index) Count(path string, kind event.Kind, since int64) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	seq := ix.entries[Key(path, kind)]
	i := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp >= since })
	return len(seq) - i
}

// Clear empties every key.
func (ix *Index) Clear() {
	ix.mu.Lock()
	ix.entries = make(map[string][]event.Observation)
	ix.mu.Unlock()
}

// Stats reports the number of keys and the total number of stored
// observations.
func (ix *Index) Stats() (keys, observations int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, seq := range ix.entries {
		observations += len(seq)
	}
	return len(ix.entries), observations
}
