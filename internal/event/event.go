// Package event defines the filesystem observation types shared by the
// watcher, the rule pipeline, and the audit store.
package event

import (
	"strings"
	"time"
)

// Kind classifies a filesystem mutation reported by the watcher.
type Kind string

const (
	// KindAdd indicates a file was created.
	KindAdd Kind = "add"
	// KindChange indicates an existing file was written.
	KindChange Kind = "change"
	// KindUnlink indicates a file was removed.
	KindUnlink Kind = "unlink"
	// KindAddDir indicates a directory was created.
	KindAddDir Kind = "addDir"
	// KindUnlinkDir indicates a directory was removed.
	KindUnlinkDir Kind = "unlinkDir"
)

// Kinds lists every known event kind in a stable order.
var Kinds = []Kind{KindAdd, KindChange, KindUnlink, KindAddDir, KindUnlinkDir}

// Valid reports whether k is one of the five known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAdd, KindChange, KindUnlink, KindAddDir, KindUnlinkDir:
		return true
	}
	return false
}

// ParseSet splits a "|"-joined kind list into its members. Surrounding
// whitespace is trimmed and empty members are dropped; unknown members are
// returned as-is so callers can decide how to treat them.
func ParseSet(s string) []Kind {
	parts := strings.Split(s, "|")
	out := make([]Kind, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Kind(p))
	}
	return out
}

// Observation is a single filesystem change as seen by the pipeline.
// Timestamp is Unix milliseconds, stamped by the agent at receipt.
type Observation struct {
	Event     Kind   `json:"event"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// Time returns the observation timestamp as a time.Time.
func (o Observation) Time() time.Time {
	return time.UnixMilli(o.Timestamp)
}

// Change is the raw (kind, path) pair emitted by a watcher before the agent
// stamps it into an Observation.
type Change struct {
	Kind Kind
	Path string
}

// Millis converts t to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
