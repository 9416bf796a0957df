// Package watcher turns filesystem notifications for a directory tree into
// the (kind, path) changes consumed by the observation pipeline.
package watcher

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/tripwire/watchtower/internal/pattern"
)

// defaultBufferSize is the capacity of the channel returned by Events.
const defaultBufferSize = 256

// Options tunes a FileWatcher.
type Options struct {
	// Debounce coalesces bursts of writes to one path into a single change
	// event emitted once the path has been quiet for this long. Zero emits
	// every write.
	Debounce time.Duration

	// Ignore lists path patterns whose events are dropped. Patterns use the
	// rule file-pattern syntax and are tested against the full path.
	// Ignored directories are not descended into.
	Ignore []string

	// IgnoreNames lists name patterns tested against every path element
	// below the root, so ".*" drops dotfiles and anything inside a dot
	// directory without affecting a root that itself sits under one.
	IgnoreNames []string

	// Exclude lists files or directories that are never reported, typically
	// the daemon's own data files. Relative entries are resolved against
	// the working directory. Entries outside the tree, or covering the root
	// itself, have no effect.
	Exclude []string

	// BufferSize is the capacity of the Events channel. Zero or negative
	// uses defaultBufferSize.
	BufferSize int
}

// ignoreMatcher compiles the ignore list into a single matcher, or nil when
// there is nothing to ignore.
func (o Options) ignoreMatcher() *pattern.Matcher {
	if len(o.Ignore) == 0 {
		return nil
	}
	return pattern.Compile(strings.Join(o.Ignore, "|"))
}

// nameMatcher compiles IgnoreNames, or returns nil when it is empty.
func (o Options) nameMatcher() *pattern.Matcher {
	if len(o.IgnoreNames) == 0 {
		return nil
	}
	return pattern.Compile(strings.Join(o.IgnoreNames, "|"))
}

// excludedPaths maps the Exclude entries onto the form event paths take
// under root. Entries that cannot be resolved, lie outside root, or equal
// root are dropped.
func (o Options) excludedPaths(root string) []string {
	if len(o.Exclude) == 0 {
		return nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil
	}
	var out []string
	for _, ex := range o.Exclude {
		if ex == "" {
			continue
		}
		absEx, err := filepath.Abs(ex)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, absEx)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, filepath.Join(root, rel))
	}
	return out
}
