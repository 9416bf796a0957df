// Package audit provides the monitor's durable audit trail: two append-only
// JSON-lines journals (raw observations and rule matches) and a mutable JSON
// rule file.
//
// # Files
//
// All files live in one data directory:
//
//	observations.jsonl  one ObservationEntry per line
//	matches.jsonl       one rules.Match per line
//	rules.json          a JSON array of rules.Rule
//
// Journal appends are fsynced before returning, so a match recorded by the
// notifier survives a crash that happens while handlers are still running.
// The rule file is rewritten atomically (temp file, fsync, rename).
//
// # Degradation
//
// A rule file that cannot be parsed reads as an empty rule set and malformed
// journal lines are skipped on read-back. Neither condition is an error for
// the caller; both are logged.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/rules"
)

const (
	observationsFile = "observations.jsonl"
	matchesFile      = "matches.jsonl"
	rulesFile        = "rules.json"
)

// ErrRuleNotFound is returned by DeleteRule when no rule has the given id.
var ErrRuleNotFound = errors.New("audit: rule not found")

// Kind selects a journal for ReadTail.
type Kind string

const (
	KindObservations Kind = "observations"
	KindMatches      Kind = "matches"
)

// ObservationEntry is the persisted form of an observation.
type ObservationEntry struct {
	ID string `json:"id"`
	event.Observation
}

// Store is the file-backed audit store. It is safe for concurrent use.
type Store struct {
	dir    string
	logger *slog.Logger

	observations *Journal
	matches      *Journal

	// rulesMu serialises read-modify-write cycles on the rule file.
	rulesMu sync.Mutex
}

// Open creates dir if needed and opens both journals.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create data dir %q: %w", dir, err)
	}

	obs, err := OpenJournal(filepath.Join(dir, observationsFile))
	if err != nil {
		return nil, err
	}
	matches, err := OpenJournal(filepath.Join(dir, matchesFile))
	if err != nil {
		_ = obs.Close()
		return nil, err
	}

	return &Store{
		dir:          dir,
		logger:       logger,
		observations: obs,
		matches:      matches,
	}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// AppendObservation appends one observation record.
func (s *Store) AppendObservation(entry ObservationEntry) error {
	if err := s.observations.Append(entry); err != nil {
		return fmt.Errorf("audit: append observation: %w", err)
	}
	return nil
}

// AppendMatch appends one rule match record.
func (s *Store) AppendMatch(m rules.Match) error {
	if err := s.matches.Append(m); err != nil {
		return fmt.Errorf("audit: append match: %w", err)
	}
	return nil
}

// ReadRules returns the stored rule set. A missing file is an empty set; a
// file that does not parse is logged and also read as an empty set.
func (s *Store) ReadRules() []rules.Rule {
	rs, err := s.loadRules()
	if err != nil {
		s.logger.Warn("audit: rule file unreadable, using empty rule set",
			slog.String("path", s.rulesPath()),
			slog.Any("error", err),
		)
		return []rules.Rule{}
	}
	return rs
}

// AddRule appends r to the rule set. A rule with the same id is replaced.
func (s *Store) AddRule(r rules.Rule) error {
	if r.ID == "" {
		return errors.New("audit: rule id is required")
	}

	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	current := s.ReadRules()
	next := make([]rules.Rule, 0, len(current)+1)
	for _, existing := range current {
		if existing.ID != r.ID {
			next = append(next, existing)
		}
	}
	next = append(next, r)
	return s.writeRules(next)
}

// DeleteRule removes the rule with the given id. Matches already recorded
// for it are kept.
func (s *Store) DeleteRule(id string) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	current := s.ReadRules()
	next := make([]rules.Rule, 0, len(current))
	for _, r := range current {
		if r.ID != id {
			next = append(next, r)
		}
	}
	if len(next) == len(current) {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	return s.writeRules(next)
}

// ReadTail returns up to limit of the newest well-formed records of the
// given journal, oldest first.
func (s *Store) ReadTail(kind Kind, limit int) ([]json.RawMessage, error) {
	switch kind {
	case KindObservations:
		return s.observations.Tail(limit, decodes[ObservationEntry])
	case KindMatches:
		return s.matches.Tail(limit, decodes[rules.Match])
	default:
		return nil, fmt.Errorf("audit: unknown journal %q", kind)
	}
}

// TailObservations is ReadTail for the observation journal, decoded.
func (s *Store) TailObservations(limit int) ([]ObservationEntry, error) {
	raw, err := s.ReadTail(KindObservations, limit)
	if err != nil {
		return nil, err
	}
	return decodeAll[ObservationEntry](raw), nil
}

// TailMatches is ReadTail for the match journal, decoded.
func (s *Store) TailMatches(limit int) ([]rules.Match, error) {
	raw, err := s.ReadTail(KindMatches, limit)
	if err != nil {
		return nil, err
	}
	return decodeAll[rules.Match](raw), nil
}

// Counts returns the number of lines in each journal.
func (s *Store) Counts() (observations, matches int64) {
	return s.observations.Len(), s.matches.Len()
}

// Close closes both journals.
func (s *Store) Close() error {
	return errors.Join(s.observations.Close(), s.matches.Close())
}

var utf8BOM = []byte("\xef\xbb\xbf")

func (s *Store) rulesPath() string {
	return filepath.Join(s.dir, rulesFile)
}

func (s *Store) loadRules() ([]rules.Rule, error) {
	data, err := os.ReadFile(s.rulesPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []rules.Rule{}, nil
		}
		return nil, err
	}
	// Editors on Windows prepend a byte order mark.
	data = bytes.TrimPrefix(data, utf8BOM)
	var rs []rules.Rule
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	if rs == nil {
		rs = []rules.Rule{}
	}
	return rs, nil
}

func (s *Store) writeRules(rs []rules.Rule) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal rules: %w", err)
	}
	if err := atomicWrite(s.rulesPath(), data, 0o644); err != nil {
		return fmt.Errorf("audit: write rules: %w", err)
	}
	return nil
}

// decodes reports whether line unmarshals into a T. Used as a Tail filter so
// only records of the expected shape are returned.
func decodes[T any](line []byte) bool {
	var v T
	return json.Unmarshal(line, &v) == nil
}

func decodeAll[T any](raw []json.RawMessage) []T {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}
