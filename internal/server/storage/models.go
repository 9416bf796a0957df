// Package storage mirrors rule matches into PostgreSQL so they can be
// queried by rule and time range beyond what the local JSON-lines journal
// tail offers. It wraps a pgxpool connection pool with a batched insert path.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/watchtower/internal/rules"
)

// MatchRecord maps to the `rule_matches` table.
type MatchRecord struct {
	MatchID    string    `json:"match_id"`
	RuleID     string    `json:"rule_id"`
	RuleName   string    `json:"rule_name"`
	Event      string    `json:"event"`
	Path       string    `json:"path"`
	ObservedAt time.Time `json:"observed_at"`
	MatchedAt  time.Time `json:"matched_at"`
	Confidence float64   `json:"confidence"`
}

// FromMatch converts a match into a row with a fresh match id.
func FromMatch(m rules.Match) MatchRecord {
	return MatchRecord{
		MatchID:    uuid.NewString(),
		RuleID:     m.RuleID,
		RuleName:   m.RuleName,
		Event:      string(m.Observation.Event),
		Path:       m.Observation.Path,
		ObservedAt: time.UnixMilli(m.Observation.Timestamp).UTC(),
		MatchedAt:  time.UnixMilli(m.Timestamp).UTC(),
		Confidence: m.Confidence,
	}
}

// MatchQuery filters QueryMatches. From/To bound matched_at as [From, To);
// a zero To means "now". Limit defaults to 100.
type MatchQuery struct {
	RuleID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
