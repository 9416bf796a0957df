// Package rules holds the rule model and the evaluator that decides which
// rules fire for an observation.
package rules

import (
	"github.com/tripwire/watchtower/internal/event"
)

// Threshold requires Count qualifying observations of the same path and
// event kind within the trailing WithinMinutes before a rule fires.
type Threshold struct {
	Count         int `json:"count"`
	WithinMinutes int `json:"withinMinutes"`
}

// Valid reports whether both fields are positive.
func (t Threshold) Valid() bool {
	return t.Count > 0 && t.WithinMinutes > 0
}

// Rule describes which observations are interesting. Event may name several
// kinds joined by "|". Rules are immutable once stored; they are created by
// the learner and removed by id.
type Rule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	FilePattern string     `json:"filePattern"`
	Event       string     `json:"event"`
	Threshold   *Threshold `json:"threshold,omitempty"`
	Confidence  float64    `json:"confidence"`
	RawText     string     `json:"rawText"`
	CreatedAt   int64      `json:"createdAt"`
}

// Kinds returns the event kinds the rule listens to.
func (r Rule) Kinds() []event.Kind {
	return event.ParseSet(r.Event)
}

// ListensTo reports whether k is in the rule's event set.
func (r Rule) ListensTo(k event.Kind) bool {
	for _, rk := range r.Kinds() {
		if rk == k {
			return true
		}
	}
	return false
}

// Match records that a rule fired on an observation. Confidence is copied
// from the rule, not derived from the match.
type Match struct {
	RuleID      string            `json:"ruleId"`
	RuleName    string            `json:"ruleName"`
	Observation event.Observation `json:"observation"`
	Timestamp   int64             `json:"timestamp"`
	Confidence  float64           `json:"confidence"`
}
