package rest

import (
	"context"

	"github.com/tripwire/watchtower/internal/audit"
	"github.com/tripwire/watchtower/internal/rules"
	"github.com/tripwire/watchtower/internal/server/storage"
)

// AuditStore is the part of audit.Store the handlers use.
type AuditStore interface {
	ReadRules() []rules.Rule
	AddRule(r rules.Rule) error
	DeleteRule(id string) error
	TailObservations(limit int) ([]audit.ObservationEntry, error)
	TailMatches(limit int) ([]rules.Match, error)
}

// Learner turns free text into a rule.
type Learner interface {
	Learn(ctx context.Context, text string) (rules.Rule, error)
}

// MatchHistory queries the PostgreSQL match mirror.
type MatchHistory interface {
	QueryMatches(ctx context.Context, q storage.MatchQuery) ([]storage.MatchRecord, error)
}

// HistoryResetter clears the in-memory event history index.
type HistoryResetter interface {
	Clear()
}

var (
	_ AuditStore   = (*audit.Store)(nil)
	_ MatchHistory = (*storage.Store)(nil)
)
