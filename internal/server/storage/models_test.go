package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/rules"
	"github.com/tripwire/watchtower/internal/server/storage"
)

func TestFromMatch(t *testing.T) {
	m := rules.Match{
		RuleID:   "r1",
		RuleName: "configs",
		Observation: event.Observation{
			Event:     event.KindUnlink,
			Path:      "/etc/app.conf",
			Timestamp: 1_700_000_000_000,
		},
		Timestamp:  1_700_000_000_250,
		Confidence: 0.6,
	}

	rec := storage.FromMatch(m)

	if _, err := uuid.Parse(rec.MatchID); err != nil {
		t.Errorf("MatchID %q is not a uuid: %v", rec.MatchID, err)
	}
	if rec.RuleID != "r1" || rec.RuleName != "configs" || rec.Event != "unlink" || rec.Path != "/etc/app.conf" {
		t.Errorf("record = %+v", rec)
	}
	if want := time.UnixMilli(1_700_000_000_000).UTC(); !rec.ObservedAt.Equal(want) {
		t.Errorf("ObservedAt = %v, want %v", rec.ObservedAt, want)
	}
	if want := time.UnixMilli(1_700_000_000_250).UTC(); !rec.MatchedAt.Equal(want) {
		t.Errorf("MatchedAt = %v, want %v", rec.MatchedAt, want)
	}
	if rec.Confidence != 0.6 {
		t.Errorf("Confidence = %v", rec.Confidence)
	}
}

func TestFromMatch_UniqueIDs(t *testing.T) {
	a := storage.FromMatch(rules.Match{RuleID: "r"})
	b := storage.FromMatch(rules.Match{RuleID: "r"})
	if a.MatchID == b.MatchID {
		t.Error("two conversions produced the same match id")
	}
}
