package rules

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/history"
	"github.com/tripwire/watchtower/internal/pattern"
)

// History is the part of the event history index the evaluator needs.
type History interface {
	Record(obs event.Observation)
	Count(path string, kind event.Kind, since int64) int
}

// FaultFunc is called when evaluating a single rule faults. The rule is
// treated as not firing.
type FaultFunc func(rule Rule, err error)

// Evaluator selects the rules that fire for an observation. It is meant to
// be driven by a single goroutine; the matcher cache is safe for concurrent
// use but the "record then count" ordering is only meaningful when calls
// for the same key are serialised.
type Evaluator struct {
	history  History
	logger   *slog.Logger
	now      func() time.Time
	matchers pattern.Cache
	onFault  FaultFunc
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the clock used to compute threshold windows.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithFaultHook registers a callback invoked for every per-rule fault.
func WithFaultHook(f FaultFunc) Option {
	return func(e *Evaluator) { e.onFault = f }
}

// NewEvaluator returns an Evaluator backed by h.
func NewEvaluator(h History, logger *slog.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		history: h,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate records obs in the history index and returns the rules that fire
// for it, in rule-list order. Each rule appears at most once. Evaluate never
// fails; a rule whose evaluation faults is logged and skipped.
func (e *Evaluator) Evaluate(obs event.Observation, rules []Rule) []Rule {
	// Record first so a threshold rule counts the triggering observation.
	e.history.Record(obs)

	var fired []Rule
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		ok, err := e.evaluateRule(obs, r)
		if err != nil {
			e.logger.Warn("rule evaluation failed",
				slog.String("rule_id", r.ID),
				slog.String("rule_name", r.Name),
				slog.String("path", obs.Path),
				slog.Any("error", err),
			)
			if e.onFault != nil {
				e.onFault(r, err)
			}
			continue
		}
		if !ok {
			continue
		}
		if r.ID != "" {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
		}
		fired = append(fired, r)
	}
	return fired
}

// evaluateRule applies the event, pattern, and threshold checks for a
// single rule. Panics are converted to errors.
func (e *Evaluator) evaluateRule(obs event.Observation, r Rule) (fired bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			fired = false
			err = fmt.Errorf("rules: panic evaluating rule %q: %v", r.ID, p)
		}
	}()

	if !r.ListensTo(obs.Event) {
		return false, nil
	}
	if !e.matchers.Get(r.FilePattern).Matches(obs.Path) {
		return false, nil
	}
	if r.Threshold == nil {
		return true, nil
	}
	if !r.Threshold.Valid() {
		return false, fmt.Errorf("rules: rule %q has invalid threshold %+v", r.ID, *r.Threshold)
	}

	window := time.Duration(r.Threshold.WithinMinutes) * time.Minute
	since := e.now().Add(-window).UnixMilli()
	return e.history.Count(obs.Path, obs.Event, since) >= r.Threshold.Count, nil
}

var _ History = (*history.Index)(nil)
