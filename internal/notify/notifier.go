// Package notify persists rule matches and fans them out to handlers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/rules"
)

// MatchStore is the durable sink for matches. audit.Store satisfies it.
type MatchStore interface {
	AppendMatch(m rules.Match) error
}

// Firing is what a handler receives: the rule that fired, the observation it
// fired on, and the match record that was persisted for it.
type Firing struct {
	Rule        rules.Rule
	Observation event.Observation
	Match       rules.Match
}

// Handler reacts to a firing. Handlers run on their own goroutine; an error
// or panic is logged and does not affect other handlers.
type Handler func(ctx context.Context, f Firing) error

// FailureFunc is called once per failed handler invocation.
type FailureFunc func(handler string, err error)

type namedHandler struct {
	name string
	fn   Handler
}

// Notifier builds, persists, and dispatches matches.
type Notifier struct {
	store  MatchStore
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers []namedHandler

	inflight  sync.WaitGroup
	onFailure FailureFunc
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock overrides the clock used to stamp matches.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// WithFailureHook registers a callback for handler failures.
func WithFailureHook(f FailureFunc) Option {
	return func(n *Notifier) { n.onFailure = f }
}

// New returns a Notifier that persists matches to store.
func New(store MatchStore, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RegisterHandler adds h to the dispatch list. There is no removal.
func (n *Notifier) RegisterHandler(name string, h Handler) {
	if h == nil {
		return
	}
	n.mu.Lock()
	n.handlers = append(n.handlers, namedHandler{name: name, fn: h})
	n.mu.Unlock()
}

// Handlers returns the registered handler names in registration order.
func (n *Notifier) Handlers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, len(n.handlers))
	for i, h := range n.handlers {
		names[i] = h.name
	}
	return names
}

// Notify records that rule fired on obs. The match is appended to the store
// before any handler starts; handlers are then started and Notify returns
// without waiting for them.
//
// A persistence failure is logged and returned, but handlers are still
// dispatched so alerting keeps working when the audit disk does not.
// Cancelling ctx after Notify returns does not cancel running handlers.
func (n *Notifier) Notify(ctx context.Context, rule rules.Rule, obs event.Observation) (rules.Match, error) {
	m := rules.Match{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Observation: obs,
		Timestamp:   n.now().UnixMilli(),
		Confidence:  rule.Confidence,
	}

	var persistErr error
	if n.store != nil {
		if err := n.store.AppendMatch(m); err != nil {
			persistErr = fmt.Errorf("notify: persist match for rule %q: %w", rule.ID, err)
			n.logger.Error("failed to persist rule match",
				slog.String("rule_id", rule.ID),
				slog.String("path", obs.Path),
				slog.Any("error", err),
			)
		}
	}

	n.dispatch(context.WithoutCancel(ctx), Firing{Rule: rule, Observation: obs, Match: m})
	return m, persistErr
}

func (n *Notifier) dispatch(ctx context.Context, f Firing) {
	n.mu.RLock()
	handlers := make([]namedHandler, len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.RUnlock()

	for _, h := range handlers {
		n.inflight.Add(1)
		go n.run(ctx, h, f)
	}
}

func (n *Notifier) run(ctx context.Context, h namedHandler, f Firing) {
	defer n.inflight.Done()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return h.fn(ctx, f)
	}()
	if err == nil {
		return
	}

	n.logger.Warn("notification handler failed",
		slog.String("handler", h.name),
		slog.String("rule_id", f.Rule.ID),
		slog.String("path", f.Observation.Path),
		slog.Any("error", err),
	)
	if n.onFailure != nil {
		n.onFailure(h.name, err)
	}
}

// Wait blocks until every dispatched handler has returned or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notify: handlers still running"), ctx.Err())
	}
}
