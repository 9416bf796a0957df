// Package agent contains the observation pipeline orchestrator. It fans in
// changes from the watchers, queues them without blocking, and runs a single
// worker that persists each observation, evaluates the current rule set
// against it, and raises a notification for every rule that fires.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/watchtower/internal/audit"
	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/metrics"
	"github.com/tripwire/watchtower/internal/rules"
)

// ErrStopped is returned by Submit once Stop has begun.
var ErrStopped = errors.New("agent: stopped")

// Watcher is a source of filesystem changes.
type Watcher interface {
	// Start begins watching. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop ceases watching and closes the Events channel.
	Stop()
	// Events returns the channel on which changes are delivered.
	Events() <-chan event.Change
}

// Store is the part of the audit store the worker uses.
type Store interface {
	AppendObservation(entry audit.ObservationEntry) error
	ReadRules() []rules.Rule
}

// Evaluator selects the rules that fire for an observation.
type Evaluator interface {
	Evaluate(obs event.Observation, rs []rules.Rule) []rules.Rule
}

// Notifier records and dispatches a firing.
type Notifier interface {
	Notify(ctx context.Context, rule rules.Rule, obs event.Observation) (rules.Match, error)
	Wait(ctx context.Context) error
}

// HistoryStats reports the size of the event history index.
type HistoryStats interface {
	Stats() (keys, observations int)
}

// Agent owns the observation queue and its worker.
type Agent struct {
	store    Store
	eval     Evaluator
	notifier Notifier
	logger   *slog.Logger
	watchers []Watcher
	metrics  *metrics.Metrics
	history  HistoryStats
	now      func() time.Time
	newID    func() string

	// queue is an unbounded FIFO guarded by mu. wake has capacity one and
	// is signalled after every push.
	mu       sync.Mutex
	queue    []event.Observation
	wake     chan struct{}
	closing  bool
	running  bool
	finished chan struct{}

	fanIn sync.WaitGroup

	statsMu         sync.RWMutex
	startTime       time.Time
	processed       int64
	matched         int64
	lastObservation time.Time
	lastMatch       time.Time
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithWatchers registers one or more watchers whose changes are submitted.
func WithWatchers(ws ...Watcher) Option {
	return func(a *Agent) { a.watchers = append(a.watchers, ws...) }
}

// WithMetrics records pipeline counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithHistory exposes the event history index size through Health.
func WithHistory(h HistoryStats) Option {
	return func(a *Agent) { a.history = h }
}

// WithClock overrides the clock used to stamp observations.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithIDFunc overrides the observation id generator.
func WithIDFunc(f func() string) Option {
	return func(a *Agent) { a.newID = f }
}

// New creates an Agent. store, eval and notifier are required.
func New(store Store, eval Evaluator, notifier Notifier, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		store:    store,
		eval:     eval,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the worker and every registered watcher. Observations
// submitted before Start are kept and processed once the worker runs.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	if a.closing {
		a.mu.Unlock()
		return ErrStopped
	}
	a.running = true
	a.mu.Unlock()

	a.statsMu.Lock()
	a.startTime = a.now()
	a.statsMu.Unlock()

	// In-flight work finishes even after ctx is cancelled; Stop is the
	// shutdown signal.
	workCtx := context.WithoutCancel(ctx)
	go a.work(workCtx)

	for i, w := range a.watchers {
		if err := w.Start(ctx); err != nil {
			for _, started := range a.watchers[:i] {
				started.Stop()
			}
			a.fanIn.Wait()
			a.closeQueue()
			<-a.finished
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("agent: watcher[%d] failed to start: %w", i, err)
		}
		a.fanIn.Add(1)
		go a.forward(w)
	}

	a.logger.Info("observation pipeline started", slog.Int("watchers", len(a.watchers)))
	return nil
}

// Submit stamps a change with the current time and queues it for the
// worker. It never blocks on evaluation.
func (a *Agent) Submit(kind event.Kind, path string) error {
	obs := event.Observation{Event: kind, Path: path, Timestamp: event.Millis(a.now())}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return ErrStopped
	}
	a.queue = append(a.queue, obs)
	depth := len(a.queue)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.QueueDepth.Set(float64(depth))
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop stops the watchers, lets the worker drain every queued observation,
// then waits for in-flight notification handlers until ctx is done. It is
// safe to call Stop multiple times.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	for _, w := range a.watchers {
		w.Stop()
	}
	a.fanIn.Wait()

	a.closeQueue()
	select {
	case <-a.finished:
	case <-ctx.Done():
		return fmt.Errorf("agent: drain queue: %w", ctx.Err())
	}

	if err := a.notifier.Wait(ctx); err != nil {
		return fmt.Errorf("agent: wait for handlers: %w", err)
	}
	a.logger.Info("observation pipeline stopped")
	return nil
}

// QueueDepth returns the number of observations waiting for the worker.
func (a *Agent) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Agent) closeQueue() {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// forward submits every change from w until its channel closes.
func (a *Agent) forward(w Watcher) {
	defer a.fanIn.Done()
	for c := range w.Events() {
		if err := a.Submit(c.Kind, c.Path); err != nil {
			return
		}
	}
}

// work is the single consumer of the queue. Observations are processed in
// submission order.
func (a *Agent) work(ctx context.Context) {
	defer close(a.finished)
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			closing := a.closing
			a.mu.Unlock()
			if closing {
				return
			}
			<-a.wake
			continue
		}
		obs := a.queue[0]
		a.queue[0] = event.Observation{}
		a.queue = a.queue[1:]
		depth := len(a.queue)
		a.mu.Unlock()

		if a.metrics != nil {
			a.metrics.QueueDepth.Set(float64(depth))
		}
		a.process(ctx, obs)
	}
}

// process runs one observation through persist, evaluate and notify. Errors
// are logged and counted; they never stop the worker.
func (a *Agent) process(ctx context.Context, obs event.Observation) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("observation processing panicked",
				slog.String("path", obs.Path),
				slog.Any("panic", p),
			)
		}
	}()

	if a.metrics != nil {
		a.metrics.Observations.WithLabelValues(string(obs.Event)).Inc()
	}
	entry := audit.ObservationEntry{ID: a.newID(), Observation: obs}
	if err := a.store.AppendObservation(entry); err != nil {
		a.logger.Error("failed to persist observation",
			slog.String("event", string(obs.Event)),
			slog.String("path", obs.Path),
			slog.Any("error", err),
		)
		if a.metrics != nil {
			a.metrics.PersistErrors.Inc()
		}
	}

	fired := a.eval.Evaluate(obs, a.store.ReadRules())
	for _, r := range fired {
		// The notifier logs its own persistence failures.
		m, err := a.notifier.Notify(ctx, r, obs)
		if a.metrics != nil {
			a.metrics.Matches.Inc()
			if err != nil {
				a.metrics.PersistErrors.Inc()
			}
		}
		a.statsMu.Lock()
		a.matched++
		if m.Timestamp != 0 {
			a.lastMatch = time.UnixMilli(m.Timestamp)
		}
		a.statsMu.Unlock()
	}

	a.statsMu.Lock()
	a.processed++
	a.lastObservation = obs.Time()
	a.statsMu.Unlock()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status            string  `json:"status"`
	UptimeS           float64 `json:"uptime_s"`
	QueueDepth        int     `json:"queue_depth"`
	Processed         int64   `json:"observations_processed"`
	Matches           int64   `json:"matches"`
	HistoryKeys       int     `json:"history_keys"`
	HistoryEntries    int     `json:"history_entries"`
	LastObservationAt string  `json:"last_observation_at,omitempty"`
	LastMatchAt       string  `json:"last_match_at,omitempty"`
}

// Health returns a snapshot of the pipeline state.
func (a *Agent) Health() HealthStatus {
	a.statsMu.RLock()
	h := HealthStatus{
		Status:    "ok",
		Processed: a.processed,
		Matches:   a.matched,
	}
	if !a.startTime.IsZero() {
		h.UptimeS = a.now().Sub(a.startTime).Seconds()
	}
	if !a.lastObservation.IsZero() {
		h.LastObservationAt = a.lastObservation.UTC().Format(time.RFC3339)
	}
	if !a.lastMatch.IsZero() {
		h.LastMatchAt = a.lastMatch.UTC().Format(time.RFC3339)
	}
	a.statsMu.RUnlock()

	h.QueueDepth = a.QueueDepth()
	if a.history != nil {
		h.HistoryKeys, h.HistoryEntries = a.history.Stats()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the pipeline's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
