package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tripwire/watchtower/internal/notify"
)

const (
	// DefaultBatchSize is the number of rows sent per POST.
	DefaultBatchSize = 50
	// DefaultPollInterval is how often an idle Deliverer checks the outbox.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxAttempts is the number of failed sends after which a row is
	// dead-lettered.
	DefaultMaxAttempts = 10

	// pruneInterval is the minimum time between Prune calls made by Run.
	pruneInterval = time.Minute
)

// Sender delivers a batch of match records. webhook.Sender satisfies it.
type Sender interface {
	Send(ctx context.Context, batch []json.RawMessage) error
}

// Deliverer moves rows from an Outbox to a Sender: Dequeue, Send, Ack.
//
// A batch the receiver rejects outright (an error whose Retryable method
// reports false) is retried row by row so one bad record cannot hold back
// the rest. Every failed send counts as an attempt against each row it
// carried; rows reaching the attempt limit are dead-lettered.
type Deliverer struct {
	outbox      *Outbox
	sender      Sender
	logger      *slog.Logger
	batchSize   int
	interval    time.Duration
	maxAttempts int
	onDepth     func(int)
	lastPrune   time.Time
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithBatchSize sets the rows per send. Non-positive values are ignored.
func WithBatchSize(n int) DelivererOption {
	return func(d *Deliverer) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithPollInterval sets the idle poll interval. Non-positive values are
// ignored.
func WithPollInterval(iv time.Duration) DelivererOption {
	return func(d *Deliverer) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// WithMaxAttempts sets the number of failed sends after which a row is
// dead-lettered. Non-positive values are ignored.
func WithMaxAttempts(n int) DelivererOption {
	return func(d *Deliverer) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDepthHook is called with the outbox depth after every cycle.
func WithDepthHook(f func(int)) DelivererOption {
	return func(d *Deliverer) { d.onDepth = f }
}

// NewDeliverer returns a Deliverer for outbox and sender.
func NewDeliverer(outbox *Outbox, sender Sender, logger *slog.Logger, opts ...DelivererOption) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deliverer{
		outbox:      outbox,
		sender:      sender,
		logger:      logger,
		batchSize:   DefaultBatchSize,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains the outbox until ctx is cancelled. A full batch is followed
// immediately by the next; otherwise Run waits one poll interval.
func (d *Deliverer) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sent, err := d.DeliverOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn("webhook delivery failed",
				slog.Int("pending", d.outbox.Depth()),
				slog.Any("error", err),
			)
		}
		if d.onDepth != nil {
			d.onDepth(d.outbox.Depth())
		}

		next := d.interval
		if err == nil && sent == d.batchSize {
			next = 0
		} else if err == nil && time.Since(d.lastPrune) >= pruneInterval {
			d.prune(ctx)
		}
		timer.Reset(next)
	}
}

// DeliverOnce sends at most one batch and returns how many rows were acked.
func (d *Deliverer) DeliverOnce(ctx context.Context) (int, error) {
	pending, err := d.outbox.Dequeue(ctx, d.batchSize)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	batch := make([]json.RawMessage, len(pending))
	ids := make([]int64, len(pending))
	for i, p := range pending {
		batch[i] = p.Payload
		ids[i] = p.ID
	}

	if err := d.sender.Send(ctx, batch); err != nil {
		if len(pending) > 1 && rejected(err) {
			return d.deliverEach(ctx, pending)
		}
		d.recordFailure(ctx, pending, err)
		return 0, err
	}
	if err := d.outbox.Ack(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// deliverEach sends rows one at a time after their batch was rejected.
func (d *Deliverer) deliverEach(ctx context.Context, rows []Pending) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, p := range rows {
		if err := d.sender.Send(ctx, []json.RawMessage{p.Payload}); err != nil {
			d.recordFailure(ctx, []Pending{p}, err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := d.outbox.Ack(ctx, []int64{p.ID}); err != nil {
			return sent, errors.Join(append(errs, err)...)
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// recordFailure counts a failed send against rows and dead-letters those
// that have used up their attempts.
func (d *Deliverer) recordFailure(ctx context.Context, rows []Pending, sendErr error) {
	ids := make([]int64, len(rows))
	var dead []int64
	for i, p := range rows {
		ids[i] = p.ID
		if p.Attempts+1 >= d.maxAttempts {
			dead = append(dead, p.ID)
		}
	}
	if err := d.outbox.MarkAttempt(ctx, ids); err != nil {
		d.logger.Warn("outbox: record attempt", slog.Any("error", err))
	}
	if len(dead) == 0 {
		return
	}
	if err := d.outbox.DeadLetter(ctx, dead); err != nil {
		d.logger.Warn("outbox: dead-letter", slog.Any("error", err))
		return
	}
	d.logger.Error("webhook delivery abandoned",
		slog.Any("ids", dead),
		slog.Int("attempts", d.maxAttempts),
		slog.Any("error", sendErr),
	)
}

func (d *Deliverer) prune(ctx context.Context) {
	d.lastPrune = time.Now()
	n, err := d.outbox.Prune(ctx)
	if err != nil {
		d.logger.Warn("outbox: prune", slog.Any("error", err))
		return
	}
	if n > 0 {
		d.logger.Debug("outbox: pruned delivered rows", slog.Int64("rows", n))
	}
}

// rejected reports whether err says the receiver refused the request, as
// opposed to being unreachable or failing.
func rejected(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && !r.Retryable()
}

// Handler returns a notify.Handler that enqueues each match.
func (o *Outbox) Handler() notify.Handler {
	return func(ctx context.Context, f notify.Firing) error {
		return o.Enqueue(ctx, f.Match)
	}
}
