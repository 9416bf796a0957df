// Package websocket pushes rule matches to connected dashboard clients.
//
// Each client has a buffered channel of encoded frames. Sends are
// non-blocking: when a client's buffer is full the frame is dropped for that
// client and its Dropped counter is incremented, so a slow browser never
// stalls the notifier.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/watchtower/internal/notify"
	"github.com/tripwire/watchtower/internal/rules"
)

// MatchData is the payload of a "match" message.
type MatchData struct {
	RuleID     string  `json:"rule_id"`
	RuleName   string  `json:"rule_name"`
	Event      string  `json:"event"`
	Path       string  `json:"path"`
	ObservedAt string  `json:"observed_at"`
	MatchedAt  string  `json:"matched_at"`
	Confidence float64 `json:"confidence"`
}

// Message is the JSON envelope pushed to clients.
type Message struct {
	Type string    `json:"type"`
	Data MatchData `json:"data"`
}

// NewMatchMessage converts m to its wire envelope.
func NewMatchMessage(m rules.Match) Message {
	return Message{
		Type: "match",
		Data: MatchData{
			RuleID:     m.RuleID,
			RuleName:   m.RuleName,
			Event:      string(m.Observation.Event),
			Path:       m.Observation.Path,
			ObservedAt: time.UnixMilli(m.Observation.Timestamp).UTC().Format(time.RFC3339Nano),
			MatchedAt:  time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339Nano),
			Confidence: m.Confidence,
		},
	}
}

// Client is one connected dashboard. It is valid until Unregister.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Send delivers encoded frames. It is closed on Unregister or Close.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans messages out to registered clients. It is safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize <= 0 means 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register adds a client with the given id. On a closed broadcaster the
// returned client's Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids
// are ignored.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast encodes msg once and offers it to every client.
func (b *Broadcaster) Broadcast(msg Message) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket: client buffer full, dropping message",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Publish broadcasts m as a "match" message.
func (b *Broadcaster) Publish(m rules.Match) {
	b.Broadcast(NewMatchMessage(m))
}

// Handler returns a notify.Handler that publishes each match.
func (b *Broadcaster) Handler() notify.Handler {
	return func(_ context.Context, f notify.Firing) error {
		b.Publish(f.Match)
		return nil
	}
}

// Close unregisters every client. Afterwards Broadcast is a no-op and
// Register returns closed clients.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
