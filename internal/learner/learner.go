// Package learner turns a free-text description into a stored rule using a
// text-completion collaborator.
package learner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/rules"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 30 * time.Second

// defaultConfidence is used when the model omits confidence.
const defaultConfidence = 0.8

var (
	// ErrInvalidRule means the generated output could not be turned into a
	// rule: it was not a JSON object or lacked name or filePattern.
	ErrInvalidRule = errors.New("learner: generated rule is invalid")
	// ErrGenerate means the text-completion collaborator failed.
	ErrGenerate = errors.New("learner: generation failed")
)

// Generator is the text-completion contract.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Learner builds rules from free text.
type Learner struct {
	gen     Generator
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// Option configures a Learner.
type Option func(*Learner)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(l *Learner) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the clock used for createdAt.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// WithIDFunc overrides rule id generation.
func WithIDFunc(f func() string) Option {
	return func(l *Learner) { l.newID = f }
}

// New returns a Learner that calls gen.
func New(gen Generator, logger *slog.Logger, opts ...Option) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Learner{
		gen:     gen,
		logger:  logger,
		timeout: DefaultTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Learn asks the generator for a rule describing text and returns the
// sanitized result with a fresh id. The rule is not stored.
func (l *Learner) Learn(ctx context.Context, text string) (rules.Rule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return rules.Rule{}, fmt.Errorf("%w: empty description", ErrInvalidRule)
	}
	if l.gen == nil {
		return rules.Rule{}, fmt.Errorf("%w: no generator configured", ErrGenerate)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	out, err := l.gen.Generate(ctx, BuildPrompt(text))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("%w: %w", ErrGenerate, err)
	}

	r, err := Parse(out)
	if err != nil {
		l.logger.Warn("learner: rejected generated rule",
			slog.String("text", text),
			slog.String("output", out),
			slog.Any("error", err),
		)
		return rules.Rule{}, err
	}

	r.ID = l.newID()
	r.RawText = text
	r.CreatedAt = l.now().UnixMilli()
	return r, nil
}

// BuildPrompt returns the instruction sent to the generator.
func BuildPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Convert the following file monitoring request into a JSON object.\n")
	b.WriteString("Respond with JSON only, using exactly these fields:\n")
	b.WriteString(`  "name": short human readable rule name` + "\n")
	b.WriteString(`  "filePattern": glob such as "*.ts"; "*" matches any sequence, "?" one character, "|" separates alternatives` + "\n")
	b.WriteString(`  "event": one of add, change, unlink, addDir, unlinkDir (join several with "|")` + "\n")
	b.WriteString(`  "threshold": optional {"count": N, "withinMinutes": M} when the request names a frequency` + "\n")
	b.WriteString(`  "confidence": number between 0 and 1 describing how sure you are` + "\n")
	b.WriteString("\nRequest: ")
	b.WriteString(text)
	b.WriteString("\n")
	return b.String()
}

// Parse extracts the first JSON object from out (tolerating markdown code
// fences and surrounding prose) and sanitizes it into a rule. The returned
// rule has no id, rawText or createdAt.
func Parse(out string) (rules.Rule, error) {
	body := extractObject(out)
	if body == "" {
		return rules.Rule{}, fmt.Errorf("%w: no JSON object in output", ErrInvalidRule)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return rules.Rule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return Sanitize(raw)
}

// Sanitize coerces a loosely typed rule object. Only a missing name or
// filePattern is rejected; event, confidence and threshold are coerced.
func Sanitize(raw map[string]any) (rules.Rule, error) {
	name := stringField(raw, "name")
	pat := stringField(raw, "filePattern")
	var missing []string
	if name == "" {
		missing = append(missing, "name")
	}
	if pat == "" {
		missing = append(missing, "filePattern")
	}
	if len(missing) > 0 {
		return rules.Rule{}, fmt.Errorf("%w: missing %s", ErrInvalidRule, strings.Join(missing, ", "))
	}

	return rules.Rule{
		Name:        name,
		FilePattern: pat,
		Event:       coerceEvent(raw["event"]),
		Threshold:   coerceThreshold(raw["threshold"]),
		Confidence:  coerceConfidence(raw["confidence"]),
	}, nil
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return strings.TrimSpace(s)
}

// coerceEvent keeps v only if every "|" member is a known kind.
func coerceEvent(v any) string {
	s, ok := v.(string)
	if !ok {
		return string(event.KindChange)
	}
	kinds := event.ParseSet(s)
	if len(kinds) == 0 {
		return string(event.KindChange)
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		if !k.Valid() {
			return string(event.KindChange)
		}
		parts[i] = string(k)
	}
	return strings.Join(parts, "|")
}

func coerceConfidence(v any) float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) {
		return defaultConfidence
	}
	return math.Min(1, math.Max(0, f))
}

func coerceThreshold(v any) *rules.Threshold {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	count, ok1 := positiveInt(obj["count"])
	within, ok2 := positiveInt(obj["withinMinutes"])
	if !ok1 || !ok2 {
		return nil
	}
	return &rules.Threshold{Count: count, WithinMinutes: within}
}

func positiveInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f < 1 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
