package rules_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/history"
	"github.com/tripwire/watchtower/internal/rules"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEvaluator(t *testing.T) (*rules.Evaluator, *history.Index, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	ix := history.New(history.WithClock(clk.Now))
	return rules.NewEvaluator(ix, discardLogger(), rules.WithClock(clk.Now)), ix, clk
}

func observe(clk *fakeClock, kind event.Kind, path string) event.Observation {
	return event.Observation{Event: kind, Path: path, Timestamp: clk.Now().UnixMilli()}
}

func ids(rs []rules.Rule) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestEvaluate_UnconditionalRuleFires(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	r := rules.Rule{ID: "r1", Name: "ts added", FilePattern: "*.ts", Event: "add"}

	fired := ev.Evaluate(observe(clk, event.KindAdd, "./watched/example.ts"), []rules.Rule{r})
	require.Len(t, fired, 1)
	assert.Equal(t, "r1", fired[0].ID)
}

func TestEvaluate_PatternMismatchDoesNotFire(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	r := rules.Rule{ID: "r1", FilePattern: "*.js", Event: "add"}

	fired := ev.Evaluate(observe(clk, event.KindAdd, "./watched/example.ts"), []rules.Rule{r})
	assert.Empty(t, fired)
}

func TestEvaluate_EventSetMembership(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	rs := []rules.Rule{
		{ID: "multi", FilePattern: "*", Event: "add|change"},
		{ID: "unlink", FilePattern: "*", Event: "unlink"},
		{ID: "spaced", FilePattern: "*", Event: " change | unlink "},
	}

	fired := ev.Evaluate(observe(clk, event.KindChange, "a.txt"), rs)
	assert.Equal(t, []string{"multi", "spaced"}, ids(fired))

	fired = ev.Evaluate(observe(clk, event.KindAddDir, "dir"), rs)
	assert.Empty(t, fired)
}

func TestEvaluate_PreservesRuleOrderAndDeduplicates(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	rs := []rules.Rule{
		{ID: "b", FilePattern: "*.txt", Event: "add"},
		{ID: "a", FilePattern: "*", Event: "add"},
		{ID: "b", FilePattern: "*.txt", Event: "add"},
	}

	fired := ev.Evaluate(observe(clk, event.KindAdd, "x.txt"), rs)
	assert.Equal(t, []string{"b", "a"}, ids(fired))
}

func TestEvaluate_ThresholdFiresOnCountThObservation(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	r := rules.Rule{
		ID: "burst", FilePattern: "*.txt", Event: "change",
		Threshold: &rules.Threshold{Count: 3, WithinMinutes: 1},
	}

	for i := 1; i <= 2; i++ {
		fired := ev.Evaluate(observe(clk, event.KindChange, "./watched/log.txt"), []rules.Rule{r})
		assert.Empty(t, fired, "observation %d must not fire", i)
		clk.Advance(5 * time.Second)
	}

	fired := ev.Evaluate(observe(clk, event.KindChange, "./watched/log.txt"), []rules.Rule{r})
	require.Len(t, fired, 1)
	assert.Equal(t, "burst", fired[0].ID)
}

func TestEvaluate_ThresholdNotReached(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	r := rules.Rule{
		ID: "burst", FilePattern: "*.txt", Event: "change",
		Threshold: &rules.Threshold{Count: 3, WithinMinutes: 1},
	}

	var total int
	for i := 0; i < 2; i++ {
		total += len(ev.Evaluate(observe(clk, event.KindChange, "./watched/log.txt"), []rules.Rule{r}))
		clk.Advance(5 * time.Second)
	}
	assert.Zero(t, total)
}

func TestEvaluate_ThresholdWindowSlides(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	r := rules.Rule{
		ID: "burst", FilePattern: "*.txt", Event: "change",
		Threshold: &rules.Threshold{Count: 2, WithinMinutes: 1},
	}

	assert.Empty(t, ev.Evaluate(observe(clk, event.KindChange, "a.txt"), []rules.Rule{r}))
	clk.Advance(90 * time.Second)
	// The first observation has left the one-minute window.
	assert.Empty(t, ev.Evaluate(observe(clk, event.KindChange, "a.txt"), []rules.Rule{r}))
	clk.Advance(10 * time.Second)
	assert.Len(t, ev.Evaluate(observe(clk, event.KindChange, "a.txt"), []rules.Rule{r}), 1)
}

func TestEvaluate_ThresholdCountsPerPath(t *testing.T) {
	ev, _, clk := newEvaluator(t)
	r := rules.Rule{
		ID: "burst", FilePattern: "*.txt", Event: "change",
		Threshold: &rules.Threshold{Count: 2, WithinMinutes: 5},
	}

	assert.Empty(t, ev.Evaluate(observe(clk, event.KindChange, "a.txt"), []rules.Rule{r}))
	assert.Empty(t, ev.Evaluate(observe(clk, event.KindChange, "b.txt"), []rules.Rule{r}))
	assert.Len(t, ev.Evaluate(observe(clk, event.KindChange, "a.txt"), []rules.Rule{r}), 1)
}

func TestEvaluate_RecordsEvenWithoutRules(t *testing.T) {
	ev, ix, clk := newEvaluator(t)
	ev.Evaluate(observe(clk, event.KindUnlink, "gone.txt"), nil)
	assert.Len(t, ix.Query("gone.txt", event.KindUnlink, 0), 1)
}

func TestEvaluate_FaultyRuleIsIsolated(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	var faults []string
	ev := rules.NewEvaluator(panicHistory{history.New()}, discardLogger(),
		rules.WithClock(clk.Now),
		rules.WithFaultHook(func(r rules.Rule, err error) { faults = append(faults, r.ID) }),
	)

	rs := []rules.Rule{
		{ID: "bad-threshold", FilePattern: "*", Event: "add", Threshold: &rules.Threshold{Count: 0, WithinMinutes: 1}},
		{ID: "panics", FilePattern: "*", Event: "add", Threshold: &rules.Threshold{Count: 1, WithinMinutes: 1}},
		{ID: "ok", FilePattern: "*", Event: "add"},
	}

	fired := ev.Evaluate(observe(clk, event.KindAdd, "x"), rs)
	assert.Equal(t, []string{"ok"}, ids(fired))
	assert.Equal(t, []string{"bad-threshold", "panics"}, faults)
}

// panicHistory records normally but panics on Count.
type panicHistory struct{ *history.Index }

func (panicHistory) Count(string, event.Kind, int64) int { panic("index corrupted") }
