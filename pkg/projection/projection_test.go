package projection

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/ericvolp12/nvr.tools/pkg/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 20, 15, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ev(id string, offset time.Duration) events.Event {
	return events.Event{
		ID:         id,
		FrameTime:  float64(testNow.Add(offset).Unix()),
		CameraName: "front",
		Label:      "person",
		Type:       events.TypeNew,
	}
}

func ids(items []events.Event) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.ID
	}
	return out
}

func TestApply_AddKeepsFrameTimeOrder(t *testing.T) {
	p := New(testLogger())

	for _, e := range []events.Event{ev("b", -2*time.Minute), ev("d", -4*time.Minute), ev("a", -time.Minute), ev("c", -3*time.Minute)} {
		p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: e})
	}

	items, version := p.Snapshot()
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(items))
	assert.Equal(t, uint64(4), version)
}

func TestApply_AddTiesGoFirst(t *testing.T) {
	p := New(testLogger())
	p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: ev("older", 0)})
	p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: ev("newer", 0)})

	items, _ := p.Snapshot()
	assert.Equal(t, []string{"newer", "older"}, ids(items))
}

func TestApply_UpdateInPlace(t *testing.T) {
	p := New(testLogger())
	p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: ev("a", -time.Minute)})
	p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: ev("b", -2*time.Minute)})

	moved := ev("b", time.Hour)
	moved.Type = events.TypeEnd
	p.apply(ingest.Change{Kind: ingest.ChangeUpdate, Event: moved})

	items, _ := p.Snapshot()
	assert.Equal(t, []string{"a", "b"}, ids(items))
	assert.Equal(t, events.TypeEnd, items[1].Type)

	p.apply(ingest.Change{Kind: ingest.ChangeUpdate, Event: ev("c", -30*time.Second)})
	items, _ = p.Snapshot()
	assert.Equal(t, []string{"c", "a", "b"}, ids(items))
}

func TestApply_ReplaceSwapsAndFilters(t *testing.T) {
	p := New(testLogger())
	p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: ev("stale", 0)})

	f := events.DefaultFilter(testNow)
	f.Camera = "front"
	p.apply(ingest.Change{
		Kind:   ingest.ChangeReplace,
		Events: []events.Event{ev("x", -time.Minute), ev("y", -2*time.Minute)},
		Filter: f,
	})

	items, _ := p.Snapshot()
	assert.Equal(t, []string{"x", "y"}, ids(items))
	got, ok := p.Filter()
	assert.True(t, ok)
	assert.Equal(t, "front", got.Camera)

	back := ev("z", 0)
	back.CameraName = "back"
	p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: back})
	items, _ = p.Snapshot()
	assert.Equal(t, []string{"x", "y"}, ids(items))

	// An update that moves a row out of the filter removes it.
	moved := ev("x", -time.Minute)
	moved.CameraName = "back"
	p.apply(ingest.Change{Kind: ingest.ChangeUpdate, Event: moved})
	items, _ = p.Snapshot()
	assert.Equal(t, []string{"y"}, ids(items))
}

func TestSnapshot_IsACopy(t *testing.T) {
	p := New(testLogger())
	zones := "porch"
	e := ev("a", 0)
	e.CurrentZones = &zones
	p.apply(ingest.Change{Kind: ingest.ChangeAdd, Event: e})

	items, _ := p.Snapshot()
	items[0].Label = "car"
	*items[0].CurrentZones = "yard"

	again, _ := p.Snapshot()
	assert.Equal(t, "person", again[0].Label)
	assert.Equal(t, "porch", *again[0].CurrentZones)
}

func TestRun_FollowsCoordinator(t *testing.T) {
	store, err := events.NewStore(testLogger(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	c := ingest.NewCoordinator(testLogger(), store, events.DefaultFilter(testNow), ingest.WithClock(func() time.Time { return testNow }))
	defer c.Close()

	p := New(testLogger())
	sub := c.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, sub) }()

	waitFor := func(want []string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			changed := p.Changed()
			items, _ := p.Snapshot()
			if assert.ObjectsAreEqual(want, ids(items)) {
				return
			}
			select {
			case <-changed:
			case <-deadline:
				t.Fatalf("projection is %v, want %v", ids(items), want)
			}
		}
	}

	require.True(t, c.Reload(ctx, events.DefaultFilter(testNow)))
	waitFor([]string{})

	require.True(t, c.SubmitNew(ctx, ev("a", -time.Minute)))
	require.True(t, c.SubmitNew(ctx, ev("b", 0)))
	waitFor([]string{"b", "a"})

	assert.False(t, c.SubmitNew(ctx, ev("b", 0)))
	require.True(t, c.DeleteAll(ctx))
	waitFor([]string{})

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_AdmitsEventsAfterMidnight(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 3, 20, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	store, err := events.NewStore(testLogger(), filepath.Join(t.TempDir(), "events.db"), events.WithClock(clock))
	require.NoError(t, err)
	defer store.Close()

	c := ingest.NewCoordinator(testLogger(), store, events.DefaultFilter(clock()), ingest.WithClock(clock))
	defer c.Close()

	p := New(testLogger())
	sub := c.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, sub)

	at := func(id string) events.Event {
		return events.Event{ID: id, FrameTime: float64(clock().Unix()), CameraName: "front", Label: "person", Type: events.TypeNew}
	}

	require.True(t, c.Reload(ctx, c.ActiveFilter()))
	require.True(t, c.SubmitNew(ctx, at("before")))
	require.Eventually(t, func() bool {
		items, _ := p.Snapshot()
		return assert.ObjectsAreEqual([]string{"before"}, ids(items))
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	now = time.Date(2024, 3, 21, 1, 0, 0, 0, time.UTC)
	mu.Unlock()

	require.True(t, c.Rollover(ctx))
	require.True(t, c.SubmitNew(ctx, at("after")))
	require.Eventually(t, func() bool {
		items, _ := p.Snapshot()
		return assert.ObjectsAreEqual([]string{"after", "before"}, ids(items))
	}, 2*time.Second, 10*time.Millisecond)

	f, ok := p.Filter()
	require.True(t, ok)
	assert.Equal(t, 21, f.EndDate.Day())
}
