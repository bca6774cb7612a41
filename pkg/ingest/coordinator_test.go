package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 20, 15, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *events.Store) {
	t.Helper()
	store, err := events.NewStore(testLogger(), filepath.Join(t.TempDir(), "events.db"), events.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewCoordinator(testLogger(), store, events.DefaultFilter(testNow), WithClock(func() time.Time { return testNow }))
	t.Cleanup(c.Close)
	return c, store
}

func testEvent(id string, frameTime time.Time) events.Event {
	return events.Event{
		ID:            id,
		FrameTime:     float64(frameTime.Unix()),
		Type:          events.TypeNew,
		CameraName:    "front",
		Camera:        "front",
		Label:         "person",
		TransportType: events.TransportMQTT,
	}
}

func recv(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case ch, ok := <-sub.Changes():
		require.True(t, ok, "subscription closed")
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func assertNoChange(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ch := <-sub.Changes():
		t.Fatalf("unexpected %s change", ch.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitNew_PublishesOnceForDuplicates(t *testing.T) {
	c, _ := newTestCoordinator(t)
	sub := c.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	assert.True(t, c.SubmitNew(ctx, testEvent("a", testNow)))
	ch := recv(t, sub)
	assert.Equal(t, ChangeAdd, ch.Kind)
	assert.Equal(t, "a", ch.Event.ID)
	assert.NotZero(t, ch.Event.SID)

	assert.False(t, c.SubmitNew(ctx, testEvent("a", testNow)))
	assertNoChange(t, sub)
}

func TestSubmitNew_ConcurrentProducers(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	const n = 24
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.SubmitNew(ctx, testEvent("same", testNow)) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSubmitUpdate_PublishesStoredRow(t *testing.T) {
	c, _ := newTestCoordinator(t)
	sub := c.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	require.True(t, c.SubmitNew(ctx, testEvent("a", testNow)))
	added := recv(t, sub)

	update := testEvent("a", testNow.Add(time.Minute))
	update.Type = events.TypeEnd
	update.TransportType = events.TransportHTTP
	require.True(t, c.SubmitUpdate(ctx, update))

	ch := recv(t, sub)
	assert.Equal(t, ChangeUpdate, ch.Kind)
	assert.Equal(t, added.Event.SID, ch.Event.SID)
	assert.Equal(t, events.TypeEnd, ch.Event.Type)
	assert.Equal(t, events.TransportMQTT, ch.Event.TransportType)

	// Updates for unseen ids still publish.
	require.True(t, c.SubmitUpdate(ctx, testEvent("b", testNow)))
	ch = recv(t, sub)
	assert.Equal(t, ChangeUpdate, ch.Kind)
	assert.Equal(t, "b", ch.Event.ID)
}

func TestReload_PublishesReplace(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, c.SubmitNew(ctx, testEvent("a", testNow)))
	back := testEvent("b", testNow)
	back.CameraName = "back"
	require.True(t, c.SubmitNew(ctx, back))

	sub := c.Subscribe()
	defer sub.Close()

	f := events.DefaultFilter(testNow)
	f.Camera = "back"
	require.True(t, c.Reload(ctx, f))

	ch := recv(t, sub)
	assert.Equal(t, ChangeReplace, ch.Kind)
	require.Len(t, ch.Events, 1)
	assert.Equal(t, "b", ch.Events[0].ID)
	assert.Equal(t, "back", ch.Filter.Camera)
	assert.Equal(t, "back", c.ActiveFilter().Camera)
}

func TestReload_SupersedesQueuedChanges(t *testing.T) {
	c, _ := newTestCoordinator(t)
	sub := c.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.True(t, c.SubmitNew(ctx, testEvent(id, testNow)))
	}
	require.True(t, c.Reload(ctx, events.DefaultFilter(testNow)))

	// At most one add may already be in flight ahead of the replace.
	adds := 0
	for {
		ch := recv(t, sub)
		if ch.Kind == ChangeReplace {
			assert.Len(t, ch.Events, 4)
			break
		}
		adds++
	}
	assert.LessOrEqual(t, adds, 1)
}

func TestSubscribeLog_KeepsQueuedChanges(t *testing.T) {
	c, _ := newTestCoordinator(t)
	sub := c.SubscribeLog()
	defer sub.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, c.SubmitNew(ctx, testEvent(id, testNow)))
	}
	require.True(t, c.Reload(ctx, events.DefaultFilter(testNow)))

	for _, id := range []string{"a", "b", "c"} {
		ch := recv(t, sub)
		require.Equal(t, ChangeAdd, ch.Kind)
		assert.Equal(t, id, ch.Event.ID)
	}
	assert.Equal(t, ChangeReplace, recv(t, sub).Kind)
}

func TestDeletes_ReloadActiveFilter(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	e := testEvent("a", testNow)
	require.True(t, c.SubmitNew(ctx, e))
	require.True(t, c.SubmitNew(ctx, testEvent("b", testNow.Add(time.Second))))

	sub := c.Subscribe()
	defer sub.Close()

	require.True(t, c.DeleteByFrameTime(ctx, e.FrameTime))
	ch := recv(t, sub)
	assert.Equal(t, ChangeReplace, ch.Kind)
	require.Len(t, ch.Events, 1)
	assert.Equal(t, "b", ch.Events[0].ID)

	require.True(t, c.DeleteAll(ctx))
	ch = recv(t, sub)
	assert.Equal(t, ChangeReplace, ch.Kind)
	assert.Empty(t, ch.Events)
}

func TestSetFrigatePlus_PublishesUpdate(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.True(t, c.SubmitNew(ctx, testEvent("a", testNow)))

	sub := c.Subscribe()
	defer sub.Close()

	require.True(t, c.SetFrigatePlus(ctx, "a", true))
	ch := recv(t, sub)
	assert.Equal(t, ChangeUpdate, ch.Kind)
	assert.True(t, ch.Event.FrigatePlus)

	assert.False(t, c.SetFrigatePlus(ctx, "missing", true))
	assertNoChange(t, sub)
}

func TestApplyRetention(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	old := testEvent("front-old", testNow.AddDate(0, 0, -15))
	require.True(t, c.SubmitNew(ctx, old))
	require.True(t, c.SubmitNew(ctx, testEvent("front-new", testNow.AddDate(0, 0, -1))))
	back := testEvent("back-old", testNow.AddDate(0, 0, -15))
	back.CameraName = "back"
	require.True(t, c.SubmitNew(ctx, back))

	policy, err := ParseRetention(0, []string{"front=10"})
	require.NoError(t, err)
	require.True(t, c.ApplyRetention(ctx, policy))

	rows, err := store.GetByID(ctx, "front-old")
	require.NoError(t, err)
	assert.Empty(t, rows)

	for _, id := range []string{"front-new", "back-old"} {
		rows, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Len(t, rows, 1, id)
	}
}

func TestIngest_DropsMalformedPayloads(t *testing.T) {
	c, store := newTestCoordinator(t)
	sub := c.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	assert.False(t, c.IngestNew(ctx, Payload{"id": "bad", "frameTime": "not-a-number"}, events.TransportPush))
	assertNoChange(t, sub)

	ok := c.IngestNew(ctx, Payload{"id": "good", "frameTime": "1710945000", "cameraName": "front"}, events.TransportPush)
	assert.True(t, ok)
	ch := recv(t, sub)
	assert.Equal(t, "good", ch.Event.ID)
	assert.Equal(t, events.TransportPush, ch.Event.TransportType)

	assert.True(t, c.IngestUpdate(ctx, Payload{"id": "good", "frameTime": "1710945001", "type": "end"}, events.TransportHTTP))
	ch = recv(t, sub)
	assert.Equal(t, ChangeUpdate, ch.Kind)
	assert.Equal(t, 1710945001.0, ch.Event.FrameTime)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

type failingStore struct{}

var errBoom = errors.New("boom")

func (failingStore) InsertIfAbsent(context.Context, events.Event) (bool, error) { return false, errBoom }
func (failingStore) Upsert(context.Context, events.Event) error               { return errBoom }
func (failingStore) SetFrigatePlus(context.Context, string, bool) (bool, error) {
	return false, errBoom
}
func (failingStore) GetByID(context.Context, string) ([]events.Event, error) { return nil, errBoom }
func (failingStore) Query(context.Context, events.Filter) ([]events.Event, error) {
	return nil, errBoom
}
func (failingStore) DeleteByFrameTime(context.Context, float64) (int64, error) { return 0, errBoom }
func (failingStore) DeleteOlderThan(context.Context, string, int) (int64, error) { return 0, errBoom }
func (failingStore) DeleteAll(context.Context) (int64, error) { return 0, errBoom }
func (failingStore) Cameras(context.Context) ([]string, error) { return nil, errBoom }

func TestCoordinator_StoreFailuresStayLocal(t *testing.T) {
	c := NewCoordinator(testLogger(), failingStore{}, events.DefaultFilter(testNow), WithClock(func() time.Time { return testNow }))
	defer c.Close()
	sub := c.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	assert.False(t, c.SubmitNew(ctx, testEvent("a", testNow)))
	assert.False(t, c.SubmitUpdate(ctx, testEvent("a", testNow)))
	assert.False(t, c.Reload(ctx, events.DefaultFilter(testNow)))
	assert.False(t, c.DeleteAll(ctx))
	assert.False(t, c.ApplyRetention(ctx, Retention{DefaultDays: 1}))
	assertNoChange(t, sub)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	c, _ := newTestCoordinator(t)
	sub := c.Subscribe()
	sub.Close()
	sub.Close()

	require.True(t, c.SubmitNew(context.Background(), testEvent("a", testNow)))

	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("changes channel not closed")
	}
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newClockedCoordinator(t *testing.T, now func() time.Time) *Coordinator {
	t.Helper()
	store, err := events.NewStore(testLogger(), filepath.Join(t.TempDir(), "events.db"), events.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewCoordinator(testLogger(), store, events.DefaultFilter(now()), WithClock(now))
	t.Cleanup(c.Close)
	return c
}

func TestRollover_AdvancesRollingFilter(t *testing.T) {
	clock := &testClock{t: time.Date(2024, 3, 20, 23, 0, 0, 0, time.UTC)}
	c := newClockedCoordinator(t, clock.Now)
	sub := c.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	require.True(t, c.SubmitNew(ctx, testEvent("late", clock.Now())))
	assert.Equal(t, ChangeAdd, recv(t, sub).Kind)

	assert.False(t, c.Rollover(ctx))
	assertNoChange(t, sub)

	clock.Set(time.Date(2024, 3, 21, 1, 0, 0, 0, time.UTC))
	require.True(t, c.Rollover(ctx))

	ch := recv(t, sub)
	require.Equal(t, ChangeReplace, ch.Kind)
	assert.True(t, ch.Filter.Rolling)
	assert.Equal(t, clock.Now(), ch.Filter.EndDate)
	assert.Equal(t, time.Date(2024, 3, 14, 1, 0, 0, 0, time.UTC), ch.Filter.StartDate)
	require.Len(t, ch.Events, 1)
	assert.Equal(t, "late", ch.Events[0].ID)
	assert.True(t, ch.Filter.Matches(testEvent("early", clock.Now())))

	assert.False(t, c.Rollover(ctx))
	assertNoChange(t, sub)
}

func TestSubmitNew_AdvancesStaleRollingFilter(t *testing.T) {
	clock := &testClock{t: time.Date(2024, 3, 20, 23, 0, 0, 0, time.UTC)}
	c := newClockedCoordinator(t, clock.Now)
	sub := c.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	clock.Set(time.Date(2024, 3, 21, 0, 30, 0, 0, time.UTC))
	require.True(t, c.SubmitNew(ctx, testEvent("early", clock.Now())))

	replace := recv(t, sub)
	require.Equal(t, ChangeReplace, replace.Kind)
	assert.Equal(t, 21, replace.Filter.EndDate.Day())

	add := recv(t, sub)
	require.Equal(t, ChangeAdd, add.Kind)
	assert.Equal(t, "early", add.Event.ID)
	assert.True(t, replace.Filter.Matches(add.Event))
}

func TestRollover_FixedFilterStays(t *testing.T) {
	clock := &testClock{t: time.Date(2024, 3, 20, 23, 0, 0, 0, time.UTC)}
	c := newClockedCoordinator(t, clock.Now)
	ctx := context.Background()

	f := events.DefaultFilter(clock.Now())
	f.Rolling = false
	require.True(t, c.Reload(ctx, f))

	sub := c.Subscribe()
	defer sub.Close()

	clock.Set(time.Date(2024, 3, 22, 9, 0, 0, 0, time.UTC))
	assert.False(t, c.Rollover(ctx))
	require.True(t, c.SubmitNew(ctx, testEvent("a", clock.Now())))
	assert.Equal(t, ChangeAdd, recv(t, sub).Kind)
	assert.Equal(t, f, c.ActiveFilter())
}

func TestRunRollover_FiresAfterMidnight(t *testing.T) {
	start := time.Now()
	base := time.Date(2024, 3, 20, 23, 59, 59, 700_000_000, time.UTC)
	now := func() time.Time { return base.Add(time.Since(start)) }

	c := newClockedCoordinator(t, now)
	sub := c.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunRollover(ctx)
		close(done)
	}()

	ch := recv(t, sub)
	require.Equal(t, ChangeReplace, ch.Kind)
	assert.Equal(t, 21, ch.Filter.EndDate.Day())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunRollover did not return")
	}
}

type rereadFailStore struct {
	*events.Store
}

func (rereadFailStore) GetByID(context.Context, string) ([]events.Event, error) {
	return nil, errBoom
}

func TestSubmitNew_RereadFailureIsLogged(t *testing.T) {
	store, err := events.NewStore(testLogger(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c := NewCoordinator(logger, rereadFailStore{store}, events.DefaultFilter(testNow), WithClock(func() time.Time { return testNow }))
	defer c.Close()
	sub := c.Subscribe()
	defer sub.Close()

	require.True(t, c.SubmitNew(context.Background(), testEvent("a", testNow)))

	ch := recv(t, sub)
	assert.Equal(t, "a", ch.Event.ID)
	assert.Zero(t, ch.Event.SID)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "failed to re-read stored event")
}
