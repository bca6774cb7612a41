package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericvolp12/nvr.tools/pkg/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("ingest")

// Store is the subset of *events.Store the coordinator writes through.
type Store interface {
	InsertIfAbsent(ctx context.Context, e events.Event) (bool, error)
	Upsert(ctx context.Context, e events.Event) error
	SetFrigatePlus(ctx context.Context, id string, v bool) (bool, error)
	GetByID(ctx context.Context, id string) ([]events.Event, error)
	Query(ctx context.Context, f events.Filter) ([]events.Event, error)
	DeleteByFrameTime(ctx context.Context, t float64) (int64, error)
	DeleteOlderThan(ctx context.Context, cameraName string, daysBack int) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Cameras(ctx context.Context) ([]string, error)
}

// Coordinator is the single entry point producers hand events to. It applies
// each event to the store and publishes the resulting change to subscribers.
// Store failures are logged by the store and reported here as false.
type Coordinator struct {
	logger *slog.Logger
	store  Store
	now    func() time.Time

	// mu orders store writes with the changes they publish.
	mu     sync.Mutex
	active events.Filter

	subsMu  sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64
}

type Option func(*Coordinator)

// WithClock sets the clock rolling filters are advanced by.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(logger *slog.Logger, store Store, initial events.Filter, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: logger.With("module", "ingest"),
		store:  store,
		now:    time.Now,
		active: initial,
		subs:   make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe opens a change stream for a view of the active filter. Changes
// superseded by a queued replace are dropped. Callers must Close it when done.
func (c *Coordinator) Subscribe() *Subscription {
	return c.subscribe(true)
}

// SubscribeLog opens a change stream that delivers every change, for
// consumers that archive them.
func (c *Coordinator) SubscribeLog() *Subscription {
	return c.subscribe(false)
}

func (c *Coordinator) subscribe(compact bool) *Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextSub++
	id := c.nextSub
	sub := newSubscription(id, compact, func() { c.unsubscribe(id) })
	c.subs[id] = sub
	subscribers.Inc()
	return sub
}

func (c *Coordinator) unsubscribe(id uint64) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[id]; ok {
		delete(c.subs, id)
		subscribers.Dec()
	}
}

// Close closes every open subscription.
func (c *Coordinator) Close() {
	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (c *Coordinator) publish(ch Change) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	changesPublished.WithLabelValues(ch.Kind.String()).Inc()
	for _, s := range c.subs {
		s.push(ch)
		if n := s.pending(); n > 0 && n%1000 == 0 {
			c.logger.Warn("subscriber is falling behind", "subscription", s.id, "pending", n)
		}
	}
}

// ActiveFilter returns the filter of the last successful Reload.
func (c *Coordinator) ActiveFilter() events.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// stored returns the row as the store now holds it, falling back to e.
func (c *Coordinator) stored(ctx context.Context, e events.Event) events.Event {
	rows, err := c.store.GetByID(ctx, e.ID)
	if err != nil {
		c.logger.Warn("failed to re-read stored event, publishing submitted copy", "id", e.ID, "err", err)
		return e
	}
	if len(rows) == 0 {
		c.logger.Warn("stored event not found on re-read, publishing submitted copy", "id", e.ID)
		return e
	}
	return rows[0]
}

// SubmitNew inserts e unless its id is already stored. A change is published
// only when a row was inserted.
func (c *Coordinator) SubmitNew(ctx context.Context, e events.Event) bool {
	ctx, span := tracer.Start(ctx, "SubmitNew")
	defer span.End()
	span.SetAttributes(attribute.String("id", e.ID), attribute.String("transport", e.TransportType))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked(ctx)

	inserted, err := c.store.InsertIfAbsent(ctx, e)
	if err != nil {
		submissions.WithLabelValues("new", "error").Inc()
		return false
	}
	if !inserted {
		submissions.WithLabelValues("new", "duplicate").Inc()
		c.logger.Debug("dropping duplicate event", "id", e.ID, "transport", e.TransportType)
		return false
	}

	submissions.WithLabelValues("new", "inserted").Inc()
	c.publish(Change{Kind: ChangeAdd, Event: c.stored(ctx, e)})
	return true
}

// SubmitUpdate upserts e and always publishes an update.
func (c *Coordinator) SubmitUpdate(ctx context.Context, e events.Event) bool {
	ctx, span := tracer.Start(ctx, "SubmitUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("id", e.ID), attribute.String("transport", e.TransportType))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked(ctx)

	if err := c.store.Upsert(ctx, e); err != nil {
		submissions.WithLabelValues("update", "error").Inc()
		return false
	}

	submissions.WithLabelValues("update", "applied").Inc()
	c.publish(Change{Kind: ChangeUpdate, Event: c.stored(ctx, e)})
	return true
}

// IngestNew decodes a producer payload and submits it with SubmitNew.
// Payloads that fail to decode are logged and dropped.
func (c *Coordinator) IngestNew(ctx context.Context, p Payload, transport string) bool {
	e, ok := c.decode(p, transport)
	if !ok {
		return false
	}
	return c.SubmitNew(ctx, e)
}

// IngestUpdate decodes a producer payload and submits it with SubmitUpdate.
func (c *Coordinator) IngestUpdate(ctx context.Context, p Payload, transport string) bool {
	e, ok := c.decode(p, transport)
	if !ok {
		return false
	}
	return c.SubmitUpdate(ctx, e)
}

func (c *Coordinator) decode(p Payload, transport string) (events.Event, bool) {
	e, err := Decode(p, transport)
	if err != nil {
		decodeErrors.WithLabelValues(transport).Inc()
		c.logger.Warn("dropping malformed event", "transport", transport, "id", p.str("id"), "err", err)
		return events.Event{}, false
	}
	if e.CurrentZones == nil {
		c.logger.Debug("event has no current_zones", "id", e.ID, "transport", transport)
	}
	return e, true
}

// SetFrigatePlus toggles the user's Frigate+ flag and publishes an update.
func (c *Coordinator) SetFrigatePlus(ctx context.Context, id string, v bool) bool {
	ctx, span := tracer.Start(ctx, "SetFrigatePlus")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	found, err := c.store.SetFrigatePlus(ctx, id, v)
	if err != nil || !found {
		return false
	}
	c.publish(Change{Kind: ChangeUpdate, Event: c.stored(ctx, events.Event{ID: id})})
	return true
}

// Reload queries f, makes it the active filter, and publishes a replace.
func (c *Coordinator) Reload(ctx context.Context, f events.Filter) bool {
	ctx, span := tracer.Start(ctx, "Reload")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reloadLocked(ctx, f)
}

func (c *Coordinator) reloadLocked(ctx context.Context, f events.Filter) bool {
	rows, err := c.store.Query(ctx, f)
	if err != nil {
		return false
	}
	c.active = f
	c.publish(Change{Kind: ChangeReplace, Events: rows, Filter: f})
	return true
}

// refreshLocked reloads the active filter, first advancing it to today when
// it is rolling.
func (c *Coordinator) refreshLocked(ctx context.Context) bool {
	return c.reloadLocked(ctx, c.active.Advance(c.now()))
}

// rollLocked refreshes a rolling active filter once the clock has moved past
// the day it ends on. It reports whether the filter advanced.
func (c *Coordinator) rollLocked(ctx context.Context) bool {
	if !c.active.Rolling || sameDay(c.active.EndDate, c.now()) {
		return false
	}
	from := c.active.EndDate
	if !c.refreshLocked(ctx) {
		return false
	}
	c.logger.Info("advanced rolling filter", "from", from.Format(time.DateOnly), "to", c.active.EndDate.Format(time.DateOnly))
	return true
}

func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Rollover advances a rolling active filter to the current day and publishes
// a replace. It reports whether the filter advanced.
func (c *Coordinator) Rollover(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "Rollover")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rollLocked(ctx)
}

// RunRollover calls Rollover just after each midnight until ctx is done.
func (c *Coordinator) RunRollover(ctx context.Context) {
	logger := c.logger.With("source", "rollover")
	for {
		now := c.now()
		y, m, d := now.Date()
		next := time.Date(y, m, d+1, 0, 0, 1, 0, now.Location())

		select {
		case <-ctx.Done():
			logger.Info("shutting down filter rollover")
			return
		case <-time.After(next.Sub(now)):
		}
		c.Rollover(ctx)
	}
}

// DeleteByFrameTime deletes the rows at t and refreshes the active filter.
func (c *Coordinator) DeleteByFrameTime(ctx context.Context, t float64) bool {
	ctx, span := tracer.Start(ctx, "DeleteByFrameTime")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.DeleteByFrameTime(ctx, t); err != nil {
		return false
	}
	return c.refreshLocked(ctx)
}

// DeleteAll clears the store and refreshes the active filter.
func (c *Coordinator) DeleteAll(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "DeleteAll")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.DeleteAll(ctx)
	if err != nil {
		return false
	}
	c.logger.Info("deleted all events", "deleted", n)
	return c.refreshLocked(ctx)
}

// ApplyRetention deletes each camera's events older than its retention and
// refreshes the active filter. It reports false if any camera failed.
func (c *Coordinator) ApplyRetention(ctx context.Context, policy Retention) bool {
	ctx, span := tracer.Start(ctx, "ApplyRetention")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	cameras, err := c.store.Cameras(ctx)
	if err != nil {
		return false
	}

	ok := true
	var total int64
	for _, camera := range cameras {
		days := policy.DaysFor(camera)
		if days <= 0 {
			continue
		}
		n, err := c.store.DeleteOlderThan(ctx, camera, days)
		if err != nil {
			ok = false
			continue
		}
		retentionDeleted.WithLabelValues(camera).Add(float64(n))
		total += n
	}
	span.SetAttributes(attribute.Int64("deleted", total))

	if !c.refreshLocked(ctx) {
		return false
	}
	return ok
}
