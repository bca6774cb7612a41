package projection

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/ericvolp12/nvr.tools/pkg/ingest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var projectionSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "projection_size",
	Help: "The number of events held by the in-memory projection",
})

// Projection is an ordered in-memory view of the events matching the filter
// of the last full replace, newest frameTime first.
//
// Only the Run goroutine mutates the view. Readers get copies.
type Projection struct {
	logger *slog.Logger

	mu        sync.RWMutex
	items     []events.Event
	filter    events.Filter
	hasFilter bool
	version   uint64
	changed   chan struct{}
}

func New(logger *slog.Logger) *Projection {
	return &Projection{
		logger:  logger.With("module", "projection"),
		changed: make(chan struct{}),
	}
}

// Run applies changes from sub until ctx is done or sub is closed.
func (p *Projection) Run(ctx context.Context, sub *ingest.Subscription) error {
	p.logger.Info("running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-sub.Changes():
			if !ok {
				p.logger.Info("subscription closed")
				return nil
			}
			p.apply(ch)
		}
	}
}

func (p *Projection) apply(ch ingest.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ch.Kind {
	case ingest.ChangeReplace:
		items := make([]events.Event, len(ch.Events))
		for i, e := range ch.Events {
			items[i] = e.Clone()
		}
		p.items = items
		p.filter = ch.Filter
		p.hasFilter = true
	case ingest.ChangeAdd:
		if !p.admits(ch.Event) {
			return
		}
		if i := p.indexOf(ch.Event.ID); i >= 0 {
			p.items[i] = ch.Event.Clone()
		} else {
			p.insertSorted(ch.Event.Clone())
		}
	case ingest.ChangeUpdate:
		i := p.indexOf(ch.Event.ID)
		switch {
		case !p.admits(ch.Event):
			if i < 0 {
				return
			}
			p.items = slices.Delete(p.items, i, i+1)
		case i >= 0:
			// Kept in place even if frameTime moved.
			p.items[i] = ch.Event.Clone()
		default:
			p.insertSorted(ch.Event.Clone())
		}
	default:
		p.logger.Warn("ignoring unknown change", "kind", int(ch.Kind))
		return
	}

	projectionSize.Set(float64(len(p.items)))
	p.version++
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Projection) admits(e events.Event) bool {
	return !p.hasFilter || p.filter.Matches(e)
}

func (p *Projection) indexOf(id string) int {
	for i := range p.items {
		if p.items[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted places e ahead of existing events with the same frameTime,
// matching the store's sid DESC tie break for a newly inserted row.
func (p *Projection) insertSorted(e events.Event) {
	i := sort.Search(len(p.items), func(i int) bool {
		return p.items[i].FrameTime <= e.FrameTime
	})
	p.items = slices.Insert(p.items, i, e)
	if p.hasFilter && p.filter.Limit > 0 && len(p.items) > p.filter.Limit {
		p.items = p.items[:p.filter.Limit]
	}
}

// Snapshot returns a copy of the view and its version.
func (p *Projection) Snapshot() ([]events.Event, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]events.Event, len(p.items))
	for i, e := range p.items {
		out[i] = e.Clone()
	}
	return out, p.version
}

// Filter returns the filter the view follows, and false before the first replace.
func (p *Projection) Filter() (events.Filter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter, p.hasFilter
}

// Changed returns a channel that is closed on the next mutation of the view.
func (p *Projection) Changed() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changed
}
