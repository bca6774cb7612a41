package ingest

import (
	"sync"

	"github.com/ericvolp12/nvr.tools/pkg/events"
)

type ChangeKind int

const (
	// ChangeAdd carries a row inserted for the first time.
	ChangeAdd ChangeKind = iota + 1
	// ChangeUpdate carries the stored state of a row after an upsert or toggle.
	ChangeUpdate
	// ChangeReplace carries a complete query result for Filter.
	ChangeReplace
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

type Change struct {
	Kind   ChangeKind
	Event  events.Event
	Events []events.Event
	Filter events.Filter
}

// Subscription delivers changes in publish order to a single consumer.
// Publishing never blocks: changes queue in memory until the consumer reads
// them. On a compacting subscription a queued replace drops everything queued
// before it.
type Subscription struct {
	id      uint64
	out     chan Change
	compact bool

	mu     sync.Mutex
	queue  []Change
	signal chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newSubscription(id uint64, compact bool, onClose func()) *Subscription {
	s := &Subscription{
		id:      id,
		out:     make(chan Change),
		compact: compact,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

// Changes is closed after Close.
func (s *Subscription) Changes() <-chan Change {
	return s.out
}

// Close unsubscribes. Changes still queued are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription) push(c Change) {
	s.mu.Lock()
	if s.compact && c.Kind == ChangeReplace {
		s.queue = s.queue[:0]
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = Change{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
