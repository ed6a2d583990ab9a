package realtime

import (
	"sync"
	"sync/atomic"
)

type subKind string

const (
	kindValue subKind = "value"
	kindChild subKind = "child_added"
)

// subscription delivers events on its own goroutine so callbacks never run
// under the engine lock. Value subscriptions keep only the newest snapshot;
// child subscriptions keep a FIFO.
type subscription struct {
	id   uint64
	kind subKind
	path string
	segs []string
	fn   func(Snapshot)

	mu      sync.Mutex
	latest  *Snapshot
	queue   []Snapshot
	wake    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
}

func newSubscription(id uint64, kind subKind, path string, segs []string, fn func(Snapshot)) *subscription {
	s := &subscription{
		id:   id,
		kind: kind,
		path: path,
		segs: segs,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) push(snap Snapshot) {
	s.mu.Lock()
	if s.kind == kindValue {
		s.latest = &snap
	} else {
		s.queue = append(s.queue, snap)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			var (
				next Snapshot
				ok   bool
			)
			if s.kind == kindValue {
				if s.latest != nil {
					next, ok = *s.latest, true
					s.latest = nil
				}
			} else if len(s.queue) > 0 {
				next, ok = s.queue[0], true
				s.queue[0] = Snapshot{}
				s.queue = s.queue[1:]
			}
			s.mu.Unlock()
			if !ok || s.stopped.Load() {
				break
			}
			s.fn(next)
			eventsDelivered.WithLabelValues(string(s.kind)).Inc()
		}
	}
}

func (s *subscription) stop() bool {
	if s.stopped.Swap(true) {
		return false
	}
	close(s.done)
	return true
}
