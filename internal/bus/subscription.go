package bus

import (
	"sync"

	"github.com/basket/turnstream/internal/events"
)

// Subscription is one fan-out sink. Its queue is unbounded so pushing never
// blocks a publisher and must-deliver events are never lost to a slow
// reader. Payload maps are shared between subscriptions and must be
// treated as read-only.
type Subscription struct {
	id        int
	sessionID string
	ch        chan events.Event

	mu     sync.Mutex
	queue  []events.Event
	closed bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(id int, sessionID string) *Subscription {
	s := &Subscription{
		id:        id,
		sessionID: sessionID,
		ch:        make(chan events.Event),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.pump()
	return s
}

// Ch returns the channel to receive events on. It is closed after
// Unsubscribe or once the session closes and the queue has drained.
func (s *Subscription) Ch() <-chan events.Event {
	return s.ch
}

// SessionID returns the session this sink is attached to.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Pending returns the number of queued, not yet received events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) push(ev events.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// closeSend stops accepting events; the pump drains what is queued and
// then closes the channel.
func (s *Subscription) closeSend() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// stop abandons the queue and closes the channel.
func (s *Subscription) stop() {
	s.closeSend()
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = events.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}
