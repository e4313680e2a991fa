// Package pubsub fans exam events out to live subscribers.
//
// Each subscriber owns an unbounded FIFO queue, so Publish never blocks on
// a slow reader. Events published while a subject has no subscribers are
// dropped; there is no replay.
package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/pavelanni/examgen/internal/model"
)

// DefaultIdle is the heartbeat period used when Next gets a non-positive idle.
const DefaultIdle = 30 * time.Second

// Subscription is one live observer of a subject.
type Subscription struct {
	subject string

	mu     sync.Mutex
	queue  []model.Event
	closed bool
	notify chan struct{} // capacity 1; signals queue growth or close
}

// Subject returns the subject this subscription listens to.
func (s *Subscription) Subject() string { return s.subject }

func (s *Subscription) push(ev model.Event) {
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
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (model.Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = model.Event{}
		s.queue = s.queue[1:]
		return ev, true, s.closed
	}
	return model.Event{}, false, s.closed
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

// Next blocks until an event is queued, the subscription is closed or ctx
// is done. If nothing arrives within idle it returns a heartbeat event.
// ok is false once the subscription is closed or ctx is done.
func (s *Subscription) Next(ctx context.Context, idle time.Duration) (ev model.Event, ok bool) {
	if idle <= 0 {
		idle = DefaultIdle
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		ev, got, closed := s.pop()
		if got {
			return ev, true
		}
		if closed {
			return model.Event{}, false
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return model.Event{Type: model.EventHeartbeat}, true
		case <-ctx.Done():
			return model.Event{}, false
		}
	}
}

// Broker routes events by subject to the subscriptions registered for it.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	// OnChange, if set, is called with the subject and its new subscriber
	// count after every Subscribe and Unsubscribe.
	OnChange func(subject string, n int)
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. Only events published after this
// call are delivered to it.
func (b *Broker) Subscribe(subject string) *Subscription {
	sub := &Subscription{subject: subject, notify: make(chan struct{}, 1)}
	b.mu.Lock()
	set, ok := b.subs[subject]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[subject] = set
	}
	set[sub] = struct{}{}
	n := len(set)
	b.mu.Unlock()
	b.changed(subject, n)
	return sub
}

// Unsubscribe removes sub and wakes any pending Next. It is safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	set := b.subs[sub.subject]
	_, present := set[sub]
	delete(set, sub)
	n := len(set)
	if n == 0 {
		delete(b.subs, sub.subject)
	}
	b.mu.Unlock()
	sub.close()
	if present {
		b.changed(sub.subject, n)
	}
}

// Publish appends ev to the queue of every current subscriber of subject.
// It never blocks and reports how many subscribers received the event.
func (b *Broker) Publish(subject string, ev model.Event) int {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[subject]))
	for sub := range b.subs[subject] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()
	for _, sub := range targets {
		sub.push(ev)
	}
	return len(targets)
}

// Subscribers returns the number of live subscriptions for subject.
func (b *Broker) Subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

func (b *Broker) changed(subject string, n int) {
	if b.OnChange != nil {
		b.OnChange(subject, n)
	}
}
