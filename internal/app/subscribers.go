package app

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// SubscriptionHandle identifies a registered subscriber.
type SubscriptionHandle uint64

type notification struct {
	event *domain.Event
	alert *domain.Alert
}

type subscription struct {
	handle  SubscriptionHandle
	name    string
	sub     ports.Subscriber
	queue   chan notification
	stop    chan struct{}
	drain   atomic.Bool
	dropped atomic.Int64
}

// SubscriberRegistry fans processed events out to subscribers.
//
// Delivery guarantees:
//   - Each subscriber sees events in processing order
//   - Each subscriber has its own bounded queue and goroutine, so a slow or
//     panicking subscriber affects nobody else
//   - When a queue is full the oldest pending notification is dropped
//   - Ordering across subscribers is unspecified
type SubscriberRegistry struct {
	mu     sync.RWMutex
	subs   map[SubscriptionHandle]*subscription
	next   SubscriptionHandle
	buffer int
	wg     sync.WaitGroup
}

func NewSubscriberRegistry(buffer int) *SubscriberRegistry {
	if buffer <= 0 {
		buffer = 1024
	}
	return &SubscriberRegistry{
		subs:   make(map[SubscriptionHandle]*subscription),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber and starts its dispatch goroutine.
func (r *SubscriberRegistry) Subscribe(name string, sub ports.Subscriber) SubscriptionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	s := &subscription{
		handle: r.next,
		name:   name,
		sub:    sub,
		queue:  make(chan notification, r.buffer),
		stop:   make(chan struct{}),
	}
	r.subs[s.handle] = s

	r.wg.Add(1)
	go r.dispatch(s)

	log.Debug().Str("subscriber", name).Uint64("handle", uint64(s.handle)).Msg("Subscriber registered")
	return s.handle
}

// SubscribeFunc registers a callback.
func (r *SubscriberRegistry) SubscribeFunc(name string, fn func(*domain.Event, *domain.Alert)) SubscriptionHandle {
	return r.Subscribe(name, ports.SubscriberFunc(fn))
}

// Unsubscribe stops delivery to a subscriber. Pending notifications are
// discarded. It reports whether the handle was registered.
func (r *SubscriberRegistry) Unsubscribe(handle SubscriptionHandle) bool {
	r.mu.Lock()
	s, ok := r.subs[handle]
	if ok {
		delete(r.subs, handle)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	close(s.stop)
	log.Debug().Str("subscriber", s.name).Int64("dropped", s.dropped.Load()).Msg("Subscriber removed")
	return true
}

// Publish enqueues a notification for every subscriber without blocking.
func (r *SubscriberRegistry) Publish(event *domain.Event, alert *domain.Alert) {
	n := notification{event: event, alert: alert}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.subs {
		s.offer(n)
	}
}

// offer is only called by the single publisher, so after evicting one
// pending item the retry cannot lose to another producer.
func (s *subscription) offer(n notification) {
	select {
	case s.queue <- n:
		return
	default:
	}

	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.queue <- n:
	default:
		s.dropped.Add(1)
	}
}

func (r *SubscriberRegistry) dispatch(s *subscription) {
	defer r.wg.Done()

	for {
		select {
		case <-s.stop:
			if s.drain.Load() {
				r.drainPending(s)
			}
			return
		case n := <-s.queue:
			r.deliver(s, n)
		}
	}
}

func (r *SubscriberRegistry) drainPending(s *subscription) {
	for {
		select {
		case n := <-s.queue:
			r.deliver(s, n)
		default:
			return
		}
	}
}

func (r *SubscriberRegistry) deliver(s *subscription, n notification) {
	defer func() {
		if rec := recover(); rec != nil {
			evt := log.Error().
				Interface("panic", rec).
				Str("subscriber", s.name)
			if n.event != nil {
				evt = evt.Int64("event_id", n.event.ID)
			}
			evt.Msg("Subscriber panic recovered")
		}
	}()
	s.sub.OnEvent(n.event, n.alert)
}

// Len returns the number of registered subscribers.
func (r *SubscriberRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dropped returns the notifications a subscriber lost to queue overflow.
func (r *SubscriberRegistry) Dropped(handle SubscriptionHandle) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.subs[handle]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Close removes every subscriber after delivering what is already queued,
// and waits for their goroutines.
func (r *SubscriberRegistry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[SubscriptionHandle]*subscription)
	r.mu.Unlock()

	for _, s := range subs {
		s.drain.Store(true)
		close(s.stop)
	}
	r.wg.Wait()
}
