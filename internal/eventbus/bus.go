// Package eventbus provides in-process fan-out of engine events to an
// arbitrary number of subscribers (websocket hub, trade recorder, notifier,
// Redis mirror). Delivery is asynchronous per subscriber; a subscriber that
// falls behind drops events rather than stalling the engine.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/quantfold/chainbot/internal/domain"
)

// subscriberBuffer is the per-subscriber channel depth. Matches the send
// buffer used for websocket clients.
const subscriberBuffer = 256

// Handler receives one event. Handlers run on a dedicated goroutine per
// subscriber, so they may block briefly without affecting publishers.
type Handler func(domain.Event)

type subscriber struct {
	ch   chan domain.Event
	done chan struct{}
}

// Bus is a broadcast bus for domain events. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger.With(slog.String("component", "eventbus")),
	}
}

// Subscribe registers a handler and returns an unsubscribe function. The
// unsubscribe function is idempotent and waits for the handler goroutine to
// drain before returning.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++

	sub := &subscriber{
		ch:   make(chan domain.Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.subs[id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				h(ev)
			case <-sub.done:
				// Drain whatever is already buffered, then exit.
				for {
					select {
					case ev, ok := <-sub.ch:
						if !ok {
							return
						}
						h(ev)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.done)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every current subscriber. Subscribers whose buffer
// is full miss the event; the engine never blocks on a slow consumer.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				slog.String("kind", string(ev.Kind())),
			)
		}
	}
}

// Close shuts the bus down. Pending events in subscriber buffers are
// delivered before the handler goroutines exit. Publish and Subscribe become
// no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
