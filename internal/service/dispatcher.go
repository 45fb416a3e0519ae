// Package service wires the exchange components into one client and fans
// their state changes out to UI subscribers.
//
// The dispatcher is a fan-out event bus. Session, directory, operation and
// freshness events enter through Publish and are delivered to every
// subscriber whose kind filter matches, dropping the oldest buffered event
// for subscribers that fall behind.
package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"stockexchange/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	defaultEventBuffer      = 256
	defaultSubscriberBuffer = 64
	requestBuffer           = 10
)

var (
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrBusy           = errors.New("subscription channel is full")
)

// Subscriber receives the events of the kinds it asked for.
type Subscriber struct {
	id      int64
	ch      chan model.Event
	kinds   map[model.EventKind]struct{} // empty means every kind
	removed atomic.Bool
}

// Events is closed when the subscriber is removed or the dispatcher stops.
func (s *Subscriber) Events() <-chan model.Event {
	return s.ch
}

func (s *Subscriber) wants(kind model.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	EventBuffer      int // Publish queue; events beyond it are dropped
	SubscriberBuffer int // Per-subscriber queue
}

// Dispatcher follows the actor model: one goroutine owns the subscribers
// map and every interaction reaches it through a channel.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[int64]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	eventCh          chan model.Event
	started          atomic.Bool
	nextID           atomic.Int64
	dropped          atomic.Uint64
}

// NewDispatcher creates a stopped Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, requestBuffer),
		unsubscriptionCh: make(chan *Subscriber, requestBuffer),
		eventCh:          make(chan model.Event, cfg.EventBuffer),
	}
}

// Subscribe registers a subscriber for kinds, or for every kind when none
// is given.
func (b *Dispatcher) Subscribe(kinds ...model.EventKind) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrNotStarted
	}

	set := make(map[model.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}

	sub := &Subscriber{
		id:    b.nextID.Add(1),
		ch:    make(chan model.Event, b.cfg.SubscriberBuffer),
		kinds: set,
	}

	select {
	case b.subscriptionCh <- sub:
	default:
		return nil, ErrBusy
	}
	return sub, nil
}

// Unsubscribe removes sub and closes its channel.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	if sub == nil {
		return errors.New("subscriber is nil")
	}
	sub.removed.Store(true)
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return ErrBusy
	}
}

// Publish queues ev for delivery. It never blocks: components call it while
// holding their own locks, so an event that does not fit is dropped.
func (b *Dispatcher) Publish(ev model.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.eventCh <- ev:
	default:
		n := b.dropped.Add(1)
		log.Warn().Str("kind", ev.Kind.String()).Uint64("dropped", n).Msg("event queue full, dropping event")
	}
}

// Dropped counts events lost because the publish queue was full.
func (b *Dispatcher) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Dispatcher) subscribe(sub *Subscriber) {
	// Unsubscribed before its registration was processed.
	if sub.removed.Load() {
		close(sub.ch)
		return
	}
	b.subscribers[sub.id] = sub
}

func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// StartDispatching runs the dispatch goroutine until ctx is done. Events
// published before the start are delivered once it runs.
func (b *Dispatcher) StartDispatching(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go func() {
		defer func() {
			b.started.Store(false)
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case ev := <-b.eventCh:
				b.drainRequests()
				b.dispatch(ev)
			}
		}
	}()
	return nil
}

// drainRequests applies queued subscription changes before an event goes
// out, so an event published after Subscribe or Unsubscribe returned
// respects it.
func (b *Dispatcher) drainRequests() {
	for {
		select {
		case sub := <-b.subscriptionCh:
			b.subscribe(sub)
		case sub := <-b.unsubscriptionCh:
			b.unsubscribe(sub)
		default:
			return
		}
	}
}

// dispatch runs on the dispatch goroutine only. A full subscriber loses its
// oldest buffered event so the newest one is always delivered.
func (b *Dispatcher) dispatch(ev model.Event) {
	for _, sub := range b.subscribers {
		if sub.removed.Load() {
			b.unsubscribe(sub)
			continue
		}
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		log.Debug().Int64("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered event")
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
