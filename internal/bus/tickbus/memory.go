package tickbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marketcalls/tickstream/errs"
	"github.com/marketcalls/tickstream/internal/schema"
)

// MemoryBus is the in-memory implementation of the tick bus.
type MemoryBus struct {
	cfg MemoryConfig

	mu           sync.RWMutex
	subscribers  map[string]map[SubscriptionID]*subscriber
	index        map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	closed       bool
	nextID       uint64
}

type subscriber struct {
	topic   string
	ch      chan *schema.Tick
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed tick bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	bus := new(MemoryBus)
	bus.cfg = cfg.normalize()
	bus.subscribers = make(map[string]map[SubscriptionID]*subscriber)
	bus.index = make(map[SubscriptionID]*subscriber)
	return bus
}

// Publish fans the tick out to every current subscriber of its topic.
// It never blocks: a full subscriber buffer sheds its oldest entry.
func (b *MemoryBus) Publish(ctx context.Context, topic schema.Topic, tick *schema.Tick) {
	if tick == nil || ctx.Err() != nil {
		return
	}
	key := topic.Key()

	// Snapshot subscribers to avoid holding the lock during delivery.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[key]))
	for _, sub := range b.subscribers[key] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.push(tick)
	}
}

// Subscribe registers a delivery stream for the topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic schema.Topic) (SubscriptionID, <-chan *schema.Tick, error) {
	if err := topic.Validate(); err != nil {
		return "", nil, err
	}
	if ctx != nil && ctx.Err() != nil {
		return "", nil, fmt.Errorf("subscribe context: %w", ctx.Err())
	}
	key := topic.Key()

	sub := new(subscriber)
	sub.topic = key
	sub.ch = make(chan *schema.Tick, b.cfg.BufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, errs.New("tickbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[key][id] = sub
	b.index[id] = sub
	b.mu.Unlock()

	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its delivery channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.index[id]
	if ok {
		delete(b.index, id)
		if subs := b.subscribers[sub.topic]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, sub.topic)
			}
		}
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Dropped reports how many ticks were shed for the given subscription.
func (b *MemoryBus) Dropped(id SubscriptionID) uint64 {
	b.mu.RLock()
	sub := b.index[id]
	b.mu.RUnlock()
	if sub == nil {
		return 0
	}
	return sub.dropped.Load()
}

// Close shuts down the bus and every subscription.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := make([]*subscriber, 0, len(b.index))
		for id, sub := range b.index {
			subs = append(subs, sub)
			delete(b.index, id)
		}
		b.subscribers = make(map[string]map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

// push enqueues the tick, shedding the oldest buffered entry when the
// subscriber's buffer is full. Only this subscriber is affected; topic order
// for the surviving entries is preserved.
func (s *subscriber) push(tick *schema.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- tick:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}
