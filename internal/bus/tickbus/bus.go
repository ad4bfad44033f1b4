// Package tickbus provides the in-process topic-keyed tick broadcast primitive.
package tickbus

import (
	"context"

	"github.com/marketcalls/tickstream/internal/schema"
)

// SubscriptionID identifies one delivery stream on the bus.
type SubscriptionID string

// Bus fans ticks out to per-topic subscribers. Publish preserves order per
// topic per subscriber and never blocks on a slow consumer.
type Bus interface {
	Publish(ctx context.Context, topic schema.Topic, tick *schema.Tick)
	Subscribe(ctx context.Context, topic schema.Topic) (SubscriptionID, <-chan *schema.Tick, error)
	Unsubscribe(id SubscriptionID)
	Dropped(id SubscriptionID) uint64
	Close()
}

// MemoryConfig configures the in-memory bus implementation.
type MemoryConfig struct {
	// BufferSize bounds each subscriber's delivery buffer. On overflow the
	// oldest buffered tick for that one subscriber is discarded.
	BufferSize int
}

const defaultBufferSize = 256

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}
