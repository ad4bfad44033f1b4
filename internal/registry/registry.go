// Package registry is the single authority for client and adapter
// subscription state.
package registry

import (
	"context"
	"sync"

	"github.com/marketcalls/tickstream/errs"
	"github.com/marketcalls/tickstream/internal/observability"
	"github.com/marketcalls/tickstream/internal/schema"
)

// Feed is the subset of adapter capabilities the registry drives. Both calls
// accept a batch and are idempotent at the adapter level.
type Feed interface {
	Subscribe(ctx context.Context, topics []schema.Topic) error
	Unsubscribe(ctx context.Context, topics []schema.Topic) error
}

// Registry owns the client-to-topic interest maps and the per-topic
// reference counts that govern vendor-level subscriptions. Every mutation is
// serialized under one mutex; no other component touches this state.
type Registry struct {
	mu      sync.Mutex
	feed    Feed
	clients map[string]map[schema.Topic]struct{}
	refs    map[schema.Topic]int
	log     observability.Logger
}

// New constructs a registry driving the given feed.
func New(feed Feed, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.Log()
	}
	r := new(Registry)
	r.feed = feed
	r.clients = make(map[string]map[schema.Topic]struct{})
	r.refs = make(map[schema.Topic]int)
	r.log = logger
	return r
}

// ClientSubscribe registers the client's interest in the topic. The first
// interested client (refcount 0 to 1) triggers a vendor-level subscribe; a
// vendor rejection leaves every refcount untouched and is returned to the
// caller. Re-subscribing an already-held topic is a no-op.
func (r *Registry) ClientSubscribe(ctx context.Context, clientID string, topic schema.Topic) error {
	if clientID == "" {
		return errs.New("registry", errs.CodeInvalid, errs.WithMessage("client id required"))
	}
	if err := topic.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held := r.clients[clientID]; held != nil {
		if _, ok := held[topic]; ok {
			return nil
		}
	}

	if r.refs[topic] == 0 {
		if err := r.feed.Subscribe(ctx, []schema.Topic{topic}); err != nil {
			return err
		}
	}

	held := r.clients[clientID]
	if held == nil {
		held = make(map[schema.Topic]struct{})
		r.clients[clientID] = held
	}
	held[topic] = struct{}{}
	r.refs[topic]++
	return nil
}

// ClientUnsubscribe drops the client's interest in the topic. The last
// interested client (refcount 1 to 0) triggers exactly one vendor-level
// unsubscribe. Unsubscribing a topic the client does not hold is a no-op.
func (r *Registry) ClientUnsubscribe(ctx context.Context, clientID string, topic schema.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.clients[clientID]
	if held == nil {
		return nil
	}
	if _, ok := held[topic]; !ok {
		return nil
	}
	delete(held, topic)
	if len(held) == 0 {
		delete(r.clients, clientID)
	}

	return r.releaseLocked(ctx, []schema.Topic{topic})
}

// ClientDisconnect drops every topic the client held, atomically with
// respect to other registry operations.
func (r *Registry) ClientDisconnect(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.clients[clientID]
	if held == nil {
		return nil
	}
	delete(r.clients, clientID)

	topics := make([]schema.Topic, 0, len(held))
	for topic := range held {
		topics = append(topics, topic)
	}
	return r.releaseLocked(ctx, topics)
}

// Topics returns a snapshot of the topics the client currently holds.
func (r *Registry) Topics(clientID string) []schema.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.clients[clientID]
	out := make([]schema.Topic, 0, len(held))
	for topic := range held {
		out = append(out, topic)
	}
	return out
}

// Refcount reports the current reference count for the topic.
func (r *Registry) Refcount(topic schema.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[topic]
}

// releaseLocked decrements the given topics and issues a single batched
// vendor unsubscribe for those that reached zero. Interest state is already
// dropped at this point; an unsubscribe failure is logged, not propagated,
// since the adapter has removed the topics from its replay set regardless.
func (r *Registry) releaseLocked(ctx context.Context, topics []schema.Topic) error {
	var idle []schema.Topic
	for _, topic := range topics {
		if r.refs[topic] == 0 {
			continue
		}
		r.refs[topic]--
		if r.refs[topic] == 0 {
			delete(r.refs, topic)
			idle = append(idle, topic)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	if err := r.feed.Unsubscribe(ctx, idle); err != nil {
		r.log.Error("vendor unsubscribe failed",
			observability.Field{Key: "topics", Value: len(idle)},
			observability.Field{Key: "error", Value: err})
	}
	return nil
}
