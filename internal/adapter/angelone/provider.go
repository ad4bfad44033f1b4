// Package angelone implements the vendor feed adapter for the Angel One
// SmartAPI websocket stream.
package angelone

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketcalls/tickstream/internal/adapter"
	"github.com/marketcalls/tickstream/internal/bus/tickbus"
	"github.com/marketcalls/tickstream/internal/observability"
	"github.com/marketcalls/tickstream/internal/schema"
	"github.com/marketcalls/tickstream/internal/telemetry"
	"github.com/marketcalls/tickstream/internal/token"
	"github.com/marketcalls/tickstream/internal/wire"
)

const venueName = "angelone"

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultHeartbeat    = 30 * time.Second
	defaultRejectWindow = 200 * time.Millisecond
	defaultControlRate  = 10
	defaultControlBurst = 5
)

// Options configures the Angel One adapter.
type Options struct {
	URL         string
	Credentials adapter.Credentials
	Resolver    token.Resolver
	Bus         tickbus.Bus

	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// RejectWindow bounds how long a subscribe waits for a vendor error
	// reply before treating silence as acceptance.
	RejectWindow time.Duration
	// ControlMessagesPerSecond paces the vendor control channel.
	ControlMessagesPerSecond float64

	Logger  observability.Logger
	Metrics *telemetry.Metrics
}

func (o Options) normalize() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeat
	}
	if o.RejectWindow <= 0 {
		o.RejectWindow = defaultRejectWindow
	}
	if o.ControlMessagesPerSecond <= 0 {
		o.ControlMessagesPerSecond = defaultControlRate
	}
	if o.Logger == nil {
		o.Logger = observability.Log()
	}
	return o
}

// Provider is the Angel One implementation of adapter.Feed. It resolves
// canonical topics to vendor tokens, keeps the reverse mapping for inbound
// frames, and publishes decoded ticks onto the bus.
type Provider struct {
	opts Options
	sm   *streamManager
	log  observability.Logger

	mu      sync.Mutex
	topics  map[subKey]schema.Topic
	lastSeq map[subKey]int64
}

// NewProvider builds the adapter. Connect must be called before ticks flow.
func NewProvider(opts Options) *Provider {
	opts = opts.normalize()
	p := new(Provider)
	p.opts = opts
	p.log = opts.Logger
	p.topics = make(map[subKey]schema.Topic)
	p.lastSeq = make(map[subKey]int64)
	p.sm = newStreamManager(streamConfig{
		url:            opts.URL,
		credentials:    opts.Credentials,
		dialTimeout:    opts.DialTimeout,
		writeTimeout:   opts.WriteTimeout,
		heartbeat:      opts.HeartbeatInterval,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		rejectWindow:   opts.RejectWindow,
		controlRate:    rate.Limit(opts.ControlMessagesPerSecond),
		controlBurst:   defaultControlBurst,
	}, p.handleFrame, opts.Logger, opts.Metrics)
	return p
}

// Connect implements adapter.Feed.
func (p *Provider) Connect(ctx context.Context) error {
	return p.sm.start(ctx)
}

// State implements adapter.Feed.
func (p *Provider) State() adapter.State {
	return p.sm.state()
}

// Err implements adapter.Feed.
func (p *Provider) Err() error {
	return p.sm.terminal()
}

// Close implements adapter.Feed.
func (p *Provider) Close() error {
	p.sm.stop()
	return nil
}

// Subscribe implements adapter.Feed. Topics resolving to the same vendor
// token entry are coalesced into one wire subscription.
func (p *Provider) Subscribe(ctx context.Context, topics []schema.Topic) error {
	keys, resolved, err := p.resolve(topics)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	p.mu.Lock()
	for key, topic := range resolved {
		p.topics[key] = topic
	}
	p.mu.Unlock()

	if err := p.sm.subscribe(ctx, keys); err != nil {
		// Drop mappings for keys the rejection left inactive.
		p.mu.Lock()
		for _, key := range keys {
			if !p.sm.has(key) {
				delete(p.topics, key)
			}
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe implements adapter.Feed.
func (p *Provider) Unsubscribe(ctx context.Context, topics []schema.Topic) error {
	keys, _, err := p.resolve(topics)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	removed, err := p.sm.unsubscribe(ctx, keys)
	p.mu.Lock()
	for _, key := range removed {
		delete(p.topics, key)
		delete(p.lastSeq, key)
	}
	p.mu.Unlock()
	return err
}

func (p *Provider) resolve(topics []schema.Topic) ([]subKey, map[subKey]schema.Topic, error) {
	keys := make([]subKey, 0, len(topics))
	resolved := make(map[subKey]schema.Topic, len(topics))
	for _, topic := range topics {
		if err := topic.Validate(); err != nil {
			return nil, nil, err
		}
		vt, err := p.opts.Resolver.ResolveToken(topic.Symbol, topic.Exchange)
		if err != nil {
			return nil, nil, err
		}
		key := subKey{mode: topic.Mode, exchangeType: vt.ExchangeType, token: vt.Token}
		if _, dup := resolved[key]; dup {
			continue
		}
		resolved[key] = topic
		keys = append(keys, key)
	}
	return keys, resolved, nil
}

// handleFrame decodes one binary vendor frame and publishes the tick. Frames
// that fail to decode, and ticks for tokens with no active mapping, are
// dropped without disturbing the stream.
func (p *Provider) handleFrame(data []byte) {
	ctx := context.Background()

	tick, err := wire.Decode(data)
	if err != nil {
		p.opts.Metrics.DecodeError(ctx)
		p.log.Debug("dropped undecodable frame",
			observability.Field{Key: "len", Value: len(data)},
			observability.Field{Key: "error", Value: err})
		return
	}
	p.opts.Metrics.FrameDecoded(ctx)

	key := subKey{mode: tick.Mode, exchangeType: tick.ExchangeType, token: tick.Token}
	p.mu.Lock()
	topic, ok := p.topics[key]
	if ok {
		if prev := p.lastSeq[key]; prev != 0 && tick.Sequence > prev+1 {
			p.log.Debug("sequence gap",
				observability.Field{Key: "topic", Value: topic.Key()},
				observability.Field{Key: "from", Value: prev},
				observability.Field{Key: "to", Value: tick.Sequence})
		}
		p.lastSeq[key] = tick.Sequence
	}
	p.mu.Unlock()
	if !ok {
		p.log.Debug("tick for unmapped token",
			observability.Field{Key: "token", Value: tick.Token},
			observability.Field{Key: "mode", Value: tick.Mode.String()})
		return
	}

	tick.Symbol = topic.Symbol
	tick.Exchange = topic.Exchange
	p.opts.Bus.Publish(ctx, topic, tick)
	p.opts.Metrics.TickPublished(ctx)
}

var _ adapter.Feed = (*Provider)(nil)
