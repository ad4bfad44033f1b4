package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the gateway's instrument set. A nil *Metrics is safe to
// use everywhere; recording calls become no-ops.
type Metrics struct {
	framesDecoded     metric.Int64Counter
	decodeErrors      metric.Int64Counter
	ticksPublished    metric.Int64Counter
	deliveriesDropped metric.Int64Counter
	reconnects        metric.Int64Counter
	sessionsActive    metric.Int64UpDownCounter
}

// NewMetrics registers the gateway instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := new(Metrics)
	var err error
	if m.framesDecoded, err = meter.Int64Counter("tickstream.frames.decoded",
		metric.WithDescription("Vendor frames successfully decoded into ticks")); err != nil {
		return nil, fmt.Errorf("register frames.decoded: %w", err)
	}
	if m.decodeErrors, err = meter.Int64Counter("tickstream.frames.decode_errors",
		metric.WithDescription("Vendor frames dropped due to decode failure")); err != nil {
		return nil, fmt.Errorf("register frames.decode_errors: %w", err)
	}
	if m.ticksPublished, err = meter.Int64Counter("tickstream.ticks.published",
		metric.WithDescription("Ticks published onto the bus")); err != nil {
		return nil, fmt.Errorf("register ticks.published: %w", err)
	}
	if m.deliveriesDropped, err = meter.Int64Counter("tickstream.deliveries.dropped",
		metric.WithDescription("Tick deliveries shed for slow subscribers")); err != nil {
		return nil, fmt.Errorf("register deliveries.dropped: %w", err)
	}
	if m.reconnects, err = meter.Int64Counter("tickstream.feed.reconnects",
		metric.WithDescription("Upstream feed reconnect attempts")); err != nil {
		return nil, fmt.Errorf("register feed.reconnects: %w", err)
	}
	if m.sessionsActive, err = meter.Int64UpDownCounter("tickstream.sessions.active",
		metric.WithDescription("Currently connected downstream sessions")); err != nil {
		return nil, fmt.Errorf("register sessions.active: %w", err)
	}
	return m, nil
}

// FrameDecoded records one successfully decoded vendor frame.
func (m *Metrics) FrameDecoded(ctx context.Context) {
	if m == nil {
		return
	}
	m.framesDecoded.Add(ctx, 1)
}

// DecodeError records one dropped vendor frame.
func (m *Metrics) DecodeError(ctx context.Context) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1)
}

// TickPublished records one tick handed to the bus.
func (m *Metrics) TickPublished(ctx context.Context) {
	if m == nil {
		return
	}
	m.ticksPublished.Add(ctx, 1)
}

// DeliveriesDropped records n shed deliveries.
func (m *Metrics) DeliveriesDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveriesDropped.Add(ctx, n)
}

// Reconnect records one upstream reconnect attempt.
func (m *Metrics) Reconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// SessionOpened records a new downstream session.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// SessionClosed records a departed downstream session.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}
