package tickbus

import (
	"context"
	"testing"
	"time"

	"github.com/marketcalls/tickstream/internal/schema"
)

func quoteTopic(symbol string) schema.Topic {
	return schema.Topic{Symbol: symbol, Exchange: "NSE", Mode: schema.ModeQuote}
}

func tickFor(topic schema.Topic, seq int64) *schema.Tick {
	return &schema.Tick{
		Symbol:   topic.Symbol,
		Exchange: topic.Exchange,
		Mode:     topic.Mode,
		Sequence: seq,
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 16})
	defer bus.Close()

	topic := quoteTopic("RELIANCE")
	_, ch, err := bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for seq := int64(1); seq <= 5; seq++ {
		bus.Publish(context.Background(), topic, tickFor(topic, seq))
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case got := <-ch:
			if got.Sequence != want {
				t.Fatalf("sequence = %d, want %d", got.Sequence, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for sequence %d", want)
		}
	}
}

func TestPublishShedsOldestForSlowSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()

	topic := quoteTopic("SBIN")
	id, ch, err := bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for seq := int64(1); seq <= 5; seq++ {
		bus.Publish(context.Background(), topic, tickFor(topic, seq))
	}

	// Buffer holds the two newest; the three oldest were shed.
	first := <-ch
	second := <-ch
	if first.Sequence != 4 || second.Sequence != 5 {
		t.Fatalf("surviving sequences = %d,%d, want 4,5", first.Sequence, second.Sequence)
	}
	if got := bus.Dropped(id); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}

func TestSlowSubscriberDoesNotStallSibling(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()

	topic := quoteTopic("INFY")
	slowID, _, err := bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	_, fast, err := bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 100; seq++ {
			bus.Publish(context.Background(), topic, tickFor(topic, seq))
		}
	}()

	received := 0
	for received < 100 {
		select {
		case <-fast:
			received++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber stalled after %d ticks", received)
		}
	}
	<-done
	if bus.Dropped(slowID) == 0 {
		t.Fatal("slow subscriber should have shed deliveries")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	quote := quoteTopic("RELIANCE")
	ltp := schema.Topic{Symbol: "RELIANCE", Exchange: "NSE", Mode: schema.ModeLTP}

	_, quoteCh, err := bus.Subscribe(context.Background(), quote)
	if err != nil {
		t.Fatalf("subscribe quote: %v", err)
	}
	_, ltpCh, err := bus.Subscribe(context.Background(), ltp)
	if err != nil {
		t.Fatalf("subscribe ltp: %v", err)
	}

	// Same instrument, different mode: distinct delivery streams.
	bus.Publish(context.Background(), quote, tickFor(quote, 1))

	select {
	case <-quoteCh:
	case <-time.After(time.Second):
		t.Fatal("quote subscriber did not receive")
	}
	select {
	case tick := <-ltpCh:
		t.Fatalf("ltp subscriber received cross-mode tick %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	topic := quoteTopic("TCS")
	id, ch, err := bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Unsubscribe(id)
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("channel should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publish after unsubscribe must not panic or deliver.
	bus.Publish(context.Background(), topic, tickFor(topic, 9))
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	bus.Close()
	if _, _, err := bus.Subscribe(context.Background(), quoteTopic("RELIANCE")); err == nil {
		t.Fatal("expected subscribe on a closed bus to fail")
	}
}

func TestSubscribeRejectsInvalidTopic(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	if _, _, err := bus.Subscribe(context.Background(), schema.Topic{Symbol: "X"}); err == nil {
		t.Fatal("expected validation error")
	}
}
