package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/marketcalls/tickstream/errs"
	"github.com/marketcalls/tickstream/internal/bus/tickbus"
	"github.com/marketcalls/tickstream/internal/registry"
	"github.com/marketcalls/tickstream/internal/schema"
)

type fakeFeed struct {
	mu           sync.Mutex
	subscribes   [][]schema.Topic
	unsubscribes [][]schema.Topic
	subscribeErr error
}

func (f *fakeFeed) Subscribe(_ context.Context, topics []schema.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribes = append(f.subscribes, topics)
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, topics []schema.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, topics)
	return nil
}

func (f *fakeFeed) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribes)
}

type testHarness struct {
	feed   *fakeFeed
	bus    *tickbus.MemoryBus
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	h := new(testHarness)
	h.feed = new(fakeFeed)
	h.bus = tickbus.NewMemoryBus(tickbus.MemoryConfig{BufferSize: 64})
	reg := registry.New(h.feed, nil)
	h.server = NewServer(cfg, reg, h.bus, nil, nil)
	h.http = httptest.NewServer(h.server)
	t.Cleanup(func() {
		h.http.Close()
		h.bus.Close()
	})
	return h
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func readInto(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := json.Unmarshal(readRaw(t, conn), v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func subscribeReq(symbol, mode string) schema.ClientRequest {
	return schema.ClientRequest{
		Action:   schema.ClientActionSubscribe,
		Symbol:   symbol,
		Exchange: "NSE",
		Mode:     mode,
	}
}

func publishQuote(h *testHarness, symbol string, seq int64) {
	topic := schema.Topic{Symbol: symbol, Exchange: "NSE", Mode: schema.ModeQuote}
	h.bus.Publish(context.Background(), topic, &schema.Tick{
		Symbol:   symbol,
		Exchange: "NSE",
		Mode:     schema.ModeQuote,
		Sequence: seq,
	})
}

func TestSubscribeDeliversMarketData(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	send(t, conn, subscribeReq("RELIANCE", "QUOTE"))

	var ack schema.AckMessage
	readInto(t, conn, &ack)
	if ack.Type != schema.MessageTypeSubscription || ack.Status != "ok" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ack.Symbol != "RELIANCE" || ack.Mode != "QUOTE" {
		t.Fatalf("ack identity: %+v", ack)
	}

	publishQuote(h, "RELIANCE", 11)

	var msg schema.MarketDataMessage
	readInto(t, conn, &msg)
	if msg.Type != schema.MessageTypeMarketData {
		t.Fatalf("type = %q", msg.Type)
	}
	if msg.Topic != "RELIANCE.NSE" {
		t.Fatalf("topic = %q, want RELIANCE.NSE", msg.Topic)
	}
	if msg.Data == nil || msg.Data.Sequence != 11 {
		t.Fatalf("payload = %+v", msg.Data)
	}
}

func TestSubscribeDefaultsToQuoteMode(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	send(t, conn, subscribeReq("RELIANCE", ""))

	var ack schema.AckMessage
	readInto(t, conn, &ack)
	if ack.Mode != "QUOTE" {
		t.Fatalf("default mode = %q, want QUOTE", ack.Mode)
	}
}

func TestMalformedRequestKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var errMsg schema.ErrorMessage
	readInto(t, conn, &errMsg)
	if errMsg.Type != schema.MessageTypeError {
		t.Fatalf("expected error frame, got %+v", errMsg)
	}

	// The same session still accepts a well-formed request.
	send(t, conn, subscribeReq("RELIANCE", "LTP"))
	var ack schema.AckMessage
	readInto(t, conn, &ack)
	if ack.Status != "ok" {
		t.Fatalf("session unusable after malformed frame: %+v", ack)
	}
}

func TestUnknownActionYieldsError(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	send(t, conn, schema.ClientRequest{Action: "replay", Symbol: "RELIANCE", Exchange: "NSE"})
	var errMsg schema.ErrorMessage
	readInto(t, conn, &errMsg)
	if errMsg.Type != schema.MessageTypeError {
		t.Fatalf("expected error frame, got %+v", errMsg)
	}
}

func TestUnknownModeYieldsError(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	send(t, conn, subscribeReq("RELIANCE", "DEPTH20"))
	var errMsg schema.ErrorMessage
	readInto(t, conn, &errMsg)
	if errMsg.Type != schema.MessageTypeError || errMsg.Code != string(errs.CodeInvalid) {
		t.Fatalf("expected invalid-mode error, got %+v", errMsg)
	}
}

func TestApplicationPing(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(readRaw(t, conn)); got != "pong" {
		t.Fatalf("reply = %q, want pong", got)
	}
}

func TestUnsubscribeReleasesUpstream(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	send(t, conn, subscribeReq("RELIANCE", "QUOTE"))
	var ack schema.AckMessage
	readInto(t, conn, &ack)

	send(t, conn, schema.ClientRequest{
		Action:   schema.ClientActionUnsubscribe,
		Symbol:   "RELIANCE",
		Exchange: "NSE",
		Mode:     "QUOTE",
	})
	var unack schema.AckMessage
	readInto(t, conn, &unack)
	if unack.Type != schema.MessageTypeUnsubscription || unack.Status != "ok" {
		t.Fatalf("unexpected unsubscription ack: %+v", unack)
	}
	if h.feed.unsubscribeCount() != 1 {
		t.Fatalf("vendor unsubscribes = %d, want 1", h.feed.unsubscribeCount())
	}

	// Idempotent: a second unsubscribe still acks and stays quiet upstream.
	send(t, conn, schema.ClientRequest{
		Action:   schema.ClientActionUnsubscribe,
		Symbol:   "RELIANCE",
		Exchange: "NSE",
		Mode:     "QUOTE",
	})
	readInto(t, conn, &unack)
	if unack.Status != "ok" || h.feed.unsubscribeCount() != 1 {
		t.Fatalf("repeat unsubscribe: ack=%+v upstream=%d", unack, h.feed.unsubscribeCount())
	}
}

func TestUpstreamRejectionReachesClient(t *testing.T) {
	h := newHarness(t, Config{})
	h.feed.subscribeErr = errs.New("angelone", errs.CodeCapacity, errs.WithMessage("limit reached"))
	conn := h.dial(t)

	send(t, conn, subscribeReq("RELIANCE", "QUOTE"))
	var errMsg schema.ErrorMessage
	readInto(t, conn, &errMsg)
	if errMsg.Type != schema.MessageTypeError || errMsg.Code != string(errs.CodeCapacity) {
		t.Fatalf("expected capacity error, got %+v", errMsg)
	}
}

func TestDisconnectReleasesUpstream(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	send(t, conn, subscribeReq("RELIANCE", "QUOTE"))
	var ack schema.AckMessage
	readInto(t, conn, &ack)

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.feed.unsubscribeCount() == 1 && h.server.SessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("upstream not released: unsubscribes=%d sessions=%d",
		h.feed.unsubscribeCount(), h.server.SessionCount())
}

// stuckConn scripts one inbound frame and then never completes a write,
// modelling a client whose socket has stopped draining.
type stuckConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newStuckConn(frames ...[]byte) *stuckConn {
	c := &stuckConn{
		inbound: make(chan []byte, len(frames)),
		closed:  make(chan struct{}),
	}
	for _, f := range frames {
		c.inbound <- f
	}
	return c
}

func (c *stuckConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.MessageText, data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, context.Canceled
	}
}

func (c *stuckConn) Write(ctx context.Context, _ websocket.MessageType, _ []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return context.Canceled
	}
}

func (c *stuckConn) Close(websocket.StatusCode, string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func TestSlowClientIsIsolatedAndDisconnected(t *testing.T) {
	h := newHarness(t, Config{QueueDepth: 16, WriteTimeout: 30 * time.Second})

	// A healthy client over a real socket on the same topic.
	fast := h.dial(t)
	send(t, fast, subscribeReq("RELIANCE", "QUOTE"))
	var ack schema.AckMessage
	readInto(t, fast, &ack)

	// A stuck client whose writes never complete.
	subReq, _ := json.Marshal(subscribeReq("RELIANCE", "QUOTE"))
	conn := newStuckConn(subReq)
	sess := newSession("stuck-1", h.server, conn)
	if !h.server.track(sess) {
		t.Fatal("track session")
	}
	sessDone := make(chan struct{})
	go func() {
		defer close(sessDone)
		sess.run(context.Background())
	}()

	// Wait for the stuck client's upstream interest to register.
	deadline := time.Now().Add(2 * time.Second)
	for h.server.registry.Refcount(schema.Topic{Symbol: "RELIANCE", Exchange: "NSE", Mode: schema.ModeQuote}) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("stuck session never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Flood the topic. The stuck session's writer never drains its queue,
	// so the overflow must disconnect it; the healthy session's writer
	// keeps up.
	for seq := int64(1); seq <= 100; seq++ {
		publishQuote(h, "RELIANCE", seq)
		time.Sleep(time.Millisecond)
	}

	select {
	case <-sessDone:
	case <-time.After(3 * time.Second):
		t.Fatal("stuck session was not disconnected")
	}

	// The healthy sibling is unaffected and keeps receiving.
	publishQuote(h, "RELIANCE", 99)
	for {
		var msg schema.MarketDataMessage
		readInto(t, fast, &msg)
		if msg.Data != nil && msg.Data.Sequence == 99 {
			break
		}
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.server.SessionCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sessions = %d, want 1", h.server.SessionCount())
}
