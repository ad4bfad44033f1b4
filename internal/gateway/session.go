package gateway

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/marketcalls/tickstream/errs"
	"github.com/marketcalls/tickstream/internal/bus/tickbus"
	"github.com/marketcalls/tickstream/internal/observability"
	"github.com/marketcalls/tickstream/internal/schema"
)

// wsConn is the slice of websocket behaviour a session needs. Tests swap in
// an in-memory implementation.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// session is one downstream client connection. All outbound traffic funnels
// through a bounded queue drained by a single writer goroutine; per-topic
// drain goroutines forward bus deliveries into that queue. An enqueue that
// finds the queue full disconnects the session.
type session struct {
	id   string
	srv  *Server
	conn wsConn

	ctx    context.Context
	cancel context.CancelFunc

	out chan []byte

	mu   sync.Mutex
	subs map[schema.Topic]tickbus.SubscriptionID

	closeOnce sync.Once
}

func newSession(id string, srv *Server, conn wsConn) *session {
	return &session{
		id:   id,
		srv:  srv,
		conn: conn,
		out:  make(chan []byte, srv.cfg.QueueDepth),
		subs: make(map[schema.Topic]tickbus.SubscriptionID),
	}
}

// run drives the session until the connection drops. It blocks the caller
// for the session's lifetime.
func (s *session) run(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.teardown()

	var writers conc.WaitGroup
	writers.Go(s.writeLoop)

	s.readLoop()
	s.cancel()
	writers.Wait()
}

func (s *session) readLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(data), []byte("ping")) {
			s.enqueue([]byte("pong"))
			continue
		}

		var req schema.ClientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError("", "malformed request")
			continue
		}
		switch req.Action {
		case schema.ClientActionSubscribe:
			s.handleSubscribe(req)
		case schema.ClientActionUnsubscribe:
			s.handleUnsubscribe(req)
		default:
			s.sendError("", fmt.Sprintf("unknown action %q", req.Action))
		}
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.out:
			writeCtx, cancel := context.WithTimeout(s.ctx, s.srv.cfg.WriteTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *session) handleSubscribe(req schema.ClientRequest) {
	topic, err := requestTopic(req)
	if err != nil {
		s.sendError(string(errs.CodeInvalid), err.Error())
		return
	}

	s.mu.Lock()
	_, already := s.subs[topic]
	s.mu.Unlock()
	if already {
		s.sendAck(schema.MessageTypeSubscription, topic)
		return
	}

	if err := s.srv.registry.ClientSubscribe(s.ctx, s.id, topic); err != nil {
		s.srv.log.Error("subscribe rejected",
			observability.Field{Key: "session", Value: s.id},
			observability.Field{Key: "topic", Value: topic.Key()},
			observability.Field{Key: "error", Value: err})
		s.sendError(string(errs.CodeOf(err)), "subscribe failed: "+errorText(err))
		return
	}

	subID, ticks, err := s.srv.bus.Subscribe(s.ctx, topic)
	if err != nil {
		_ = s.srv.registry.ClientUnsubscribe(s.ctx, s.id, topic)
		s.sendError(string(errs.CodeOf(err)), "subscribe failed: "+errorText(err))
		return
	}

	s.mu.Lock()
	s.subs[topic] = subID
	s.mu.Unlock()

	go s.drain(topic, subID, ticks)
	s.sendAck(schema.MessageTypeSubscription, topic)
}

func (s *session) handleUnsubscribe(req schema.ClientRequest) {
	topic, err := requestTopic(req)
	if err != nil {
		s.sendError(string(errs.CodeInvalid), err.Error())
		return
	}

	s.mu.Lock()
	subID, held := s.subs[topic]
	if held {
		delete(s.subs, topic)
	}
	s.mu.Unlock()

	if held {
		s.srv.metrics.DeliveriesDropped(s.ctx, int64(s.srv.bus.Dropped(subID)))
		s.srv.bus.Unsubscribe(subID)
		_ = s.srv.registry.ClientUnsubscribe(s.ctx, s.id, topic)
	}
	// Unsubscribing a topic that was never held still acknowledges.
	s.sendAck(schema.MessageTypeUnsubscription, topic)
}

// drain forwards one topic's bus deliveries into the outbound queue. It
// exits when the bus closes the channel or the session ends.
func (s *session) drain(topic schema.Topic, subID tickbus.SubscriptionID, ticks <-chan *schema.Tick) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			msg := schema.MarketDataMessage{
				Type:  schema.MessageTypeMarketData,
				Topic: topic.Route(),
				Data:  tick,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.srv.log.Error("marshal tick failed",
					observability.Field{Key: "topic", Value: topic.Key()},
					observability.Field{Key: "error", Value: err})
				continue
			}
			if !s.enqueue(data) {
				s.srv.log.Info("disconnecting slow session",
					observability.Field{Key: "session", Value: s.id},
					observability.Field{Key: "topic", Value: topic.Key()},
					observability.Field{Key: "code", Value: errs.CodeBackpressure})
				return
			}
		}
	}
}

// enqueue offers a message to the writer. A full queue means the client
// cannot keep up; the session is cancelled so the slowness never propagates
// upstream.
func (s *session) enqueue(msg []byte) bool {
	select {
	case s.out <- msg:
		return true
	default:
		s.close(websocket.StatusPolicyViolation, "client too slow")
		return false
	}
}

func (s *session) sendAck(msgType string, topic schema.Topic) {
	ack := schema.AckMessage{
		Type:     msgType,
		Status:   "ok",
		Symbol:   topic.Symbol,
		Exchange: topic.Exchange,
		Mode:     topic.Mode.String(),
	}
	if data, err := json.Marshal(ack); err == nil {
		s.enqueue(data)
	}
}

func (s *session) sendError(code, message string) {
	msg := schema.ErrorMessage{Type: schema.MessageTypeError, Code: code, Message: message}
	if data, err := json.Marshal(msg); err == nil {
		s.enqueue(data)
	}
}

// close initiates teardown from anywhere; safe to call repeatedly.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close(code, reason)
	})
}

// teardown releases everything the session holds. Bus subscriptions go
// first so drains stop, then registry interest so idle topics retire
// upstream.
func (s *session) teardown() {
	s.close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	held := s.subs
	s.subs = make(map[schema.Topic]tickbus.SubscriptionID)
	s.mu.Unlock()

	ctx := context.Background()
	for _, subID := range held {
		s.srv.metrics.DeliveriesDropped(ctx, int64(s.srv.bus.Dropped(subID)))
		s.srv.bus.Unsubscribe(subID)
	}
	if err := s.srv.registry.ClientDisconnect(ctx, s.id); err != nil {
		s.srv.log.Error("disconnect cleanup failed",
			observability.Field{Key: "session", Value: s.id},
			observability.Field{Key: "error", Value: err})
	}
	s.srv.untrack(s.id)
}

// requestTopic builds the canonical topic from a client request. Mode
// defaults to QUOTE when omitted.
func requestTopic(req schema.ClientRequest) (schema.Topic, error) {
	mode := schema.ModeQuote
	if req.Mode != "" {
		parsed, err := schema.ParseMode(req.Mode)
		if err != nil {
			return schema.Topic{}, err
		}
		mode = parsed
	}
	topic := schema.Topic{Symbol: req.Symbol, Exchange: req.Exchange, Mode: mode}
	if err := topic.Validate(); err != nil {
		return schema.Topic{}, err
	}
	return topic, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
