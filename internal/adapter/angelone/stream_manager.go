package angelone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/marketcalls/tickstream/errs"
	"github.com/marketcalls/tickstream/internal/adapter"
	"github.com/marketcalls/tickstream/internal/observability"
	"github.com/marketcalls/tickstream/internal/schema"
	"github.com/marketcalls/tickstream/internal/telemetry"
)

// subKey identifies one vendor-level subscription entry.
type subKey struct {
	mode         schema.Mode
	exchangeType int
	token        string
}

type streamConfig struct {
	url            string
	credentials    adapter.Credentials
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	heartbeat      time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	rejectWindow   time.Duration
	controlRate    rate.Limit
	controlBurst   int
}

// streamManager owns the vendor websocket: it dials with auth headers,
// supervises reconnection with bounded exponential backoff, replays the
// subscription set on every (re)connect, paces control messages, and keeps
// the text ping/pong heartbeat alive. The subscription set lives here,
// decoupled from the transient socket.
type streamManager struct {
	cfg streamConfig

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	subs   map[subKey]struct{}
	subsMu sync.Mutex

	handler func([]byte)
	limiter *rate.Limiter
	log     observability.Logger
	metrics *telemetry.Metrics

	connState atomic.Int32

	fatalMu  sync.Mutex
	fatalErr error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan schema.VendorError
}

// Vendor error codes that identify a credential rejection. These never heal
// by retrying, so the manager stops instead of backing off.
var authErrorCodes = map[string]struct{}{
	"IE-1001": {}, // invalid auth token
	"IE-1002": {}, // invalid api key
	"IE-1003": {}, // invalid client code
	"IE-1004": {}, // invalid feed token
}

// Vendor error codes for subscription-limit rejections.
var capacityErrorCodes = map[string]struct{}{
	"IE-2001": {},
}

func newStreamManager(cfg streamConfig, handler func([]byte), logger observability.Logger, metrics *telemetry.Metrics) *streamManager {
	ctx, cancel := context.WithCancel(context.Background())
	sm := new(streamManager)
	sm.cfg = cfg
	sm.ctx = ctx
	sm.cancel = cancel
	sm.subs = make(map[subKey]struct{})
	sm.handler = handler
	sm.limiter = rate.NewLimiter(cfg.controlRate, cfg.controlBurst)
	sm.log = logger
	sm.metrics = metrics
	sm.ready = make(chan struct{})
	sm.done = make(chan struct{})
	sm.pending = make(map[string]chan schema.VendorError)
	return sm
}

// start launches the connection loop and waits for the feed to stream or
// fail terminally. On a caller timeout the loop keeps retrying in the
// background and replays subscriptions once connected.
func (sm *streamManager) start(ctx context.Context) error {
	go sm.run()

	select {
	case <-sm.ready:
		return nil
	case <-sm.done:
		if err := sm.terminal(); err != nil {
			return err
		}
		return errs.New(venueName, errs.CodeUnavailable, errs.WithMessage("stream manager stopped"))
	case <-ctx.Done():
		return errs.New(venueName, errs.CodeNetwork,
			errs.WithMessage("timeout waiting for vendor connection"), errs.WithCause(ctx.Err()))
	}
}

// stop tears the manager down.
func (sm *streamManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
}

func (sm *streamManager) state() adapter.State {
	return adapter.State(sm.connState.Load())
}

func (sm *streamManager) setState(s adapter.State) {
	sm.connState.Store(int32(s))
}

func (sm *streamManager) terminal() error {
	sm.fatalMu.Lock()
	defer sm.fatalMu.Unlock()
	return sm.fatalErr
}

func (sm *streamManager) failTerminal(err error) {
	sm.fatalMu.Lock()
	if sm.fatalErr == nil {
		sm.fatalErr = err
	}
	sm.fatalMu.Unlock()
	sm.cancel()
}

// has reports whether the key is part of the active subscription set.
func (sm *streamManager) has(key subKey) bool {
	sm.subsMu.Lock()
	defer sm.subsMu.Unlock()
	_, ok := sm.subs[key]
	return ok
}

// subscribe adds the net-new keys to the subscription set and transmits one
// vendor request per mode. A vendor rejection removes the offending group
// from the set and is returned; keys that were already active are never
// touched. Already-subscribed keys are coalesced away before transmission.
func (sm *streamManager) subscribe(ctx context.Context, keys []subKey) error {
	sm.subsMu.Lock()
	newKeys := make([]subKey, 0, len(keys))
	for _, key := range keys {
		if _, exists := sm.subs[key]; !exists {
			sm.subs[key] = struct{}{}
			newKeys = append(newKeys, key)
		}
	}
	sm.subsMu.Unlock()

	if len(newKeys) == 0 {
		return nil
	}

	for mode, lists := range groupTokenLists(newKeys) {
		if err := sm.sendAwaitingReject(ctx, schema.VendorActionSubscribe, mode, lists); err != nil {
			sm.subsMu.Lock()
			for _, key := range newKeys {
				if key.mode == mode {
					delete(sm.subs, key)
				}
			}
			sm.subsMu.Unlock()
			return err
		}
	}
	return nil
}

// unsubscribe removes the keys from the subscription set and transmits one
// vendor request per mode. It returns the keys actually removed so the
// owner can retire its token mappings. Unknown keys are ignored.
func (sm *streamManager) unsubscribe(ctx context.Context, keys []subKey) ([]subKey, error) {
	sm.subsMu.Lock()
	removed := make([]subKey, 0, len(keys))
	for _, key := range keys {
		if _, exists := sm.subs[key]; exists {
			delete(sm.subs, key)
			removed = append(removed, key)
		}
	}
	sm.subsMu.Unlock()

	if len(removed) == 0 {
		return nil, nil
	}

	var firstErr error
	for mode, lists := range groupTokenLists(removed) {
		if err := sm.send(ctx, uuid.NewString(), schema.VendorActionUnsubscribe, mode, lists); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return removed, firstErr
}

// run maintains the vendor connection until stopped or terminally failed.
func (sm *streamManager) run() {
	defer close(sm.done)

	expo := backoff.NewExponentialBackOff()
	if sm.cfg.initialBackoff > 0 {
		expo.InitialInterval = sm.cfg.initialBackoff
	}
	if sm.cfg.maxBackoff > 0 {
		expo.MaxInterval = sm.cfg.maxBackoff
	}

	attempt := 0
	for {
		if sm.ctx.Err() != nil {
			sm.setState(adapter.StateDisconnected)
			return
		}
		if attempt == 0 {
			sm.setState(adapter.StateConnecting)
		} else {
			sm.setState(adapter.StateReconnecting)
			sm.metrics.Reconnect(sm.ctx)
		}

		dialCtx, cancel := context.WithTimeout(sm.ctx, sm.cfg.dialTimeout)
		conn, resp, err := websocket.Dial(dialCtx, sm.cfg.url, &websocket.DialOptions{
			HTTPHeader: sm.authHeader(),
		})
		cancel()
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				sm.failTerminal(errs.New(venueName, errs.CodeAuth,
					errs.WithMessage("vendor rejected credentials at handshake"),
					errs.WithRawCode(fmt.Sprintf("http_%d", resp.StatusCode))))
				sm.setState(adapter.StateDisconnected)
				return
			}
			attempt++
			sm.log.Error("vendor dial failed",
				observability.Field{Key: "attempt", Value: attempt},
				observability.Field{Key: "error", Value: err})
			select {
			case <-sm.ctx.Done():
				sm.setState(adapter.StateDisconnected)
				return
			case <-time.After(expo.NextBackOff()):
			}
			continue
		}

		sm.setConn(conn)
		sm.setState(adapter.StateAuthenticating)

		// The full subscription set goes out before the feed reports
		// streaming, so clients observe unbroken delivery across reconnects.
		if err := sm.replay(); err != nil {
			sm.log.Error("subscription replay failed", observability.Field{Key: "error", Value: err})
		}
		sm.setState(adapter.StateStreaming)
		sm.readyOnce.Do(func() { close(sm.ready) })
		expo.Reset()
		attempt++

		hbCtx, hbCancel := context.WithCancel(sm.ctx)
		go sm.heartbeat(hbCtx, conn)

		err = sm.readLoop(conn)
		hbCancel()
		sm.setConn(nil)

		if sm.terminal() != nil || sm.ctx.Err() != nil {
			sm.setState(adapter.StateDisconnected)
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			sm.log.Error("vendor stream interrupted", observability.Field{Key: "error", Value: err})
		}

		sm.setState(adapter.StateReconnecting)
		select {
		case <-sm.ctx.Done():
			sm.setState(adapter.StateDisconnected)
			return
		case <-time.After(expo.NextBackOff()):
		}
	}
}

// replay transmits the entire current subscription set, one batch per mode.
func (sm *streamManager) replay() error {
	sm.subsMu.Lock()
	keys := make([]subKey, 0, len(sm.subs))
	for key := range sm.subs {
		keys = append(keys, key)
	}
	sm.subsMu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	var firstErr error
	for mode, lists := range groupTokenLists(keys) {
		if err := sm.send(sm.ctx, uuid.NewString(), schema.VendorActionSubscribe, mode, lists); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readLoop consumes vendor frames: binary tick frames go to the handler,
// text frames carry heartbeat replies and JSON error notices.
func (sm *streamManager) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(sm.ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		switch msgType {
		case websocket.MessageBinary:
			if sm.handler != nil {
				sm.handler(data)
			}
		case websocket.MessageText:
			sm.handleText(data)
		}
	}
}

func (sm *streamManager) handleText(data []byte) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("pong")) {
		return
	}
	var ve schema.VendorError
	if err := json.Unmarshal(data, &ve); err != nil || ve.ErrorCode == "" {
		return
	}
	if _, ok := authErrorCodes[ve.ErrorCode]; ok {
		sm.failTerminal(errs.New(venueName, errs.CodeAuth,
			errs.WithMessage("vendor rejected credentials"),
			errs.WithRawCode(ve.ErrorCode),
			errs.WithRawMessage(ve.ErrorMessage)))
		return
	}

	sm.pendingMu.Lock()
	ch := sm.pending[ve.CorrelationID]
	sm.pendingMu.Unlock()
	if ch != nil {
		select {
		case ch <- ve:
		default:
		}
		return
	}
	sm.log.Error("vendor error notice",
		observability.Field{Key: "code", Value: ve.ErrorCode},
		observability.Field{Key: "message", Value: ve.ErrorMessage})
}

// sendAwaitingReject transmits a control request and holds the caller for a
// short window in which the vendor reports per-request failures (the vendor
// replies only on error, never on success).
func (sm *streamManager) sendAwaitingReject(ctx context.Context, action schema.VendorAction, mode schema.Mode, lists []schema.VendorTokenList) error {
	correlationID := uuid.NewString()

	replies := make(chan schema.VendorError, 1)
	sm.pendingMu.Lock()
	sm.pending[correlationID] = replies
	sm.pendingMu.Unlock()
	defer func() {
		sm.pendingMu.Lock()
		delete(sm.pending, correlationID)
		sm.pendingMu.Unlock()
	}()

	if err := sm.send(ctx, correlationID, action, mode, lists); err != nil {
		return err
	}
	if sm.cfg.rejectWindow <= 0 {
		return nil
	}

	timer := time.NewTimer(sm.cfg.rejectWindow)
	defer timer.Stop()
	select {
	case ve := <-replies:
		return vendorError(ve)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await vendor reply: %w", ctx.Err())
	case <-sm.ctx.Done():
		return errs.New(venueName, errs.CodeUnavailable, errs.WithMessage("stream manager stopped"))
	}
}

func (sm *streamManager) send(ctx context.Context, correlationID string, action schema.VendorAction, mode schema.Mode, lists []schema.VendorTokenList) error {
	if err := sm.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace control message: %w", err)
	}
	conn := sm.currentConn()
	if conn == nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithMessage("websocket not connected"))
	}

	req := schema.VendorRequest{
		CorrelationID: correlationID,
		Action:        action,
		Params:        schema.VendorParams{Mode: int(mode), TokenList: lists},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal control request: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, sm.cfg.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(venueName, errs.CodeNetwork,
			errs.WithMessage("write control request"), errs.WithCause(err))
	}
	return nil
}

// heartbeat keeps the vendor's text ping/pong exchange alive for the life
// of one connection.
func (sm *streamManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	if sm.cfg.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(sm.cfg.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, sm.cfg.writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, []byte("ping"))
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (sm *streamManager) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+sm.cfg.credentials.AuthToken)
	h.Set("x-api-key", sm.cfg.credentials.APIKey)
	h.Set("x-client-code", sm.cfg.credentials.ClientCode)
	h.Set("x-feed-token", sm.cfg.credentials.FeedToken)
	return h
}

func (sm *streamManager) setConn(conn *websocket.Conn) {
	sm.connMu.Lock()
	sm.conn = conn
	sm.connMu.Unlock()
}

func (sm *streamManager) currentConn() *websocket.Conn {
	sm.connMu.RLock()
	defer sm.connMu.RUnlock()
	return sm.conn
}

// groupTokenLists splits keys into per-mode vendor token lists, segmented by
// exchange type as the vendor protocol requires.
func groupTokenLists(keys []subKey) map[schema.Mode][]schema.VendorTokenList {
	byMode := make(map[schema.Mode]map[int][]string)
	for _, key := range keys {
		if byMode[key.mode] == nil {
			byMode[key.mode] = make(map[int][]string)
		}
		byMode[key.mode][key.exchangeType] = append(byMode[key.mode][key.exchangeType], key.token)
	}
	out := make(map[schema.Mode][]schema.VendorTokenList, len(byMode))
	for mode, byExchange := range byMode {
		lists := make([]schema.VendorTokenList, 0, len(byExchange))
		for exchangeType, tokens := range byExchange {
			lists = append(lists, schema.VendorTokenList{ExchangeType: exchangeType, Tokens: tokens})
		}
		out[mode] = lists
	}
	return out
}

func vendorError(ve schema.VendorError) error {
	code := errs.CodeInvalid
	if _, ok := capacityErrorCodes[ve.ErrorCode]; ok {
		code = errs.CodeCapacity
	}
	return errs.New(venueName, code,
		errs.WithMessage("vendor rejected request"),
		errs.WithRawCode(ve.ErrorCode),
		errs.WithRawMessage(ve.ErrorMessage))
}
