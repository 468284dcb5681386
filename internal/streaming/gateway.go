// Package streaming implements the brokerage streaming gateway
// (SPEC_FULL.md §4.1): one logical subscription set held against a
// WebSocket endpoint, surviving transient network failures by
// reconnecting and replaying every currently-effective subscription.
//
// Structurally this follows the teacher's exchange/ws.go: a mutex-protected
// connection, a background read loop feeding a channel, and an outer
// reconnect loop. The heartbeat protocol itself (a checked need_pong flag
// on a 17s tick, fixed 61s reconnect delay) differs from the teacher's
// send-only ping because spec.md pins this exact protocol.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"trader-bot/pkg/types"
)

// URL is the brokerage sandbox streaming endpoint. SPEC_FULL.md §6 places
// this as a compile-time constant in the startup code, not configuration.
const URL = "wss://sandbox.invest-public-api.tinkoff.ru/marketdata/ws"

const (
	heartbeatInterval = 17 * time.Second
	reconnectDelay    = 61 * time.Second
)

// CommandKind enumerates the subscribe/unsubscribe request variants.
type CommandKind int

const (
	CandleSubscribe CommandKind = iota
	CandleUnsubscribe
	OrderbookSubscribe
	OrderbookUnsubscribe
	InfoSubscribe
	InfoUnsubscribe
)

// Command is one inbound request from the trader actor.
type Command struct {
	Kind     CommandKind
	Figi     types.Figi
	Interval string // CandleSubscribe/Unsubscribe only
	Depth    int    // OrderbookSubscribe/Unsubscribe only
}

func (c Command) isSubscribe() bool {
	switch c.Kind {
	case CandleSubscribe, OrderbookSubscribe, InfoSubscribe:
		return true
	default:
		return false
	}
}

// resourceKey identifies the subscribed resource independent of whether the
// command is the subscribe or unsubscribe form, so an unsubscribe deletes
// exactly the matching subscribe from the tracked set.
func (c Command) resourceKey() string {
	switch c.Kind {
	case CandleSubscribe, CandleUnsubscribe:
		return fmt.Sprintf("candle:%s:%s", c.Figi, c.Interval)
	case OrderbookSubscribe, OrderbookUnsubscribe:
		return fmt.Sprintf("orderbook:%s:%d", c.Figi, c.Depth)
	default:
		return fmt.Sprintf("info:%s", c.Figi)
	}
}

func (c Command) wireEvent() types.StreamEventType {
	switch c.Kind {
	case CandleSubscribe:
		return types.EventCandleSubscribe
	case CandleUnsubscribe:
		return types.EventCandleUnsubscribe
	case OrderbookSubscribe:
		return types.EventOrderbookSubscribe
	case OrderbookUnsubscribe:
		return types.EventOrderbookUnsubscribe
	case InfoSubscribe:
		return types.EventInstrumentInfoSubscribe
	default:
		return types.EventInstrumentInfoUnsub
	}
}

// ResponseKind enumerates the response variants emitted to the trader.
type ResponseKind int

const (
	RespCandle ResponseKind = iota
	RespOrderbook
	RespInstrumentInfo
	RespError
)

// Response is one emitted event, tagged with the server timestamp.
type Response struct {
	Kind      ResponseKind
	Figi      types.Figi
	Time      time.Time
	Candle    *types.Candle
	Orderbook *types.Orderbook
	Err       error
}

// Gateway maintains the subscription set and connection for one streaming
// endpoint. Commands() and Responses() are the bounded request/response
// queues the trader actor uses to drive it.
type Gateway struct {
	url       string
	authToken string
	logger    *slog.Logger

	commands  chan Command
	responses chan Response

	connMu sync.Mutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]Command

	needPong atomic.Bool
}

// New constructs a Gateway. Queue capacities follow SPEC_FULL.md §5's
// trader<->gateway data-path sizing.
func New(url, authToken string, logger *slog.Logger) *Gateway {
	return &Gateway{
		url:       url,
		authToken: authToken,
		logger:    logger.With("component", "streaming-gateway"),
		commands:  make(chan Command, 1000),
		responses: make(chan Response, 1000),
		subs:      make(map[string]Command),
	}
}

// Commands returns the inbound request queue.
func (g *Gateway) Commands() chan<- Command { return g.commands }

// Responses returns the outbound response queue.
func (g *Gateway) Responses() <-chan Response { return g.responses }

// Run drives the gateway until ctx is cancelled. It never returns an error
// for transport failure — per §4.1, "a persistent inability to reconnect is
// tolerated indefinitely" — only ctx cancellation ends the loop.
func (g *Gateway) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("streaming gateway recovered from panic", "panic", r)
		}
	}()

	conn, ok := g.connectOrWaitForCancel(ctx)
	if !ok {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	rawCh, errCh := g.startReadLoop(conn)

	for {
		select {
		case <-ctx.Done():
			g.closeConn(conn)
			return

		case raw, chOK := <-rawCh:
			if !chOK {
				continue
			}
			g.handleFrame(raw)

		case err := <-errCh:
			g.logger.Warn("streaming read error, reconnecting", "error", err)
			next, ok := g.connectOrWaitForCancel(ctx)
			if !ok {
				return
			}
			conn = next
			g.needPong.Store(false)
			g.replaySubscriptions(conn)
			rawCh, errCh = g.startReadLoop(conn)

		case cmd := <-g.commands:
			g.applyCommand(cmd)
			if err := g.sendCommand(conn, cmd); err != nil {
				g.logger.Warn("send failed, reconnecting", "error", err)
				next, ok := g.connectOrWaitForCancel(ctx)
				if !ok {
					return
				}
				conn = next
				g.needPong.Store(false)
				g.replaySubscriptions(conn)
				rawCh, errCh = g.startReadLoop(conn)
			}

		case <-heartbeat.C:
			if g.needPong.Load() {
				g.logger.Warn("missed pong, reconnecting")
				next, ok := g.connectOrWaitForCancel(ctx)
				if !ok {
					return
				}
				conn = next
				g.needPong.Store(false)
				g.replaySubscriptions(conn)
				rawCh, errCh = g.startReadLoop(conn)
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.logger.Warn("ping failed, reconnecting", "error", err)
				next, ok := g.connectOrWaitForCancel(ctx)
				if !ok {
					return
				}
				conn = next
				g.needPong.Store(false)
				g.replaySubscriptions(conn)
				rawCh, errCh = g.startReadLoop(conn)
				continue
			}
			g.needPong.Store(true)
		}
	}
}

// applyCommand updates the tracked subscription set.
func (g *Gateway) applyCommand(cmd Command) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	if cmd.isSubscribe() {
		g.subs[cmd.resourceKey()] = cmd
	} else {
		delete(g.subs, cmd.resourceKey())
	}
}

func (g *Gateway) sendCommand(conn *websocket.Conn, cmd Command) error {
	frame := types.StreamCommand{
		Event:    cmd.wireEvent(),
		Figi:     cmd.Figi,
		Interval: cmd.Interval,
		Depth:    cmd.Depth,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// replaySubscriptions resends every currently-effective subscribe request
// after a reconnect, satisfying §8 invariant 4 (re-subscription replays
// exactly the current state set).
func (g *Gateway) replaySubscriptions(conn *websocket.Conn) {
	g.subsMu.Lock()
	cmds := make([]Command, 0, len(g.subs))
	for _, c := range g.subs {
		cmds = append(cmds, c)
	}
	g.subsMu.Unlock()

	for _, cmd := range cmds {
		if err := g.sendCommand(conn, cmd); err != nil {
			g.logger.Warn("resubscribe failed", "figi", cmd.Figi, "error", err)
		}
	}
}

// connectOrWaitForCancel attempts a connection, retrying every
// reconnectDelay until it succeeds or ctx is cancelled. With Min == Max the
// backoff returns that fixed delay on every attempt, so the Jitter flag has
// no effect. The returned bool is false only when ctx ended the wait.
func (g *Gateway) connectOrWaitForCancel(ctx context.Context) (*websocket.Conn, bool) {
	bo := &backoff.Backoff{Min: reconnectDelay, Max: reconnectDelay, Jitter: true}
	for {
		conn, err := g.connect(ctx)
		if err == nil {
			return conn, true
		}
		g.logger.Warn("connect failed", "error", err)

		wait := bo.Duration()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
	}
}

func (g *Gateway) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + g.authToken}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		g.needPong.Store(false)
		return nil
	})
	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()
	return conn, nil
}

func (g *Gateway) closeConn(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

// startReadLoop launches a background goroutine reading frames off conn
// until it errors (including on a Close frame), and returns channels
// carrying raw message bytes and the terminal error.
func (g *Gateway) startReadLoop(conn *websocket.Conn) (<-chan []byte, <-chan error) {
	raw := make(chan []byte, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(raw)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			select {
			case raw <- data:
			default:
				g.logger.Warn("raw frame channel full, dropping frame")
			}
		}
	}()
	return raw, errc
}

// handleFrame parses one inbound JSON message and dispatches it to the
// response queue. Parse failures are logged and dropped (§4.1/§7); the
// feed continues.
func (g *Gateway) handleFrame(data []byte) {
	var env types.StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.logger.Warn("malformed streaming frame, dropping", "error", err)
		return
	}

	resp, ok := decodeResponse(env)
	if !ok {
		g.logger.Warn("unrecognized streaming event, dropping", "event", env.Event)
		return
	}

	select {
	case g.responses <- resp:
	default:
		g.logger.Warn("response queue full, dropping event", "event", env.Event)
	}
}

func decodeResponse(env types.StreamEnvelope) (Response, bool) {
	figi, _ := env.Payload["figi"].(string)

	switch env.Event {
	case "candle":
		c := types.Candle{Timestamp: env.Time}
		assignFloat(env.Payload, "open", &c.Open)
		assignFloat(env.Payload, "close", &c.Close)
		assignFloat(env.Payload, "low", &c.Low)
		assignFloat(env.Payload, "high", &c.High)
		assignFloat(env.Payload, "volume", &c.Volume)
		return Response{Kind: RespCandle, Figi: types.Figi(figi), Time: env.Time, Candle: &c}, true

	case "orderbook":
		ob := types.Orderbook{Timestamp: env.Time}
		ob.Bids = decodeLevels(env.Payload["bids"])
		ob.Asks = decodeLevels(env.Payload["asks"])
		return Response{Kind: RespOrderbook, Figi: types.Figi(figi), Time: env.Time, Orderbook: &ob}, true

	case "instrument_info":
		return Response{Kind: RespInstrumentInfo, Figi: types.Figi(figi), Time: env.Time}, true

	case "error":
		msg, _ := env.Payload["message"].(string)
		return Response{Kind: RespError, Figi: types.Figi(figi), Time: env.Time, Err: fmt.Errorf("%s", msg)}, true

	default:
		return Response{}, false
	}
}

func assignFloat(payload types.RawStreamFields, key string, dst *float64) {
	if v, ok := payload[key].(float64); ok {
		*dst = v
	}
}

// decodeLevels parses [price, quantity] pairs; quantity arrives as a
// floating-point number on the wire and is coerced to integer on ingress
// (SPEC_FULL.md §6).
func decodeLevels(raw any) []types.PriceLevel {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]types.PriceLevel, 0, len(arr))
	for _, item := range arr {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		price, _ := pair[0].(float64)
		qty, _ := pair[1].(float64)
		out = append(out, types.PriceLevel{Price: price, Quantity: int(qty)})
	}
	return out
}
