// Package trader implements the trader actor (SPEC_FULL.md §4.4): one
// goroutine per connected chat, owning exactly one market.Market, one
// streaming.Gateway, one rest.Gateway, and the set of strategies the user
// has configured against it.
//
// Grounded on the teacher's internal/engine's manageMarkets select loop,
// narrowed from "N market slots fanned out from two shared feeds" to "one
// market model fed by two gateways owned outright by this actor" — the
// trader no longer multiplexes across markets, so the slot map collapses
// into the market model itself.
package trader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trader-bot/internal/market"
	"trader-bot/internal/rest"
	"trader-bot/internal/strategy"
	"trader-bot/internal/streaming"
	"trader-bot/pkg/types"
)

const portfolioPollInterval = 7 * time.Second

// Config carries the per-chat brokerage endpoints and token needed to stand
// up a trader's two gateways.
type Config struct {
	StreamingURL string
	RESTURL      string
	Token        string
}

// RequestKind enumerates the chat FSM's inbound commands to a trader.
type RequestKind int

const (
	ReqPortfolio RequestKind = iota
	ReqAddStrategy
	ReqRemoveStrategy
	ReqStrategies
)

// Request is one command the chat FSM issues to a trader.
type Request struct {
	Kind         RequestKind
	StrategyName string
	Strategy     strategy.Strategy
}

// ResponseKind enumerates the trader's outbound replies/notifications to the
// chat FSM.
type ResponseKind int

const (
	RespPortfolio ResponseKind = iota
	RespStrategies
	RespStocks
)

// Response is one reply or unsolicited notification from a trader to the
// chat FSM that owns it.
type Response struct {
	Kind       ResponseKind
	Portfolio  []market.PortfolioEntry
	Strategies map[string]strategy.Strategy
	Stocks     []types.Stock
}

// Trader is one running actor: the market model, the configured strategy
// set, and the two brokerage gateways that feed it.
type Trader struct {
	market     *market.Market
	strategies map[string]strategy.Strategy
	stratMu    sync.Mutex

	stream *streaming.Gateway
	rest   *rest.Gateway

	requests  chan Request
	responses chan Response

	keys   keyGen
	logger *slog.Logger
}

// New constructs a Trader wired to brokerage endpoints cfg, with its market
// model starting empty. Strategies are added via Request(ReqAddStrategy) —
// typically immediately after New, by replaying a chat's persisted set.
func New(cfg Config, logger *slog.Logger) *Trader {
	return &Trader{
		market:     market.New(),
		strategies: make(map[string]strategy.Strategy),
		stream:     streaming.New(cfg.StreamingURL, cfg.Token, logger),
		rest:       rest.New(cfg.RESTURL, cfg.Token, logger),
		requests:   make(chan Request, 100),
		responses:  make(chan Response, 100),
		logger:     logger.With("component", "trader"),
	}
}

// Requests returns the inbound command queue the chat FSM writes to.
func (t *Trader) Requests() chan<- Request { return t.requests }

// Responses returns the outbound queue the chat FSM reads replies and
// notifications from.
func (t *Trader) Responses() <-chan Response { return t.responses }

// Run drives both gateways and the trader's own event loop until ctx is
// cancelled. It never returns a value: a dead trader is observed by its
// owner noticing Run return, not by an error channel (§7).
func (t *Trader) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("trader recovered from panic", "panic", r)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.stream.Run(ctx) }()
	go func() { defer wg.Done(); t.rest.Run(ctx) }()
	defer wg.Wait()

	// Startup handshake: load the instrument catalog before anything else;
	// the first portfolio poll follows from the ticker below.
	t.rest.Requests() <- rest.Request{Kind: rest.ReqInstruments}

	ticker := time.NewTicker(portfolioPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case resp, ok := <-t.stream.Responses():
			if !ok {
				return
			}
			t.handleStreamResponse(resp)

		case resp, ok := <-t.rest.Responses():
			if !ok {
				return
			}
			t.handleRestResponse(resp)

		case req, ok := <-t.requests:
			if !ok {
				return
			}
			t.handleRequest(req)

		case <-ticker.C:
			t.rest.Requests() <- rest.Request{Kind: rest.ReqPortfolio}
		}

		t.runStrategies()
	}
}

func (t *Trader) handleStreamResponse(resp streaming.Response) {
	switch resp.Kind {
	case streaming.RespCandle:
		t.market.AppendCandle(resp.Figi, *resp.Candle)
	case streaming.RespOrderbook:
		t.market.ApplyOrderbook(resp.Figi, *resp.Orderbook)
	case streaming.RespInstrumentInfo:
		// No trader-side state derives from instrument_info today.
	case streaming.RespError:
		t.logger.Warn("streaming error", "figi", resp.Figi, "error", resp.Err)
	}
}

func (t *Trader) handleRestResponse(resp rest.Response) {
	switch resp.Kind {
	case rest.RespStocks:
		t.market.UpdateStocks(resp.Stocks)
		t.emit(Response{Kind: RespStocks, Stocks: resp.Stocks})

	case rest.RespCandles:
		for _, c := range resp.Candles {
			t.market.AppendCandle(resp.Figi, c)
		}

	case rest.RespOrder:
		t.market.AcknowledgeOrder(resp.OrderState.Order.Figi, resp.LocalKey, resp.OrderState)

	case rest.RespPortfolio:
		updates := make([]market.PositionUpdate, len(resp.Positions))
		for i, p := range resp.Positions {
			updates[i] = market.PositionUpdate{Figi: p.Figi, Position: p.Position}
		}
		t.market.UpdatePortfolio(updates, resp.Orders)

		for _, p := range resp.Positions {
			t.stream.Commands() <- streaming.Command{Kind: streaming.OrderbookSubscribe, Figi: p.Figi, Depth: 10}
		}

	case rest.RespErr:
		t.logger.Warn("rest error", "error", resp.Err)
		if resp.OriginalRequest.Kind == rest.ReqLimitOrder {
			t.market.EvictNewOrder(resp.OriginalRequest.Order.Figi, resp.OriginalRequest.LocalKey)
		}
	}
}

func (t *Trader) handleRequest(req Request) {
	switch req.Kind {
	case ReqPortfolio:
		t.emit(Response{Kind: RespPortfolio, Portfolio: t.market.Portfolio()})

	case ReqAddStrategy:
		t.stratMu.Lock()
		t.strategies[req.StrategyName] = req.Strategy
		t.stratMu.Unlock()
		t.emit(Response{Kind: RespStrategies, Strategies: t.strategySnapshot()})

	case ReqRemoveStrategy:
		t.stratMu.Lock()
		delete(t.strategies, req.StrategyName)
		t.stratMu.Unlock()
		t.emit(Response{Kind: RespStrategies, Strategies: t.strategySnapshot()})

	case ReqStrategies:
		t.emit(Response{Kind: RespStrategies, Strategies: t.strategySnapshot()})
	}
}

// strategySnapshot returns a map of independent clones, never the live
// strategy pointers: this trader's own goroutine is the only one that ever
// mutates a strategy (via runStrategies -> MakeDecision -> afterAction), so
// anything handed to another goroutine — the dispatcher's persist path, a
// status event — must not alias that state (spec.md §2/§5).
func (t *Trader) strategySnapshot() map[string]strategy.Strategy {
	t.stratMu.Lock()
	defer t.stratMu.Unlock()
	out := make(map[string]strategy.Strategy, len(t.strategies))
	for name, s := range t.strategies {
		out[name] = s.Clone()
	}
	return out
}

// runStrategies evaluates every configured strategy against the current
// market model and dispatches any resulting order, assigning it a fresh
// local key and registering it as in-flight before the REST request leaves
// the actor (§4.4/§9).
func (t *Trader) runStrategies() {
	t.stratMu.Lock()
	strategies := make([]strategy.Strategy, 0, len(t.strategies))
	for _, s := range t.strategies {
		strategies = append(strategies, s)
	}
	t.stratMu.Unlock()

	for _, s := range strategies {
		for _, d := range s.MakeDecision(t.market) {
			key := t.keys.next()
			t.market.RegisterNewOrder(d.Order.Figi, key, d.Order)
			t.rest.Requests() <- rest.Request{Kind: rest.ReqLimitOrder, LocalKey: key, Order: d.Order}
		}
	}
}

func (t *Trader) emit(resp Response) {
	select {
	case t.responses <- resp:
	default:
		t.logger.Warn("trader response queue full, dropping", "kind", resp.Kind)
	}
}

// keyGen produces strictly increasing types.LocalKey values from the
// system clock (SPEC_FULL.md §9): a nanosecond reading that is bumped by
// one whenever it would not strictly exceed the previous reading, so two
// decisions made within the same clock tick still get distinct keys.
type keyGen struct {
	mu   sync.Mutex
	last int64
}

func (g *keyGen) next() types.LocalKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now
	return types.LocalKey(now)
}
