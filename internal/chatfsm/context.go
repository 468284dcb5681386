package chatfsm

import (
	"fmt"
	"sort"
	"strings"

	"trader-bot/internal/market"
	"trader-bot/internal/strategy"
	"trader-bot/internal/trader"
	"trader-bot/pkg/types"
)

// Handle is everything a connected chat needs to drive its trader: the
// brokerage token it connected with (needed for persistence) and the
// command queue. Mirrors the original's TraderHandle.
type Handle struct {
	Token    string
	Requests chan<- trader.Request
}

// Connector stands up a trader for a freshly supplied token. It returns the
// Handle the FSM stores in StateConnected plus the trader's raw response
// queue, which the dispatcher begins forwarding into this chat's inbox only
// once the FSM actually reaches StateConnected — mirroring the original's
// Storage::on_event, which hands back the new Receiver exactly once, on the
// WaitingToken -> Connected transition.
type Connector func(token string) (Handle, <-chan trader.Response)

// NamedStrategy pairs a strategy instance being configured with the name
// the user gave it.
type NamedStrategy struct {
	Strategy strategy.Strategy
	Name     string
}

// Context carries the per-chat state that lives alongside (not inside) the
// FSM's State value: the ticker->Stock catalog used for parameter
// translation, and the chat's current strategy snapshot (kept in sync with
// the trader's own map via RespStrategies).
type Context struct {
	chatID     int64
	connect    Connector
	stocks     map[string]types.Stock // ticker -> Stock
	strategies map[string]strategy.Strategy
}

// NewContext constructs an empty Context for chatID, driving new trader
// connections through connect.
func NewContext(chatID int64, connect Connector) *Context {
	return &Context{
		chatID:     chatID,
		connect:    connect,
		stocks:     make(map[string]types.Stock),
		strategies: make(map[string]strategy.Strategy),
	}
}

// SetStocks refreshes the ticker->Stock catalog from a trader's Stocks
// response.
func (c *Context) SetStocks(stocks []types.Stock) {
	m := make(map[string]types.Stock, len(stocks))
	for _, s := range stocks {
		m[s.Ticker] = s
	}
	c.stocks = m
}

// UpdateStrategies replaces the chat's strategy snapshot, called on every
// RespStrategies from the trader.
func (c *Context) UpdateStrategies(strategies map[string]strategy.Strategy) {
	c.strategies = strategies
}

// Strategies returns the current strategy snapshot, used to build a
// persistence record.
func (c *Context) Strategies() map[string]strategy.Strategy {
	return c.strategies
}

// strategyByType returns a fresh zero-valued strategy for the given
// StrategyKind name, the Go equivalent of the original's
// StrategyKind::variants() registry (a fresh instance per selection rather
// than a shared prototype, since Configure mutates it in place).
func (c *Context) strategyByType(name string) (strategy.Strategy, bool) {
	switch strategy.Kind(name) {
	case strategy.KindFixedAmount:
		return &strategy.FixedAmount{}, true
	case strategy.KindTrailingStop:
		return &strategy.TrailingStop{}, true
	default:
		return nil, false
	}
}

// StrategyTypeNames lists the known strategy kinds, used to build the
// type-picker's inline buttons.
func (c *Context) StrategyTypeNames() []string {
	return []string{string(strategy.KindFixedAmount), string(strategy.KindTrailingStop)}
}

// SetParameter configures one key/value pair on s, substituting a ticker
// lookup when key is "ticker" (§4.5 "Parameter translation").
func (c *Context) SetParameter(s strategy.Strategy, key, value string) error {
	if key == "ticker" {
		stock, ok := c.stocks[value]
		if !ok {
			return &strategy.ConfigError{Kind: strategy.TickerNotFound, Key: key}
		}
		return s.Configure("figi", string(stock.Figi))
	}
	return s.Configure(key, value)
}

// connectTrader stands up a new trader via the injected Connector.
func (c *Context) connectTrader(token string) (Handle, <-chan trader.Response) {
	return c.connect(token)
}

// FormatPortfolio renders a Portfolio response as chat text, one
// "<ticker>: <balance>" line per non-zero position (§2.c, matching
// scenario 5's "A: 1000").
func FormatPortfolio(entries []market.PortfolioEntry) string {
	var b strings.Builder
	b.WriteString("Your portfolio:")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n%s: %v", e.Stock.Ticker, e.Position.Balance)
	}
	return b.String()
}

// FormatStrategies renders a Strategies snapshot as one "<name>:
// <description>" line per entry, sorted by name for deterministic output
// (§2.c).
func FormatStrategies(strategies map[string]strategy.Strategy) string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s: %s", name, strategies[name].Description()))
	}
	return strings.Join(lines, "\n")
}
