// Package market provides the trader's in-memory market model.
//
// Market is owned exclusively by one trader actor (internal/trader): it is
// the single writer, folding in streaming and REST events; strategies read
// it through an immutable view during decision evaluation. The model never
// refreshes the instrument catalog after the initial load and never lets a
// streaming event mutate a position — only a REST portfolio reply does that.
package market

import (
	"sync"
	"time"

	"trader-bot/pkg/types"
)

// StockState is the mutable, per-instrument state the trader maintains:
// current position, latest order book, appended candles, and the two order
// tables ("new" = submitted but unacknowledged, "in-work" = broker-known).
type StockState struct {
	Position     types.Position
	Orderbook    types.Orderbook
	Candles      []types.Candle
	InWorkOrders map[string]types.OrderState      // order_id -> OrderState
	NewOrders    map[types.LocalKey]types.Order   // local key -> Order
}

func newStockState() *StockState {
	return &StockState{
		InWorkOrders: make(map[string]types.OrderState),
		NewOrders:    make(map[types.LocalKey]types.Order),
	}
}

// HasInFlightOrder reports whether this instrument has any order the
// strategy layer must treat as already acting (new or in-work).
func (s *StockState) HasInFlightOrder() bool {
	return len(s.NewOrders) > 0 || len(s.InWorkOrders) > 0
}

// Market holds the instrument catalog (figi -> Stock) and live state
// (figi -> StockState). StockState is lazily initialized on first
// reference, matching SPEC_FULL.md §3's lifecycle rule.
type Market struct {
	mu     sync.RWMutex
	stocks map[types.Figi]types.Stock
	states map[types.Figi]*StockState
}

// New creates an empty Market.
func New() *Market {
	return &Market{
		stocks: make(map[types.Figi]types.Stock),
		states: make(map[types.Figi]*StockState),
	}
}

// UpdateStocks replaces/merges the instrument catalog by figi.
func (m *Market) UpdateStocks(stocks []types.Stock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range stocks {
		m.stocks[s.Figi] = s
	}
}

// PositionUpdate pairs a figi with its new Position, the input shape for
// UpdatePositions.
type PositionUpdate struct {
	Figi     types.Figi
	Position types.Position
}

// UpdatePositions overwrites the position on the corresponding StockState,
// creating it if absent.
func (m *Market) UpdatePositions(updates []PositionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		st := m.stateLocked(u.Figi)
		st.Position = u.Position
	}
}

// UpdateOrders clears every StockState's InWorkOrders, then buckets the
// input by figi and reinstalls it. This matches SPEC_FULL.md §9's resolved
// Open Question: the broker's GetOrders response is a full list, so orders
// it no longer returns disappear from local state.
func (m *Market) UpdateOrders(orders []types.OrderState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.states {
		st.InWorkOrders = make(map[string]types.OrderState)
	}

	for _, o := range orders {
		st := m.stateLocked(o.Order.Figi)
		st.InWorkOrders[o.OrderID] = o
	}
}

// UpdatePortfolio is the composite of UpdatePositions and UpdateOrders, used
// to fold a REST Portfolio response in one call.
func (m *Market) UpdatePortfolio(positions []PositionUpdate, orders []types.OrderState) {
	m.UpdatePositions(positions)
	m.UpdateOrders(orders)
}

// Stock returns the catalog entry for figi, or a stub (see types.StubStock)
// if the catalog has not yet been populated or the figi is unknown.
func (m *Market) Stock(figi types.Figi) types.Stock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.stocks[figi]; ok {
		return s
	}
	return types.StubStock(figi)
}

// StateMut gets or creates the StockState for figi. Callers are expected to
// be the trader actor's single-writer loop.
func (m *Market) StateMut(figi types.Figi) *StockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(figi)
}

func (m *Market) stateLocked(figi types.Figi) *StockState {
	st, ok := m.states[figi]
	if !ok {
		st = newStockState()
		m.states[figi] = st
	}
	return st
}

// PortfolioEntry pairs a Stock with its current non-zero Position, the
// output shape of Portfolio().
type PortfolioEntry struct {
	Stock    types.Stock
	Position types.Position
}

// Portfolio returns every StockState whose position balance is non-zero,
// paired with its catalog Stock entry.
func (m *Market) Portfolio() []PortfolioEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PortfolioEntry
	for figi, st := range m.states {
		if st.Position.IsFlat() {
			continue
		}
		stock, ok := m.stocks[figi]
		if !ok {
			stock = types.StubStock(figi)
		}
		out = append(out, PortfolioEntry{Stock: stock, Position: st.Position})
	}
	return out
}

// ApplyOrderbook replaces the order book for figi as a whole, matching the
// invariant that at most one snapshot per figi exists at any time.
func (m *Market) ApplyOrderbook(figi types.Figi, ob types.Orderbook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(figi)
	st.Orderbook = ob
}

// AppendCandle appends a candle to the instrument's history.
func (m *Market) AppendCandle(figi types.Figi, c types.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(figi)
	st.Candles = append(st.Candles, c)
}

// RegisterNewOrder records a locally-submitted, not-yet-acknowledged order
// under its local key.
func (m *Market) RegisterNewOrder(figi types.Figi, key types.LocalKey, o types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(figi)
	st.NewOrders[key] = o
}

// EvictNewOrder removes a local key from NewOrders: called when the
// corresponding REST submission fails (the strategy may retry).
func (m *Market) EvictNewOrder(figi types.Figi, key types.LocalKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[figi]; ok {
		delete(st.NewOrders, key)
	}
}

// AcknowledgeOrder moves a locally-submitted order into in-work state: the
// broker has accepted it, so it is removed from NewOrders and installed in
// InWorkOrders under its assigned order_id.
func (m *Market) AcknowledgeOrder(figi types.Figi, key types.LocalKey, state types.OrderState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(figi)
	delete(st.NewOrders, key)
	st.InWorkOrders[state.OrderID] = state
}

// StateSnapshot is a read-only copy of a StockState used for strategy
// decision calls, so a strategy cannot mutate the live model (§5: "strategies
// receive an immutable view during their decision call").
type StateSnapshot struct {
	Figi         types.Figi
	Stock        types.Stock
	Position     types.Position
	Orderbook    types.Orderbook
	HasInFlight  bool
	LastObserved time.Time
}

// Snapshot returns an immutable view of figi's current state for a
// strategy's MakeDecision call.
func (m *Market) Snapshot(figi types.Figi) StateSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[figi]
	if !ok {
		st = newStockState()
	}
	stock, ok := m.stocks[figi]
	if !ok {
		stock = types.StubStock(figi)
	}
	return StateSnapshot{
		Figi:         figi,
		Stock:        stock,
		Position:     st.Position,
		Orderbook:    st.Orderbook,
		HasInFlight:  st.HasInFlightOrder(),
		LastObserved: time.Now(),
	}
}

// Figis returns every figi currently tracked in live state, used by the
// trader to iterate strategies' instruments each loop iteration.
func (m *Market) Figis() []types.Figi {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Figi, 0, len(m.states))
	for figi := range m.states {
		out = append(out, figi)
	}
	return out
}
