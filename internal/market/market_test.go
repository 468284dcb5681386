package market

import (
	"testing"
	"time"

	"trader-bot/pkg/types"
)

func TestUpdateOrdersClearsBeforeRebucketing(t *testing.T) {
	t.Parallel()

	m := New()
	m.UpdateOrders([]types.OrderState{
		{OrderID: "1", Order: types.Order{Figi: "A", Kind: types.Buy, Price: 1, Quantity: 1}},
		{OrderID: "2", Order: types.Order{Figi: "B", Kind: types.Sell, Price: 2, Quantity: 2}},
	})
	if len(m.StateMut("A").InWorkOrders) != 1 || len(m.StateMut("B").InWorkOrders) != 1 {
		t.Fatalf("expected one in-work order each for A and B")
	}

	// A second call that omits "B" must clear B's in-work orders entirely —
	// the broker's GetOrders response is a full list (SPEC_FULL.md §9).
	m.UpdateOrders([]types.OrderState{
		{OrderID: "3", Order: types.Order{Figi: "A", Kind: types.Buy, Price: 1, Quantity: 1}},
	})
	if len(m.StateMut("A").InWorkOrders) != 1 {
		t.Errorf("A should have exactly one in-work order, got %d", len(m.StateMut("A").InWorkOrders))
	}
	if len(m.StateMut("B").InWorkOrders) != 0 {
		t.Errorf("B's in-work orders should have been cleared, got %d", len(m.StateMut("B").InWorkOrders))
	}
}

func TestPositionReflectsLastPortfolioReplyOnly(t *testing.T) {
	t.Parallel()

	m := New()
	m.UpdatePositions([]PositionUpdate{{Figi: "A", Position: types.Position{Lots: 1, Balance: 100}}})
	m.ApplyOrderbook("A", types.Orderbook{Timestamp: time.Now(), Bids: []types.PriceLevel{{Price: 99}}})
	m.UpdatePositions([]PositionUpdate{{Figi: "A", Position: types.Position{Lots: 2, Balance: 250}}})

	got := m.StateMut("A").Position
	if got.Balance != 250 || got.Lots != 2 {
		t.Errorf("Position = %+v, want last reply {2, 250}", got)
	}
}

func TestStockReturnsStubWhenUncataloged(t *testing.T) {
	t.Parallel()

	m := New()
	s := m.Stock("UNKNOWN")
	if s.Figi != "UNKNOWN" || s.MinIncrement != 0.01 || s.Lot != 1 {
		t.Errorf("Stock() = %+v, want stub", s)
	}
}

func TestPortfolioOnlyNonZeroPositions(t *testing.T) {
	t.Parallel()

	m := New()
	m.UpdateStocks([]types.Stock{{Figi: "A", Ticker: "A"}, {Figi: "B", Ticker: "B"}})
	m.UpdatePositions([]PositionUpdate{
		{Figi: "A", Position: types.Position{Lots: 10, Balance: 1000}},
		{Figi: "B", Position: types.Position{Lots: 0, Balance: 0}},
	})

	entries := m.Portfolio()
	if len(entries) != 1 {
		t.Fatalf("Portfolio() len = %d, want 1", len(entries))
	}
	if entries[0].Stock.Ticker != "A" || entries[0].Position.Balance != 1000 {
		t.Errorf("Portfolio()[0] = %+v", entries[0])
	}
}

func TestNewOrderLifecycle(t *testing.T) {
	t.Parallel()

	m := New()
	m.RegisterNewOrder("A", types.LocalKey(1), types.Order{Figi: "A", Kind: types.Buy, Price: 1, Quantity: 1})
	if !m.StateMut("A").HasInFlightOrder() {
		t.Fatal("expected in-flight order after RegisterNewOrder")
	}
	m.EvictNewOrder("A", types.LocalKey(1))
	if m.StateMut("A").HasInFlightOrder() {
		t.Fatal("expected no in-flight order after EvictNewOrder")
	}
}
