package strategy

import (
	"encoding/json"
	"testing"
	"time"

	"trader-bot/internal/market"
	"trader-bot/pkg/types"
)

func bookWith(bid, ask float64) types.Orderbook {
	return types.Orderbook{
		Timestamp: time.Now(),
		Bids:      []types.PriceLevel{{Price: bid, Quantity: 1000}},
		Asks:      []types.PriceLevel{{Price: ask, Quantity: 1000}},
	}
}

// scenario 2: FixedAmount sells overshoot.
func TestFixedAmountSellsOvershoot(t *testing.T) {
	t.Parallel()

	m := market.New()
	m.ApplyOrderbook("X", bookWith(100, 101))
	m.UpdatePositions([]market.PositionUpdate{{Figi: "X", Position: types.Position{Balance: 110}}})

	fa := NewFixedAmount("X", 10000, 0.001, 0.001, 1)
	decisions := fa.MakeDecision(m)
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	o := decisions[0].Order
	if o.Kind != types.Sell || o.Quantity != 10 || o.Price != 100 {
		t.Errorf("order = %+v, want Sell 10 @ 100", o)
	}
}

// scenario 3: FixedAmount buys undershoot.
func TestFixedAmountBuysUndershoot(t *testing.T) {
	t.Parallel()

	m := market.New()
	m.ApplyOrderbook("X", bookWith(100, 101))
	m.UpdatePositions([]market.PositionUpdate{{Figi: "X", Position: types.Position{Balance: 0}}})

	fa := NewFixedAmount("X", 10000, 0.001, 0.001, 1)
	decisions := fa.MakeDecision(m)
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	o := decisions[0].Order
	if o.Kind != types.Buy || o.Quantity != 100 || o.Price != 101 {
		t.Errorf("order = %+v, want Buy 100 @ 101", o)
	}
	if !fa.BoughtOnce || fa.Accumulated != 0 {
		t.Errorf("expected accumulated notional reset after first buy, got %+v", fa)
	}
}

func TestFixedAmountSkipsWhileInFlight(t *testing.T) {
	t.Parallel()

	m := market.New()
	m.ApplyOrderbook("X", bookWith(100, 101))
	m.UpdatePositions([]market.PositionUpdate{{Figi: "X", Position: types.Position{Balance: 110}}})
	m.RegisterNewOrder("X", types.LocalKey(1), types.Order{Figi: "X", Kind: types.Sell, Price: 100, Quantity: 10})

	fa := NewFixedAmount("X", 10000, 0.001, 0.001, 1)
	if got := fa.MakeDecision(m); len(got) != 0 {
		t.Errorf("MakeDecision with in-flight order = %v, want empty", got)
	}
}

// scenario 4: TrailingStop triggers.
func TestTrailingStopTriggers(t *testing.T) {
	t.Parallel()

	ts := NewTrailingStop("X", 0.05, 5)
	m := market.New()

	bids := []float64{100, 105, 110, 104}
	var last []Decision
	for _, b := range bids {
		m.ApplyOrderbook("X", bookWith(b, b+1))
		last = ts.MakeDecision(m)
	}

	if len(last) != 1 {
		t.Fatalf("final decisions = %d, want 1", len(last))
	}
	o := last[0].Order
	if o.Kind != types.Sell || o.Quantity != 5 || o.Price != 104 {
		t.Errorf("order = %+v, want Sell 5 @ 104", o)
	}

	// subsequent bids produce nothing once finished.
	m.ApplyOrderbook("X", bookWith(120, 121))
	if got := ts.MakeDecision(m); len(got) != 0 {
		t.Errorf("MakeDecision after trigger = %v, want empty", got)
	}
}

func TestStrategyKindRoundTrip(t *testing.T) {
	t.Parallel()

	fa := NewFixedAmount("X", 10000, 0.01, 0.01, 1.5)
	wrapped, err := Wrap(fa)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	data, err := json.Marshal(wrapped)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var roundTripped StrategyKind
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	s, err := roundTripped.Unwrap()
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	got, ok := s.(*FixedAmount)
	if !ok {
		t.Fatalf("Unwrap() type = %T, want *FixedAmount", s)
	}
	if got.Target != 10000 || got.Figi != "X" {
		t.Errorf("round-tripped FixedAmount = %+v", got)
	}
}
