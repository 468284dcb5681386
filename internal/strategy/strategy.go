// Package strategy implements the Strategy contract (SPEC_FULL.md §4.6) and
// its two reference implementations, FixedAmount and TrailingStop.
//
// A strategy never mutates the market model it is handed — MakeDecision
// reads an immutable market.StateSnapshot and returns a list of Decisions
// for the trader actor to act on. Configuration follows a closed
// tagged-union pattern (StrategyKind) rather than open polymorphism, so the
// persisted catalog round-trips through JSON without a type registry.
package strategy

import (
	"fmt"
	"math"
	"strconv"

	"trader-bot/internal/market"
	"trader-bot/pkg/types"
)

// Decision is what a strategy hands back to the trader actor after a
// MakeDecision call. The contract only names one variant today (Order);
// it is a struct rather than a bare types.Order so future decision kinds
// (e.g. Cancel) can be added without breaking the interface.
type Decision struct {
	Order types.Order
}

// ParamSpec names one configurable parameter and its human description,
// used to drive the chat FSM's parameter picker.
type ParamSpec struct {
	Name        string
	Description string
}

// ConfigErrorKind enumerates the ways Configure can fail.
type ConfigErrorKind int

const (
	InvalidParam ConfigErrorKind = iota
	TickerNotFound
	ParseNumber
)

// ConfigError is the typed error Configure returns on invalid input. The
// chat FSM surfaces its Error() text verbatim to the user (§7).
type ConfigError struct {
	Kind ConfigErrorKind
	Key  string
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case TickerNotFound:
		return "ticker not found"
	case ParseNumber:
		return "need a number"
	default:
		return "no such parameter"
	}
}

// Strategy is any value that can be configured by name/value pairs and
// evaluated against the market model on every trader loop iteration.
type Strategy interface {
	Name() string
	Description() string
	Params() []ParamSpec
	Configure(key, value string) error
	MakeDecision(m *market.Market) []Decision
	Balance() float64

	// Clone returns an independent copy holding the same configuration and
	// decision state. The trader actor is the only goroutine that ever
	// mutates a strategy's fields (via MakeDecision); every value that
	// crosses to another goroutine — a snapshot handed to the chat FSM, a
	// persisted record — must be a Clone, never the live pointer, per
	// spec.md §2/§5's "no shared mutable memory crosses component
	// boundaries" invariant.
	Clone() Strategy
}

// ————————————————————————————————————————————————————————————————————————
// FixedAmount
// ————————————————————————————————————————————————————————————————————————

// FixedAmount holds a target notional exposure for one instrument and
// trades back toward it: sells overshoot above the target, buys undershoot
// below it, each guarded by a threshold that backs off geometrically after
// firing so repeated small drifts don't cause order chatter.
type FixedAmount struct {
	Figi          types.Figi
	Target        float64
	BuyThreshold  float64
	SellThreshold float64
	Factor        float64

	// CorrectedBuy/CorrectedSell/Accumulated/BoughtOnce are exported (rather
	// than kept as strategy-internal state) so a persisted-and-reloaded
	// strategy resumes with its backoff state intact instead of snapping
	// back to the base thresholds on every restart.
	CorrectedBuy  float64 `json:"corrected_buy"`
	CorrectedSell float64 `json:"corrected_sell"`
	// Accumulated is the value Balance() reports. It is set to zero on the
	// first Buy decision the strategy emits; no decision adds to it, so it
	// stays zero. It does not feed the over/under formulas, which always use
	// the market model's own position.Balance.
	Accumulated float64 `json:"accumulated"`
	BoughtOnce  bool    `json:"bought_once"`
}

// NewFixedAmount constructs a FixedAmount with its corrected thresholds
// seeded at the configured base thresholds.
func NewFixedAmount(figi types.Figi, target, buyThreshold, sellThreshold, factor float64) *FixedAmount {
	return &FixedAmount{
		Figi:          figi,
		Target:        target,
		BuyThreshold:  buyThreshold,
		SellThreshold: sellThreshold,
		Factor:        factor,
		CorrectedBuy:  buyThreshold,
		CorrectedSell: sellThreshold,
	}
}

func (f *FixedAmount) Name() string        { return "fixed amount" }
func (f *FixedAmount) Description() string { return "holds a fixed notional target, rebalancing on drift" }

func (f *FixedAmount) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "figi", Description: "instrument to trade"},
		{Name: "target", Description: "target notional exposure"},
		{Name: "buy_threshold", Description: "undershoot fraction that triggers a buy"},
		{Name: "sell_threshold", Description: "overshoot fraction that triggers a sell"},
		{Name: "factor", Description: "threshold backoff multiplier after an action"},
	}
}

func (f *FixedAmount) Configure(key, value string) error {
	switch key {
	case "figi":
		f.Figi = types.Figi(value)
		return nil
	case "target":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return &ConfigError{Kind: ParseNumber, Key: key}
		}
		f.Target = v
		return nil
	case "buy_threshold":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return &ConfigError{Kind: ParseNumber, Key: key}
		}
		f.BuyThreshold = v
		f.CorrectedBuy = v
		return nil
	case "sell_threshold":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return &ConfigError{Kind: ParseNumber, Key: key}
		}
		f.SellThreshold = v
		f.CorrectedSell = v
		return nil
	case "factor":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return &ConfigError{Kind: ParseNumber, Key: key}
		}
		f.Factor = v
		return nil
	default:
		return &ConfigError{Kind: InvalidParam, Key: key}
	}
}

func (f *FixedAmount) Balance() float64 { return f.Accumulated }

// Clone returns a fresh *FixedAmount with the same fields; FixedAmount has
// no pointer/slice fields, so a value copy is a full deep copy.
func (f *FixedAmount) Clone() Strategy {
	clone := *f
	return &clone
}

// MakeDecision implements the reference algorithm from SPEC_FULL.md §4.6,
// verified against spec §8 scenarios 2 and 3.
func (f *FixedAmount) MakeDecision(m *market.Market) []Decision {
	snap := m.Snapshot(f.Figi)
	if snap.HasInFlight {
		return nil
	}

	bid, bidOK := snap.Orderbook.TopBid()
	ask, askOK := snap.Orderbook.TopAsk()
	if !bidOK || !askOK || f.Target == 0 {
		return nil
	}

	balance := snap.Position.Balance

	over := balance*bid.Price - f.Target
	if over/f.Target > f.CorrectedSell {
		qty := int(math.Floor(over / bid.Price))
		if qty <= 0 {
			return nil
		}
		f.afterAction(types.Sell)
		return []Decision{{Order: types.Order{Figi: f.Figi, Kind: types.Sell, Price: bid.Price, Quantity: qty}}}
	}

	under := f.Target - balance*ask.Price
	if under/f.Target > f.CorrectedBuy {
		qty := int(math.Floor(under / bid.Price))
		if qty <= 0 {
			return nil
		}
		f.afterAction(types.Buy)
		return []Decision{{Order: types.Order{Figi: f.Figi, Kind: types.Buy, Price: ask.Price, Quantity: qty}}}
	}

	return nil
}

func (f *FixedAmount) afterAction(acting types.OrderKind) {
	if f.Factor == 0 {
		f.Factor = 1
	}
	switch acting {
	case types.Sell:
		f.CorrectedSell *= f.Factor
		f.CorrectedBuy = math.Max(f.BuyThreshold, f.CorrectedBuy/f.Factor)
	case types.Buy:
		f.CorrectedBuy *= f.Factor
		f.CorrectedSell = math.Max(f.SellThreshold, f.CorrectedSell/f.Factor)
		if !f.BoughtOnce {
			f.Accumulated = 0
			f.BoughtOnce = true
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// TrailingStop
// ————————————————————————————————————————————————————————————————————————

// TrailingStop tracks the highest observed top-bid for an instrument and
// fires a single liquidating sell once the current bid has retraced more
// than stop_threshold below that peak.
type TrailingStop struct {
	Figi          types.Figi
	StopThreshold float64
	Quantity      int

	BestPrice float64 `json:"best_price"`
	Finished  bool    `json:"finished"`
}

// NewTrailingStop constructs a TrailingStop in its initial (unarmed) state.
func NewTrailingStop(figi types.Figi, stopThreshold float64, quantity int) *TrailingStop {
	return &TrailingStop{Figi: figi, StopThreshold: stopThreshold, Quantity: quantity}
}

func (t *TrailingStop) Name() string        { return "trailing stop" }
func (t *TrailingStop) Description() string { return "sells once price retraces below a trailing peak" }

func (t *TrailingStop) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "figi", Description: "instrument to trade"},
		{Name: "stop_threshold", Description: "fractional retracement from peak that triggers a sell"},
		{Name: "quantity", Description: "lots to sell when triggered"},
	}
}

func (t *TrailingStop) Configure(key, value string) error {
	switch key {
	case "figi":
		t.Figi = types.Figi(value)
		return nil
	case "stop_threshold":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return &ConfigError{Kind: ParseNumber, Key: key}
		}
		t.StopThreshold = v
		return nil
	case "quantity":
		v, err := strconv.Atoi(value)
		if err != nil {
			return &ConfigError{Kind: ParseNumber, Key: key}
		}
		t.Quantity = v
		return nil
	default:
		return &ConfigError{Kind: InvalidParam, Key: key}
	}
}

func (t *TrailingStop) Balance() float64 { return t.BestPrice }

// Clone returns a fresh *TrailingStop with the same fields; TrailingStop
// has no pointer/slice fields, so a value copy is a full deep copy.
func (t *TrailingStop) Clone() Strategy {
	clone := *t
	return &clone
}

// MakeDecision implements the reference algorithm from SPEC_FULL.md §4.6,
// verified against spec §8 scenario 4.
func (t *TrailingStop) MakeDecision(m *market.Market) []Decision {
	if t.Finished {
		return nil
	}

	snap := m.Snapshot(t.Figi)
	bid, ok := snap.Orderbook.TopBid()
	if !ok {
		return nil
	}

	if bid.Price > t.BestPrice {
		t.BestPrice = bid.Price
		return nil
	}
	if t.BestPrice == 0 {
		return nil
	}

	drop := (t.BestPrice - bid.Price) / t.BestPrice
	if drop <= t.StopThreshold {
		return nil
	}

	t.Finished = true
	return []Decision{{Order: types.Order{Figi: t.Figi, Kind: types.Sell, Price: bid.Price, Quantity: t.Quantity}}}
}

// ————————————————————————————————————————————————————————————————————————
// Tagged union for persistence
// ————————————————————————————————————————————————————————————————————————

// Kind discriminates which concrete strategy a StrategyKind wraps.
type Kind string

const (
	KindFixedAmount  Kind = "fixed_amount"
	KindTrailingStop Kind = "trailing_stop"
)

// StrategyKind is the closed-set tagged union persisted to disk per chat
// (SPEC_FULL.md §4.5/§4.6): exactly one of FixedAmount/TrailingStop is
// populated, selected by Kind. Plain struct tags give JSON round-tripping
// for free — no custom (Un)MarshalJSON is needed for a two-member set.
type StrategyKind struct {
	Kind         Kind          `json:"kind"`
	FixedAmount  *FixedAmount  `json:"fixed_amount,omitempty"`
	TrailingStop *TrailingStop `json:"trailing_stop,omitempty"`
}

// Wrap packages a concrete Strategy into its persisted tagged-union form.
func Wrap(s Strategy) (StrategyKind, error) {
	switch v := s.(type) {
	case *FixedAmount:
		return StrategyKind{Kind: KindFixedAmount, FixedAmount: v}, nil
	case *TrailingStop:
		return StrategyKind{Kind: KindTrailingStop, TrailingStop: v}, nil
	default:
		return StrategyKind{}, fmt.Errorf("strategy: unsupported concrete type %T", s)
	}
}

// Unwrap recovers the concrete Strategy from a persisted tagged union.
func (k StrategyKind) Unwrap() (Strategy, error) {
	switch k.Kind {
	case KindFixedAmount:
		if k.FixedAmount == nil {
			return nil, fmt.Errorf("strategy: kind %q missing body", k.Kind)
		}
		return k.FixedAmount, nil
	case KindTrailingStop:
		if k.TrailingStop == nil {
			return nil, fmt.Errorf("strategy: kind %q missing body", k.Kind)
		}
		return k.TrailingStop, nil
	default:
		return nil, fmt.Errorf("strategy: unknown kind %q", k.Kind)
	}
}
