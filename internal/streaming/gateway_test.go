package streaming

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"trader-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResourceKeyMatchesSubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()

	sub := Command{Kind: OrderbookSubscribe, Figi: "X", Depth: 4}
	unsub := Command{Kind: OrderbookUnsubscribe, Figi: "X", Depth: 4}

	if sub.resourceKey() != unsub.resourceKey() {
		t.Errorf("resourceKey mismatch: sub=%q unsub=%q", sub.resourceKey(), unsub.resourceKey())
	}

	other := Command{Kind: OrderbookSubscribe, Figi: "X", Depth: 10}
	if sub.resourceKey() == other.resourceKey() {
		t.Errorf("different depth should produce a different resource key")
	}
}

func TestApplySubscribeThenUnsubscribeRemovesEntry(t *testing.T) {
	t.Parallel()

	g := New(URL, "token", discardLogger())
	g.applyCommand(Command{Kind: OrderbookSubscribe, Figi: "X", Depth: 4})
	if len(g.subs) != 1 {
		t.Fatalf("subs = %d, want 1", len(g.subs))
	}
	g.applyCommand(Command{Kind: OrderbookUnsubscribe, Figi: "X", Depth: 4})
	if len(g.subs) != 0 {
		t.Fatalf("subs after unsubscribe = %d, want 0", len(g.subs))
	}
}

func TestDecodeResponseCandle(t *testing.T) {
	t.Parallel()

	env := types.StreamEnvelope{
		Event: "candle",
		Time:  time.Unix(0, 0),
		Payload: types.RawStreamFields{
			"figi": "X", "open": 1.0, "close": 2.0, "low": 0.5, "high": 2.5, "volume": 100.0,
		},
	}
	resp, ok := decodeResponse(env)
	if !ok || resp.Kind != RespCandle || resp.Candle == nil || resp.Candle.Close != 2.0 {
		t.Errorf("decodeResponse(candle) = %+v, ok=%v", resp, ok)
	}
}

func TestDecodeResponseOrderbookCoercesQuantity(t *testing.T) {
	t.Parallel()

	env := types.StreamEnvelope{
		Event: "orderbook",
		Payload: types.RawStreamFields{
			"figi": "X",
			"bids": []any{[]any{100.0, 5.0}},
			"asks": []any{[]any{101.0, 3.0}},
		},
	}
	resp, ok := decodeResponse(env)
	if !ok || resp.Orderbook == nil {
		t.Fatalf("decodeResponse(orderbook) ok=%v resp=%+v", ok, resp)
	}
	if len(resp.Orderbook.Bids) != 1 || resp.Orderbook.Bids[0].Quantity != 5 {
		t.Errorf("bids = %+v, want quantity 5 (int)", resp.Orderbook.Bids)
	}
}

func TestDecodeResponseUnknownEvent(t *testing.T) {
	t.Parallel()

	_, ok := decodeResponse(types.StreamEnvelope{Event: "nonsense"})
	if ok {
		t.Error("decodeResponse should reject unrecognized events")
	}
}
