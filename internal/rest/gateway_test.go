package rest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trader-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLimitOrderSuccessCorrelatesLocalKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.OrderState{OrderID: "srv-1"})
	}))
	defer srv.Close()

	g := New(srv.URL, "tok", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	g.Requests() <- Request{Kind: ReqLimitOrder, LocalKey: 42, Order: types.Order{Figi: "X", Kind: types.Buy, Price: 1, Quantity: 1}}

	select {
	case resp := <-g.Responses():
		if resp.Kind != RespOrder || resp.LocalKey != 42 || resp.OrderState.OrderID != "srv-1" {
			t.Errorf("response = %+v, want RespOrder local_key=42", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestLimitOrderFailureCarriesLocalKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := New(srv.URL, "tok", discardLogger())
	g.rl = newTokenBucket(1, 1000) // fast refill so rate limiting adds no delay; resty's own retries on the 500 still run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	req := Request{Kind: ReqLimitOrder, LocalKey: 7, Order: types.Order{Figi: "X", Kind: types.Sell, Price: 1, Quantity: 1}}
	g.Requests() <- req

	select {
	case resp := <-g.Responses():
		if resp.Kind != RespErr || resp.OriginalRequest.LocalKey != 7 {
			t.Errorf("response = %+v, want RespErr carrying local_key=7", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRequestsProcessedSeriallyInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, r.URL.Query().Get("figi"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]types.Candle{})
	}))
	defer srv.Close()

	g := New(srv.URL, "tok", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	g.Requests() <- Request{Kind: ReqCandles, Figi: "A"}
	<-g.Responses()
	g.Requests() <- Request{Kind: ReqCandles, Figi: "B"}
	<-g.Responses()

	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Errorf("server saw requests in order %v, want [A B]", order)
	}
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	t.Parallel()

	b := newTokenBucket(1, 100) // 1 capacity, fast refill for a quick test
	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	// At 100 tokens/s one token takes 10ms to refill, and Wait polls every
	// 10ms, so the second Wait cannot return much sooner than that.
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("second Wait returned after %v, want it to block until the bucket refilled", elapsed)
	}
}
