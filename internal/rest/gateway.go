// Package rest implements the brokerage REST gateway (SPEC_FULL.md §4.2):
// a single HTTPS client with a bearer token that serializes typed requests
// one at a time, strictly FIFO, emitting exactly one response per request.
//
// Grounded on the teacher's exchange/client.go: a resty.Client with a fixed
// timeout and retry-on-5xx backoff, reused verbatim for the transport layer
// since spec.md treats "Transport failure" identically (log, retry via the
// HTTP client, or surface as Err).
package rest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"trader-bot/pkg/types"
)

// BaseURL is the brokerage sandbox REST endpoint. SPEC_FULL.md §6 places
// this as a compile-time constant in the startup code, not configuration.
const BaseURL = "https://sandbox-invest-public-api.tinkoff.ru/rest"

// RequestKind enumerates the typed brokerage calls (§4.2).
type RequestKind int

const (
	ReqInstruments RequestKind = iota
	ReqCandles
	ReqLimitOrder
	ReqPortfolio
)

// Request is one typed brokerage call submitted to the gateway.
type Request struct {
	Kind RequestKind

	// Candles fields.
	Figi     types.Figi
	From, To time.Time
	Interval string

	// LimitOrder fields. LocalKey is carried through to the response
	// unchanged so the trader can correlate it back to its new_orders table.
	LocalKey types.LocalKey
	Order    types.Order
}

// ResponseKind enumerates the typed brokerage responses (§4.2).
type ResponseKind int

const (
	RespStocks ResponseKind = iota
	RespCandles
	RespOrder
	RespPortfolio
	RespErr
)

// PositionEntry pairs a figi with its reported Position, part of a
// Portfolio response.
type PositionEntry struct {
	Figi     types.Figi
	Position types.Position
}

// Response is the gateway's reply to exactly one Request.
type Response struct {
	Kind ResponseKind

	Stocks     []types.Stock
	Figi       types.Figi
	Candles    []types.Candle
	LocalKey   types.LocalKey
	OrderState types.OrderState
	Positions  []PositionEntry
	Orders     []types.OrderState

	OriginalRequest Request
	Err             error
}

// Gateway serializes Requests over a single resty.Client and FIFO-emits one
// Response per Request (never pipelined).
type Gateway struct {
	http      *resty.Client
	authToken string
	logger    *slog.Logger
	rl        *tokenBucket

	requests  chan Request
	responses chan Response
}

// New constructs a Gateway against baseURL with a bearer token. Queue
// capacities follow SPEC_FULL.md §5's trader<->gateway data-path sizing.
func New(baseURL, authToken string, logger *slog.Logger) *Gateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Authorization", "Bearer "+authToken)

	return &Gateway{
		http:      client,
		authToken: authToken,
		logger:    logger.With("component", "rest-gateway"),
		rl:        newTokenBucket(10, 5),
		requests:  make(chan Request, 1000),
		responses: make(chan Response, 1000),
	}
}

// Requests returns the inbound request queue.
func (g *Gateway) Requests() chan<- Request { return g.requests }

// Responses returns the outbound response queue.
func (g *Gateway) Responses() <-chan Response { return g.responses }

// Run drains the request queue one at a time, strictly FIFO, until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("rest gateway recovered from panic", "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-g.requests:
			if err := g.rl.Wait(ctx); err != nil {
				return
			}
			resp := g.handle(ctx, req)
			select {
			case g.responses <- resp:
			default:
				g.logger.Warn("rest response queue full, dropping", "kind", resp.Kind)
			}
		}
	}
}

func (g *Gateway) handle(ctx context.Context, req Request) Response {
	switch req.Kind {
	case ReqInstruments:
		return g.instruments(ctx, req)
	case ReqCandles:
		return g.candles(ctx, req)
	case ReqLimitOrder:
		return g.limitOrder(ctx, req)
	case ReqPortfolio:
		return g.portfolio(ctx, req)
	default:
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("rest: unknown request kind %d", req.Kind)}
	}
}

func (g *Gateway) instruments(ctx context.Context, req Request) Response {
	var stocks []types.Stock
	resp, err := g.http.R().SetContext(ctx).SetResult(&stocks).Get("/instruments")
	if err != nil {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("instruments: %w", err)}
	}
	if resp.IsError() {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("instruments: status %d", resp.StatusCode())}
	}
	return Response{Kind: RespStocks, Stocks: stocks}
}

func (g *Gateway) candles(ctx context.Context, req Request) Response {
	var candles []types.Candle
	resp, err := g.http.R().SetContext(ctx).
		SetQueryParam("figi", string(req.Figi)).
		SetQueryParam("from", req.From.Format(time.RFC3339)).
		SetQueryParam("to", req.To.Format(time.RFC3339)).
		SetQueryParam("interval", req.Interval).
		SetResult(&candles).
		Get("/candles")
	if err != nil {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("candles: %w", err)}
	}
	if resp.IsError() {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("candles: status %d", resp.StatusCode())}
	}
	return Response{Kind: RespCandles, Figi: req.Figi, Candles: candles}
}

type limitOrderPayload struct {
	Figi     types.Figi `json:"figi"`
	Kind     string     `json:"kind"`
	Price    float64    `json:"price"`
	Quantity int        `json:"quantity"`
}

func (g *Gateway) limitOrder(ctx context.Context, req Request) Response {
	var state types.OrderState
	resp, err := g.http.R().SetContext(ctx).
		SetBody(limitOrderPayload{
			Figi:     req.Order.Figi,
			Kind:     req.Order.Kind.String(),
			Price:    req.Order.Price,
			Quantity: req.Order.Quantity,
		}).
		SetResult(&state).
		Post("/orders")
	if err != nil {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("limit order: %w", err)}
	}
	if resp.IsError() {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("limit order: status %d", resp.StatusCode())}
	}
	state.Order = req.Order
	return Response{Kind: RespOrder, LocalKey: req.LocalKey, OrderState: state}
}

type portfolioPayload struct {
	Positions []PositionEntry    `json:"positions"`
	Orders    []types.OrderState `json:"orders"`
}

func (g *Gateway) portfolio(ctx context.Context, req Request) Response {
	var payload portfolioPayload
	resp, err := g.http.R().SetContext(ctx).SetResult(&payload).Get("/portfolio")
	if err != nil {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("portfolio: %w", err)}
	}
	if resp.IsError() {
		return Response{Kind: RespErr, OriginalRequest: req, Err: fmt.Errorf("portfolio: status %d", resp.StatusCode())}
	}
	return Response{Kind: RespPortfolio, Positions: payload.Positions, Orders: payload.Orders}
}
