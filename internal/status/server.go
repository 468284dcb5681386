// Package status implements a lightweight, read-only observability API:
// /healthz for liveness checks and /ws broadcasting trader lifecycle events
// (started, stopped, strategy changed, portfolio snapshot) to any connected
// subscriber. It is ambient tooling, not a core subsystem named by spec.md —
// carried forward per SPEC_FULL.md's instruction to keep an observability
// surface regardless of the spec's non-goals, adapted from the teacher's
// dashboard (internal/api/server.go, internal/api/stream.go).
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trader-bot/internal/dispatcher"
)

// Event is the JSON envelope broadcast to every connected status client,
// one per dispatcher.LifecycleEvent.
type Event struct {
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	ChatID     int64             `json:"chat_id"`
	Portfolio  []PortfolioEntry  `json:"portfolio,omitempty"`
	Strategies []StrategySummary `json:"strategies,omitempty"`
}

// PortfolioEntry is the status feed's flattened, JSON-friendly projection
// of a market.PortfolioEntry.
type PortfolioEntry struct {
	Ticker  string  `json:"ticker"`
	Balance float64 `json:"balance"`
	Lots    int     `json:"lots"`
}

// StrategySummary is the status feed's projection of one configured
// strategy, since strategy.Strategy (an interface) has no JSON shape of
// its own.
type StrategySummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func eventFromLifecycle(e dispatcher.LifecycleEvent) Event {
	out := Event{ChatID: e.ChatID, Timestamp: time.Now()}

	switch e.Kind {
	case dispatcher.LifecycleTraderStarted:
		out.Type = "trader_started"
	case dispatcher.LifecycleTraderStopped:
		out.Type = "trader_stopped"
	case dispatcher.LifecycleStrategyChanged:
		out.Type = "strategy_changed"
	case dispatcher.LifecyclePortfolio:
		out.Type = "portfolio"
	default:
		out.Type = "unknown"
	}

	for _, p := range e.Portfolio {
		out.Portfolio = append(out.Portfolio, PortfolioEntry{
			Ticker:  p.Stock.Ticker,
			Balance: p.Position.Balance,
			Lots:    p.Position.Lots,
		})
	}
	for name, s := range e.Strategies {
		out.Strategies = append(out.Strategies, StrategySummary{Name: name, Description: s.Description()})
	}

	return out
}

// Server hosts the status HTTP/WebSocket endpoints.
type Server struct {
	hub    *Hub
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds a Server listening on port, not yet started.
func NewServer(port int, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	mux := http.NewServeMux()

	s := &Server{hub: hub, logger: logger.With("component", "status-server")}

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Serve starts the hub loop, subscribes to the dispatcher's lifecycle feed,
// and listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lifecycle <-chan dispatcher.LifecycleEvent) error {
	go s.hub.Run()
	go s.consume(ctx, lifecycle)

	s.logger.Info("status server starting", "addr", s.http.Addr)
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	}
}

func (s *Server) consume(ctx context.Context, lifecycle <-chan dispatcher.LifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-lifecycle:
			if !ok {
				return
			}
			s.hub.Broadcast(eventFromLifecycle(e))
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true }, // read-only, non-browser observability feed
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("status websocket upgrade failed", "error", err)
		return
	}
	newClient(s.hub, conn)
}
