// Package dispatcher is the top-level chat registry: one chatfsm.Session
// and (once connected) one running trader.Trader per chat, restored from
// disk at startup and torn down together on shutdown.
//
// Grounded on original_source/src/telega/mod.rs's Traders custom Future,
// which polled a HashMap<ChatId, Receiver<Response>> for whichever trader
// had a response ready first. Go channels with select already solve
// "first ready among many" natively, so this is translated as one
// forwarding goroutine per connected chat writing into a shared outbound
// queue, rather than a hand-rolled poll implementation.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"

	"trader-bot/internal/chatfsm"
	"trader-bot/internal/market"
	"trader-bot/internal/store"
	"trader-bot/internal/strategy"
	"trader-bot/internal/trader"
)

// Outbound is one chat message the transport adapter (cmd/bot) must
// deliver, originating asynchronously from the dispatcher rather than as
// the direct synchronous reply to the update that triggered it.
type Outbound struct {
	ChatID int64
	Reply  chatfsm.Reply
}

// LifecycleKind enumerates the trader lifecycle events broadcast to the
// read-only status API (SPEC_FULL.md §6).
type LifecycleKind int

const (
	LifecycleTraderStarted LifecycleKind = iota
	LifecycleTraderStopped
	LifecycleStrategyChanged
	LifecyclePortfolio
)

// LifecycleEvent is one notification for observers outside the chat
// transport (the status API's broadcast hub).
type LifecycleEvent struct {
	ChatID     int64
	Kind       LifecycleKind
	Portfolio  []market.PortfolioEntry
	Strategies map[string]strategy.Strategy
}

type chatEntry struct {
	session *chatfsm.Session
	cancel  context.CancelFunc
}

// Dispatcher owns every chat's session and trader goroutine.
type Dispatcher struct {
	streamingURL string
	restURL      string

	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	chats map[int64]*chatEntry

	outbound  chan Outbound
	lifecycle chan LifecycleEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Dispatcher backed by st for persistence. Every trader it
// stands up connects to streamingURL/restURL — the startup code passes the
// brokerage's compile-time sandbox constants (SPEC_FULL.md §6); tests pass
// httptest URLs instead. Nothing is restored until Start is called.
func New(st *store.Store, streamingURL, restURL string, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		streamingURL: streamingURL,
		restURL:      restURL,
		store:        st,
		logger:       logger.With("component", "dispatcher"),
		chats:        make(map[int64]*chatEntry),
		outbound:     make(chan Outbound, 256),
		lifecycle:    make(chan LifecycleEvent, 256),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Outbound returns the queue of dispatcher-originated chat messages.
func (d *Dispatcher) Outbound() <-chan Outbound { return d.outbound }

// Lifecycle returns the queue of trader lifecycle events for the status API.
func (d *Dispatcher) Lifecycle() <-chan LifecycleEvent { return d.lifecycle }

// Start restores every persisted chat (SPEC_FULL.md §4.5 "restart
// restoration"): each gets a freshly started trader, reconnected with its
// saved token, with its saved strategies replayed via AddStrategy.
func (d *Dispatcher) Start() error {
	records, err := d.store.LoadAll()
	if err != nil {
		return err
	}
	for chatID, rec := range records {
		d.restore(chatID, rec)
	}
	return nil
}

func (d *Dispatcher) restore(chatID int64, rec store.Record) {
	d.mu.Lock()
	d.chats[chatID] = &chatEntry{}
	d.mu.Unlock()

	handle, respCh := d.connect(chatID, rec.Token)
	sess := chatfsm.Restore(chatID, d.connector(chatID), handle)

	d.mu.Lock()
	d.chats[chatID].session = sess
	d.mu.Unlock()

	d.spawnForward(chatID, respCh)

	for name, kind := range rec.Strategies {
		s, err := kind.Unwrap()
		if err != nil {
			d.logger.Error("skip malformed persisted strategy", "chat_id", chatID, "name", name, "error", err)
			continue
		}
		handle.Requests <- trader.Request{Kind: trader.ReqAddStrategy, StrategyName: name, Strategy: s}
	}
	d.logger.Info("restored chat", "chat_id", chatID, "strategies", len(rec.Strategies))
}

// Stop cancels every trader and waits for all dispatcher-owned goroutines
// (trader actors and their forwarders) to exit.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// HandleEvent advances chatID's session by one chat event, returning the
// replies the caller must deliver immediately. A freshly connected trader's
// response queue (handed back on the WaitingToken -> Connected transition)
// is picked up here and forwarded from then on.
func (d *Dispatcher) HandleEvent(chatID int64, ev chatfsm.Event) []chatfsm.Reply {
	sess := d.sessionFor(chatID)
	replies, respCh := sess.OnEvent(ev)
	if respCh != nil {
		d.spawnForward(chatID, respCh)
		d.emitLifecycle(LifecycleEvent{ChatID: chatID, Kind: LifecycleTraderStarted})
	}
	d.persist(chatID)
	return replies
}

func (d *Dispatcher) sessionFor(chatID int64) *chatfsm.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.chats[chatID]
	if !ok {
		entry = &chatEntry{session: chatfsm.NewSession(chatID, d.connector(chatID))}
		d.chats[chatID] = entry
	}
	return entry.session
}

// connector adapts connect into the chatfsm.Connector shape, closing over
// chatID so the FSM's Context never needs to know its own chat ID.
func (d *Dispatcher) connector(chatID int64) chatfsm.Connector {
	return func(token string) (chatfsm.Handle, <-chan trader.Response) {
		return d.connect(chatID, token)
	}
}

// connect stands up a trader for chatID against the dispatcher's configured
// endpoints and starts its actor goroutine under the dispatcher's context.
func (d *Dispatcher) connect(chatID int64, token string) (chatfsm.Handle, <-chan trader.Response) {
	tr := trader.New(trader.Config{
		StreamingURL: d.streamingURL,
		RESTURL:      d.restURL,
		Token:        token,
	}, d.logger)

	runCtx, cancel := context.WithCancel(d.ctx)
	d.mu.Lock()
	if entry, ok := d.chats[chatID]; ok {
		entry.cancel = cancel
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		tr.Run(runCtx)
		d.handleTraderExit(chatID)
	}()

	return chatfsm.Handle{Token: token, Requests: tr.Requests()}, tr.Responses()
}

func (d *Dispatcher) spawnForward(chatID int64, respCh <-chan trader.Response) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.forward(chatID, respCh)
	}()
}

// forward relays one trader's responses into the dispatcher's shared
// outbound/lifecycle queues until the dispatcher shuts down or the trader's
// queue closes.
func (d *Dispatcher) forward(chatID int64, respCh <-chan trader.Response) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case resp, ok := <-respCh:
			if !ok {
				return
			}
			d.handleTraderResponse(chatID, resp)
		}
	}
}

func (d *Dispatcher) handleTraderResponse(chatID int64, resp trader.Response) {
	sess := d.sessionFor(chatID)
	sess.HandleTraderResponse(resp)

	switch resp.Kind {
	case trader.RespPortfolio:
		text := chatfsm.FormatPortfolio(resp.Portfolio)
		d.emitOutbound(Outbound{ChatID: chatID, Reply: chatfsm.Reply{Kind: chatfsm.ReplyPortfolio, Text: text}})
		d.emitLifecycle(LifecycleEvent{ChatID: chatID, Kind: LifecyclePortfolio, Portfolio: resp.Portfolio})

	case trader.RespStrategies:
		text := chatfsm.FormatStrategies(resp.Strategies)
		d.emitOutbound(Outbound{ChatID: chatID, Reply: chatfsm.Reply{Kind: chatfsm.ReplyStrategyList, Text: text}})
		d.emitLifecycle(LifecycleEvent{ChatID: chatID, Kind: LifecycleStrategyChanged, Strategies: resp.Strategies})
		d.persist(chatID)

	case trader.RespStocks:
		// No chat-facing effect; Context's ticker catalog was already
		// refreshed by HandleTraderResponse above.
	}
}

// handleTraderExit notifies the chat and the status API when a trader
// goroutine returns on its own, as opposed to Stop cancelling it on
// shutdown (§2.c "graceful trader-stop notification").
func (d *Dispatcher) handleTraderExit(chatID int64) {
	if d.ctx.Err() != nil {
		return
	}

	d.logger.Warn("trader exited unexpectedly", "chat_id", chatID)

	d.mu.Lock()
	entry, ok := d.chats[chatID]
	d.mu.Unlock()
	if ok {
		entry.session.Disconnect()
	}

	d.emitOutbound(Outbound{ChatID: chatID, Reply: chatfsm.Reply{Kind: chatfsm.ReplyTraderStopped}})
	d.emitLifecycle(LifecycleEvent{ChatID: chatID, Kind: LifecycleTraderStopped})
}

// persist saves chatID's current token/strategy snapshot, a no-op until
// the chat has connected (sess.Token reports ok=false until then).
func (d *Dispatcher) persist(chatID int64) {
	sess := d.sessionFor(chatID)
	token, ok := sess.Token()
	if !ok {
		return
	}

	strategies := sess.Strategies()
	kinds := make(map[string]strategy.StrategyKind, len(strategies))
	for name, s := range strategies {
		k, err := strategy.Wrap(s)
		if err != nil {
			d.logger.Error("skip unwrappable strategy on persist", "chat_id", chatID, "name", name, "error", err)
			continue
		}
		kinds[name] = k
	}

	if err := d.store.Save(chatID, store.Record{Token: token, Strategies: kinds}); err != nil {
		d.logger.Error("persist chat failed", "chat_id", chatID, "error", err)
	}
}

func (d *Dispatcher) emitOutbound(o Outbound) {
	select {
	case d.outbound <- o:
	default:
		d.logger.Warn("outbound queue full, dropping message", "chat_id", o.ChatID)
	}
}

func (d *Dispatcher) emitLifecycle(e LifecycleEvent) {
	select {
	case d.lifecycle <- e:
	default:
		d.logger.Warn("lifecycle queue full, dropping event", "chat_id", e.ChatID)
	}
}
