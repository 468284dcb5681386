// Command bot is the trader bot's entry point.
//
// Architecture:
//
//	main.go                 — entry point: config, logger, Telegram adapter, dispatcher wiring
//	internal/dispatcher     — top-level chat_id -> (trader, session) registry, fan-in of all traders
//	internal/chatfsm        — per-chat dialogue state machine driving strategy setup
//	internal/trader         — per-chat event loop: market model + strategy set + gateways
//	internal/streaming      — WebSocket market-data subscription gateway, auto-reconnect
//	internal/rest           — serial brokerage REST gateway
//	internal/market         — in-memory instrument/position/orderbook/order snapshot
//	internal/strategy       — Strategy contract, FixedAmount, TrailingStop
//	internal/store          — per-chat JSON persistence (survives restarts)
//	internal/status         — read-only status/event WebSocket API
//
// This file is the only place that imports the Telegram client library
// (spec.md §1 scopes the chat transport out of the core subsystems): it
// translates tgbotapi updates into chatfsm.Event values, feeds them to the
// dispatcher, and renders chatfsm.Reply values back as Telegram messages.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"trader-bot/internal/chatfsm"
	"trader-bot/internal/config"
	"trader-bot/internal/dispatcher"
	"trader-bot/internal/rest"
	"trader-bot/internal/status"
	"trader-bot/internal/store"
	"trader-bot/internal/strategy"
	"trader-bot/internal/streaming"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		logger.Error("failed to construct telegram bot", "error", err)
		os.Exit(1)
	}
	logger.Info("authorized with telegram", "username", bot.Self.UserName)

	disp := dispatcher.New(st, streaming.URL, rest.BaseURL, logger)
	if err := disp.Start(); err != nil {
		logger.Error("failed to restore persisted chats", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var statusServer *status.Server
	if cfg.Status.Enabled {
		statusServer = status.NewServer(cfg.Status.Port, logger)
		go func() {
			if err := statusServer.Serve(ctx, disp.Lifecycle()); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status api started", "port", cfg.Status.Port)
	}

	go forwardOutbound(ctx, bot, disp.Outbound(), logger)

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 60
	updates := bot.GetUpdatesChan(updateCfg)

	logger.Info("trader bot started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

runLoop:
	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			break runLoop
		case update := <-updates:
			handleUpdate(bot, disp, update, logger)
		}
	}

	bot.StopReceivingUpdates()
	cancel()
	disp.Stop()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// handleUpdate classifies one Telegram update into a chatfsm.Event, advances
// that chat's session, and delivers the resulting replies.
func handleUpdate(bot *tgbotapi.BotAPI, disp *dispatcher.Dispatcher, update tgbotapi.Update, logger *slog.Logger) {
	chatID, ev, ok := classify(update)
	if !ok {
		return
	}

	replies := disp.HandleEvent(chatID, ev)

	if ev.AckToken != "" {
		if _, err := bot.Request(tgbotapi.NewCallback(ev.AckToken, "")); err != nil {
			logger.Warn("failed to ack callback query", "chat_id", chatID, "error", err)
		}
	}

	for _, r := range replies {
		deliver(bot, chatID, r, logger)
	}
}

// classify maps a tgbotapi.Update onto the chat it belongs to and the
// chatfsm.Event it represents. ok is false for update shapes the FSM has no
// event for (e.g. edited messages, channel posts).
func classify(update tgbotapi.Update) (int64, chatfsm.Event, bool) {
	switch {
	case update.Message != nil && update.Message.IsCommand():
		return update.Message.Chat.ID, chatfsm.Event{Kind: commandKind(update.Message.Command())}, true

	case update.Message != nil:
		return update.Message.Chat.ID, chatfsm.Event{Kind: chatfsm.EventText, Text: update.Message.Text}, true

	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		return update.CallbackQuery.Message.Chat.ID, chatfsm.Event{
			Kind:     chatfsm.EventSelect,
			Text:     update.CallbackQuery.Data,
			AckToken: update.CallbackQuery.ID,
		}, true

	default:
		return 0, chatfsm.Event{}, false
	}
}

func commandKind(cmd string) chatfsm.EventKind {
	switch cmd {
	case "start":
		return chatfsm.EventStart
	case "portfolio":
		return chatfsm.EventPortfolio
	case "strategies":
		return chatfsm.EventStrategies
	case "strategy":
		return chatfsm.EventStrategy
	case "finish":
		return chatfsm.EventFinish
	default:
		return chatfsm.EventUnknown
	}
}

// deliver renders one chatfsm.Reply as Telegram traffic: a typing-action
// ping, or a text message with an inline keyboard attached when the reply
// carries Options/Params (§4.5 strategy-type and parameter pickers).
func deliver(bot *tgbotapi.BotAPI, chatID int64, r chatfsm.Reply, logger *slog.Logger) {
	if r.Kind == chatfsm.ReplyTypingHint {
		if _, err := bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			logger.Warn("failed to send typing action", "chat_id", chatID, "error", err)
		}
		return
	}

	msg := tgbotapi.NewMessage(chatID, r.Render())

	switch {
	case len(r.Options) > 0:
		msg.ReplyMarkup = optionsKeyboard(r.Options)
	case len(r.Params) > 0:
		msg.ReplyMarkup = paramsKeyboard(r.Params)
	}

	if _, err := bot.Send(msg); err != nil {
		logger.Warn("failed to send message", "chat_id", chatID, "error", err)
	}
}

func optionsKeyboard(options []string) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, len(options))
	for i, opt := range options {
		buttons[i] = tgbotapi.NewInlineKeyboardButtonData(opt, opt)
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
}

func paramsKeyboard(params []strategy.ParamSpec) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, len(params))
	for i, p := range params {
		label := p.Name
		if p.Description != "" {
			label = p.Name + " — " + p.Description
		}
		buttons[i] = tgbotapi.NewInlineKeyboardButtonData(label, p.Name)
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
}

// forwardOutbound relays dispatcher-originated chat messages (trader
// responses, unsolicited "trader stopped" notices) that arrive
// asynchronously, outside any single update's request/reply cycle.
func forwardOutbound(ctx context.Context, bot *tgbotapi.BotAPI, outbound <-chan dispatcher.Outbound, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-outbound:
			if !ok {
				return
			}
			deliver(bot, o.ChatID, o.Reply, logger)
		}
	}
}
