// Package chatfsm implements the per-chat dialogue manager (SPEC_FULL.md
// §4.5): a small state machine translating Telegram-shaped events (commands,
// free text, inline-button callbacks) into trader commands and chat replies.
//
// Grounded on original_source/src/telega/fsm.rs's state enum and transition
// match arms, and original_source/src/telega/entities.rs's ResponseMessage
// variants, translated into Go as an interface implemented by small structs
// (one per state) rather than a tagged enum, since that is this codebase's
// idiom for closed variant sets (see internal/strategy's StrategyKind).
//
// This package never imports the Telegram client library: it depends only
// on its own Event/Reply types, exactly mirroring the teacher's scoping-out
// of transport concerns from core logic.
package chatfsm

import "trader-bot/internal/strategy"

// EventKind enumerates the chat-update shapes the FSM reacts to.
type EventKind int

const (
	EventStart EventKind = iota
	EventPortfolio
	EventStrategies
	EventStrategy
	EventFinish
	EventText
	EventSelect
	EventUnknown
)

// Event is one inbound chat update, already classified by the transport
// adapter (cmd/bot) into a command/text/callback shape.
type Event struct {
	Kind EventKind
	Text string // payload for EventText (free text) and EventSelect (callback data)

	// AckToken, when non-empty, identifies an inline-button callback query
	// that the dispatcher must acknowledge once this event has been
	// processed, regardless of whether it produced a dummy reply (§2.c:
	// "the original answers every callback query... so the Telegram client
	// dismisses its loading spinner").
	AckToken string
}

// ReplyKind enumerates the FSM's outbound reply shapes, mirroring the
// original's ResponseMessage enum.
type ReplyKind int

const (
	ReplyDummy ReplyKind = iota
	ReplyRequestToken
	ReplyRequestStrategyName
	ReplyTraderStarted
	ReplyTypingHint
	ReplyTraderStopped
	ReplySelectStrategy
	ReplySelectStrategyParam
	ReplyRequestParamValue
	ReplyStrategyAdded
	ReplyErr
	ReplyPortfolio
	ReplyStrategyList
)

// DummyReply is the fixed text for unmatched (state, event) pairs — every
// pair not named in spec.md §4.5's transition table keeps state and emits
// this (§2.c).
const DummyReply = "Sorry, I don't understand you."

// Reply is one outbound instruction to the chat transport. Kind selects
// which of Options/Params/Text is populated.
type Reply struct {
	Kind ReplyKind

	Options []string             // ReplySelectStrategy: strategy type names for inline buttons
	Params  []strategy.ParamSpec // ReplySelectStrategyParam: parameter picker buttons
	Text    string                // ReplyErr/ReplyPortfolio/ReplyStrategyList: text to show verbatim
}

// Render returns the fixed chat text for reply kinds that are plain text
// messages, and Text for ReplyErr/ReplyPortfolio/ReplyStrategyList (filled
// in by the FSM or, from a trader.Response, by the dispatcher). The picker
// kinds (ReplySelectStrategy, ReplySelectStrategyParam) render as empty
// text; cmd/bot attaches their Options/Params as an inline keyboard, and
// sends ReplyTypingHint as a chat action rather than a message.
func (r Reply) Render() string {
	switch r.Kind {
	case ReplyDummy:
		return DummyReply
	case ReplyRequestToken:
		return "Got it, send me your token."
	case ReplyRequestStrategyName:
		return "Name your strategy."
	case ReplyTraderStarted:
		return "Great, connecting..."
	case ReplyTraderStopped:
		return "Oops, I broke. Let's start over."
	case ReplyRequestParamValue:
		return "Okay, send the value."
	case ReplyStrategyAdded:
		return "Strategy added."
	case ReplyErr, ReplyPortfolio, ReplyStrategyList:
		return r.Text
	default:
		return ""
	}
}

// DisplayParams substitutes the "figi" parameter with a user-facing
// "ticker" parameter (§4.5 "Parameter translation"): the FSM still resolves
// a chosen ticker back to a figi internally, but the picker never shows the
// raw field name.
func DisplayParams(params []strategy.ParamSpec) []strategy.ParamSpec {
	out := make([]strategy.ParamSpec, len(params))
	for i, p := range params {
		if p.Name == "figi" {
			out[i] = strategy.ParamSpec{Name: "ticker", Description: "instrument ticker"}
			continue
		}
		out[i] = p
	}
	return out
}
