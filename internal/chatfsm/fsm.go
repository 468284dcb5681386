package chatfsm

import (
	"trader-bot/internal/strategy"
	"trader-bot/internal/trader"
)

// State is one node of the chat dialogue, a tagged union realized as an
// interface implemented by small structs (mirrors original_source's State
// enum, and this codebase's StrategyKind pattern for closed variant sets).
type State interface {
	// token returns the brokerage token carried by states that have a
	// connected Handle, mirroring the original's State::token() (used by
	// persistence to decide whether a chat has anything worth saving).
	token() (string, bool)
	onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response)
}

// StateNew is the initial state: no trader, no token.
type StateNew struct{}

func (StateNew) token() (string, bool) { return "", false }

func (s StateNew) onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response) {
	if ev.Kind == EventStart {
		return StateWaitingToken{}, []Reply{{Kind: ReplyRequestToken}}, nil
	}
	return s, []Reply{{Kind: ReplyDummy}}, nil
}

// StateWaitingToken awaits the user's brokerage token as free text.
type StateWaitingToken struct{}

func (StateWaitingToken) token() (string, bool) { return "", false }

func (s StateWaitingToken) onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response) {
	switch ev.Kind {
	case EventStart:
		return StateWaitingToken{}, []Reply{{Kind: ReplyRequestToken}}, nil
	case EventText:
		handle, respCh := ctx.connectTrader(ev.Text)
		return StateConnected{Handle: handle}, []Reply{{Kind: ReplyTraderStarted}}, respCh
	default:
		return s, []Reply{{Kind: ReplyDummy}}, nil
	}
}

// StateConnected is a running trader, idle (no strategy being configured).
type StateConnected struct {
	Handle Handle
}

func (s StateConnected) token() (string, bool) { return s.Handle.Token, true }

func (s StateConnected) onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response) {
	switch ev.Kind {
	case EventStart:
		return StateWaitingToken{}, []Reply{{Kind: ReplyRequestToken}}, nil
	case EventPortfolio:
		s.Handle.Requests <- trader.Request{Kind: trader.ReqPortfolio}
		return s, []Reply{{Kind: ReplyTypingHint}}, nil
	case EventStrategies:
		s.Handle.Requests <- trader.Request{Kind: trader.ReqStrategies}
		return s, []Reply{{Kind: ReplyTypingHint}}, nil
	case EventStrategy:
		return StateChoosingStrategy{Handle: s.Handle}, []Reply{{Kind: ReplySelectStrategy, Options: ctx.StrategyTypeNames()}}, nil
	default:
		return s, []Reply{{Kind: ReplyDummy}}, nil
	}
}

// StateChoosingStrategy presents the strategy-type picker.
type StateChoosingStrategy struct {
	Handle Handle
}

func (s StateChoosingStrategy) token() (string, bool) { return s.Handle.Token, true }

func (s StateChoosingStrategy) onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response) {
	switch ev.Kind {
	case EventStart:
		return StateWaitingToken{}, []Reply{{Kind: ReplyRequestToken}}, nil
	case EventSelect:
		proto, ok := ctx.strategyByType(ev.Text)
		if !ok {
			return s, []Reply{{Kind: ReplyDummy}}, nil
		}
		return StateWaitingStrategyName{Handle: s.Handle, Proto: proto}, []Reply{{Kind: ReplyRequestStrategyName}}, nil
	default:
		return s, []Reply{{Kind: ReplyDummy}}, nil
	}
}

// StateWaitingStrategyName awaits the user-chosen name for the strategy
// instance being configured.
type StateWaitingStrategyName struct {
	Handle Handle
	Proto  strategy.Strategy
}

func (s StateWaitingStrategyName) token() (string, bool) { return s.Handle.Token, true }

func (s StateWaitingStrategyName) onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response) {
	switch ev.Kind {
	case EventStart:
		return StateWaitingToken{}, []Reply{{Kind: ReplyRequestToken}}, nil
	case EventText:
		named := NamedStrategy{Strategy: s.Proto, Name: ev.Text}
		return StateChoosingStrategyParam{Handle: s.Handle, Named: named},
			[]Reply{{Kind: ReplySelectStrategyParam, Params: DisplayParams(s.Proto.Params())}}, nil
	default:
		return s, []Reply{{Kind: ReplyDummy}}, nil
	}
}

// StateChoosingStrategyParam presents the parameter picker for a strategy
// instance that has a name but is still being configured.
type StateChoosingStrategyParam struct {
	Handle Handle
	Named  NamedStrategy
}

func (s StateChoosingStrategyParam) token() (string, bool) { return s.Handle.Token, true }

func (s StateChoosingStrategyParam) onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response) {
	switch ev.Kind {
	case EventStart:
		return StateWaitingToken{}, []Reply{{Kind: ReplyRequestToken}}, nil
	case EventFinish:
		s.Handle.Requests <- trader.Request{Kind: trader.ReqAddStrategy, StrategyName: s.Named.Name, Strategy: s.Named.Strategy}
		return StateConnected{Handle: s.Handle}, []Reply{{Kind: ReplyStrategyAdded}}, nil
	case EventSelect:
		return StateWaitingStrategyParam{Handle: s.Handle, Named: s.Named, ParamName: ev.Text}, []Reply{{Kind: ReplyRequestParamValue}}, nil
	default:
		return s, []Reply{{Kind: ReplyDummy}}, nil
	}
}

// StateWaitingStrategyParam awaits free text for the parameter the user
// just picked.
type StateWaitingStrategyParam struct {
	Handle    Handle
	Named     NamedStrategy
	ParamName string
}

func (s StateWaitingStrategyParam) token() (string, bool) { return s.Handle.Token, true }

func (s StateWaitingStrategyParam) onEvent(ctx *Context, ev Event) (State, []Reply, <-chan trader.Response) {
	switch ev.Kind {
	case EventStart:
		return StateWaitingToken{}, []Reply{{Kind: ReplyRequestToken}}, nil
	case EventText:
		if err := ctx.SetParameter(s.Named.Strategy, s.ParamName, ev.Text); err != nil {
			return s, []Reply{{Kind: ReplyErr, Text: err.Error()}}, nil
		}
		return StateChoosingStrategyParam{Handle: s.Handle, Named: s.Named},
			[]Reply{{Kind: ReplySelectStrategyParam, Params: DisplayParams(s.Named.Strategy.Params())}}, nil
	default:
		return s, []Reply{{Kind: ReplyDummy}}, nil
	}
}

// Session ties one chat's Context and current State together and is the
// package's one exported entry point for driving the FSM.
type Session struct {
	ctx   *Context
	state State
}

// NewSession constructs a session in StateNew, talking to a freshly
// connected trader only via connect.
func NewSession(chatID int64, connect Connector) *Session {
	return &Session{ctx: NewContext(chatID, connect), state: StateNew{}}
}

// Restore constructs a session already in StateConnected, used to replay a
// persisted chat at process start (§4.5 "Restart restoration"): handle is
// assumed already wired to a trader that has had its saved strategies
// replayed via AddStrategy.
func Restore(chatID int64, connect Connector, handle Handle) *Session {
	return &Session{ctx: NewContext(chatID, connect), state: StateConnected{Handle: handle}}
}

// OnEvent advances the session by one event, returning the replies to send
// and, only on a fresh WaitingToken -> Connected transition, the new
// trader's response queue for the dispatcher to start forwarding.
func (s *Session) OnEvent(ev Event) ([]Reply, <-chan trader.Response) {
	_, wasWaitingToken := s.state.(StateWaitingToken)
	next, replies, respCh := s.state.onEvent(s.ctx, ev)
	s.state = next
	if !wasWaitingToken {
		respCh = nil
	}
	return replies, respCh
}

// HandleTraderResponse folds an async trader response into the session's
// Context — the FSM has no state transition for these (they don't arrive as
// chat events), but the Context's stocks/strategies caches must stay
// current and persistence needs the latest strategy snapshot.
func (s *Session) HandleTraderResponse(resp trader.Response) {
	switch resp.Kind {
	case trader.RespStocks:
		s.ctx.SetStocks(resp.Stocks)
	case trader.RespStrategies:
		s.ctx.UpdateStrategies(resp.Strategies)
	}
}

// Disconnect resets the session to StateNew, used when the dispatcher
// observes this chat's trader goroutine exit unexpectedly (§2.c "graceful
// trader-stop notification"): the chat must send /start again before it
// can do anything else, matching the original's Connected+send-failure ->
// State::New transition.
func (s *Session) Disconnect() {
	s.state = StateNew{}
}

// Token returns the chat's current brokerage token, if connected, for
// building a persistence record.
func (s *Session) Token() (string, bool) { return s.state.token() }

// Strategies returns the chat's current strategy snapshot, for building a
// persistence record.
func (s *Session) Strategies() map[string]strategy.Strategy { return s.ctx.Strategies() }
