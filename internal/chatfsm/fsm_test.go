package chatfsm

import (
	"testing"

	"trader-bot/internal/market"
	"trader-bot/internal/strategy"
	"trader-bot/internal/trader"
	"trader-bot/pkg/types"
)

func fakeConnect(reqs chan trader.Request) Connector {
	return func(token string) (Handle, <-chan trader.Response) {
		respCh := make(chan trader.Response, 10)
		return Handle{Token: token, Requests: reqs}, respCh
	}
}

func TestStartFromAnyStateGoesToWaitingToken(t *testing.T) {
	t.Parallel()

	s := NewSession(1, fakeConnect(make(chan trader.Request, 10)))
	replies, _ := s.OnEvent(Event{Kind: EventStart})
	if len(replies) != 1 || replies[0].Kind != ReplyRequestToken {
		t.Fatalf("replies = %+v, want RequestToken", replies)
	}

	// From Connected, /start should still reset to WaitingToken.
	reqs := make(chan trader.Request, 10)
	s2 := NewSession(2, fakeConnect(reqs))
	s2.OnEvent(Event{Kind: EventStart})
	s2.OnEvent(Event{Kind: EventText, Text: "tok"})
	replies, _ = s2.OnEvent(Event{Kind: EventStart})
	if len(replies) != 1 || replies[0].Kind != ReplyRequestToken {
		t.Fatalf("replies from Connected = %+v, want RequestToken", replies)
	}
}

func TestWaitingTokenConnectsOnText(t *testing.T) {
	t.Parallel()

	reqs := make(chan trader.Request, 10)
	s := NewSession(1, fakeConnect(reqs))
	s.OnEvent(Event{Kind: EventStart})

	replies, respCh := s.OnEvent(Event{Kind: EventText, Text: "secret-token"})
	if len(replies) != 1 || replies[0].Kind != ReplyTraderStarted {
		t.Fatalf("replies = %+v, want TraderStarted", replies)
	}
	if respCh == nil {
		t.Fatal("expected a non-nil response channel on fresh connect")
	}
	tok, ok := s.Token()
	if !ok || tok != "secret-token" {
		t.Errorf("Token() = %q, %v, want secret-token, true", tok, ok)
	}

	// A subsequent event must not re-deliver the response channel.
	_, respCh2 := s.OnEvent(Event{Kind: EventPortfolio})
	if respCh2 != nil {
		t.Error("expected a nil response channel on a non-connect transition")
	}
}

func TestConnectedPortfolioSendsRequestAndTypingHint(t *testing.T) {
	t.Parallel()

	reqs := make(chan trader.Request, 10)
	s := NewSession(1, fakeConnect(reqs))
	s.OnEvent(Event{Kind: EventStart})
	s.OnEvent(Event{Kind: EventText, Text: "tok"})

	replies, _ := s.OnEvent(Event{Kind: EventPortfolio})
	if len(replies) != 1 || replies[0].Kind != ReplyTypingHint {
		t.Fatalf("replies = %+v, want TypingHint", replies)
	}

	select {
	case req := <-reqs:
		if req.Kind != trader.ReqPortfolio {
			t.Errorf("request kind = %v, want ReqPortfolio", req.Kind)
		}
	default:
		t.Fatal("expected a Portfolio request to reach the trader")
	}
}

func TestStrategyConfigurationFlow(t *testing.T) {
	t.Parallel()

	reqs := make(chan trader.Request, 10)
	s := NewSession(1, fakeConnect(reqs))
	s.OnEvent(Event{Kind: EventStart})
	s.OnEvent(Event{Kind: EventText, Text: "tok"})

	replies, _ := s.OnEvent(Event{Kind: EventStrategy})
	if len(replies) != 1 || replies[0].Kind != ReplySelectStrategy || len(replies[0].Options) != 2 {
		t.Fatalf("replies = %+v, want SelectStrategy with 2 options", replies)
	}

	replies, _ = s.OnEvent(Event{Kind: EventSelect, Text: string(strategy.KindFixedAmount)})
	if len(replies) != 1 || replies[0].Kind != ReplyRequestStrategyName {
		t.Fatalf("replies = %+v, want RequestStrategyName", replies)
	}

	replies, _ = s.OnEvent(Event{Kind: EventText, Text: "my-strategy"})
	if len(replies) != 1 || replies[0].Kind != ReplySelectStrategyParam {
		t.Fatalf("replies = %+v, want SelectStrategyParam", replies)
	}
	foundTicker := false
	for _, p := range replies[0].Params {
		if p.Name == "ticker" {
			foundTicker = true
		}
		if p.Name == "figi" {
			t.Error("raw figi parameter name leaked into the picker, want it translated to ticker")
		}
	}
	if !foundTicker {
		t.Error("expected the figi parameter to be presented as ticker")
	}

	replies, _ = s.OnEvent(Event{Kind: EventSelect, Text: "target"})
	if len(replies) != 1 || replies[0].Kind != ReplyRequestParamValue {
		t.Fatalf("replies = %+v, want RequestParamValue", replies)
	}

	replies, _ = s.OnEvent(Event{Kind: EventText, Text: "1000"})
	if len(replies) != 1 || replies[0].Kind != ReplySelectStrategyParam {
		t.Fatalf("replies = %+v, want SelectStrategyParam again after applying a value", replies)
	}

	replies, _ = s.OnEvent(Event{Kind: EventFinish})
	if len(replies) != 1 || replies[0].Kind != ReplyStrategyAdded {
		t.Fatalf("replies = %+v, want StrategyAdded", replies)
	}

	select {
	case req := <-reqs:
		if req.Kind != trader.ReqAddStrategy || req.StrategyName != "my-strategy" {
			t.Errorf("request = %+v, want AddStrategy(my-strategy, ...)", req)
		}
		fa, ok := req.Strategy.(*strategy.FixedAmount)
		if !ok || fa.Target != 1000 {
			t.Errorf("configured strategy = %+v, want FixedAmount with target 1000", req.Strategy)
		}
	default:
		t.Fatal("expected an AddStrategy request to reach the trader")
	}
}

func TestParameterTranslationTickerNotFound(t *testing.T) {
	t.Parallel()

	reqs := make(chan trader.Request, 10)
	s := NewSession(1, fakeConnect(reqs))
	s.OnEvent(Event{Kind: EventStart})
	s.OnEvent(Event{Kind: EventText, Text: "tok"})
	s.OnEvent(Event{Kind: EventStrategy})
	s.OnEvent(Event{Kind: EventSelect, Text: string(strategy.KindFixedAmount)})
	s.OnEvent(Event{Kind: EventText, Text: "my-strategy"})
	s.OnEvent(Event{Kind: EventSelect, Text: "ticker"})

	replies, _ := s.OnEvent(Event{Kind: EventText, Text: "UNKNOWNTICKER"})
	if len(replies) != 1 || replies[0].Kind != ReplyErr || replies[0].Text != "ticker not found" {
		t.Fatalf("replies = %+v, want Err(\"ticker not found\")", replies)
	}
}

func TestDummyReplyOnUnlistedPair(t *testing.T) {
	t.Parallel()

	s := NewSession(1, fakeConnect(make(chan trader.Request, 10)))
	replies, _ := s.OnEvent(Event{Kind: EventFinish})
	if len(replies) != 1 || replies[0].Kind != ReplyDummy {
		t.Fatalf("replies = %+v, want Dummy for an unlisted (New, Finish) pair", replies)
	}
}

func TestFormatPortfolioMatchesScenario(t *testing.T) {
	t.Parallel()

	entries := []market.PortfolioEntry{
		{Stock: types.Stock{Ticker: "A"}, Position: types.Position{Lots: 10, Balance: 1000}},
	}
	text := FormatPortfolio(entries)
	if !contains(text, "A: 1000") {
		t.Errorf("FormatPortfolio = %q, want it to contain %q", text, "A: 1000")
	}
}

func TestFormatStrategiesListsNameAndDescription(t *testing.T) {
	t.Parallel()

	strategies := map[string]strategy.Strategy{
		"s1": strategy.NewFixedAmount("X", 1000, 0.1, 0.1, 1.5),
	}
	text := FormatStrategies(strategies)
	want := "s1: " + strategies["s1"].Description()
	if text != want {
		t.Errorf("FormatStrategies = %q, want %q", text, want)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
