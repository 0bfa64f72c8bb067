package binance

import (
	"context"
	"errors"
	"testing"

	"trading-engine-go/core"
	"trading-engine-go/gateway"
)

func testConfig() Config {
	return Config{APIKey: "k", APISecret: "s"}
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	_, err := New(Config{}, nil)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestNewRejectsInverseContracts(t *testing.T) {
	cfg := testConfig()
	cfg.MarketType = core.MarketInverse
	_, err := New(cfg, nil)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestNewDefaults(t *testing.T) {
	a, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.Name() != "binance" {
		t.Fatalf("name = %q", a.Name())
	}
	if a.MinAPIVersion() == "" {
		t.Fatal("min api version must be set")
	}
	if a.cfg.MarketType != core.MarketLinear || a.cfg.PositionMode != core.PositionOneWay {
		t.Fatalf("defaults = %+v", a.cfg)
	}
}

func TestCreateOrderFailsFastWhenPaused(t *testing.T) {
	cfg := testConfig()
	cfg.Supervisor = gateway.SupervisorConfig{FailureThreshold: 1}
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.Supervisor().RecordFailure(core.ErrExchangeUnavailable)

	_, err = a.CreateOrder(context.Background(), core.Order{
		ID: "btcusdt-1", Symbol: "BTCUSDT", Type: core.TypeMarket,
		Side: core.SideBuy, Quantity: 1,
	})
	if !errors.Is(err, core.ErrExchangeUnavailable) {
		t.Fatalf("err = %v, want fail-fast ErrExchangeUnavailable", err)
	}
}

func TestCreateOrderRejectsUnsupportedType(t *testing.T) {
	a, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = a.CreateOrder(context.Background(), core.Order{
		ID: "btcusdt-1", Symbol: "BTCUSDT", Type: "STOP_MARKET",
		Side: core.SideBuy, Quantity: 1,
	})
	if !errors.Is(err, core.ErrUnsupportedOperation) {
		t.Fatalf("err = %v, want ErrUnsupportedOperation", err)
	}
}

func TestApplyPositionParamsOneWay(t *testing.T) {
	a, _ := New(testConfig(), nil)

	params := map[string]string{}
	a.applyPositionParams(params, core.Order{Side: core.SideSell, ReduceOnly: true})
	if params["reduceOnly"] != "true" {
		t.Fatalf("params = %v, want reduceOnly", params)
	}
	if _, ok := params["positionSide"]; ok {
		t.Fatal("one-way must not send positionSide")
	}

	params = map[string]string{}
	a.applyPositionParams(params, core.Order{Side: core.SideBuy})
	if len(params) != 0 {
		t.Fatalf("plain open order added %v", params)
	}
}

func TestApplyPositionParamsHedge(t *testing.T) {
	cfg := testConfig()
	cfg.PositionMode = core.PositionHedge
	a, _ := New(cfg, nil)

	cases := []struct {
		side       core.Side
		reduceOnly bool
		want       string
	}{
		{core.SideBuy, false, "LONG"},   // 开多
		{core.SideSell, true, "LONG"},   // 平多
		{core.SideSell, false, "SHORT"}, // 开空
		{core.SideBuy, true, "SHORT"},   // 平空
	}
	for _, c := range cases {
		params := map[string]string{}
		a.applyPositionParams(params, core.Order{Side: c.side, ReduceOnly: c.reduceOnly})
		if params["positionSide"] != c.want {
			t.Fatalf("side=%s reduceOnly=%v: positionSide = %q, want %q",
				c.side, c.reduceOnly, params["positionSide"], c.want)
		}
		if _, ok := params["reduceOnly"]; ok {
			t.Fatal("hedge mode must not send reduceOnly")
		}
	}
}

func TestSymbolForOrder(t *testing.T) {
	a, _ := New(testConfig(), nil)
	if got := a.symbolForOrder(context.Background(), "btcusdt-5f2d..uuid"); got != "BTCUSDT" {
		t.Fatalf("symbol = %q", got)
	}
	if got := a.symbolForOrder(context.Background(), "noprefix"); got != "" {
		t.Fatalf("symbol = %q, want empty for unparseable id", got)
	}
}

func TestStreamMarketDataRejectsUnknownTimeframe(t *testing.T) {
	a, _ := New(testConfig(), nil)
	_, err := a.StreamMarketData(context.Background(), "BTCUSDT", "7m")
	if !errors.Is(err, core.ErrUnsupportedOperation) {
		t.Fatalf("err = %v, want ErrUnsupportedOperation", err)
	}
}

func TestParseUserMessageUnknownEventDropped(t *testing.T) {
	if evs := parseUserMessage([]byte(`{"e":"MARGIN_CALL","x":1}`)); evs != nil {
		t.Fatalf("unknown event produced %v", evs)
	}
	if evs := parseUserMessage([]byte(`not json`)); evs != nil {
		t.Fatalf("garbage produced %v", evs)
	}
}

func TestParseUserMessageAccountUpdate(t *testing.T) {
	raw := []byte(`{"e":"ACCOUNT_UPDATE","a":{"B":[{"a":"USDT","wb":"100"}],"P":[{"s":"BTCUSDT","pa":"1","ep":"50000","up":"0"}]}}`)
	evs := parseUserMessage(raw)
	if len(evs) != 2 {
		t.Fatalf("events = %d, want balance + position", len(evs))
	}
	if evs[0].Kind != gateway.AccountEventBalance || evs[1].Kind != gateway.AccountEventPosition {
		t.Fatalf("kinds = %s/%s", evs[0].Kind, evs[1].Kind)
	}
}
