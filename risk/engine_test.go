package risk

import (
	"context"
	"testing"
	"time"

	"trading-engine-go/core"
)

type capturePlacer struct {
	orders []core.Order
	err    error
}

func (p *capturePlacer) Place(_ context.Context, o core.Order) (core.Order, error) {
	if p.err != nil {
		return core.Order{}, p.err
	}
	p.orders = append(p.orders, o)
	o.Status = core.StatusFilled
	return o, nil
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func longPos(size, entry float64) core.Position {
	return core.Position{Exchange: "binance", Symbol: "BTCUSDT", Size: size, EntryPrice: entry}
}

func TestStopLossTriggersReduceOnlyMarketClose(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{StopLossPct: 2}, p, nil)

	// 100 -> 98.5：-1.5%，未触发。
	if rule := e.EvaluatePosition(context.Background(), longPos(1, 100), 98.5); rule != "" {
		t.Fatalf("rule = %q at -1.5%%, want none", rule)
	}
	// 100 -> 97.9：-2.1%，触发。
	rule := e.EvaluatePosition(context.Background(), longPos(1, 100), 97.9)
	if rule != "stop_loss" {
		t.Fatalf("rule = %q, want stop_loss", rule)
	}
	if len(p.orders) != 1 {
		t.Fatalf("placed %d orders, want 1", len(p.orders))
	}
	o := p.orders[0]
	if o.Type != core.TypeMarket || !o.ReduceOnly || o.Side != core.SideSell || o.Quantity != 1 {
		t.Fatalf("close order = %+v", o)
	}
}

func TestStopLossShortSide(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{StopLossPct: 2}, p, nil)
	pos := core.Position{Exchange: "binance", Symbol: "BTCUSDT", Size: -2, EntryPrice: 100}

	// 空头价格上涨是亏损。
	rule := e.EvaluatePosition(context.Background(), pos, 102.5)
	if rule != "stop_loss" {
		t.Fatalf("rule = %q, want stop_loss", rule)
	}
	o := p.orders[0]
	if o.Side != core.SideBuy || o.Quantity != 2 {
		t.Fatalf("short close = %+v, want BUY 2", o)
	}
}

func TestTakeProfit(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{TakeProfitPct: 5}, p, nil)
	if rule := e.EvaluatePosition(context.Background(), longPos(1, 100), 104); rule != "" {
		t.Fatalf("rule = %q at +4%%", rule)
	}
	if rule := e.EvaluatePosition(context.Background(), longPos(1, 100), 105); rule != "take_profit" {
		t.Fatalf("rule = %q, want take_profit", rule)
	}
}

func TestTrailingStopActivationAndRetrace(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{TrailingStopPct: 1, TrailingActivationPct: 2}, p, nil)
	ctx := context.Background()
	pos := longPos(1, 100)

	// 未激活：从 100 跌到 99.5 不触发。
	if rule := e.EvaluatePosition(ctx, pos, 100.5); rule != "" {
		t.Fatalf("premature rule %q", rule)
	}
	if rule := e.EvaluatePosition(ctx, pos, 99.5); rule != "" {
		t.Fatalf("rule = %q before activation", rule)
	}
	// +3% 激活，峰值 103。
	if rule := e.EvaluatePosition(ctx, pos, 103); rule != "" {
		t.Fatalf("rule = %q on activation", rule)
	}
	// 峰值推到 104。
	if rule := e.EvaluatePosition(ctx, pos, 104); rule != "" {
		t.Fatalf("rule = %q on new peak", rule)
	}
	// 回撤 0.5%：不触发。
	if rule := e.EvaluatePosition(ctx, pos, 103.5); rule != "" {
		t.Fatalf("rule = %q at 0.5%% retrace", rule)
	}
	// 回撤超 1%：触发。
	if rule := e.EvaluatePosition(ctx, pos, 102.9); rule != "trailing_stop" {
		t.Fatalf("rule = %q, want trailing_stop", rule)
	}
}

func TestTrailingStopRebasesOnEntryChange(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{TrailingStopPct: 1, TrailingActivationPct: 2}, p, nil)
	ctx := context.Background()

	// 建仓 100，+3% 激活。
	if rule := e.EvaluatePosition(ctx, longPos(1, 100), 103); rule != "" {
		t.Fatalf("rule = %q", rule)
	}
	// 部分成交把 VWAP 推到 102：相对新基准重算，103 只有 +0.98%，
	// 激活态被重置，原峰值作废。
	if rule := e.EvaluatePosition(ctx, longPos(2, 102), 103); rule != "" {
		t.Fatalf("rule = %q after rebase", rule)
	}
	if rule := e.EvaluatePosition(ctx, longPos(2, 102), 102.5); rule != "" {
		t.Fatalf("rule = %q, trail must not fire against stale peak", rule)
	}
}

func TestBreakEven(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{BreakEvenPct: 1}, p, nil)
	ctx := context.Background()
	pos := longPos(1, 100)

	// 未武装时回到建仓价不触发。
	if rule := e.EvaluatePosition(ctx, pos, 99.9); rule != "" {
		t.Fatalf("rule = %q unarmed", rule)
	}
	// +1.5% 武装。
	if rule := e.EvaluatePosition(ctx, pos, 101.5); rule != "" {
		t.Fatalf("rule = %q on arm", rule)
	}
	// 回落到建仓价：离场。
	if rule := e.EvaluatePosition(ctx, pos, 100); rule != "break_even" {
		t.Fatalf("rule = %q, want break_even", rule)
	}
}

func TestMaxDrawdownClosesEverything(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{MaxDrawdownPct: 10}, p, nil)
	ctx := context.Background()
	positions := []core.Position{
		longPos(1, 100),
		{Exchange: "bybit", Symbol: "ETHUSDT", Size: -3, EntryPrice: 3000},
	}

	if rule := e.EvaluateEquity(ctx, 10000, positions); rule != "" {
		t.Fatalf("rule = %q at peak", rule)
	}
	if rule := e.EvaluateEquity(ctx, 9500, positions); rule != "" {
		t.Fatalf("rule = %q at -5%%", rule)
	}
	rule := e.EvaluateEquity(ctx, 8900, positions)
	if rule != "max_drawdown" {
		t.Fatalf("rule = %q, want max_drawdown", rule)
	}
	if len(p.orders) != 2 {
		t.Fatalf("placed %d closes, want 2 (all positions)", len(p.orders))
	}
	// 熔断后同日不再重复触发。
	if rule := e.EvaluateEquity(ctx, 8000, positions); rule != "" {
		t.Fatalf("rule = %q after halt", rule)
	}
}

func TestEquityHaltWaitsForSuccessfulCloses(t *testing.T) {
	p := &capturePlacer{err: core.ErrExchangeUnavailable}
	e := NewEngine(Config{MaxDrawdownPct: 10}, p, nil)
	ctx := context.Background()
	positions := []core.Position{longPos(1, 100)}

	if rule := e.EvaluateEquity(ctx, 10000, positions); rule != "" {
		t.Fatalf("rule = %q at peak", rule)
	}
	// 交易所不可用：规则触发但平仓下不去，不得进入熔断挂起。
	if rule := e.EvaluateEquity(ctx, 8500, positions); rule != "max_drawdown" {
		t.Fatalf("rule = %q, want max_drawdown", rule)
	}
	if len(p.orders) != 0 {
		t.Fatalf("placed %d orders while unavailable, want 0", len(p.orders))
	}

	// 恢复后下个评估周期重新触发并完成全平。
	p.err = nil
	if rule := e.EvaluateEquity(ctx, 8500, positions); rule != "max_drawdown" {
		t.Fatal("rule must re-trigger until closes succeed")
	}
	if len(p.orders) != 1 {
		t.Fatalf("placed %d closes after recovery, want 1", len(p.orders))
	}
	// 全平成功后当日不再评估。
	if rule := e.EvaluateEquity(ctx, 8000, positions); rule != "" {
		t.Fatalf("rule = %q after successful halt", rule)
	}
}

func TestDailyLossLimitResetsAtDayBoundary(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{DailyLossLimit: 500}, p, nil)
	clk := &fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e.SetClock(clk)
	ctx := context.Background()
	positions := []core.Position{longPos(1, 100)}

	if rule := e.EvaluateEquity(ctx, 10000, positions); rule != "" {
		t.Fatalf("rule = %q at day open", rule)
	}
	rule := e.EvaluateEquity(ctx, 9400, positions)
	if rule != "daily_loss_limit" {
		t.Fatalf("rule = %q, want daily_loss_limit", rule)
	}

	// 次日以新开盘权益为基准重新计。
	clk.t = clk.t.Add(25 * time.Hour)
	if rule := e.EvaluateEquity(ctx, 9400, positions); rule != "" {
		t.Fatalf("rule = %q after day reset", rule)
	}
	if rule := e.EvaluateEquity(ctx, 9200, positions); rule != "" {
		t.Fatalf("rule = %q, -200 within fresh budget", rule)
	}
}

func TestUnavailableExchangeDefersClose(t *testing.T) {
	p := &capturePlacer{err: core.ErrExchangeUnavailable}
	e := NewEngine(Config{StopLossPct: 2}, p, nil)
	ctx := context.Background()

	// 下单失败不升级：规则仍报告触发，下个周期会重试。
	if rule := e.EvaluatePosition(ctx, longPos(1, 100), 97); rule != "stop_loss" {
		t.Fatalf("rule = %q, want stop_loss", rule)
	}
	if rule := e.EvaluatePosition(ctx, longPos(1, 100), 97); rule != "stop_loss" {
		t.Fatalf("retry rule = %q, want stop_loss again", rule)
	}
}

func TestHotReloadThresholds(t *testing.T) {
	p := &capturePlacer{}
	e := NewEngine(Config{StopLossPct: 5}, p, nil)
	ctx := context.Background()

	if rule := e.EvaluatePosition(ctx, longPos(1, 100), 97); rule != "" {
		t.Fatalf("rule = %q under 5%% threshold", rule)
	}
	e.UpdateConfig(Config{StopLossPct: 2})
	if rule := e.EvaluatePosition(ctx, longPos(1, 100), 97); rule != "stop_loss" {
		t.Fatalf("rule = %q after tightening, want stop_loss", rule)
	}
}
