package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"trading-engine-go/core"
	"trading-engine-go/gateway"
)

// fakeAdapter 记录下发的指令并按脚本返回。
type fakeAdapter struct {
	name      string
	created   []core.Order
	canceled  []string
	createErr error
	cancelErr error
	ackStatus core.Status
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) MinAPIVersion() string { return "v1" }

func (f *fakeAdapter) Connect(context.Context) error    { return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { return nil }

func (f *fakeAdapter) FetchPortfolio(context.Context) (core.Portfolio, error) {
	return core.NewPortfolio(), nil
}

func (f *fakeAdapter) CreateOrder(_ context.Context, o core.Order) (core.Order, error) {
	f.created = append(f.created, o)
	if f.createErr != nil {
		return core.Order{}, f.createErr
	}
	o.ExchangeID = fmt.Sprintf("ex-%d", len(f.created))
	st := f.ackStatus
	if st == "" {
		st = core.StatusNew
	}
	o.Status = st
	o.UpdatedAt = time.Now().UTC()
	return o, nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, id string) (core.Order, error) {
	f.canceled = append(f.canceled, id)
	if f.cancelErr != nil {
		return core.Order{}, f.cancelErr
	}
	return core.Order{ID: id, Status: core.StatusCanceled, UpdatedAt: time.Now().UTC()}, nil
}

func (f *fakeAdapter) ModifyOrder(_ context.Context, id string, patch gateway.OrderPatch) (core.Order, error) {
	o := core.Order{ID: id, Status: core.StatusNew, UpdatedAt: time.Now().UTC()}
	if patch.Price != nil {
		o.Price = *patch.Price
	}
	return o, nil
}

func (f *fakeAdapter) StreamMarketData(context.Context, string, core.Timeframe) (<-chan core.MarketData, error) {
	return nil, core.ErrUnsupportedOperation
}

func (f *fakeAdapter) StreamTicks(context.Context, string) (<-chan core.Tick, error) {
	return nil, core.ErrUnsupportedOperation
}

func (f *fakeAdapter) StreamAccountEvents(context.Context) (<-chan gateway.AccountEvent, error) {
	return nil, core.ErrUnsupportedOperation
}

func newTestManager(fa *fakeAdapter) *Manager {
	m := NewManager(nil)
	m.RegisterAdapter(fa)
	return m
}

func limitOrder(exchange string) core.Order {
	return core.Order{
		ID:       NewID("BTCUSDT"),
		Exchange: exchange,
		Symbol:   "BTCUSDT",
		Type:     core.TypeLimit,
		Side:     core.SideBuy,
		Quantity: 2,
		Price:    50000,
	}
}

func TestPlaceAssignsStateAndForwards(t *testing.T) {
	fa := &fakeAdapter{name: "binance"}
	m := newTestManager(fa)

	o, err := m.Place(context.Background(), limitOrder("binance"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != core.StatusNew {
		t.Fatalf("status = %s, want NEW", o.Status)
	}
	if o.ExchangeID == "" {
		t.Fatal("exchange id should be set from ack")
	}
	if len(fa.created) != 1 {
		t.Fatalf("adapter got %d creates, want 1", len(fa.created))
	}
}

func TestPlaceIdempotentDedup(t *testing.T) {
	fa := &fakeAdapter{name: "binance"}
	m := newTestManager(fa)

	o := limitOrder("binance")
	first, err := m.Place(context.Background(), o)
	if err != nil {
		t.Fatalf("first place: %v", err)
	}
	// 同一引擎 ID 重试：不得产生第二笔在场订单。
	second, err := m.Place(context.Background(), o)
	if err != nil {
		t.Fatalf("retry place: %v", err)
	}
	if len(fa.created) != 1 {
		t.Fatalf("adapter got %d creates after retry, want 1", len(fa.created))
	}
	if second.ExchangeID != first.ExchangeID {
		t.Fatalf("retry returned a different order: %q vs %q", second.ExchangeID, first.ExchangeID)
	}
}

func TestPlaceRejectedOnAdapterError(t *testing.T) {
	fa := &fakeAdapter{name: "binance", createErr: core.ErrExchangeUnavailable}
	m := newTestManager(fa)

	_, err := m.Place(context.Background(), limitOrder("binance"))
	if !errors.Is(err, core.ErrExchangeUnavailable) {
		t.Fatalf("err = %v, want ErrExchangeUnavailable", err)
	}
	open := m.Open()
	if len(open) != 0 {
		t.Fatalf("rejected order must not stay open, got %d", len(open))
	}
}

func TestPlaceTimeoutKeepsOrderForReconcile(t *testing.T) {
	fa := &fakeAdapter{name: "binance", createErr: fmt.Errorf("call: %w", core.ErrTimeout)}
	m := newTestManager(fa)

	o := limitOrder("binance")
	_, err := m.Place(context.Background(), o)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// 结果不确定：订单保留，等待晚到回报。
	got, ok := m.Get(o.ID)
	if !ok {
		t.Fatal("timed-out order must be retained")
	}
	if got.Status != core.StatusNew {
		t.Fatalf("status = %s, want NEW pending reconcile", got.Status)
	}

	// 晚到的交易所回报以交易所为准，订单重新进入正常生命周期。
	ack := got
	ack.ExchangeID = "late-1"
	ack.Status = core.StatusPartial
	ack.FilledQty = 1
	ack.AvgPrice = 49990
	if err := m.ApplyUpdate(ack); err != nil {
		t.Fatalf("late ack: %v", err)
	}
	got, _ = m.Get(o.ID)
	if got.Status != core.StatusPartial || got.ExchangeID != "late-1" {
		t.Fatalf("late ack not applied: %+v", got)
	}
	if got.FilledQty != 1 {
		t.Fatalf("filled = %v, want 1", got.FilledQty)
	}
}

func TestExpireNeverAckedOrder(t *testing.T) {
	fa := &fakeAdapter{name: "binance", createErr: fmt.Errorf("call: %w", core.ErrTimeout)}
	m := newTestManager(fa)

	o := limitOrder("binance")
	_, _ = m.Place(context.Background(), o)

	if m.Expire(o.ID, time.Hour) {
		t.Fatal("order younger than olderThan must not expire")
	}
	if !m.Expire(o.ID, 0) {
		t.Fatal("timed-out order should expire")
	}
	got, _ := m.Get(o.ID)
	if got.Status != core.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
}

func TestApplyTradeAccumulatesAndClamps(t *testing.T) {
	fa := &fakeAdapter{name: "binance"}
	m := newTestManager(fa)

	o := limitOrder("binance") // qty 2
	placed, err := m.Place(context.Background(), o)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	mk := func(qty, px float64) core.Trade {
		return core.Trade{
			ID: NewID("t"), OrderID: placed.ID, Exchange: "binance",
			Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: qty, Price: px, Ts: time.Now().UTC(),
		}
	}
	if err := m.ApplyTrade(mk(1, 50000)); err != nil {
		t.Fatalf("trade 1: %v", err)
	}
	got, _ := m.Get(placed.ID)
	if got.Status != core.StatusPartial || got.FilledQty != 1 {
		t.Fatalf("after first fill: %+v", got)
	}

	// 超量回报：截断到订单数量。
	if err := m.ApplyTrade(mk(5, 50200)); err != nil {
		t.Fatalf("trade 2: %v", err)
	}
	got, _ = m.Get(placed.ID)
	if got.FilledQty != got.Quantity {
		t.Fatalf("filled %v > requested %v", got.FilledQty, got.Quantity)
	}
	if got.Status != core.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	wantAvg := (1*50000.0 + 1*50200.0) / 2
	if got.AvgPrice != wantAvg {
		t.Fatalf("avg = %v, want %v", got.AvgPrice, wantAvg)
	}
}

func TestCancelTerminalOrderFailsFast(t *testing.T) {
	fa := &fakeAdapter{name: "binance", ackStatus: core.StatusFilled}
	m := newTestManager(fa)

	placed, err := m.Place(context.Background(), limitOrder("binance"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	_, err = m.Cancel(context.Background(), placed.ID)
	if !errors.Is(err, core.ErrInvalidOrderState) {
		t.Fatalf("cancel filled order: err = %v, want ErrInvalidOrderState", err)
	}
	if len(fa.canceled) != 0 {
		t.Fatal("terminal cancel must not contact the adapter")
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	m := newTestManager(&fakeAdapter{name: "binance"})
	_, err := m.Cancel(context.Background(), "nope")
	if !errors.Is(err, core.ErrUnknownOrder) {
		t.Fatalf("err = %v, want ErrUnknownOrder", err)
	}
}

func TestIllegalUpdateRejected(t *testing.T) {
	fa := &fakeAdapter{name: "binance", ackStatus: core.StatusFilled}
	m := newTestManager(fa)

	placed, err := m.Place(context.Background(), limitOrder("binance"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	// FILLED 之后的 NEW 快照（乱序回报）必须被拒。
	back := placed
	back.Status = core.StatusNew
	if err := m.ApplyUpdate(back); !errors.Is(err, core.ErrInvalidOrderState) {
		t.Fatalf("err = %v, want ErrInvalidOrderState", err)
	}
	got, _ := m.Get(placed.ID)
	if got.Status != core.StatusFilled {
		t.Fatalf("status regressed to %s", got.Status)
	}
}

func TestListenersSeeEveryTransition(t *testing.T) {
	fa := &fakeAdapter{name: "binance"}
	m := newTestManager(fa)

	var seen []core.Status
	m.OnUpdate(func(o core.Order, _ *core.Trade) {
		seen = append(seen, o.Status)
	})

	placed, _ := m.Place(context.Background(), limitOrder("binance"))
	_ = m.ApplyTrade(core.Trade{
		ID: "t1", OrderID: placed.ID, Exchange: "binance", Symbol: "BTCUSDT",
		Side: core.SideBuy, Quantity: 2, Price: 50000, Ts: time.Now().UTC(),
	})
	if len(seen) < 2 {
		t.Fatalf("listener saw %d updates, want >=2", len(seen))
	}
	if seen[len(seen)-1] != core.StatusFilled {
		t.Fatalf("last status = %s, want FILLED", seen[len(seen)-1])
	}
}
