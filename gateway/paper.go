package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-engine-go/core"
)

// FillModel decides how simulated orders execute against live ticks.
// MARKET orders fill immediately at the last trade price. LIMIT orders fill
// in full at the limit price on the first crossing tick: a buy when price
// drops to or through the limit, a sell when price rises to or through it.
type FillModel struct {
	// FeeRate taker 费率（如 0.0004）；成交金额乘该费率计为手续费。
	FeeRate float64
	// SlippageRate 市价单滑点（买加卖减）。
	SlippageRate float64
}

// TryFill 判断 o 能否在 tick 上成交，返回成交价。
func (m FillModel) TryFill(o core.Order, tick core.Tick) (float64, bool) {
	if o.Symbol != tick.Symbol || tick.Price <= 0 {
		return 0, false
	}
	switch o.Type {
	case core.TypeMarket:
		px := tick.Price
		if o.Side == core.SideBuy {
			px *= 1 + m.SlippageRate
		} else {
			px *= 1 - m.SlippageRate
		}
		return px, true
	case core.TypeLimit:
		if o.Side == core.SideBuy && tick.Price <= o.Price {
			return o.Price, true
		}
		if o.Side == core.SideSell && tick.Price >= o.Price {
			return o.Price, true
		}
	}
	return 0, false
}

// simulator 维护模拟盘的挂单簿并在行情到达时产生成交回报。
// PAPER 和 BACKTEST 共用，保证两种模式成交语义一致。
type simulator struct {
	model  FillModel
	mu     sync.Mutex
	open   map[string]*core.Order
	events chan AccountEvent
}

func newSimulator(model FillModel) *simulator {
	return &simulator{
		model:  model,
		open:   make(map[string]*core.Order),
		events: make(chan AccountEvent, 256),
	}
}

func (s *simulator) create(exchange string, o core.Order) (core.Order, error) {
	if o.Type != core.TypeMarket && o.Type != core.TypeLimit {
		return core.Order{}, fmt.Errorf("paper: order type %q: %w", o.Type, core.ErrUnsupportedOperation)
	}
	if o.Quantity <= 0 {
		return core.Order{}, fmt.Errorf("paper: non-positive quantity: %w", core.ErrInvalidOrderState)
	}
	now := time.Now().UTC()
	o.Exchange = exchange
	o.ExchangeID = "sim-" + uuid.NewString()
	o.Status = core.StatusNew
	o.FilledQty = 0
	o.AvgPrice = 0
	o.UpdatedAt = now
	cp := o
	s.mu.Lock()
	s.open[o.ID] = &cp
	s.mu.Unlock()
	return o, nil
}

func (s *simulator) cancel(id string) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[id]
	if !ok {
		return core.Order{}, fmt.Errorf("paper cancel %s: %w", id, core.ErrUnknownOrder)
	}
	delete(s.open, id)
	o.Status = core.StatusCanceled
	o.UpdatedAt = time.Now().UTC()
	out := *o
	s.emitLocked(AccountEvent{Kind: AccountEventOrder, Exchange: o.Exchange, Order: &out})
	return out, nil
}

func (s *simulator) modify(id string, patch OrderPatch) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[id]
	if !ok {
		return core.Order{}, fmt.Errorf("paper modify %s: %w", id, core.ErrUnknownOrder)
	}
	if patch.Price != nil {
		o.Price = *patch.Price
	}
	if patch.Quantity != nil && *patch.Quantity >= o.FilledQty {
		o.Quantity = *patch.Quantity
	}
	o.UpdatedAt = time.Now().UTC()
	return *o, nil
}

// onTick 用一个 tick 驱动撮合；命中的订单全额成交并发出
// order+trade 回报。
func (s *simulator) onTick(tick core.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.open {
		px, ok := s.model.TryFill(*o, tick)
		if !ok {
			continue
		}
		qty := o.Remaining()
		fee := px * qty * s.model.FeeRate
		o.FilledQty = o.Quantity
		o.AvgPrice = px
		o.Fee += fee
		o.Status = core.StatusFilled
		o.UpdatedAt = tick.Ts
		delete(s.open, id)

		out := *o
		tr := core.Trade{
			ID:       "simfill-" + uuid.NewString(),
			OrderID:  o.ID,
			Exchange: o.Exchange,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Quantity: qty,
			Price:    px,
			Fee:      fee,
			Ts:       tick.Ts,
		}
		s.emitLocked(AccountEvent{Kind: AccountEventOrder, Exchange: o.Exchange, Order: &out, Trade: &tr})
	}
}

func (s *simulator) emitLocked(ev AccountEvent) {
	select {
	case s.events <- ev:
	default:
		// 事件缓冲满时丢最旧的一条，保证撮合永不阻塞。
		select {
		case <-s.events:
		default:
		}
		s.events <- ev
	}
}

// PaperAdapter 包装真实适配器：行情走真实流，下单/撤单/改单被拦截进
// 模拟撮合。策略代码与 LIVE 完全一致。
type PaperAdapter struct {
	inner Adapter
	sim   *simulator
}

func NewPaperAdapter(inner Adapter, model FillModel) *PaperAdapter {
	return &PaperAdapter{inner: inner, sim: newSimulator(model)}
}

func (p *PaperAdapter) Name() string          { return p.inner.Name() }
func (p *PaperAdapter) MinAPIVersion() string { return p.inner.MinAPIVersion() }

func (p *PaperAdapter) Connect(ctx context.Context) error    { return p.inner.Connect(ctx) }
func (p *PaperAdapter) Disconnect(ctx context.Context) error { return p.inner.Disconnect(ctx) }

func (p *PaperAdapter) FetchPortfolio(ctx context.Context) (core.Portfolio, error) {
	return p.inner.FetchPortfolio(ctx)
}

func (p *PaperAdapter) CreateOrder(_ context.Context, o core.Order) (core.Order, error) {
	return p.sim.create(p.inner.Name(), o)
}

func (p *PaperAdapter) CancelOrder(_ context.Context, id string) (core.Order, error) {
	return p.sim.cancel(id)
}

func (p *PaperAdapter) ModifyOrder(_ context.Context, id string, patch OrderPatch) (core.Order, error) {
	return p.sim.modify(id, patch)
}

// StreamMarketData 透传真实 bar，并把每根 bar 的收盘价合成为一个 tick
// 驱动模拟撮合。没订阅 tick 流的标的也能成交；成交后订单即出簿，
// tick 和 bar 双路驱动不会重复成交。
func (p *PaperAdapter) StreamMarketData(ctx context.Context, symbol string, tf core.Timeframe) (<-chan core.MarketData, error) {
	in, err := p.inner.StreamMarketData(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}
	out := make(chan core.MarketData, 64)
	go func() {
		defer close(out)
		for bar := range in {
			p.sim.onTick(core.Tick{
				Exchange: bar.Exchange,
				Symbol:   bar.Symbol,
				Price:    bar.Close,
				Qty:      bar.Volume,
				Ts:       bar.Ts,
			})
			select {
			case out <- bar:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamTicks 透传真实 tick，同时用它驱动模拟撮合。
func (p *PaperAdapter) StreamTicks(ctx context.Context, symbol string) (<-chan core.Tick, error) {
	in, err := p.inner.StreamTicks(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(chan core.Tick, 256)
	go func() {
		defer close(out)
		for tick := range in {
			p.sim.onTick(tick)
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamAccountEvents 只返回模拟回报；真实账户流在 PAPER 模式下无意义。
func (p *PaperAdapter) StreamAccountEvents(ctx context.Context) (<-chan AccountEvent, error) {
	out := make(chan AccountEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-p.sim.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
