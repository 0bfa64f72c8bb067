// Package engine composes the whole trading stack: adapters, order
// lifecycle manager, dispatch, risk and portfolio aggregation, under one
// trading mode fixed for the session.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"trading-engine-go/config"
	"trading-engine-go/core"
	"trading-engine-go/dispatch"
	"trading-engine-go/gateway"
	"trading-engine-go/gateway/binance"
	"trading-engine-go/metrics"
	"trading-engine-go/order"
	"trading-engine-go/portfolio"
	"trading-engine-go/risk"
)

// Mode 会话交易模式，启动时确定，会话期间不可变。
type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// ParseMode 解析模式串。
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeLive:
		return ModeLive, nil
	case ModePaper:
		return ModePaper, nil
	case ModeBacktest:
		return ModeBacktest, nil
	}
	return "", fmt.Errorf("unknown mode %q: %w", s, core.ErrConfiguration)
}

// supervised 暴露韧性状态机的适配器（真实交易所适配器都实现）。
type supervised interface {
	Supervisor() *gateway.Supervisor
}

// Engine 统一交易引擎。策略代码只接触 Dispatch 和下单三个方法，
// 与会话模式无关。
type Engine struct {
	cfg      config.AppConfig
	mode     Mode
	log      *zap.Logger
	met      *metrics.Engine
	Dispatch *dispatch.Engine
	Orders   *order.Manager
	Risk     *risk.Engine
	Agg      *portfolio.Aggregator

	mu       sync.Mutex
	adapters map[string]gateway.Adapter
	mdWG     sync.WaitGroup // 行情流桥接
	wg       sync.WaitGroup // 账户流桥接
	cancel   context.CancelFunc
}

// New 按配置与模式构建引擎，未连接。
func New(cfg config.AppConfig, log *zap.Logger, met *metrics.Engine) (*Engine, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		mode:     mode,
		log:      log,
		met:      met,
		Dispatch: dispatch.NewEngine(log),
		Orders:   order.NewManager(log),
		Agg:      portfolio.NewAggregator(),
		adapters: make(map[string]gateway.Adapter),
	}
	e.Risk = risk.NewEngine(cfg.Risk, e.Orders, log)

	if err := e.buildAdapters(); err != nil {
		return nil, err
	}
	e.wire()
	return e, nil
}

// Mode 当前会话模式。
func (e *Engine) Mode() Mode { return e.mode }

// buildAdapters 按模式装配适配器：LIVE 直连，PAPER 真实行情 + 模拟
// 撮合，BACKTEST 历史回放 + 同一撮合模型。
func (e *Engine) buildAdapters() error {
	fill := gateway.FillModel{
		FeeRate:      e.cfg.Fill.FeeRate,
		SlippageRate: e.cfg.Fill.SlippageRate,
	}

	if e.mode == ModeBacktest {
		bt := e.cfg.Backtest
		exchange := bt.Exchange
		if exchange == "" {
			exchange = "replay"
		}
		src := gateway.CSVSource{Path: bt.DataFile, Exchange: exchange}
		a := gateway.NewReplayAdapter(exchange, src, fill, bt.Speed)
		e.adapters[exchange] = a
		e.Orders.RegisterAdapter(a)
		return nil
	}

	for name, ec := range e.cfg.Exchanges {
		real, err := e.buildRealAdapter(name, ec)
		if err != nil {
			return err
		}
		var a gateway.Adapter = real
		if e.mode == ModePaper {
			a = gateway.NewPaperAdapter(real, fill)
		}
		e.adapters[name] = a
		e.Orders.RegisterAdapter(a)
	}
	return nil
}

func (e *Engine) buildRealAdapter(name string, ec config.ExchangeConfig) (gateway.Adapter, error) {
	switch strings.ToLower(name) {
	case "binance":
		key, secret := ec.Credentials()
		sup := gateway.DefaultSupervisorConfig()
		if ec.FailureThreshold > 0 {
			sup.FailureThreshold = ec.FailureThreshold
		}
		if ec.MaxRetries > 0 {
			sup.MaxRetries = ec.MaxRetries
		}
		return binance.New(binance.Config{
			APIKey:       key,
			APISecret:    secret,
			RESTEndpoint: ec.RESTEndpoint,
			WSEndpoint:   ec.WSEndpoint,
			MarketType:   ec.MarketType,
			MarginMode:   ec.MarginMode,
			PositionMode: ec.PositionMode,
			WeightBudget: ec.WeightBudget,
			Supervisor:   sup,
		}, e.log)
	}
	return nil, fmt.Errorf("no adapter for exchange %q: %w", name, core.ErrConfiguration)
}

// wire 把订单事件、仓位更新、风控评估接到事件引擎上。
func (e *Engine) wire() {
	e.Orders.OnUpdate(func(o core.Order, tr *core.Trade) {
		ev := dispatch.Event{
			Type:     dispatch.EventOrder,
			Exchange: o.Exchange,
			Symbol:   o.Symbol,
			Ts:       o.UpdatedAt,
			Order:    &o,
			Trade:    tr,
		}
		e.Dispatch.Publish(ev)
		if e.met != nil {
			switch o.Status {
			case core.StatusFilled:
				e.met.OrdersFilled.WithLabelValues(o.Exchange, o.Symbol).Inc()
			case core.StatusRejected:
				e.met.OrdersRejected.WithLabelValues(o.Exchange, o.Symbol).Inc()
			}
			e.met.OpenOrders.Set(float64(len(e.Orders.Open())))
		}

		if tr != nil {
			pos := e.Agg.Book(o.Exchange).ApplyTrade(*tr)
			e.Dispatch.Publish(dispatch.Event{
				Type:     dispatch.EventPosition,
				Exchange: o.Exchange,
				Symbol:   o.Symbol,
				Ts:       tr.Ts,
				Position: &pos,
			})
			e.Agg.Notify()
		}
	})

	e.Agg.OnUpdate(func(p core.Portfolio) {
		if e.met != nil {
			e.met.EquityUSD.Set(p.TotalValueUSD)
		}
		if p.TotalValueUSD > 0 {
			e.Risk.EvaluateEquity(context.Background(), p.TotalValueUSD, p.Positions)
		}
	})
}

// Run 连接所有适配器并启动流；阻塞直到 ctx 取消或（回测）数据耗尽。
// 回测自然结束返回 nil，外部取消返回 ctx 的错误。
func (e *Engine) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	for name, a := range e.adapters {
		if err := a.Connect(ctx); err != nil {
			cancel()
			return fmt.Errorf("connect %s: %w", name, err)
		}
		if s, ok := a.(supervised); ok {
			name := name
			s.Supervisor().OnStateChange(func(exchange string, from, to gateway.ConnState) {
				e.Dispatch.Publish(dispatch.Event{
					Type:     dispatch.EventConnectivity,
					Exchange: exchange,
					Connectivity: &dispatch.ConnectivityChange{
						Exchange: exchange, From: from, To: to,
					},
				})
				if e.met != nil {
					e.met.ConnState.WithLabelValues(name).Set(connStateValue(to))
				}
			})
		}
		if err := e.startStreams(ctx, name, a); err != nil {
			cancel()
			return err
		}
	}

	e.Dispatch.Start()
	// 回测数据耗尽后取消 ctx，让账户流排空并收尾；live/paper 下
	// 行情流只会因 ctx 取消而结束，这里不改变语义。
	go func() {
		e.mdWG.Wait()
		cancel()
	}()
	e.mdWG.Wait()
	e.wg.Wait()
	e.Dispatch.Stop()
	for name, a := range e.adapters {
		if err := a.Disconnect(context.Background()); err != nil {
			e.log.Warn("disconnect failed", zap.String("exchange", name), zap.Error(err))
		}
	}
	return parent.Err()
}

// Place 策略下单入口（经过生命周期管理器，计入指标）。
func (e *Engine) Place(ctx context.Context, o core.Order) (core.Order, error) {
	out, err := e.Orders.Place(ctx, o)
	if err == nil && e.met != nil {
		e.met.OrdersPlaced.WithLabelValues(out.Exchange, out.Symbol).Inc()
	}
	return out, err
}

// Cancel 撤单入口。
func (e *Engine) Cancel(ctx context.Context, id string) (core.Order, error) {
	return e.Orders.Cancel(ctx, id)
}

// Modify 改单入口。
func (e *Engine) Modify(ctx context.Context, id string, patch gateway.OrderPatch) (core.Order, error) {
	return e.Orders.Modify(ctx, id, patch)
}

// ApplyRiskConfig 风控阈值热更新（config.Watcher 挂这里）。
func (e *Engine) ApplyRiskConfig(cfg config.AppConfig) {
	e.Risk.UpdateConfig(cfg.Risk)
	e.log.Info("risk config applied", zap.String("risk", cfg.Risk.String()))
}

// Stop 结束会话。
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
}

func connStateValue(s gateway.ConnState) float64 {
	switch s {
	case gateway.StateConnected:
		return 0
	case gateway.StateDegraded:
		return 1
	case gateway.StatePaused:
		return 2
	case gateway.StateReconnecting:
		return 3
	}
	return -1
}
