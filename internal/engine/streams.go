package engine

import (
	"context"

	"go.uber.org/zap"

	"trading-engine-go/config"
	"trading-engine-go/core"
	"trading-engine-go/dispatch"
	"trading-engine-go/gateway"
)

// startStreams 按 symbols 配置启动该适配器的行情/账户流，并桥接进
// 事件引擎。回测模式下 symbols 配置为空时退回 backtest 段。
func (e *Engine) startStreams(ctx context.Context, name string, a gateway.Adapter) error {
	symbols := e.cfg.Symbols
	if e.mode == ModeBacktest {
		tf := e.cfg.Backtest.Timeframe
		if tf == "" {
			tf = core.TF1m
		}
		symbols = map[string]config.SymbolConfig{
			e.cfg.Backtest.Symbol: {Timeframes: []core.Timeframe{tf}},
		}
	}

	for sym, sc := range symbols {
		for _, tf := range sc.Timeframes {
			bars, err := a.StreamMarketData(ctx, sym, tf)
			if err != nil {
				return err
			}
			e.mdWG.Add(1)
			go e.bridgeBars(ctx, bars)
		}
		if sc.Ticks {
			ticks, err := a.StreamTicks(ctx, sym)
			if err != nil {
				return err
			}
			e.mdWG.Add(1)
			go e.bridgeTicks(ctx, name, ticks)
		}
	}

	events, err := a.StreamAccountEvents(ctx)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go e.bridgeAccount(name, events)
	return nil
}

func (e *Engine) bridgeBars(ctx context.Context, bars <-chan core.MarketData) {
	defer e.mdWG.Done()
	for bar := range bars {
		bar := bar
		if bar.Discontinuity {
			e.log.Warn("market data gap",
				zap.String("exchange", bar.Exchange),
				zap.String("symbol", bar.Symbol),
				zap.String("timeframe", string(bar.Timeframe)))
		}
		e.Agg.UpdatePrice(bar.Symbol, bar.Close)
		e.Dispatch.Publish(dispatch.Event{
			Type:     dispatch.EventBar,
			Exchange: bar.Exchange,
			Symbol:   bar.Symbol,
			Ts:       bar.Ts,
			Bar:      &bar,
		})
		if e.met != nil {
			e.met.QueueDepth.WithLabelValues(bar.Exchange, bar.Symbol).
				Set(float64(e.Dispatch.QueueDepth(bar.Exchange, bar.Symbol)))
		}
		// 回测里 bar 收盘价即评估价。
		e.evaluateRisk(ctx, bar.Exchange, bar.Symbol, bar.Close)
	}
}

func (e *Engine) bridgeTicks(ctx context.Context, exchange string, ticks <-chan core.Tick) {
	defer e.mdWG.Done()
	for tick := range ticks {
		tick := tick
		e.Agg.UpdatePrice(tick.Symbol, tick.Price)
		e.Dispatch.Publish(dispatch.Event{
			Type:     dispatch.EventTick,
			Exchange: tick.Exchange,
			Symbol:   tick.Symbol,
			Ts:       tick.Ts,
			Tick:     &tick,
		})
		if e.met != nil {
			e.met.QueueDepth.WithLabelValues(exchange, tick.Symbol).
				Set(float64(e.Dispatch.QueueDepth(exchange, tick.Symbol)))
		}
		e.evaluateRisk(ctx, exchange, tick.Symbol, tick.Price)
	}
}

func (e *Engine) evaluateRisk(ctx context.Context, exchange, symbol string, price float64) {
	pos, ok := e.Agg.Book(exchange).Position(symbol)
	if !ok {
		return
	}
	if rule := e.Risk.EvaluatePosition(ctx, pos, price); rule != "" {
		if e.met != nil {
			e.met.RiskTriggers.WithLabelValues(rule).Inc()
		}
		e.Dispatch.PublishCustom("risk", map[string]interface{}{
			"rule":     rule,
			"exchange": exchange,
			"symbol":   symbol,
			"price":    price,
		})
	}
}

func (e *Engine) bridgeAccount(exchange string, events <-chan gateway.AccountEvent) {
	defer e.wg.Done()
	for ev := range events {
		switch ev.Kind {
		case gateway.AccountEventOrder:
			// 成交先于订单快照：让成交推进 FilledQty 并到达监听器，
			// 随后的快照只推进状态，不会把同一笔成交再记一次。
			if ev.Trade != nil {
				if err := e.Orders.ApplyTrade(*ev.Trade); err != nil {
					e.log.Debug("unmatched trade",
						zap.String("orderId", ev.Trade.OrderID), zap.Error(err))
				}
			}
			if ev.Order != nil {
				if err := e.Orders.ApplyUpdate(*ev.Order); err != nil {
					e.log.Debug("unmatched order update",
						zap.String("orderId", ev.Order.ID), zap.Error(err))
				}
			}
		case gateway.AccountEventPosition:
			if ev.Position != nil {
				e.Agg.Book(exchange).SetPosition(*ev.Position)
				pos := *ev.Position
				e.Dispatch.Publish(dispatch.Event{
					Type:     dispatch.EventPosition,
					Exchange: exchange,
					Symbol:   pos.Symbol,
					Ts:       pos.UpdatedAt,
					Position: &pos,
				})
				e.Agg.Notify()
			}
		case gateway.AccountEventBalance:
			e.Agg.UpdateBalances(exchange, ev.Balances)
			e.Dispatch.Publish(dispatch.Event{
				Type:     dispatch.EventAccount,
				Exchange: exchange,
				Balances: ev.Balances,
			})
		}
	}
}
