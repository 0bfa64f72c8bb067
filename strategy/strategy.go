// Package strategy is the registration boundary between user strategies and
// the engine. A strategy declares its hooks in an explicit Hooks struct
// (populated at startup, no reflection) and Register binds them into the
// dispatch engine. The same hooks run unchanged in live, paper and backtest
// sessions.
package strategy

import (
	"trading-engine-go/core"
	"trading-engine-go/dispatch"
)

// Hooks 策略回调集合；nil 字段表示不关心该事件。
type Hooks struct {
	Init   func()
	Deinit func()

	Tick func(core.Tick)
	// Bar 按周期注册；键为空串表示所有周期。
	Bar map[core.Timeframe]func(core.MarketData)

	Order    func(core.Order, *core.Trade)
	Position func(core.Position)
	Account  func([]core.Balance)
	Error    func(error)

	// Custom 自定义事件，按 tag 订阅。
	Custom map[string]func(interface{})
}

// Register 把 hooks 绑进事件引擎。
func Register(e *dispatch.Engine, h Hooks) {
	if h.Init != nil {
		e.OnInit(h.Init)
	}
	if h.Deinit != nil {
		e.OnDeinit(h.Deinit)
	}
	if h.Tick != nil {
		e.OnTick(func(ev dispatch.Event) {
			if ev.Tick != nil {
				h.Tick(*ev.Tick)
			}
		})
	}
	for tf, fn := range h.Bar {
		fn := fn
		e.OnBar(tf, func(ev dispatch.Event) {
			if ev.Bar != nil {
				fn(*ev.Bar)
			}
		})
	}
	if h.Order != nil {
		e.OnOrder(func(ev dispatch.Event) {
			if ev.Order != nil {
				h.Order(*ev.Order, ev.Trade)
			}
		})
	}
	if h.Position != nil {
		e.OnPosition(func(ev dispatch.Event) {
			if ev.Position != nil {
				h.Position(*ev.Position)
			}
		})
	}
	if h.Account != nil {
		e.OnAccount(func(ev dispatch.Event) {
			h.Account(ev.Balances)
		})
	}
	if h.Error != nil {
		e.OnError(func(ev dispatch.Event) {
			h.Error(ev.Err)
		})
	}
	for tag, fn := range h.Custom {
		fn := fn
		e.Subscribe(tag, func(ev dispatch.Event) {
			fn(ev.Payload)
		})
	}
}
