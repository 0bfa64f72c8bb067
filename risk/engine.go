// Package risk evaluates exchange-agnostic protective rules on every
// position/account update and turns threshold breaches into ordinary order
// commands. It never talks to an adapter: a triggered rule becomes a
// reduce-only MARKET close submitted through the normal place path, and
// translating "close position" into native semantics is the adapter's job.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/core"
)

// Config 风控阈值，全部按百分比（2 表示 2%）。0 关闭对应规则。
type Config struct {
	StopLossPct           float64 `yaml:"stopLossPct"`
	TakeProfitPct         float64 `yaml:"takeProfitPct"`
	TrailingStopPct       float64 `yaml:"trailingStopPct"`
	TrailingActivationPct float64 `yaml:"trailingActivationPct"`
	BreakEvenPct          float64 `yaml:"breakEvenPct"`
	MaxDrawdownPct        float64 `yaml:"maxDrawdownPct"`
	DailyLossLimit        float64 `yaml:"dailyLossLimit"` // 计价货币绝对额
}

// Placer 下单入口（order.Manager 满足该接口）。
type Placer interface {
	Place(ctx context.Context, o core.Order) (core.Order, error)
}

// trail 每个仓位的移动止损状态。
// 基准价取评估时刻的加权平均建仓价：部分成交改变 VWAP 时，
// 激活阈值和回撤都相对新基准重算。
type trail struct {
	active    bool
	peak      float64 // 激活后最有利价格
	entryBase float64 // 激活时的 VWAP 建仓价
	beArmed   bool    // break-even 已武装
}

// Engine 规则评估器。评估本身无副作用，唯一输出是订单指令；
// 下单失败（ExchangeUnavailable）不升级，仓位还在，下个评估
// 周期会再次触发同一规则。
type Engine struct {
	cfg    Config
	placer Placer
	log    *zap.Logger
	clock  Clock

	mu         sync.Mutex
	trails     map[string]*trail // exchange|symbol
	peakEquity float64
	dayStart   time.Time
	dayOpenEq  float64
	haltAll    bool // 回撤/日亏触发后的全平状态，当日不再开新评估
}

func NewEngine(cfg Config, placer Placer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		placer: placer,
		log:    log,
		clock:  NowUTC,
		trails: make(map[string]*trail),
	}
}

// SetClock 测试注入。
func (e *Engine) SetClock(c Clock) { e.clock = c }

// UpdateConfig 热更新阈值（config watcher 挂这里）。
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// EvaluatePosition 用最新价评估单个仓位的所有逐仓规则，
// 返回触发的规则名（空串表示未触发）。
func (e *Engine) EvaluatePosition(ctx context.Context, pos core.Position, price float64) string {
	if pos.Size == 0 || pos.EntryPrice <= 0 || price <= 0 {
		e.clearTrail(pos)
		return ""
	}

	// 有利方向的收益率（%）：多头涨为正，空头跌为正。
	gainPct := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Size < 0 {
		gainPct = -gainPct
	}

	e.mu.Lock()
	cfg := e.cfg
	st := e.trailFor(pos)
	rule := e.evaluateLocked(cfg, st, pos, price, gainPct)
	e.mu.Unlock()

	if rule == "" {
		return ""
	}
	e.closePosition(ctx, pos, rule)
	return rule
}

func (e *Engine) evaluateLocked(cfg Config, st *trail, pos core.Position, price, gainPct float64) string {
	if cfg.StopLossPct > 0 && gainPct <= -cfg.StopLossPct {
		return "stop_loss"
	}
	if cfg.TakeProfitPct > 0 && gainPct >= cfg.TakeProfitPct {
		return "take_profit"
	}

	// break-even：浮盈武装后，回落到建仓价即离场。
	if cfg.BreakEvenPct > 0 {
		if gainPct >= cfg.BreakEvenPct {
			st.beArmed = true
		}
		if st.beArmed && gainPct <= 0 {
			return "break_even"
		}
	}

	// trailing stop：浮盈达到激活阈值后跟踪最有利价，
	// 从峰值回撤超过 TrailingStopPct 即离场。
	if cfg.TrailingStopPct > 0 {
		if st.entryBase != pos.EntryPrice {
			// VWAP 变了（部分成交加减仓），相对新基准重算。
			st.entryBase = pos.EntryPrice
			st.active = false
			st.peak = 0
		}
		if !st.active && (cfg.TrailingActivationPct == 0 || gainPct >= cfg.TrailingActivationPct) {
			st.active = true
			st.peak = price
		}
		if st.active {
			if (pos.Size > 0 && price > st.peak) || (pos.Size < 0 && price < st.peak) {
				st.peak = price
			}
			retrace := (st.peak - price) / st.peak * 100
			if pos.Size < 0 {
				retrace = -retrace
			}
			if retrace >= cfg.TrailingStopPct {
				return "trailing_stop"
			}
		}
	}
	return ""
}

// EvaluateEquity 用账户权益评估组合级规则（峰值回撤、日亏损额度）。
// 触发时全平所有给定仓位。
func (e *Engine) EvaluateEquity(ctx context.Context, equity float64, positions []core.Position) string {
	e.mu.Lock()
	now := e.clock.Now()
	if e.dayStart.IsZero() || now.Sub(e.dayStart) >= 24*time.Hour {
		e.dayStart = now.Truncate(24 * time.Hour)
		e.dayOpenEq = equity
		e.haltAll = false
	}
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	cfg := e.cfg
	peak := e.peakEquity
	dayOpen := e.dayOpenEq
	halted := e.haltAll
	e.mu.Unlock()

	if halted {
		return ""
	}
	var rule string
	if cfg.MaxDrawdownPct > 0 && peak > 0 {
		dd := (peak - equity) / peak * 100
		if dd >= cfg.MaxDrawdownPct {
			rule = "max_drawdown"
		}
	}
	if rule == "" && cfg.DailyLossLimit > 0 && dayOpen-equity >= cfg.DailyLossLimit {
		rule = "daily_loss_limit"
	}
	if rule == "" {
		return ""
	}

	// 全部平仓指令下达成功后才进入熔断挂起；交易所不可用时保持评估，
	// 下个周期同一规则会再次触发并重试平仓。
	allClosed := true
	for _, pos := range positions {
		if pos.Size != 0 && !e.closePosition(ctx, pos, rule) {
			allClosed = false
		}
	}
	if allClosed {
		e.mu.Lock()
		e.haltAll = true
		e.mu.Unlock()
	}
	return rule
}

// closePosition 合成平仓指令：市价、reduce-only、数量为当前仓位绝对值。
// 返回指令是否下达成功。
func (e *Engine) closePosition(ctx context.Context, pos core.Position, rule string) bool {
	side := core.SideSell
	qty := pos.Size
	if qty < 0 {
		side = core.SideBuy
		qty = -qty
	}
	o := core.Order{
		Exchange:   pos.Exchange,
		Symbol:     pos.Symbol,
		Type:       core.TypeMarket,
		Side:       side,
		Quantity:   qty,
		ReduceOnly: true,
	}
	e.log.Warn("risk rule triggered",
		zap.String("rule", rule),
		zap.String("exchange", pos.Exchange),
		zap.String("symbol", pos.Symbol),
		zap.Float64("size", pos.Size),
		zap.Float64("entry", pos.EntryPrice))

	if _, err := e.placer.Place(ctx, o); err != nil {
		if errors.Is(err, core.ErrExchangeUnavailable) {
			// 仓位还在，下个评估周期会再触发；不升级。
			e.log.Warn("risk close deferred, exchange unavailable",
				zap.String("symbol", pos.Symbol))
			return false
		}
		e.log.Error("risk close failed",
			zap.String("rule", rule),
			zap.String("symbol", pos.Symbol),
			zap.Error(err))
		return false
	}
	e.clearTrail(pos)
	return true
}

func (e *Engine) trailFor(pos core.Position) *trail {
	key := pos.Exchange + "|" + pos.Symbol
	st, ok := e.trails[key]
	if !ok {
		st = &trail{entryBase: pos.EntryPrice}
		e.trails[key] = st
	}
	return st
}

func (e *Engine) clearTrail(pos core.Position) {
	e.mu.Lock()
	delete(e.trails, pos.Exchange+"|"+pos.Symbol)
	e.mu.Unlock()
}

// String 便于日志输出当前配置。
func (c Config) String() string {
	return fmt.Sprintf("sl=%.2f%% tp=%.2f%% trail=%.2f%%@%.2f%% be=%.2f%% dd=%.2f%% daily=%.2f",
		c.StopLossPct, c.TakeProfitPct, c.TrailingStopPct, c.TrailingActivationPct,
		c.BreakEvenPct, c.MaxDrawdownPct, c.DailyLossLimit)
}
