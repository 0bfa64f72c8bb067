package engine

import (
	"fmt"
	"sync"
	"time"

	"trading-engine-go/core"
)

// TradeRecord 回测成交记录。PnL 为该笔成交带来的已实现盈亏增量，
// 加仓成交为 0。
type TradeRecord struct {
	Ts    time.Time
	Side  core.Side
	Price float64
	Qty   float64
	Fee   float64
	PnL   float64
}

// Report 回测统计收集器。挂在订单更新回调上，按已实现盈亏增量
// 维护资金曲线与回撤。
type Report struct {
	mu             sync.Mutex
	initialBalance float64
	balance        float64
	peak           float64
	maxDrawdown    float64 // 比例，0.05 = 5%
	lastRealized   float64
	trades         []TradeRecord
	wins, losses   int
	start, end     time.Time
}

// NewReport 以初始资金创建收集器。
func NewReport(initialBalance float64) *Report {
	if initialBalance <= 0 {
		initialBalance = 10000
	}
	return &Report{
		initialBalance: initialBalance,
		balance:        initialBalance,
		peak:           initialBalance,
	}
}

// Attach 订阅引擎的订单更新流。必须在 Run 之前调用。
func (r *Report) Attach(e *Engine) {
	e.Orders.OnUpdate(func(o core.Order, tr *core.Trade) {
		if tr == nil {
			return
		}
		realized := e.Agg.Book(o.Exchange).Realized()
		r.record(*tr, realized)
	})
}

func (r *Report) record(tr core.Trade, realizedTotal float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delta := realizedTotal - r.lastRealized
	r.lastRealized = realizedTotal
	r.balance = r.initialBalance + realizedTotal - r.totalFeesLocked() - tr.Fee

	rec := TradeRecord{
		Ts:    tr.Ts,
		Side:  tr.Side,
		Price: tr.Price,
		Qty:   tr.Quantity,
		Fee:   tr.Fee,
		PnL:   delta,
	}
	r.trades = append(r.trades, rec)
	if r.start.IsZero() || tr.Ts.Before(r.start) {
		r.start = tr.Ts
	}
	if tr.Ts.After(r.end) {
		r.end = tr.Ts
	}
	if delta > 0 {
		r.wins++
	} else if delta < 0 {
		r.losses++
	}

	if r.balance > r.peak {
		r.peak = r.balance
	}
	if r.peak > 0 {
		if dd := (r.peak - r.balance) / r.peak; dd > r.maxDrawdown {
			r.maxDrawdown = dd
		}
	}
}

func (r *Report) totalFeesLocked() float64 {
	var sum float64
	for _, t := range r.trades {
		sum += t.Fee
	}
	return sum
}

// Summary 汇总结果。
type Summary struct {
	Start          time.Time
	End            time.Time
	InitialBalance float64
	FinalBalance   float64
	TotalReturnPct float64
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	WinRatePct     float64
	MaxDrawdownPct float64
}

// Summarize 生成当前汇总；可在回测结束后调用。
func (r *Report) Summarize() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		Start:          r.start,
		End:            r.end,
		InitialBalance: r.initialBalance,
		FinalBalance:   r.balance,
		TotalTrades:    len(r.trades),
		WinningTrades:  r.wins,
		LosingTrades:   r.losses,
		MaxDrawdownPct: r.maxDrawdown * 100,
	}
	if r.initialBalance > 0 {
		s.TotalReturnPct = (r.balance - r.initialBalance) / r.initialBalance * 100
	}
	if closed := r.wins + r.losses; closed > 0 {
		s.WinRatePct = float64(r.wins) / float64(closed) * 100
	}
	return s
}

// Trades 成交明细副本。
func (r *Report) Trades() []TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TradeRecord, len(r.trades))
	copy(out, r.trades)
	return out
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"trades=%d winRate=%.1f%% return=%.2f%% maxDD=%.2f%% balance=%.2f->%.2f",
		s.TotalTrades, s.WinRatePct, s.TotalReturnPct, s.MaxDrawdownPct,
		s.InitialBalance, s.FinalBalance)
}
