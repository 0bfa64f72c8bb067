package core

import "time"

// Position 某交易所上某交易对的净仓位。Size 为带符号数量（正多负空），
// EntryPrice 为加权平均建仓价。仓位只通过成交（Trade）变化，
// 数量归零时整个仓位清零销毁。
// TradeIDs 只保存成交 ID 反向引用，不持有对象指针。
type Position struct {
	Exchange      string
	Symbol        string
	Size          float64
	EntryPrice    float64
	UnrealizedPnL float64
	MarginUsed    float64
	Leverage      float64
	TradeIDs      []string
	UpdatedAt     time.Time
}

// Flat reports whether the position is closed.
func (p Position) Flat() bool { return p.Size == 0 }

// Balance 单一资产余额。
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total 可用+冻结。
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Portfolio is the merged view over every adapter: per-asset balances, all
// open positions tagged by exchange, and the USD-equivalent total. It is
// recomputed on every balance/position update and never persisted here.
type Portfolio struct {
	Balances      map[string]Balance
	Positions     []Position
	TotalValueUSD float64
	UpdatedAt     time.Time
}

// NewPortfolio returns an empty portfolio.
func NewPortfolio() Portfolio {
	return Portfolio{Balances: make(map[string]Balance)}
}
