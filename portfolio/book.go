// Package portfolio tracks per-exchange positions and derives the unified
// cross-exchange portfolio view. Derived state only: the aggregate is
// recomputed on every update and never persisted here.
package portfolio

import (
	"sync"
	"time"

	"trading-engine-go/core"
)

// Book 单交易所仓位簿。仓位只通过成交变化：加仓按加权平均建仓价，
// 减仓按建仓价结转已实现盈亏，数量归零即销毁。
type Book struct {
	exchange string
	mu       sync.RWMutex
	pos      map[string]*core.Position
	realized float64
}

func NewBook(exchange string) *Book {
	return &Book{exchange: exchange, pos: make(map[string]*core.Position)}
}

// ApplyTrade 把一笔成交应用到仓位上，返回更新后的仓位快照。
func (b *Book) ApplyTrade(tr core.Trade) core.Position {
	delta := tr.Quantity
	if tr.Side == core.SideSell {
		delta = -delta
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pos[tr.Symbol]
	if !ok {
		p = &core.Position{Exchange: b.exchange, Symbol: tr.Symbol}
		b.pos[tr.Symbol] = p
	}

	switch {
	case p.Size == 0 || (p.Size > 0) == (delta > 0):
		// 开仓或加仓：加权平均建仓价。
		totalValue := p.EntryPrice*p.Size + tr.Price*delta
		p.Size += delta
		if p.Size != 0 {
			p.EntryPrice = totalValue / p.Size
		}
	case absFloat(delta) <= absFloat(p.Size):
		// 减仓：按建仓价结转已实现盈亏，建仓价不变。
		closed := absFloat(delta)
		if p.Size > 0 {
			b.realized += (tr.Price - p.EntryPrice) * closed
		} else {
			b.realized += (p.EntryPrice - tr.Price) * closed
		}
		p.Size += delta
	default:
		// 反手：先平掉全部旧仓，剩余数量按成交价开新仓。
		closed := absFloat(p.Size)
		if p.Size > 0 {
			b.realized += (tr.Price - p.EntryPrice) * closed
		} else {
			b.realized += (p.EntryPrice - tr.Price) * closed
		}
		p.Size += delta
		p.EntryPrice = tr.Price
	}

	p.TradeIDs = append(p.TradeIDs, tr.ID)
	p.UpdatedAt = tr.Ts
	if p.Size == 0 {
		delete(b.pos, tr.Symbol)
		return core.Position{Exchange: b.exchange, Symbol: tr.Symbol, UpdatedAt: tr.Ts}
	}
	return *p
}

// MarkPrice 用最新价重算未实现盈亏。
func (b *Book) MarkPrice(symbol string, price float64) (core.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pos[symbol]
	if !ok {
		return core.Position{}, false
	}
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Size
	p.UpdatedAt = time.Now().UTC()
	return *p, true
}

// SetPosition 用交易所快照覆盖本地仓位（启动同步、ACCOUNT_UPDATE）。
func (b *Book) SetPosition(p core.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Size == 0 {
		delete(b.pos, p.Symbol)
		return
	}
	p.Exchange = b.exchange
	cp := p
	b.pos[p.Symbol] = &cp
}

// Position 返回某交易对仓位快照。
func (b *Book) Position(symbol string) (core.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pos[symbol]
	if !ok {
		return core.Position{}, false
	}
	return *p, true
}

// Positions 返回所有未平仓位快照。
func (b *Book) Positions() []core.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Position, 0, len(b.pos))
	for _, p := range b.pos {
		out = append(out, *p)
	}
	return out
}

// Realized 累计已实现盈亏。
func (b *Book) Realized() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realized
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
