package portfolio

import (
	"strings"
	"sync"
	"time"

	"trading-engine-go/core"
)

// 估值时视为 1 USD 的稳定币。
var stableAssets = map[string]bool{
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"USD":  true,
}

// Aggregator 把各适配器的余额/仓位合并成统一 Portfolio 视图。
// 只读派生状态：每次更新重算，绝不是事实来源。快照在短读锁下取，
// 任何锁都不跨网络调用持有。
type Aggregator struct {
	mu       sync.RWMutex
	books    map[string]*Book
	balances map[string]map[string]core.Balance // exchange -> asset -> balance
	prices   map[string]float64                 // symbol -> last price
	onUpdate []func(core.Portfolio)
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		books:    make(map[string]*Book),
		balances: make(map[string]map[string]core.Balance),
		prices:   make(map[string]float64),
	}
}

// Book 返回（必要时创建）某交易所的仓位簿。
func (a *Aggregator) Book(exchange string) *Book {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[exchange]
	if !ok {
		b = NewBook(exchange)
		a.books[exchange] = b
	}
	return b
}

// OnUpdate 注册重算后的回调。
func (a *Aggregator) OnUpdate(fn func(core.Portfolio)) {
	a.mu.Lock()
	a.onUpdate = append(a.onUpdate, fn)
	a.mu.Unlock()
}

// UpdateBalances 覆盖某交易所的余额并重算。
func (a *Aggregator) UpdateBalances(exchange string, balances []core.Balance) {
	a.mu.Lock()
	m, ok := a.balances[exchange]
	if !ok {
		m = make(map[string]core.Balance)
		a.balances[exchange] = m
	}
	for _, b := range balances {
		m[b.Asset] = b
	}
	a.mu.Unlock()
	a.notify()
}

// UpdatePrice 记录最新成交价（估值用）并重算。
func (a *Aggregator) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	a.mu.Lock()
	a.prices[strings.ToUpper(symbol)] = price
	a.mu.Unlock()
}

// Notify 仓位变化后由引擎调用，触发重算回调。
func (a *Aggregator) Notify() { a.notify() }

func (a *Aggregator) notify() {
	snap := a.Snapshot()
	a.mu.RLock()
	fns := append([]func(core.Portfolio){}, a.onUpdate...)
	a.mu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Snapshot 合并所有交易所的余额与仓位，并按最新价计算 USD 总值。
func (a *Aggregator) Snapshot() core.Portfolio {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p := core.NewPortfolio()
	for _, perExchange := range a.balances {
		for asset, b := range perExchange {
			merged := p.Balances[asset]
			merged.Asset = asset
			merged.Free += b.Free
			merged.Locked += b.Locked
			p.Balances[asset] = merged
		}
	}
	for _, book := range a.books {
		p.Positions = append(p.Positions, book.Positions()...)
	}

	var total float64
	for asset, b := range p.Balances {
		total += b.Total() * a.priceUSDLocked(asset)
	}
	for i := range p.Positions {
		pos := &p.Positions[i]
		if px, ok := a.prices[strings.ToUpper(pos.Symbol)]; ok {
			pos.UnrealizedPnL = (px - pos.EntryPrice) * pos.Size
		}
		total += pos.UnrealizedPnL
	}
	p.TotalValueUSD = total
	p.UpdatedAt = time.Now().UTC()
	return p
}

// priceUSDLocked 资产 → USD 价格：稳定币按 1，其余查 <ASSET>USDT 最新
// 价，查不到按 0（宁可低估也不虚报权益）。
func (a *Aggregator) priceUSDLocked(asset string) float64 {
	if stableAssets[asset] {
		return 1
	}
	if px, ok := a.prices[asset+"USDT"]; ok {
		return px
	}
	return 0
}
