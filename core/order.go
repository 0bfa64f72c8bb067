package core

import "time"

// Side 订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型。
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Status represents order lifecycle.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusPartial  Status = "PARTIALLY_FILLED"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal 判断是否是终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Active 判断是否是活跃状态（可能产生成交，允许撤单/改单）。
func (s Status) Active() bool {
	switch s {
	case StatusNew, StatusPartial:
		return true
	default:
		return false
	}
}

// MarketType distinguishes spot from linear (quote-settled) and inverse
// (base-settled) futures contracts.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketLinear  MarketType = "LINEAR"
	MarketInverse MarketType = "INVERSE"
)

// MarginMode for derivatives accounts.
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// PositionMode: one-way nets longs and shorts per symbol, hedge keeps them
// as independent positions.
type PositionMode string

const (
	PositionOneWay PositionMode = "ONEWAY"
	PositionHedge  PositionMode = "HEDGE"
)

// Order 是引擎内的规范订单。ID 由引擎分配，在网络重试间保持稳定，
// 也是幂等去重的键；ExchangeID 在交易所确认前为空。
type Order struct {
	ID         string
	ExchangeID string
	Exchange   string
	Symbol     string
	Type       OrderType
	Side       Side
	Quantity   float64
	Price      float64 // 仅限价单
	Status     Status
	FilledQty  float64
	AvgPrice   float64
	Fee        float64
	ReduceOnly bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Remaining 未成交数量。
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Trade 一笔成交，是不可变事实；一个订单可以对应多笔成交（部分成交）。
type Trade struct {
	ID       string
	OrderID  string
	Exchange string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64
	Fee      float64
	Ts       time.Time
}
