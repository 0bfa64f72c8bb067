// Package dispatch delivers normalized engine events to registered strategy
// handlers. Ordering is guaranteed per (exchange, symbol) partition only;
// partitions run independently so a slow handler delays nothing but its own
// partition.
package dispatch

import (
	"time"

	"trading-engine-go/core"
	"trading-engine-go/gateway"
)

// EventType 内建事件类型。
type EventType string

const (
	EventTick         EventType = "tick"
	EventBar          EventType = "bar"
	EventOrder        EventType = "order"
	EventPosition     EventType = "position"
	EventAccount      EventType = "account"
	EventError        EventType = "error"
	EventConnectivity EventType = "connectivity"
	EventCustom       EventType = "custom"
)

// ConnectivityChange 适配器韧性状态变化。
type ConnectivityChange struct {
	Exchange string
	From     gateway.ConnState
	To       gateway.ConnState
}

// Event is one normalized notification. Exactly the payload field matching
// Type is set; Tag is only used for custom events.
type Event struct {
	Type     EventType
	Exchange string
	Symbol   string
	Ts       time.Time

	Bar          *core.MarketData
	Tick         *core.Tick
	Order        *core.Order
	Trade        *core.Trade
	Position     *core.Position
	Balances     []core.Balance
	Err          error
	Connectivity *ConnectivityChange
	Tag          string
	Payload      interface{}
}

// Handler 事件回调。在分区 worker 内同步执行。
type Handler func(Event)
