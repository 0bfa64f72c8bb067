// Package gateway defines the exchange adapter contract plus the admission
// control (rate limiter) and connection health (resilience supervisor) that
// wrap every adapter. One adapter instance per exchange; adapters never share
// connections, rate budgets or resilience state.
package gateway

import (
	"context"

	"trading-engine-go/core"
)

// AccountEventKind tags the payload carried by an AccountEvent.
type AccountEventKind string

const (
	AccountEventOrder    AccountEventKind = "order"
	AccountEventPosition AccountEventKind = "position"
	AccountEventBalance  AccountEventKind = "balance"
)

// AccountEvent is one update from the exchange user-data stream, already
// mapped to canonical entities. Exactly one of Order/Position/Balances is
// set according to Kind.
type AccountEvent struct {
	Kind     AccountEventKind
	Exchange string
	Order    *core.Order
	Position *core.Position
	Balances []core.Balance
	Trade    *core.Trade // set alongside Kind=order when the update carries a fill
}

// OrderPatch 改单参数；nil 字段表示不变。
type OrderPatch struct {
	Price    *float64
	Quantity *float64
}

// Adapter is the canonical trading contract every exchange implements.
// Inputs and outputs are always canonical entities; all wire encoding,
// pagination and field-name differences stay inside the implementation.
// Unknown wire fields are dropped at the boundary, never propagated.
//
// An adapter that cannot express a requested characteristic (e.g. inverse
// contracts on a spot-only venue) returns core.ErrUnsupportedOperation
// instead of silently degrading.
type Adapter interface {
	// Name is the exchange identity tag ("binance", "bybit", ...).
	Name() string

	// MinAPIVersion is the minimum exchange API version the adapter was
	// written against. Connect verifies it; a mismatch is a fatal
	// core.ErrConfiguration, not a runtime retry.
	MinAPIVersion() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	FetchPortfolio(ctx context.Context) (core.Portfolio, error)

	CreateOrder(ctx context.Context, o core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, id string) (core.Order, error)
	ModifyOrder(ctx context.Context, id string, patch OrderPatch) (core.Order, error)

	// StreamMarketData delivers bars until ctx is done. The stream is
	// restartable: after a reconnect it resumes without replaying missed
	// bars, marking the first fresh bar with Discontinuity.
	StreamMarketData(ctx context.Context, symbol string, tf core.Timeframe) (<-chan core.MarketData, error)

	// StreamTicks delivers last-trade prints for symbol.
	StreamTicks(ctx context.Context, symbol string) (<-chan core.Tick, error)

	// StreamAccountEvents delivers order/position/balance updates.
	StreamAccountEvents(ctx context.Context) (<-chan AccountEvent, error)
}

// HistoricalSource supplies recorded bars for backtests. External
// collaborator; gateway ships a CSV reader implementation.
type HistoricalSource interface {
	Bars(ctx context.Context, symbol string, tf core.Timeframe) (<-chan core.MarketData, error)
}
