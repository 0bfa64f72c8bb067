// Package core defines the canonical entities shared by every exchange
// adapter: market data, orders, trades, positions and the portfolio view.
// Adapters translate their wire formats into these types at the boundary;
// nothing outside an adapter ever sees an exchange-specific payload.
package core

import (
	"fmt"
	"time"
)

// Timeframe is a bar interval identifier ("1m", "5m", ...).
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// Duration returns the bar interval length, or an error for unknown timeframes.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return d, nil
}

// Valid reports whether tf is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// MarketData is one OHLCV bar. Immutable once emitted by an adapter.
// Discontinuity marks the first bar after a stream gap (reconnect); missed
// bars are never replayed, the flag is the explicit gap signal.
type MarketData struct {
	Exchange      string
	Symbol        string
	Timeframe     Timeframe
	Ts            time.Time
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	Discontinuity bool
}

// Tick is a single last-trade print. Paper fills and tick-level risk
// evaluation run off these; bars alone are too coarse for either.
type Tick struct {
	Exchange string
	Symbol   string
	Price    float64
	Qty      float64
	Ts       time.Time
}
