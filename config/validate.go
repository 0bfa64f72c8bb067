package config

import (
	"fmt"

	"trading-engine-go/core"
)

var validModes = map[string]bool{"live": true, "paper": true, "backtest": true}

// Validate ensures required fields are present and consistent. All
// violations are core.ErrConfiguration: fatal at startup, never retried.
func Validate(cfg AppConfig) error {
	if !validModes[cfg.Mode] {
		return fmt.Errorf("mode %q must be live/paper/backtest: %w", cfg.Mode, core.ErrConfiguration)
	}
	if cfg.Mode == "backtest" {
		if cfg.Backtest.DataFile == "" {
			return fmt.Errorf("backtest.dataFile is required: %w", core.ErrConfiguration)
		}
		if cfg.Backtest.Symbol == "" {
			return fmt.Errorf("backtest.symbol is required: %w", core.ErrConfiguration)
		}
	} else if len(cfg.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required: %w", core.ErrConfiguration)
	}

	for name, ec := range cfg.Exchanges {
		if ec.APIKeyEnv == "" || ec.APISecretEnv == "" {
			return fmt.Errorf("exchange %s: apiKeyEnv/apiSecretEnv required: %w", name, core.ErrConfiguration)
		}
		switch ec.MarketType {
		case "", core.MarketSpot, core.MarketLinear, core.MarketInverse:
		default:
			return fmt.Errorf("exchange %s: unknown marketType %q: %w", name, ec.MarketType, core.ErrConfiguration)
		}
		switch ec.PositionMode {
		case "", core.PositionOneWay, core.PositionHedge:
		default:
			return fmt.Errorf("exchange %s: unknown positionMode %q: %w", name, ec.PositionMode, core.ErrConfiguration)
		}
		if ec.WeightBudget < 0 {
			return fmt.Errorf("exchange %s: weightBudget must be >= 0: %w", name, core.ErrConfiguration)
		}
	}

	for sym, sc := range cfg.Symbols {
		for _, tf := range sc.Timeframes {
			if !tf.Valid() {
				return fmt.Errorf("symbol %s: unknown timeframe %q: %w", sym, tf, core.ErrConfiguration)
			}
		}
	}

	r := cfg.Risk
	for _, v := range []float64{r.StopLossPct, r.TakeProfitPct, r.TrailingStopPct,
		r.TrailingActivationPct, r.BreakEvenPct, r.MaxDrawdownPct, r.DailyLossLimit} {
		if v < 0 {
			return fmt.Errorf("risk thresholds must be >= 0: %w", core.ErrConfiguration)
		}
	}
	if cfg.Fill.FeeRate < 0 || cfg.Fill.SlippageRate < 0 {
		return fmt.Errorf("fill.feeRate/slippageRate must be >= 0: %w", core.ErrConfiguration)
	}
	return nil
}
