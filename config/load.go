package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"trading-engine-go/core"
	"trading-engine-go/risk"
)

// AppConfig holds the main runtime configuration. Consumed once at
// engine/adapter construction and passed into constructors explicitly;
// there is no process-wide settings singleton.
type AppConfig struct {
	Env         string                    `yaml:"env"`
	Mode        string                    `yaml:"mode"` // live | paper | backtest
	MetricsAddr string                    `yaml:"metricsAddr"`
	Logger      LoggerConfig              `yaml:"logger"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Symbols     map[string]SymbolConfig   `yaml:"symbols"`
	Risk        risk.Config               `yaml:"risk"`
	Backtest    BacktestConfig            `yaml:"backtest"`
	Fill        FillConfig                `yaml:"fill"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json 或 console
}

// ExchangeConfig 每个交易所一段。凭证只存 env 变量名，开发环境从
// 环境变量取值，生产换 secret manager 注入同名变量——取值本身是
// 外部协作方的事。
type ExchangeConfig struct {
	APIKeyEnv    string            `yaml:"apiKeyEnv"`
	APISecretEnv string            `yaml:"apiSecretEnv"`
	RESTEndpoint string            `yaml:"restEndpoint"`
	WSEndpoint   string            `yaml:"wsEndpoint"`
	MarketType   core.MarketType   `yaml:"marketType"`
	MarginMode   core.MarginMode   `yaml:"marginMode"`
	PositionMode core.PositionMode `yaml:"positionMode"`

	// 限流覆盖；0 用适配器默认值。
	WeightBudget int `yaml:"weightBudget"`

	// 韧性覆盖；0 用默认值。
	FailureThreshold int `yaml:"failureThreshold"`
	MaxRetries       int `yaml:"maxRetries"`
}

// Credentials 按 env 变量名解出实际凭证。
func (c ExchangeConfig) Credentials() (key, secret string) {
	return os.Getenv(c.APIKeyEnv), os.Getenv(c.APISecretEnv)
}

type SymbolConfig struct {
	Timeframes []core.Timeframe `yaml:"timeframes"`
	Ticks      bool             `yaml:"ticks"` // 是否订阅逐笔
}

type BacktestConfig struct {
	DataFile  string         `yaml:"dataFile"`
	Exchange  string         `yaml:"exchange"`
	Symbol    string         `yaml:"symbol"`
	Timeframe core.Timeframe `yaml:"timeframe"`
	Speed     float64        `yaml:"speed"` // 0 = 最大吞吐，1 = 实时
}

type FillConfig struct {
	FeeRate      float64 `yaml:"feeRate"`
	SlippageRate float64 `yaml:"slippageRate"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", core.ErrConfiguration)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %v: %w", err, core.ErrConfiguration)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.Mode == "" {
		cfg.Mode = "paper"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}
