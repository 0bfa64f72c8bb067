// 历史数据回测脚本：读 CSV K 线，用均线交叉示例策略跑完整引擎
// （同一套订单/风控/组合代码），结束后打印汇总。
//
// 用法：
//
//	go run ./cmd/backtest -data data/btcusdt_1m.csv -symbol BTCUSDT -balance 10000
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"trading-engine-go/config"
	"trading-engine-go/core"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/internal/engine"
	"trading-engine-go/strategy"
)

func main() {
	cfgPath := flag.String("config", "", "可选配置文件；不指定则全部用命令行参数")
	dataPath := flag.String("data", "data/bars.csv", "K 线 CSV（ts,open,high,low,close,volume）")
	symbol := flag.String("symbol", "BTCUSDT", "交易对")
	timeframe := flag.String("timeframe", "1m", "K 线周期")
	speed := flag.Float64("speed", 0, "回放速度；0 = 最大吞吐")
	balance := flag.Float64("balance", 10000, "初始资金")
	qty := flag.Float64("qty", 0.01, "每次下单数量")
	fast := flag.Int("fast", 5, "快均线窗口")
	slow := flag.Int("slow", 20, "慢均线窗口")
	feeRate := flag.Float64("feeRate", 0.0004, "手续费率")
	slippage := flag.Float64("slippage", 0.0001, "市价单滑点率")
	flag.Parse()

	var cfg config.AppConfig
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("加载配置失败: %v", err)
		}
		cfg = loaded
	}
	cfg.Mode = "backtest"
	cfg.Backtest = config.BacktestConfig{
		DataFile:  *dataPath,
		Exchange:  "replay",
		Symbol:    *symbol,
		Timeframe: core.Timeframe(*timeframe),
		Speed:     *speed,
	}
	cfg.Fill = config.FillConfig{FeeRate: *feeRate, SlippageRate: *slippage}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	zl, err := logger.New(logger.Config{Level: "warn", Format: "console"})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	eng, err := engine.New(cfg, zl, nil)
	if err != nil {
		zl.Fatal("构建引擎失败", zap.Error(err))
	}
	report := engine.NewReport(*balance)
	report.Attach(eng)

	cross := &smaCross{
		eng:    eng,
		symbol: *symbol,
		qty:    *qty,
		fast:   *fast,
		slow:   *slow,
	}
	strategy.Register(eng.Dispatch, strategy.Hooks{
		Bar: map[core.Timeframe]func(core.MarketData){
			cfg.Backtest.Timeframe: cross.onBar,
		},
	})

	if err := eng.Run(context.Background()); err != nil && err != context.Canceled {
		zl.Fatal("回测失败", zap.Error(err))
	}

	sum := report.Summarize()
	fmt.Println(sum.String())
	if sum.TotalTrades == 0 {
		os.Exit(0)
	}
	fmt.Printf("period: %s -> %s\n",
		sum.Start.Format("2006-01-02 15:04"), sum.End.Format("2006-01-02 15:04"))
}

// smaCross 均线交叉示例：快线上穿做多，下穿平多做空。
type smaCross struct {
	eng    *engine.Engine
	symbol string
	qty    float64
	fast   int
	slow   int

	closes []float64
	long   bool
	short  bool
}

func (s *smaCross) onBar(bar core.MarketData) {
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) < s.slow+1 {
		return
	}
	fastNow := sma(s.closes, s.fast, 0)
	slowNow := sma(s.closes, s.slow, 0)
	fastPrev := sma(s.closes, s.fast, 1)
	slowPrev := sma(s.closes, s.slow, 1)

	crossUp := fastPrev <= slowPrev && fastNow > slowNow
	crossDown := fastPrev >= slowPrev && fastNow < slowNow

	switch {
	case crossUp && !s.long:
		qty := s.qty
		if s.short {
			qty += s.qty // 平空 + 开多
		}
		s.place(bar, core.SideBuy, qty)
		s.long, s.short = true, false
	case crossDown && !s.short:
		qty := s.qty
		if s.long {
			qty += s.qty
		}
		s.place(bar, core.SideSell, qty)
		s.long, s.short = false, true
	}
}

func (s *smaCross) place(bar core.MarketData, side core.Side, qty float64) {
	o := core.Order{
		Exchange: bar.Exchange,
		Symbol:   s.symbol,
		Type:     core.TypeMarket,
		Side:     side,
		Quantity: qty,
	}
	if _, err := s.eng.Place(context.Background(), o); err != nil {
		log.Printf("下单失败: %v", err)
	}
}

// sma 以 offset 根之前的 bar 为终点的简单均线。
func sma(closes []float64, window, offset int) float64 {
	end := len(closes) - offset
	start := end - window
	if start < 0 {
		return 0
	}
	var sum float64
	for _, c := range closes[start:end] {
		sum += c
	}
	return sum / float64(window)
}
