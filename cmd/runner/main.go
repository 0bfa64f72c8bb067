// 统一交易引擎入口。同一个二进制跑 live / paper / backtest，
// 模式由配置或 -mode 覆盖决定，会话期间不可切换。
//
// 用法：
//
//	go run ./cmd/runner -config configs/config.yaml -mode paper
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"trading-engine-go/config"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/internal/engine"
	"trading-engine-go/metrics"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	modeOverride := flag.String("mode", "", "覆盖配置中的交易模式（live|paper|backtest）")
	metricsAddr := flag.String("metricsAddr", "", "覆盖配置中的 metrics 监听地址")
	envFile := flag.String("envFile", ".env", "开发环境凭证文件；不存在则忽略")
	flag.Parse()

	// 凭证通过环境变量注入；开发环境从 .env 补齐，生产由外部注入。
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *modeOverride != "" {
		cfg.Mode = *modeOverride
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	zl, err := logger.New(logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	met := metrics.NewEngine()
	metrics.StartMetricsServer(cfg.MetricsAddr)

	eng, err := engine.New(cfg, zl, met)
	if err != nil {
		zl.Fatal("构建引擎失败", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 配置热更新：只接受风控阈值；交易所/模式改动需要重启。
	watcher := config.Watcher{Path: *cfgPath, Log: zl}
	go func() {
		if err := watcher.Start(ctx, eng.ApplyRiskConfig); err != nil && err != context.Canceled {
			zl.Warn("配置热更新不可用", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		zl.Info("收到退出信号", zap.String("signal", s.String()))
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		eng.Stop()
	}()

	// systemd 集成：就绪通知 + watchdog 心跳（非 systemd 环境下均为空操作）。
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}

	zl.Info("引擎启动",
		zap.String("mode", string(eng.Mode())),
		zap.String("config", *cfgPath))
	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		zl.Fatal("引擎退出", zap.Error(err))
	}
	zl.Info("引擎正常退出")
}
