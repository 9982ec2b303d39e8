package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/config"
	"github.com/Gopher0727/Vela/internal/app"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

func runServe(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("配置初始化失败: %w", err)
	}

	lg, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer lg.Close()

	// 信号在组装前注册，启动阶段的信号同样进入停机流程
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, lg, app.Options{})
	if err != nil {
		lg.Error("初始化失败", zap.Error(err))
		return err
	}

	if err := a.Start(ctx); err != nil {
		lg.Error("启动失败", zap.Error(err))
		_ = a.Shutdown(ctx)
		return err
	}
	lg.Info("vela started", zap.Int("port", cfg.Server.Port), zap.Bool("kafka", cfg.Kafka.Enabled))

	if err := a.AwaitTermination(signals); err != nil {
		lg.Error("停机时出现错误", zap.Error(err))
		return err
	}
	return nil
}
