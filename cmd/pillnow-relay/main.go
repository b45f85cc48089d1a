package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pillnow-relay/internal/config"
	"pillnow-relay/internal/logger"
	"pillnow-relay/internal/service"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "pillnow-relay")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 老人ID（云端日程按老人归属）
	elderID := os.Getenv("ELDER_ID")
	if elderID == "" {
		log.Fatal("ELDER_ID environment variable is required")
	}

	// 4. 创建服务
	relay, err := service.NewRelayService(cfg, log, elderID)
	if err != nil {
		log.Fatal("Failed to create relay service",
			zap.Error(err),
		)
	}
	defer relay.Stop()

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. 启动服务
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := relay.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 7. 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Fatal("Service error",
			zap.Error(err),
		)
	}

	log.Info("Relay service exited")
}
