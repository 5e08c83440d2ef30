package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mewp-telemetry/common/logger"
	"mewp-telemetry/internal/config"
	"mewp-telemetry/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "mewp-telemetry")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting mewp-telemetry service",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.Bool("broker_configured", cfg.MQTT.Configured()),
		zap.Strings("topics", cfg.DeviceTopics()),
		zap.Bool("db_enabled", cfg.DBEnabled),
		zap.Bool("alert_store_enabled", cfg.Alert.StoreEnabled),
		zap.Bool("stream_enabled", cfg.Stream.Enabled),
	)

	// 创建服务
	telemetryService, err := service.NewTelemetryService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create telemetry service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动服务（broker 不可用时进入 simulated 模式，不会失败退出）
	if err := telemetryService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := telemetryService.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	zapLogger.Info("Service stopped")
}
