package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ordersys/fabric/internal/platform/config"
	"github.com/ordersys/fabric/internal/platform/logger"
	"github.com/ordersys/fabric/internal/platform/tracing"
)

func main() {
	cfg := Config{
		ServiceName:  config.GetEnv("SERVICE_NAME", "seckill"),
		InstanceID:   config.GetEnv("INSTANCE_ID", ""),
		HTTPAddr:     config.GetEnv("HTTP_ADDR", ":8083"),
		MetricsAddr:  config.GetEnv("METRICS_ADDR", ":9004"),
		ConsulAddr:   config.GetEnv("CONSUL_ADDR", ""),
		AMQPUser:     config.GetEnv("AMQP_USER", "guest"),
		AMQPPass:     config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost:     config.GetEnv("AMQP_HOST", "localhost"),
		AMQPPort:     config.GetEnv("AMQP_PORT", "5672"),
		DatabaseURL:  config.GetEnv("DATABASE_URL", "postgres://localhost:5432/seckill?sslmode=disable"),
		RedisAddr:    config.GetEnv("REDIS_ADDR", "localhost:6379"),
		AdminKey:     config.GetEnv("SECKILL_ADMIN_KEY", ""),
		RateLimit:    int64(config.GetInt("SECKILL_RATE_LIMIT", 5)),
		RateWindow:   time.Duration(config.GetInt("SECKILL_RATE_WINDOW", 1)) * time.Second,
		GhostReplayN: config.GetInt("SECKILL_GHOST_REPLAY_BATCH", 100),
	}

	log := logger.New(cfg.ServiceName)
	log.Info("starting service", slog.String("instanceId", cfg.InstanceID), slog.String("httpAddr", cfg.HTTPAddr))

	shutdownTracing, err := tracing.Init(cfg.ServiceName, log)
	if err != nil {
		log.Error("failed to initialize tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Error("failed to build app", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", slog.Any("error", err))
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil {
		log.Error("app exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
