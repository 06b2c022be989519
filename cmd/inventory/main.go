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
		ServiceName:  config.GetEnv("SERVICE_NAME", "inventory"),
		InstanceID:   config.GetEnv("INSTANCE_ID", ""),
		MetricsAddr:  config.GetEnv("METRICS_ADDR", ":9002"),
		ConsulAddr:   config.GetEnv("CONSUL_ADDR", ""),
		AMQPUser:     config.GetEnv("AMQP_USER", "guest"),
		AMQPPass:     config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost:     config.GetEnv("AMQP_HOST", "localhost"),
		AMQPPort:     config.GetEnv("AMQP_PORT", "5672"),
		DatabaseURL:  config.GetEnv("DATABASE_URL", "postgres://localhost:5432/inventory?sslmode=disable"),
		RedisAddr:    config.GetEnv("REDIS_ADDR", "localhost:6379"),
		MongoURI:     config.GetEnv("MONGO_URI", ""),
		MongoDB:      config.GetEnv("MONGO_DATABASE", "fabric"),
		CacheTTL:     config.GetDuration("CACHE_TTL", 30*time.Second),
		NoopLock:     config.GetEnv("LOCK_MODE", "redis") == "noop",
	}

	log := logger.New(cfg.ServiceName)
	log.Info("starting service", slog.String("instanceId", cfg.InstanceID))

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
