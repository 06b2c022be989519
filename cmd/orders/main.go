package main

import (
	"context"
	"encoding/json"
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
		ServiceName:    config.GetEnv("SERVICE_NAME", "orders"),
		InstanceID:     config.GetEnv("INSTANCE_ID", ""),
		HTTPAddr:       config.GetEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:    config.GetEnv("METRICS_ADDR", ":9001"),
		ConsulAddr:     config.GetEnv("CONSUL_ADDR", ""),
		AMQPUser:       config.GetEnv("AMQP_USER", "guest"),
		AMQPPass:       config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost:       config.GetEnv("AMQP_HOST", "localhost"),
		AMQPPort:       config.GetEnv("AMQP_PORT", "5672"),
		DatabaseURL:    config.GetEnv("DATABASE_URL", "postgres://localhost:5432/orders?sslmode=disable"),
		RedisAddr:      config.GetEnv("REDIS_ADDR", "localhost:6379"),
		MongoURI:       config.GetEnv("MONGO_URI", ""),
		MongoDB:        config.GetEnv("MONGO_DATABASE", "fabric"),
		CatalogSeedRaw: config.GetEnv("CATALOG_SEED_JSON", ""),
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

	if cfg.CatalogSeedRaw != "" {
		var prices map[string]float64
		if err := json.Unmarshal([]byte(cfg.CatalogSeedRaw), &prices); err != nil {
			log.Error("invalid CATALOG_SEED_JSON, skipping catalog seed", slog.Any("error", err))
		} else if err := app.orderService.SeedCatalog(context.Background(), prices); err != nil {
			log.Error("catalog seed failed", slog.Any("error", err))
		}
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
