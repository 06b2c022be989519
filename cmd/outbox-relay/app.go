package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordersys/fabric/internal/outbox"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/metrics"
	"github.com/ordersys/fabric/internal/platform/repository"
)

// Config is cmd/outbox-relay's composition-root configuration. The
// relay is an independently schedulable sidecar, one per database
// that owns an outbox table, so it gets its own binary following the
// same Config/App shape as the other cmd/ roots.
type Config struct {
	ServiceName     string
	InstanceID      string
	MetricsAddr     string
	AMQPUser        string
	AMQPPass        string
	AMQPHost        string
	AMQPPort        string
	DatabaseURL     string
	PollInterval    time.Duration
	RetentionWindow time.Duration
	GCInterval      time.Duration
}

type App struct {
	cfg Config
	log *slog.Logger

	repo       *repository.Repository
	broker     broker.Broker
	manager    *outbox.Manager
	metricsSrv *http.Server

	stopGC chan struct{}
}

func NewApp(cfg Config, log *slog.Logger) (*App, error) {
	repo, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := repo.DB.Exec(outbox.Schema); err != nil {
		return nil, err
	}

	b, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort, log)
	if err != nil {
		return nil, err
	}

	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	manager := outbox.NewManager(repo, b, businessMetrics, log, cfg.PollInterval)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	return &App{
		cfg:        cfg,
		log:        log,
		repo:       repo,
		broker:     b,
		manager:    manager,
		metricsSrv: &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux},
		stopGC:     make(chan struct{}),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.manager.StartProcessor()
	go a.gcLoop(ctx)

	a.log.Info("starting metrics server", slog.String("addr", a.cfg.MetricsAddr))
	if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gcLoop deletes PUBLISHED rows older than RetentionWindow on a
// timer. FAILED rows are never auto-deleted.
func (a *App) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopGC:
			return
		case <-ticker.C:
			n, err := outbox.CleanupProcessed(ctx, a.repo.DB, a.cfg.RetentionWindow)
			if err != nil {
				a.log.Error("outbox gc sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				a.log.Info("garbage collected published outbox rows", slog.Int64("count", n))
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down gracefully")
	close(a.stopGC)
	a.manager.StopProcessor()

	if err := a.metricsSrv.Shutdown(ctx); err != nil {
		a.log.Error("error shutting down metrics server", slog.Any("error", err))
	}
	if err := a.broker.Close(); err != nil {
		a.log.Error("error closing broker", slog.Any("error", err))
	}
	if err := a.repo.Close(); err != nil {
		a.log.Error("error closing repository", slog.Any("error", err))
	}
	return nil
}
