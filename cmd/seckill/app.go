package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordersys/fabric/internal/outbox"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/discovery"
	"github.com/ordersys/fabric/internal/platform/discovery/consul"
	"github.com/ordersys/fabric/internal/platform/discovery/inmem"
	"github.com/ordersys/fabric/internal/platform/kv"
	"github.com/ordersys/fabric/internal/platform/metrics"
	"github.com/ordersys/fabric/internal/platform/repository"
	"github.com/ordersys/fabric/internal/seckill"
)

// Config is cmd/seckill's composition-root configuration, following
// the same Config/App shape as cmd/orders and cmd/inventory.
type Config struct {
	ServiceName  string
	InstanceID   string
	HTTPAddr     string
	MetricsAddr  string
	ConsulAddr   string
	AMQPUser     string
	AMQPPass     string
	AMQPHost     string
	AMQPPort     string
	DatabaseURL  string
	RedisAddr    string
	AdminKey     string
	RateLimit    int64
	RateWindow   time.Duration
	GhostReplayN int
}

type App struct {
	cfg          Config
	log          *slog.Logger
	repo         *repository.Repository
	broker       broker.Broker
	kv           *kv.KeyValue
	registry     discovery.Registry
	registration string

	svc        *seckill.Service
	consumer   *seckill.Consumer
	httpServer *http.Server
	metricsSrv *http.Server
}

func NewApp(cfg Config, log *slog.Logger) (*App, error) {
	repo, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := repo.DB.Exec(outbox.Schema); err != nil {
		return nil, err
	}
	if _, err := repo.DB.Exec(seckill.Schema); err != nil {
		return nil, err
	}

	b, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort, log)
	if err != nil {
		return nil, err
	}

	store, err := kv.New(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}

	registry, err := createRegistry(cfg.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)

	kvStore := seckill.NewStore(store)
	kvStore.RateLimit = cfg.RateLimit
	kvStore.RateWindow = cfg.RateWindow
	journal := seckill.NewJournal(repo.DB)
	svc := seckill.NewService(kvStore, journal, b, businessMetrics, log)
	httpHandler := seckill.NewHTTPHandler(svc, httpMetrics, cfg.AdminKey)
	consumer := seckill.NewConsumer(svc, b, log)

	mux := http.NewServeMux()
	httpHandler.RegisterRoutes(mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	return &App{
		cfg:        cfg,
		log:        log,
		repo:       repo,
		broker:     b,
		kv:         store,
		registry:   registry,
		svc:        svc,
		consumer:   consumer,
		httpServer: &http.Server{Addr: cfg.HTTPAddr, Handler: mux},
		metricsSrv: &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	instanceID := a.cfg.InstanceID
	if instanceID == "" {
		instanceID = discovery.GenerateInstanceID(a.cfg.ServiceName)
	}
	a.registration = instanceID
	if a.registry != nil {
		if err := a.registry.Register(ctx, instanceID, a.cfg.ServiceName, a.cfg.HTTPAddr); err != nil {
			return err
		}
	}

	if err := a.consumer.Listen(ctx); err != nil {
		return err
	}

	go a.replayGhostOrdersPeriodically(ctx)

	go func() {
		a.log.Info("starting metrics server", slog.String("addr", a.cfg.MetricsAddr))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("metrics server error", slog.Any("error", err))
		}
	}()

	a.log.Info("starting http server", slog.String("addr", a.cfg.HTTPAddr))
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// replayGhostOrdersPeriodically retries publish for journaled ghost
// orders every 30s until shutdown.
func (a *App) replayGhostOrdersPeriodically(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.svc.ReplayGhostOrders(ctx, a.cfg.GhostReplayN)
			if err != nil {
				a.log.Error("ghost order replay sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				a.log.Info("replayed ghost orders", slog.Int("count", n))
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down gracefully")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Error("error shutting down http server", slog.Any("error", err))
	}
	if err := a.metricsSrv.Shutdown(ctx); err != nil {
		a.log.Error("error shutting down metrics server", slog.Any("error", err))
	}
	if err := a.broker.Close(); err != nil {
		a.log.Error("error closing broker", slog.Any("error", err))
	}
	if err := a.repo.Close(); err != nil {
		a.log.Error("error closing repository", slog.Any("error", err))
	}
	if err := a.kv.Close(); err != nil {
		a.log.Error("error closing kv store", slog.Any("error", err))
	}

	if a.registry != nil && a.registration != "" {
		return a.registry.Deregister(ctx, a.registration, a.cfg.ServiceName)
	}
	return nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, using in-memory registry")
		return inmem.NewRegistry(), nil
	}
	return consul.NewRegistry(addr, log)
}
