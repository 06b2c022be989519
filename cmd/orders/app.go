package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordersys/fabric/internal/idempotency"
	"github.com/ordersys/fabric/internal/order"
	"github.com/ordersys/fabric/internal/outbox"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/discovery"
	"github.com/ordersys/fabric/internal/platform/discovery/consul"
	"github.com/ordersys/fabric/internal/platform/discovery/inmem"
	"github.com/ordersys/fabric/internal/platform/durable"
	"github.com/ordersys/fabric/internal/platform/kv"
	"github.com/ordersys/fabric/internal/platform/metrics"
	"github.com/ordersys/fabric/internal/platform/repository"
	"go.mongodb.org/mongo-driver/mongo"
)

// Config is cmd/orders's composition-root configuration.
type Config struct {
	ServiceName    string
	InstanceID     string
	HTTPAddr       string
	MetricsAddr    string
	ConsulAddr     string
	AMQPUser       string
	AMQPPass       string
	AMQPHost       string
	AMQPPort       string
	DatabaseURL    string
	RedisAddr      string
	MongoURI       string
	MongoDB        string
	CatalogSeedRaw string
}

// App owns every live resource cmd/orders acquires at startup and
// knows how to release them in Shutdown.
type App struct {
	cfg          Config
	log          *slog.Logger
	repo         *repository.Repository
	broker       broker.Broker
	kv           *kv.KeyValue
	mongoClient  *mongo.Client
	registry     discovery.Registry
	registration string

	orderService *order.Service
	consumer     *order.Consumer
	httpServer   *http.Server
	metricsSrv   *http.Server
}

func NewApp(cfg Config, log *slog.Logger) (*App, error) {
	repo, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := repo.DB.Exec(order.Schema); err != nil {
		return nil, err
	}
	if _, err := repo.DB.Exec(outbox.Schema); err != nil {
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

	var durableStore *durable.ProcessedStore
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = durable.Connect(context.Background(), cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		durableStore, err = durable.NewProcessedStore(context.Background(), mongoClient, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
	}

	registry, err := createRegistry(cfg.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)

	var idem *idempotency.Service
	if durableStore != nil {
		idem = idempotency.New(cfg.ServiceName, store, durableStore, log)
	} else {
		idem = idempotency.New(cfg.ServiceName, store, nil, log)
	}

	orderStore := order.NewStore(repo.DB)
	svc := order.NewService(repo, orderStore, b, idem, businessMetrics, log)
	httpHandler := order.NewHTTPHandler(svc, httpMetrics)
	consumer := order.NewConsumer(svc, b, log)

	mux := http.NewServeMux()
	httpHandler.RegisterRoutes(mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	return &App{
		cfg:          cfg,
		log:          log,
		repo:         repo,
		broker:       b,
		kv:           store,
		mongoClient:  mongoClient,
		registry:     registry,
		orderService: svc,
		consumer:     consumer,
		httpServer:   &http.Server{Addr: cfg.HTTPAddr, Handler: mux},
		metricsSrv:   &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux},
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
	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(ctx); err != nil {
			a.log.Error("error disconnecting mongo", slog.Any("error", err))
		}
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
