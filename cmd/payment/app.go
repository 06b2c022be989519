package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordersys/fabric/internal/idempotency"
	"github.com/ordersys/fabric/internal/outbox"
	"github.com/ordersys/fabric/internal/payment"
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

// Config is cmd/payment's composition-root configuration.
type Config struct {
	ServiceName   string
	InstanceID    string
	MetricsAddr   string
	ConsulAddr    string
	AMQPUser      string
	AMQPPass      string
	AMQPHost      string
	AMQPPort      string
	DatabaseURL   string
	RedisAddr     string
	MongoURI      string
	MongoDB       string
	SuccessRate   float64
	TransientRate float64
	MaxRetries    int
}

// App owns every live resource cmd/payment acquires at startup. The
// payment service has no HTTP surface of its own, so only a metrics
// listener and the order.confirmed consumer run here.
type App struct {
	cfg          Config
	log          *slog.Logger
	repo         *repository.Repository
	broker       broker.Broker
	kv           *kv.KeyValue
	mongoClient  *mongo.Client
	registry     discovery.Registry
	registration string

	consumer   *payment.Consumer
	metricsSrv *http.Server
}

func NewApp(cfg Config, log *slog.Logger) (*App, error) {
	repo, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := repo.DB.Exec(payment.Schema); err != nil {
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

	var idem *idempotency.Service
	if durableStore != nil {
		idem = idempotency.New(cfg.ServiceName, store, durableStore, log)
	} else {
		idem = idempotency.New(cfg.ServiceName, store, nil, log)
	}

	paymentStore := payment.NewStore(repo.DB)
	processor := payment.NewProcessor(cfg.SuccessRate, cfg.TransientRate, cfg.MaxRetries)
	svc := payment.NewService(repo, paymentStore, processor, idem, businessMetrics, log)
	consumer := payment.NewConsumer(svc, b, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	return &App{
		cfg:         cfg,
		log:         log,
		repo:        repo,
		broker:      b,
		kv:          store,
		mongoClient: mongoClient,
		registry:    registry,
		consumer:    consumer,
		metricsSrv:  &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	instanceID := a.cfg.InstanceID
	if instanceID == "" {
		instanceID = discovery.GenerateInstanceID(a.cfg.ServiceName)
	}
	a.registration = instanceID
	if a.registry != nil {
		if err := a.registry.Register(ctx, instanceID, a.cfg.ServiceName, a.cfg.MetricsAddr); err != nil {
			return err
		}
	}

	if err := a.consumer.Listen(ctx); err != nil {
		return err
	}

	a.log.Info("starting metrics server", slog.String("addr", a.cfg.MetricsAddr))
	if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down gracefully")

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
