// Package consul is the production Registry implementation.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/ordersys/fabric/internal/platform/discovery"
)

type Registry struct {
	client *consulapi.Client
	log    *slog.Logger
}

func NewRegistry(addr string, log *slog.Logger) (*Registry, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("new consul client: %w", err)
	}
	return &Registry{client: client, log: log}, nil
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	parts := strings.Split(hostPort, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid hostPort %q", hostPort)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("invalid port in %q: %w", hostPort, err)
	}

	return r.client.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: parts[0],
		Port:    port,
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        instanceID,
			TLSSkipVerify:                  true,
			TTL:                            "5s",
			DeregisterCriticalServiceAfter: "10s",
		},
	})
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.log.Info("deregistering service", slog.String("service", serviceName), slog.String("instance_id", instanceID))
	return r.client.Agent().ServiceDeregister(instanceID)
}

func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serviceName, err)
	}
	addrs := make([]string, 0, len(services))
	for _, svc := range services {
		addrs = append(addrs, fmt.Sprintf("%s:%d", svc.Service.Address, svc.Service.Port))
	}
	return addrs, nil
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "online", consulapi.HealthPassing)
}

var _ discovery.Registry = (*Registry)(nil)
