// Package inmem is a Registry implementation requiring no external
// agent — used by tests and local runs where no Consul is available.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ordersys/fabric/internal/platform/discovery"
)

type instance struct {
	hostPort   string
	lastActive time.Time
}

type Registry struct {
	mu    sync.RWMutex
	addrs map[string]map[string]*instance
}

func NewRegistry() *Registry {
	return &Registry{addrs: map[string]map[string]*instance{}}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addrs[serviceName] == nil {
		r.addrs[serviceName] = map[string]*instance{}
	}
	r.addrs[serviceName][instanceID] = &instance{hostPort: hostPort, lastActive: time.Now()}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addrs[serviceName], instanceID)
	return nil
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.addrs[serviceName]
	if !ok {
		return fmt.Errorf("service %s not registered", serviceName)
	}
	inst, ok := svc[instanceID]
	if !ok {
		return fmt.Errorf("instance %s not registered", instanceID)
	}
	inst.lastActive = time.Now()
	return nil
}

func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.addrs[serviceName]) == 0 {
		return nil, fmt.Errorf("no address found for service %s", serviceName)
	}
	res := make([]string, 0, len(r.addrs[serviceName]))
	for _, inst := range r.addrs[serviceName] {
		res = append(res, inst.hostPort)
	}
	return res, nil
}

var _ discovery.Registry = (*Registry)(nil)
