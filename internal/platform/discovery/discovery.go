// Package discovery is the service-registration seam used by each
// cmd/ composition root. The fabric's services coordinate through the
// Broker and Repository capabilities rather than synchronous RPC, so
// Discover is used only for self-description/health, never for
// dialing a peer.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Registry registers and deregisters service instances and reports
// their health.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique per-process instance id so
// multiple instances of the same service can register side by side.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
