// Package loadbalance picks one endpoint out of the instances a registry
// reports for a service.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  a fixed key keeps landing on the same instance
package loadbalance

import "mini-grpc/registry"

// Balancer is consulted every time a framed channel dials. Pick must be
// goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}
