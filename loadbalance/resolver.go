package loadbalance

import (
	"context"
	"fmt"

	"mini-grpc/registry"
)

// Resolver returns a function that discovers serviceName in reg, keeps the
// instances matching the version constraint (see registry.Compatible) and lets
// b pick one. Framed channels call it before every dial.
func Resolver(reg registry.Registry, serviceName string, b Balancer, constraint string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		instances, err := reg.Discover(ctx, serviceName)
		if err != nil {
			return "", fmt.Errorf("loadbalance: discover %s: %w", serviceName, err)
		}
		instances, err = registry.Compatible(instances, constraint)
		if err != nil {
			return "", err
		}
		if len(instances) == 0 {
			return "", fmt.Errorf("loadbalance: %s: %w", serviceName, registry.ErrNoInstances)
		}
		inst, err := b.Pick(instances)
		if err != nil {
			return "", err
		}
		return inst.Addr, nil
	}
}
