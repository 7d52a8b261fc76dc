// Package registry lets servers announce their endpoints and lets framed
// channels find them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ErrNoInstances is returned when discovery (after filtering) finds nothing.
var ErrNoInstances = errors.New("registry: no instances available")

type ServiceInstance struct {
	Addr    string
	Weight  int    // Weight for load balancing
	Version string // semver of the served API, may be empty
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// Compatible keeps the instances whose Version satisfies constraint, highest
// version first. An empty constraint keeps everything in the original order.
// Instances without a parsable version never satisfy a non-empty constraint.
func Compatible(instances []ServiceInstance, constraint string) ([]ServiceInstance, error) {
	if constraint == "" {
		return instances, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("registry: constraint %q: %w", constraint, err)
	}

	type versioned struct {
		inst ServiceInstance
		ver  *semver.Version
	}
	var keep []versioned
	for _, inst := range instances {
		v, err := semver.NewVersion(inst.Version)
		if err != nil || !c.Check(v) {
			continue
		}
		keep = append(keep, versioned{inst, v})
	}
	sort.SliceStable(keep, func(i, j int) bool {
		return keep[i].ver.GreaterThan(keep[j].ver)
	})

	out := make([]ServiceInstance, len(keep))
	for i, k := range keep {
		out[i] = k.inst
	}
	return out, nil
}

// Memory is an in-process Registry for tests and single-host setups.
// TTLs are ignored.
type Memory struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (m *Memory) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.services[serviceName] == nil {
		m.services[serviceName] = make(map[string]ServiceInstance)
	}
	m.services[serviceName][instance.Addr] = instance
	m.notifyLocked(serviceName)
	return nil
}

func (m *Memory) Deregister(_ context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services[serviceName], addr)
	m.notifyLocked(serviceName)
	return nil
}

func (m *Memory) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(serviceName), nil
}

// Watch emits the full instance list after every change until ctx is done.
func (m *Memory) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				m.watchers[serviceName] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) listLocked(serviceName string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(m.services[serviceName]))
	for _, inst := range m.services[serviceName] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (m *Memory) notifyLocked(serviceName string) {
	list := m.listLocked(serviceName)
	for _, w := range m.watchers[serviceName] {
		// Drop a stale snapshot the watcher has not read yet
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
