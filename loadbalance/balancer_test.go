package loadbalance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mini-grpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0.0"},
	{Addr: ":8003", Weight: 10, Version: "2.0.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
	}
	if results[0] != ":8001" || results[1] != ":8002" || results[2] != ":8003" {
		t.Fatalf("unexpected order %v", results)
	}

	// Wraps around to the first
	inst, _ := b.Pick(testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]registry.ServiceInstance{})
	if !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weights are 10:5:10, so :8001 should be picked about twice as often as :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.ServiceInstance{{Addr: "a"}, {Addr: "b"}})
	if err != nil || inst == nil {
		t.Fatalf("zero weights must still pick, got %v, %v", inst, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, inst := range testInstances {
		b.Add(inst)
	}

	inst1, _ := b.PickKey("user-123")
	inst2, _ := b.PickKey("user-123")
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickKey(fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashKeyedStable(t *testing.T) {
	ring := NewConsistentHashBalancer()
	b := ring.Keyed("client-a")

	first, err := b.Pick(testInstances)
	if err != nil {
		t.Fatal(err)
	}
	reordered := []registry.ServiceInstance{testInstances[2], testInstances[0], testInstances[1]}
	again, _ := b.Pick(reordered)
	if again.Addr != first.Addr {
		t.Fatalf("order of instances changed the pick: %s vs %s", first.Addr, again.Addr)
	}
	if _, err := b.Pick(nil); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	for _, inst := range testInstances {
		reg.Register(ctx, "test.Echo", inst, 10)
	}

	resolve := Resolver(reg, "test.Echo", &RoundRobinBalancer{}, "^2")
	for i := 0; i < 3; i++ {
		addr, err := resolve(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if addr != ":8003" {
			t.Fatalf("constraint ^2 must only yield :8003, got %s", addr)
		}
	}

	none := Resolver(reg, "test.Echo", &RoundRobinBalancer{}, "^3")
	if _, err := none(ctx); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}

	missing := Resolver(reg, "test.Missing", &RoundRobinBalancer{}, "")
	if _, err := missing(ctx); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances for unknown service, got %v", err)
	}
}
