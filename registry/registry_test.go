package registry

import (
	"context"
	"testing"
	"time"
)

func TestCompatible(t *testing.T) {
	instances := []ServiceInstance{
		{Addr: "a", Version: "1.0.0"},
		{Addr: "b", Version: "1.4.2"},
		{Addr: "c", Version: "2.0.0"},
		{Addr: "d", Version: ""},
		{Addr: "e", Version: "1.2.0"},
	}

	got, err := Compatible(instances, "^1.0")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "e", "a"}
	if len(got) != len(want) {
		t.Fatalf("expect %v, got %v", want, got)
	}
	for i, inst := range got {
		if inst.Addr != want[i] {
			t.Fatalf("expect %v, got %v", want, got)
		}
	}

	all, err := Compatible(instances, "")
	if err != nil || len(all) != len(instances) {
		t.Fatalf("empty constraint must keep everything, got %v, %v", all, err)
	}

	if _, err := Compatible(instances, "not a constraint"); err == nil {
		t.Fatal("expect error for invalid constraint")
	}
}

func TestMemoryRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	watch := m.Watch(ctx, "svc")

	m.Register(ctx, "svc", ServiceInstance{Addr: "127.0.0.1:2"}, 10)
	m.Register(ctx, "svc", ServiceInstance{Addr: "127.0.0.1:1"}, 10)

	list, _ := m.Discover(ctx, "svc")
	if len(list) != 2 || list[0].Addr != "127.0.0.1:1" {
		t.Fatalf("unexpected instances %v", list)
	}

	select {
	case latest := <-watch:
		if len(latest) != 2 {
			t.Fatalf("watch should hold the latest snapshot, got %v", latest)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch snapshot")
	}

	m.Deregister(ctx, "svc", "127.0.0.1:1")
	list, _ = m.Discover(ctx, "svc")
	if len(list) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %v", list)
	}

	cancel()
	for range watch {
	}
}
