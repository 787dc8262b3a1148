package throttle

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
)

func newTestThrottler(levels map[string]int64, vmToVG map[string]string) *IOThrottler {
	t := &IOThrottler{
		byVG:       make(map[string]*semaphore.Weighted),
		byInstance: make(map[string]*semaphore.Weighted),
	}
	for vg, level := range levels {
		t.byVG[vg] = semaphore.NewWeighted(level)
	}
	for instance, vg := range vmToVG {
		t.byInstance[instance] = t.byVG[vg]
	}
	return t
}

func TestRotationalVGSerializesToOne(t *testing.T) {
	th := newTestThrottler(
		map[string]int64{"hdd-vg": 1},
		map[string]string{"vm-a": "hdd-vg", "vm-b": "hdd-vg"},
	)

	ctx := context.Background()
	if err := th.Acquire(ctx, "vm-a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = th.Acquire(ctx, "vm-b")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire on rotational VG should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	th.Release("vm-a")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestSSDVGAllowsConcurrentAcquires(t *testing.T) {
	th := newTestThrottler(
		map[string]int64{"ssd-vg": DefaultMaxConcurrency},
		map[string]string{"vm-a": "ssd-vg", "vm-b": "ssd-vg"},
	)

	ctx := context.Background()
	if err := th.Acquire(ctx, "vm-a"); err != nil {
		t.Fatalf("acquire vm-a: %v", err)
	}
	if err := th.Acquire(ctx, "vm-b"); err != nil {
		t.Fatalf("acquire vm-b should not block on SSD-backed VG: %v", err)
	}
	th.Release("vm-a")
	th.Release("vm-b")
}

func TestAcquireUnknownInstanceErrors(t *testing.T) {
	th := newTestThrottler(nil, nil)
	if err := th.Acquire(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unregistered instance")
	}
}
