// Package throttle limits how many provisioning jobs may run concurrently
// against the same backing volume group, so image cloning and partition
// resizing don't thrash a single spinning drive. One throttler is shared
// process-wide; it is built once from the full VM batch, matching
// iothrottler.py's IOThrottler.
package throttle

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/asheplyakov/vmbuilder/internal/lvm"
)

// DefaultMaxConcurrency is the ceiling used for SSD-backed volume groups;
// rotational drives are always serialized to a single job at a time.
const DefaultMaxConcurrency = 8

// VM is the minimal shape IOThrottler needs from a VM record: its
// provisioning identity and the volume group backing its OS disk.
type VM struct {
	InstanceID string
	OSVG       string
}

// IOThrottler hands out a per-volume-group admission slot to each
// in-flight provisioning job, keyed by instance ID.
type IOThrottler struct {
	maxConcurrency int64
	byVG           map[string]*semaphore.Weighted
	byInstance     map[string]*semaphore.Weighted
}

// New builds an IOThrottler for vms: one weighted semaphore per distinct
// backing VG, sized DefaultMaxConcurrency for SSD-backed VGs and 1 for
// rotational ones (per driveIsSSD queried through adapter).
func New(ctx context.Context, adapter *lvm.Adapter, vms []VM, maxConcurrency int64) (*IOThrottler, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	vgs, err := adapter.VGs(ctx)
	if err != nil {
		return nil, fmt.Errorf("throttle: listing volume groups: %w", err)
	}

	t := &IOThrottler{
		maxConcurrency: maxConcurrency,
		byVG:           make(map[string]*semaphore.Weighted),
		byInstance:     make(map[string]*semaphore.Weighted),
	}

	for _, vm := range vms {
		if _, ok := t.byVG[vm.OSVG]; ok {
			continue
		}
		ssd, err := adapter.VGIsSSD(vm.OSVG, vgs)
		if err != nil {
			return nil, fmt.Errorf("throttle: checking rotational status of %s: %w", vm.OSVG, err)
		}
		level := int64(1)
		if ssd {
			level = maxConcurrency
		}
		t.byVG[vm.OSVG] = semaphore.NewWeighted(level)
	}

	for _, vm := range vms {
		t.byInstance[vm.InstanceID] = t.byVG[vm.OSVG]
	}

	return t, nil
}

// Acquire blocks until a provisioning slot for instanceID's backing VG is
// available, or ctx is canceled.
func (t *IOThrottler) Acquire(ctx context.Context, instanceID string) error {
	sem, ok := t.byInstance[instanceID]
	if !ok {
		return fmt.Errorf("throttle: no VG registered for instance %s", instanceID)
	}
	return sem.Acquire(ctx, 1)
}

// Release returns instanceID's provisioning slot to its backing VG's pool.
// It must be called exactly once for each successful Acquire.
func (t *IOThrottler) Release(instanceID string) {
	sem, ok := t.byInstance[instanceID]
	if !ok {
		return
	}
	sem.Release(1)
}
