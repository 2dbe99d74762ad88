package sched

import (
	"testing"
	"time"

	"github.com/gogpu/sched/backend/soft"
	"github.com/gogpu/sched/hal"
)

// poolEnv pairs a manual-fence soft device with a fence pool, so tests
// control exactly when arenas become reclaimable.
type poolEnv struct {
	dev    *soft.Device
	fences *fencePool
}

func newPoolEnv() *poolEnv {
	dev := soft.New(&soft.Options{ManualFences: true})
	return &poolEnv{dev: dev, fences: newFencePool(dev)}
}

// submitEmpty binds a backend fence to value so it can later signal.
func (e *poolEnv) submitEmpty(t *testing.T, value uint64) {
	t.Helper()
	rec, err := e.dev.NewCommandRecorder()
	if err != nil {
		t.Fatalf("NewCommandRecorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f, err := e.dev.Submit(hal.QueueCompute, []hal.CommandRecorder{rec})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.fences.bind(value, f)
}

func TestUploadPoolAllocationAlignment(t *testing.T) {
	env := newPoolEnv()
	pool := newUploadPool(env.dev, env.fences)

	v := env.fences.allocate()
	pool.beginUsage(v)

	a, err := pool.allocate(100)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := pool.allocate(40)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if a.offset%uploadAlignment != 0 || b.offset%uploadAlignment != 0 {
		t.Errorf("offsets %d/%d not %d-aligned", a.offset, b.offset, uploadAlignment)
	}
	if a.buffer != b.buffer {
		t.Error("small allocations should share one heap")
	}
	if len(a.mapped) != 100 || len(b.mapped) != 40 {
		t.Errorf("mapped sizes = %d/%d, want 100/40", len(a.mapped), len(b.mapped))
	}
	if a.offset == b.offset {
		t.Error("allocations overlap")
	}
}

func TestUploadPoolGeometricGrowth(t *testing.T) {
	env := newPoolEnv()
	pool := newUploadPool(env.dev, env.fences)

	v := env.fences.allocate()
	pool.beginUsage(v)

	big := uint64(initialUploadHeapSize) * 3
	blk, err := pool.allocate(big)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if uint64(len(blk.mapped)) != big {
		t.Errorf("mapped size = %d, want %d", len(blk.mapped), big)
	}
	// Heap growth doubles from the request.
	if pool.nextHeapSize < 2*big {
		t.Errorf("next heap size = %d, want >= %d", pool.nextHeapSize, 2*big)
	}
}

// Arenas return to the free list only once their fence has signaled.
func TestUploadPoolFenceGatedRecycle(t *testing.T) {
	env := newPoolEnv()
	pool := newUploadPool(env.dev, env.fences)

	v1 := env.fences.allocate()
	pool.beginUsage(v1)
	if _, err := pool.allocate(64); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	pool.endUsage()
	env.submitEmpty(t, v1)
	env.fences.release(v1)

	// The fence has not signaled: nothing may recycle.
	v2 := env.fences.allocate()
	pool.beginUsage(v2)
	if len(pool.free) != 0 {
		t.Fatal("arena recycled before its fence signaled")
	}
	if len(pool.parked) != 1 {
		t.Fatalf("parked sets = %d, want 1", len(pool.parked))
	}
	pool.endUsage()

	env.dev.SignalAll()

	v3 := env.fences.allocate()
	pool.beginUsage(v3)
	if len(pool.free) == 0 {
		t.Error("arena not recycled after its fence signaled")
	}
	if len(pool.parked) != 0 {
		t.Errorf("parked sets = %d, want 0", len(pool.parked))
	}
	pool.endUsage()
}

func TestUploadPoolAbortUsage(t *testing.T) {
	env := newPoolEnv()
	pool := newUploadPool(env.dev, env.fences)

	v := env.fences.allocate()
	pool.beginUsage(v)
	if _, err := pool.allocate(64); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	pool.abortUsage()

	if len(pool.active) != 0 || len(pool.parked) != 0 {
		t.Error("abort should empty active and parked sets")
	}
	if len(pool.free) != 1 {
		t.Errorf("free heaps = %d, want 1", len(pool.free))
	}
}

func TestTablePoolReuse(t *testing.T) {
	env := newPoolEnv()
	pool := newTablePool(env.fences)

	v1 := env.fences.allocate()
	pool.beginUsage(v1)
	arena := pool.allocate(8)
	if len(arena) != 8 {
		t.Fatalf("arena len = %d, want 8", len(arena))
	}
	arena[0].Resource = hal.ResourceRef{Buffer: 99}
	pool.endUsage()
	env.submitEmpty(t, v1)
	env.fences.release(v1)
	env.dev.SignalAll()

	v2 := env.fences.allocate()
	pool.beginUsage(v2)
	again := pool.allocate(4)
	if len(again) != 4 {
		t.Fatalf("arena len = %d, want 4", len(again))
	}
	// Recycled arenas come back zeroed.
	if again[0].Resource != (hal.ResourceRef{}) {
		t.Error("recycled arena not cleared")
	}
	pool.endUsage()
}

func TestFencePoolLifecycle(t *testing.T) {
	env := newPoolEnv()

	v := env.fences.allocate()
	if env.fences.isSignaled(v) {
		t.Error("unsubmitted value reported signaled")
	}
	env.submitEmpty(t, v)
	if env.fences.isSignaled(v) {
		t.Error("unsignaled fence reported signaled")
	}
	env.dev.SignalAll()
	if !env.fences.isSignaled(v) {
		t.Error("signaled fence reported pending")
	}

	env.fences.release(v)
	// Recycled values stay signaled from the caller's point of view.
	if !env.fences.isSignaled(v) {
		t.Error("released retired value should read as signaled")
	}
}

func TestFencePoolWaitTimeout(t *testing.T) {
	env := newPoolEnv()
	v := env.fences.allocate()
	env.submitEmpty(t, v)

	if st := env.fences.wait(v, time.Millisecond); st != WaitTimeout {
		t.Errorf("wait on held fence = %s, want Timeout", st)
	}
	env.dev.SignalAll()
	if st := env.fences.wait(v, -1); st != WaitOk {
		t.Errorf("wait after signal = %s, want Ok", st)
	}
}
