package sched

import (
	"sync"
	"time"

	"github.com/gogpu/sched/hal"
)

// fencePool maps the scheduler's monotonically increasing fence values
// onto backend fence objects and reference-counts them. A value is
// allocated at submission start, bound to the backend fence the
// submission returns, and recycled once it has signaled and every
// holder (queue ring, transient pools) has dropped its reference.
type fencePool struct {
	mu      sync.Mutex
	backend hal.Backend
	next    uint64
	entries map[uint64]*fenceEntry

	// lastRetired is the highest value V such that every value <= V has
	// signaled and been swept from entries. It only advances over a
	// contiguous run, so out-of-order retirement can never mark an
	// in-flight value as signaled.
	lastRetired uint64
}

type fenceEntry struct {
	fence     hal.Fence
	refs      int
	submitted bool
	signaled  bool
	released  bool
	lost      bool
	abandoned bool
}

func newFencePool(backend hal.Backend) *fencePool {
	return &fencePool{
		backend: backend,
		entries: make(map[uint64]*fenceEntry),
	}
}

// allocate assigns the next fence value with one reference held by the
// caller.
func (p *fencePool) allocate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.entries[p.next] = &fenceEntry{refs: 1}
	return p.next
}

// bind attaches the backend fence returned by a submission.
func (p *fencePool) bind(value uint64, f hal.Fence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[value]; ok {
		e.fence = f
		e.submitted = true
	}
}

// addRef takes an extra reference on value.
func (p *fencePool) addRef(value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[value]; ok {
		e.refs++
	}
}

// release drops a reference; a fully released, signaled entry frees its
// backend fence and becomes sweepable.
func (p *fencePool) release(value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[value]
	if !ok {
		return
	}
	e.refs--
	p.reclaimLocked(value, e)
}

// current returns the most recently allocated fence value, 0 if none.
func (p *fencePool) current() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// abandon marks a value whose submission never happened as permanently
// done, so the contiguous sweep can pass over it.
func (p *fencePool) abandon(value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[value]
	if !ok {
		return
	}
	e.abandoned = true
	e.signaled = true
	e.released = true
	p.sweepLocked()
}

// isSignaled reports whether value has retired on the GPU.
func (p *fencePool) isSignaled(value uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isSignaledLocked(value)
}

func (p *fencePool) isSignaledLocked(value uint64) bool {
	if value <= p.lastRetired {
		return true
	}
	e, ok := p.entries[value]
	if !ok {
		// Values above the sweep line are either unallocated or were
		// never tracked; neither may read as retired.
		return false
	}
	if e.signaled {
		return true
	}
	if !e.submitted {
		return false
	}
	done, err := p.backend.FenceSignaled(e.fence)
	if err != nil {
		e.lost = true
		return false
	}
	if done {
		e.signaled = true
		p.reclaimLocked(value, e)
	}
	return done
}

// reclaimLocked frees the backend fence of a signaled, unreferenced
// entry and advances the contiguous sweep line.
func (p *fencePool) reclaimLocked(value uint64, e *fenceEntry) {
	if e.refs <= 0 && e.signaled && !e.released {
		e.released = true
		if !e.abandoned {
			p.backend.ReleaseFence(e.fence)
		}
	}
	p.sweepLocked()
}

// sweepLocked deletes the contiguous run of fully retired entries just
// above lastRetired.
func (p *fencePool) sweepLocked() {
	for {
		e, ok := p.entries[p.lastRetired+1]
		if !ok || !e.released {
			return
		}
		delete(p.entries, p.lastRetired+1)
		p.lastRetired++
	}
}

// wait blocks until value retires. timeout < 0 waits forever.
func (p *fencePool) wait(value uint64, timeout time.Duration) WaitErrorType {
	p.mu.Lock()
	if p.isSignaledLocked(value) {
		p.mu.Unlock()
		return WaitOk
	}
	e, ok := p.entries[value]
	if !ok {
		// Above the sweep line with no entry: the value was never
		// submitted through this pool.
		p.mu.Unlock()
		return WaitInvalid
	}
	if e.lost {
		p.mu.Unlock()
		return WaitDeviceLost
	}
	if !e.submitted {
		p.mu.Unlock()
		return WaitInvalid
	}
	fence := e.fence
	p.mu.Unlock()

	switch err := p.backend.WaitFence(fence, timeout); err {
	case nil:
	case hal.ErrTimeout:
		return WaitTimeout
	default:
		p.mu.Lock()
		e.lost = true
		p.mu.Unlock()
		return WaitDeviceLost
	}

	p.mu.Lock()
	e.signaled = true
	p.reclaimLocked(value, e)
	p.mu.Unlock()
	return WaitOk
}
