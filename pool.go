package sched

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/sched/hal"
)

// Transient pools hand out per-bundle scratch that lives exactly as
// long as the GPU might read it. Each pool is single-owner per queue:
// BeginUsage pins the submission's fence value, allocations draw from
// the active arena set, EndUsage parks the set behind the fence, and
// the next BeginUsage recycles every parked set whose fence retired.
// No arena is recycled while unretired GPU work might reference it.

// uploadAlignment keeps constant-buffer views inside upload heaps
// legally aligned on every backend.
const uploadAlignment = 256

// initialUploadHeapSize is the first heap allocation; heaps grow
// geometrically from there.
const initialUploadHeapSize = 64 * 1024

// uploadBlock is one sub-allocation from an upload heap.
type uploadBlock struct {
	buffer hal.BufferID
	offset uint64
	mapped []byte
	size   uint64
}

type uploadHeap struct {
	buffer hal.BufferID
	mapped []byte
	size   uint64
	offset uint64
}

// pendingArenas is an arena set waiting on a fence.
type pendingArenas[T any] struct {
	fence  uint64
	arenas []T
}

// uploadPool sub-allocates CPU-visible staging from large, persistently
// mapped heaps.
type uploadPool struct {
	backend hal.Backend
	fences  *fencePool

	currentFence uint64
	inUse        bool

	active       []*uploadHeap
	parked       []pendingArenas[*uploadHeap]
	free         []*uploadHeap
	nextHeapSize uint64
}

func newUploadPool(backend hal.Backend, fences *fencePool) *uploadPool {
	return &uploadPool{
		backend:      backend,
		fences:       fences,
		nextHeapSize: initialUploadHeapSize,
	}
}

// beginUsage pins fence for this usage window and recycles every parked
// arena set whose fence has retired.
func (p *uploadPool) beginUsage(fence uint64) {
	p.currentFence = fence
	p.inUse = true
	p.fences.addRef(fence)

	kept := p.parked[:0]
	for _, set := range p.parked {
		if p.fences.isSignaled(set.fence) {
			for _, h := range set.arenas {
				h.offset = 0
				p.free = append(p.free, h)
			}
			p.fences.release(set.fence)
		} else {
			kept = append(kept, set)
		}
	}
	p.parked = kept
}

// endUsage parks the active arenas behind the usage fence.
func (p *uploadPool) endUsage() {
	if len(p.active) > 0 {
		p.parked = append(p.parked, pendingArenas[*uploadHeap]{
			fence:  p.currentFence,
			arenas: p.active,
		})
		p.active = nil
	} else {
		p.fences.release(p.currentFence)
	}
	p.inUse = false
}

// abortUsage undoes beginUsage after a failed submission: the active
// arenas were never referenced by GPU work, so they return straight to
// the free list.
func (p *uploadPool) abortUsage() {
	for _, h := range p.active {
		h.offset = 0
		p.free = append(p.free, h)
	}
	p.active = nil
	p.fences.release(p.currentFence)
	p.inUse = false
}

// allocate returns an aligned block of size bytes, growing the heap set
// geometrically when the active arena runs out.
func (p *uploadPool) allocate(size uint64) (uploadBlock, error) {
	if n := len(p.active); n > 0 {
		if blk, ok := p.active[n-1].suballocate(size); ok {
			return blk, nil
		}
	}

	// Prefer a parked-then-freed heap big enough for the request.
	for i, h := range p.free {
		if h.size >= size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.active = append(p.active, h)
			blk, _ := h.suballocate(size)
			return blk, nil
		}
	}

	heapSize := max(2*size, p.nextHeapSize)
	p.nextHeapSize = max(2*size, 2*p.nextHeapSize)

	id, err := p.backend.CreateBuffer(&hal.BufferDesc{
		Size:        heapSize,
		HostVisible: true,
		Usage:       gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc | gputypes.BufferUsageUniform,
		Label:       "sched.upload-heap",
	})
	if err != nil {
		return uploadBlock{}, fmt.Errorf("sched: upload heap allocation failed: %w", err)
	}
	mapped, err := p.backend.MappedBytes(hal.ResourceRef{Buffer: id})
	if err != nil {
		p.backend.DestroyBuffer(id)
		return uploadBlock{}, fmt.Errorf("sched: upload heap is not mappable: %w", err)
	}

	Logger().Debug("sched: upload heap grown", "size", heapSize)
	h := &uploadHeap{buffer: id, mapped: mapped, size: heapSize}
	p.active = append(p.active, h)
	blk, _ := h.suballocate(size)
	return blk, nil
}

func (h *uploadHeap) suballocate(size uint64) (uploadBlock, bool) {
	offset := alignUp(h.offset, uploadAlignment)
	if offset+size > h.size {
		return uploadBlock{}, false
	}
	h.offset = offset + size
	return uploadBlock{
		buffer: h.buffer,
		offset: offset,
		mapped: h.mapped[offset : offset+size],
		size:   size,
	}, true
}

// destroy releases every heap. Callers drain the GPU first.
func (p *uploadPool) destroy() {
	for _, set := range p.parked {
		for _, h := range set.arenas {
			p.backend.DestroyBuffer(h.buffer)
		}
		p.fences.release(set.fence)
	}
	for _, h := range p.active {
		p.backend.DestroyBuffer(h.buffer)
	}
	for _, h := range p.free {
		p.backend.DestroyBuffer(h.buffer)
	}
	p.parked, p.active, p.free = nil, nil, nil
}

// tablePool hands out the flat per-bundle descriptor staging ranges the
// emitter resolves tables into. Arenas are plain entry slices, reused
// once their fence retires so the backing arrays stop churning.
type tablePool struct {
	fences *fencePool

	currentFence uint64

	active []([]hal.TableEntry)
	parked []pendingArenas[[]hal.TableEntry]
	free   [][]hal.TableEntry
}

func newTablePool(fences *fencePool) *tablePool {
	return &tablePool{fences: fences}
}

func (p *tablePool) beginUsage(fence uint64) {
	p.currentFence = fence
	p.fences.addRef(fence)

	kept := p.parked[:0]
	for _, set := range p.parked {
		if p.fences.isSignaled(set.fence) {
			p.free = append(p.free, set.arenas...)
			p.fences.release(set.fence)
		} else {
			kept = append(kept, set)
		}
	}
	p.parked = kept
}

func (p *tablePool) endUsage() {
	if len(p.active) > 0 {
		p.parked = append(p.parked, pendingArenas[[]hal.TableEntry]{
			fence:  p.currentFence,
			arenas: p.active,
		})
		p.active = nil
	} else {
		p.fences.release(p.currentFence)
	}
}

// abortUsage undoes beginUsage after a failed submission.
func (p *tablePool) abortUsage() {
	p.free = append(p.free, p.active...)
	p.active = nil
	p.fences.release(p.currentFence)
}

// allocate returns a zeroed descriptor staging range of count entries.
func (p *tablePool) allocate(count int) []hal.TableEntry {
	for i, arena := range p.free {
		if cap(arena) >= count {
			p.free = append(p.free[:i], p.free[i+1:]...)
			arena = arena[:count]
			clear(arena)
			p.active = append(p.active, arena)
			return arena
		}
	}
	arena := make([]hal.TableEntry, count)
	p.active = append(p.active, arena)
	return arena
}
