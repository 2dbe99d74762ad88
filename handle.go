package sched

// Handle is a generational reference to an entry in a handle container.
// The zero value is invalid. A handle goes stale when its entry is
// freed: the container bumps the generation and later lookups with the
// old handle fail.
type Handle struct {
	idx uint32
	gen uint32
}

// Valid returns true if the handle has ever been allocated. A valid
// handle may still be stale; container lookups check the generation.
func (h Handle) Valid() bool { return h.gen != 0 }

// ResourceHandle references a registered buffer or texture.
type ResourceHandle struct{ Handle }

// Buffer is a ResourceHandle known to name a buffer.
type Buffer struct{ ResourceHandle }

// Texture is a ResourceHandle known to name a texture.
type Texture struct{ ResourceHandle }

// ResourceTable references a registered descriptor table.
type ResourceTable struct{ Handle }

// InResourceTable is a ResourceTable of read-only (SRV) views.
type InResourceTable struct{ ResourceTable }

// OutResourceTable is a ResourceTable of writable (UAV) views.
type OutResourceTable struct{ ResourceTable }

// SamplerTable is a ResourceTable of samplers.
type SamplerTable struct{ ResourceTable }

// ShaderHandle references a shader registered with the shader database.
type ShaderHandle struct{ Handle }

// WorkHandle references a live work bundle. It becomes invalid after
// Device.ReleaseWork.
type WorkHandle struct{ Handle }

// container is a generational slot store. Free slots are recycled in
// LIFO order; each free bumps the slot generation so stale handles miss.
//
// container is not synchronized; owners guard it with their own mutex.
type container[T any] struct {
	slots []slot[T]
	free  []uint32
}

type slot[T any] struct {
	value T
	gen   uint32
	live  bool
}

// allocate claims a slot, stores value, and returns its handle.
func (c *container[T]) allocate(value T) Handle {
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		s := &c.slots[idx]
		s.value = value
		s.live = true
		return Handle{idx: idx, gen: s.gen}
	}
	c.slots = append(c.slots, slot[T]{value: value, gen: 1, live: true})
	return Handle{idx: uint32(len(c.slots) - 1), gen: 1}
}

// lookup returns a pointer to the value for h, or nil if h is stale or
// was never allocated.
func (c *container[T]) lookup(h Handle) *T {
	if int(h.idx) >= len(c.slots) {
		return nil
	}
	s := &c.slots[h.idx]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return &s.value
}

// release frees the slot for h. Releasing a stale handle is a no-op and
// returns false.
func (c *container[T]) release(h Handle) bool {
	if int(h.idx) >= len(c.slots) {
		return false
	}
	s := &c.slots[h.idx]
	if !s.live || s.gen != h.gen {
		return false
	}
	var zero T
	s.value = zero
	s.live = false
	s.gen++
	c.free = append(c.free, h.idx)
	return true
}

// forEach visits every live entry.
func (c *container[T]) forEach(fn func(h Handle, v *T)) {
	for i := range c.slots {
		s := &c.slots[i]
		if s.live {
			fn(Handle{idx: uint32(i), gen: s.gen}, &s.value)
		}
	}
}
