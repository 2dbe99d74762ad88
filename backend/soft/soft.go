// Package soft provides an in-process software backend for the sched
// scheduler.
//
// The soft backend executes dispatches synchronously on the CPU using
// the Kernel field of [hal.ShaderDesc], keeps every resource in plain
// Go memory, and validates the barrier stream against its own state
// tracking. It exists for tests and for running scheduler code on
// machines without a GPU, the same role the CPU fallback plays in the
// gg rendering pipeline.
//
// Importing the package registers it under the name "soft":
//
//	import _ "github.com/gogpu/sched/backend/soft"
package soft

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/sched/hal"
)

func init() {
	hal.Register("soft", func() (hal.Backend, error) {
		return New(nil), nil
	})
}

// Soft backend errors.
var (
	// ErrNoKernel is returned when a shader carries no software kernel.
	ErrNoKernel = errors.New("soft: shader has no kernel")

	// ErrBarrierMismatch is returned by Submit when a transition's
	// previous state disagreed with the backend's own tracking.
	ErrBarrierMismatch = errors.New("soft: barrier previous state mismatch")
)

// Options configures a soft device.
type Options struct {
	// ManualFences keeps submitted fences unsignaled until SignalAll is
	// called, letting tests observe in-flight states.
	ManualFences bool
}

type buffer struct {
	data  []byte
	label string
}

type texture struct {
	data []byte
	desc hal.TextureDesc
}

type shader struct {
	kernel hal.Kernel
	label  string
}

type fence struct {
	signaled bool
}

// Device is a software hal.Backend. Create one with New, or through
// hal.New("soft").
type Device struct {
	mu sync.Mutex

	opts Options

	nextID   uint64
	buffers  map[hal.BufferID]*buffer
	textures map[hal.TextureID]*texture
	shaders  map[hal.ShaderID]*shader
	fences   map[hal.Fence]*fence

	// states tracks the last applied transition per resource, so
	// recorded barrier streams can be validated.
	states map[hal.ResourceRef]hal.ResourceState

	fenceCond *sync.Cond
}

// New creates a soft device. A nil opts selects defaults.
func New(opts *Options) *Device {
	d := &Device{
		buffers:  make(map[hal.BufferID]*buffer),
		textures: make(map[hal.TextureID]*texture),
		shaders:  make(map[hal.ShaderID]*shader),
		fences:   make(map[hal.Fence]*fence),
		states:   make(map[hal.ResourceRef]hal.ResourceState),
	}
	if opts != nil {
		d.opts = *opts
	}
	d.fenceCond = sync.NewCond(&d.mu)
	return d
}

// Name implements hal.Backend.
func (d *Device) Name() string { return "soft" }

func (d *Device) allocID() uint64 {
	d.nextID++
	return d.nextID
}

// CreateBuffer implements hal.Backend.
func (d *Device) CreateBuffer(desc *hal.BufferDesc) (hal.BufferID, error) {
	if desc.Size == 0 {
		return hal.InvalidID, fmt.Errorf("soft: zero-size buffer %q", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := hal.BufferID(d.allocID())
	d.buffers[id] = &buffer{data: make([]byte, desc.Size), label: desc.Label}
	d.states[hal.ResourceRef{Buffer: id}] = hal.StateDefault
	return id, nil
}

// CreateTexture implements hal.Backend.
func (d *Device) CreateTexture(desc *hal.TextureDesc) (hal.TextureID, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return hal.InvalidID, fmt.Errorf("soft: zero-size texture %q", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := hal.TextureID(d.allocID())
	d.textures[id] = &texture{data: make([]byte, textureBytes(desc)), desc: *desc}
	d.states[hal.ResourceRef{Texture: id}] = hal.StateDefault
	return id, nil
}

// textureBytes sizes a tightly packed texture across mips and slices,
// assuming 4 bytes per texel for formats the soft backend does not
// distinguish.
func textureBytes(desc *hal.TextureDesc) uint64 {
	mips := max(desc.MipLevels, 1)
	slices := max(desc.ArrayLayers, 1)
	var sliceSize uint64
	for m := uint32(0); m < mips; m++ {
		w := uint64(max(desc.Width>>m, 1))
		h := uint64(max(desc.Height>>m, 1))
		dd := uint64(max(desc.Depth>>m, 1))
		sliceSize += 4 * w * h * dd
	}
	return sliceSize * uint64(slices)
}

// DestroyBuffer implements hal.Backend.
func (d *Device) DestroyBuffer(id hal.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, id)
	delete(d.states, hal.ResourceRef{Buffer: id})
}

// DestroyTexture implements hal.Backend.
func (d *Device) DestroyTexture(id hal.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.textures, id)
	delete(d.states, hal.ResourceRef{Texture: id})
}

// MappedBytes implements hal.Backend. Every soft resource is host
// memory, so everything is mappable.
func (d *Device) MappedBytes(ref hal.ResourceRef) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref.IsBuffer() {
		b, ok := d.buffers[ref.Buffer]
		if !ok {
			return nil, hal.ErrInvalidID
		}
		return b.data, nil
	}
	t, ok := d.textures[ref.Texture]
	if !ok {
		return nil, hal.ErrInvalidID
	}
	return t.data, nil
}

// CreateShader implements hal.Backend.
func (d *Device) CreateShader(desc *hal.ShaderDesc) (hal.ShaderID, error) {
	if desc.Kernel == nil {
		return hal.InvalidID, fmt.Errorf("%w: %q", ErrNoKernel, desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := hal.ShaderID(d.allocID())
	d.shaders[id] = &shader{kernel: desc.Kernel, label: desc.Label}
	return id, nil
}

// DestroyShader implements hal.Backend.
func (d *Device) DestroyShader(id hal.ShaderID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.shaders, id)
}

// NewCommandRecorder implements hal.Backend.
func (d *Device) NewCommandRecorder() (hal.CommandRecorder, error) {
	return &recorder{dev: d}, nil
}

// Submit implements hal.Backend. Execution is synchronous: every
// recorded operation runs before Submit returns. The returned fence is
// signaled immediately unless the device uses manual fences.
func (d *Device) Submit(queue hal.QueueKind, recorders []hal.CommandRecorder) (hal.Fence, error) {
	for _, r := range recorders {
		rec, ok := r.(*recorder)
		if !ok {
			return 0, fmt.Errorf("soft: foreign recorder submitted")
		}
		if !rec.closed {
			return 0, fmt.Errorf("soft: recorder submitted before Close")
		}
		if err := rec.run(); err != nil {
			return 0, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	f := hal.Fence(d.allocID())
	d.fences[f] = &fence{signaled: !d.opts.ManualFences}
	return f, nil
}

// ReleaseCommandRecorder implements hal.Backend.
func (d *Device) ReleaseCommandRecorder(rec hal.CommandRecorder) {}

// FenceSignaled implements hal.Backend.
func (d *Device) FenceSignaled(f hal.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.fences[f]
	if !ok {
		return false, hal.ErrInvalidID
	}
	return entry.signaled, nil
}

// WaitFence implements hal.Backend.
func (d *Device) WaitFence(f hal.Fence, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.fences[f]
	if !ok {
		return hal.ErrInvalidID
	}
	if entry.signaled {
		return nil
	}
	if timeout >= 0 {
		// Manual fences do not signal on their own; a bounded wait sleeps
		// out its timeout and succeeds only if SignalAll ran meanwhile.
		d.mu.Unlock()
		time.Sleep(timeout)
		d.mu.Lock()
		if entry.signaled {
			return nil
		}
		return hal.ErrTimeout
	}
	for !entry.signaled {
		d.fenceCond.Wait()
	}
	return nil
}

// ReleaseFence implements hal.Backend.
func (d *Device) ReleaseFence(f hal.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, f)
}

// SignalAll signals every outstanding fence. Only meaningful with
// Options.ManualFences.
func (d *Device) SignalAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.fences {
		f.signaled = true
	}
	d.fenceCond.Broadcast()
}

// Destroy implements hal.Backend.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = map[hal.BufferID]*buffer{}
	d.textures = map[hal.TextureID]*texture{}
	d.shaders = map[hal.ShaderID]*shader{}
	d.fences = map[hal.Fence]*fence{}
	d.states = map[hal.ResourceRef]hal.ResourceState{}
}

// ResourceState returns the backend's tracked state for a resource,
// for tests that assert on transition streams.
func (d *Device) ResourceState(ref hal.ResourceRef) (hal.ResourceState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[ref]
	return s, ok
}
