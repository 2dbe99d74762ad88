// Package webgpu provides the wgpu-native backend for the sched
// scheduler, built on the gogpu/wgpu HAL. On Windows wgpu-native runs
// on D3D12, which is the barrier model this backend mirrors: barriers
// arrive grouped per command, the Begin/End halves of split pairs act
// as transition flags on the group, and same-state entries are
// dropped. WebGPU itself tracks hazards internally, so the grouped
// batch is validated against the backend's own state table rather than
// re-encoded.
//
// Importing the package registers it under the name "webgpu":
//
//	import _ "github.com/gogpu/sched/backend/webgpu"
//
// Compute dispatch binds buffer table entries; texture table entries
// need texture-view plumbing the wgpu HAL does not expose yet. Indirect
// dispatch is likewise unavailable through the HAL compute pass.
package webgpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	schedhal "github.com/gogpu/sched/hal"
)

func init() {
	schedhal.Register("webgpu", func() (schedhal.Backend, error) {
		return New(nil)
	})
}

// Webgpu backend errors.
var (
	// ErrNoAdapter is returned when no GPU adapter is available.
	ErrNoAdapter = errors.New("webgpu: no GPU adapters found")

	// ErrTextureBinding is returned when a dispatch table carries a
	// texture entry.
	ErrTextureBinding = errors.New("webgpu: texture table entries are not supported yet")

	// ErrIndirectDispatch is returned for indirect dispatches.
	ErrIndirectDispatch = errors.New("webgpu: indirect dispatch is not exposed by the wgpu HAL")

	// ErrBarrierMismatch is reported when a grouped transition
	// disagrees with the backend's state tracking.
	ErrBarrierMismatch = errors.New("webgpu: barrier previous state mismatch")
)

// Options configures device creation.
type Options struct {
	// PreferredBackend picks the wgpu-hal driver. Zero selects Vulkan.
	PreferredBackend gputypes.Backend
}

type buffer struct {
	buf  hal.Buffer
	size uint64

	// shadow is the CPU mirror of host-visible buffers: MapWrite
	// shadows flush to the GPU at submit, MapRead shadows refresh from
	// the GPU after their fence retires.
	shadow  []byte
	mapRead bool
	mapWrite bool
}

type texture struct {
	tex  hal.Texture
	desc schedhal.TextureDesc
}

type shaderEntry struct {
	module hal.ShaderModule
	entry  string
	label  string

	pipelines map[string]pipelineEntry
}

type pipelineEntry struct {
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

type submission struct {
	fence     hal.Fence
	refreshed bool
}

// Device is the wgpu hal.Backend for sched.
type Device struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	nextID      uint64
	buffers     map[schedhal.BufferID]*buffer
	textures    map[schedhal.TextureID]*texture
	shaders     map[schedhal.ShaderID]*shaderEntry
	submissions map[schedhal.Fence]*submission
	nextFence   schedhal.Fence

	// states validates the grouped barrier batches.
	states map[schedhal.ResourceRef]schedhal.ResourceState
}

// New opens the first suitable adapter of the configured wgpu-hal
// driver and creates a device on it.
func New(opts *Options) (*Device, error) {
	preferred := gputypes.BackendVulkan
	if opts != nil && opts.PreferredBackend != 0 {
		preferred = opts.PreferredBackend
	}

	backend, ok := hal.GetBackend(preferred)
	if !ok {
		return nil, fmt.Errorf("webgpu: hal backend %v not available", preferred)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("webgpu: open device: %w", err)
	}

	return &Device{
		instance:    instance,
		device:      openDev.Device,
		queue:       openDev.Queue,
		buffers:     make(map[schedhal.BufferID]*buffer),
		textures:    make(map[schedhal.TextureID]*texture),
		shaders:     make(map[schedhal.ShaderID]*shaderEntry),
		submissions: make(map[schedhal.Fence]*submission),
		states:      make(map[schedhal.ResourceRef]schedhal.ResourceState),
	}, nil
}

// Name implements hal.Backend.
func (d *Device) Name() string { return "webgpu" }

func (d *Device) allocID() uint64 {
	d.nextID++
	return d.nextID
}

// CreateBuffer implements hal.Backend.
func (d *Device) CreateBuffer(desc *schedhal.BufferDesc) (schedhal.BufferID, error) {
	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.Usage&gputypes.BufferUsageUniform != 0 {
		usage |= gputypes.BufferUsageUniform
	}
	mapRead := desc.Usage&gputypes.BufferUsageMapRead != 0
	mapWrite := desc.Usage&gputypes.BufferUsageMapWrite != 0

	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return schedhal.InvalidID, fmt.Errorf("webgpu: create buffer %q: %w", desc.Label, err)
	}

	b := &buffer{buf: buf, size: desc.Size, mapRead: mapRead, mapWrite: mapWrite}
	if desc.HostVisible {
		b.shadow = make([]byte, desc.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := schedhal.BufferID(d.allocID())
	d.buffers[id] = b
	d.states[schedhal.ResourceRef{Buffer: id}] = schedhal.StateDefault
	return id, nil
}

// CreateTexture implements hal.Backend.
func (d *Device) CreateTexture(desc *schedhal.TextureDesc) (schedhal.TextureID, error) {
	dim := gputypes.TextureDimension2D
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: max(desc.ArrayLayers, 1),
		},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   1,
		Dimension:     dim,
		Format:        desc.Format,
		Usage: gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst |
			gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return schedhal.InvalidID, fmt.Errorf("webgpu: create texture %q: %w", desc.Label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := schedhal.TextureID(d.allocID())
	d.textures[id] = &texture{tex: tex, desc: *desc}
	d.states[schedhal.ResourceRef{Texture: id}] = schedhal.StateDefault
	return id, nil
}

// DestroyBuffer implements hal.Backend.
func (d *Device) DestroyBuffer(id schedhal.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	delete(d.states, schedhal.ResourceRef{Buffer: id})
	d.mu.Unlock()
	if ok {
		d.device.DestroyBuffer(b.buf)
	}
}

// DestroyTexture implements hal.Backend.
func (d *Device) DestroyTexture(id schedhal.TextureID) {
	d.mu.Lock()
	t, ok := d.textures[id]
	delete(d.textures, id)
	delete(d.states, schedhal.ResourceRef{Texture: id})
	d.mu.Unlock()
	if ok {
		d.device.DestroyTexture(t.tex)
	}
}

// MappedBytes implements hal.Backend. Host-visible buffers are mirrored
// in CPU shadows: writes flush at submit, reads refresh once the
// submission's fence retires.
func (d *Device) MappedBytes(ref schedhal.ResourceRef) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !ref.IsBuffer() {
		return nil, schedhal.ErrNotMappable
	}
	b, ok := d.buffers[ref.Buffer]
	if !ok {
		return nil, schedhal.ErrInvalidID
	}
	if b.shadow == nil {
		return nil, schedhal.ErrNotMappable
	}
	return b.shadow, nil
}

// CreateShader implements hal.Backend.
func (d *Device) CreateShader(desc *schedhal.ShaderDesc) (schedhal.ShaderID, error) {
	src := hal.ShaderSource{}
	switch {
	case desc.WGSL != "":
		src.WGSL = desc.WGSL
	case len(desc.SPIRV) > 0:
		src.SPIRV = desc.SPIRV
	default:
		return schedhal.InvalidID, fmt.Errorf("webgpu: shader %q has no source", desc.Label)
	}

	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: src,
	})
	if err != nil {
		return schedhal.InvalidID, fmt.Errorf("webgpu: shader %q: %w", desc.Label, err)
	}

	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := schedhal.ShaderID(d.allocID())
	d.shaders[id] = &shaderEntry{
		module:    module,
		entry:     entry,
		label:     desc.Label,
		pipelines: make(map[string]pipelineEntry),
	}
	return id, nil
}

// DestroyShader implements hal.Backend.
func (d *Device) DestroyShader(id schedhal.ShaderID) {
	d.mu.Lock()
	sh, ok := d.shaders[id]
	delete(d.shaders, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	for _, pe := range sh.pipelines {
		d.device.DestroyComputePipeline(pe.pipeline)
		d.device.DestroyPipelineLayout(pe.pipeLayout)
		d.device.DestroyBindGroupLayout(pe.bindLayout)
	}
	d.device.DestroyShaderModule(sh.module)
}

// NewCommandRecorder implements hal.Backend.
func (d *Device) NewCommandRecorder() (schedhal.CommandRecorder, error) {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "sched-cmd",
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("sched-cmd"); err != nil {
		return nil, fmt.Errorf("webgpu: begin encoding: %w", err)
	}
	return &recorder{dev: d, encoder: encoder}, nil
}

// Submit implements hal.Backend. MapWrite shadows flush to the GPU
// before the command buffers run.
func (d *Device) Submit(queue schedhal.QueueKind, recorders []schedhal.CommandRecorder) (schedhal.Fence, error) {
	d.mu.Lock()
	for _, b := range d.buffers {
		if b.mapWrite && b.shadow != nil {
			d.queue.WriteBuffer(b.buf, 0, b.shadow)
		}
	}
	d.mu.Unlock()

	cmdBufs := make([]hal.CommandBuffer, 0, len(recorders))
	for _, r := range recorders {
		rec, ok := r.(*recorder)
		if !ok {
			return 0, errors.New("webgpu: foreign recorder submitted")
		}
		if rec.err != nil {
			return 0, rec.err
		}
		cmdBufs = append(cmdBufs, rec.cmdBuf)
	}

	fence, err := d.device.CreateFence()
	if err != nil {
		return 0, fmt.Errorf("webgpu: create fence: %w", err)
	}
	if err := d.queue.Submit(cmdBufs, fence, 1); err != nil {
		d.device.DestroyFence(fence)
		return 0, fmt.Errorf("webgpu: submit: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFence++
	f := d.nextFence
	d.submissions[f] = &submission{fence: fence}
	return f, nil
}

// ReleaseCommandRecorder implements hal.Backend.
func (d *Device) ReleaseCommandRecorder(r schedhal.CommandRecorder) {
	rec, ok := r.(*recorder)
	if !ok {
		return
	}
	for _, bg := range rec.bindGroups {
		d.device.DestroyBindGroup(bg)
	}
	if rec.cmdBuf != nil {
		rec.cmdBuf.Destroy()
	}
}

// refreshReadbacks pulls GPU contents of every MapRead buffer into its
// shadow. Called once per submission after its fence retires.
func (d *Device) refreshReadbacks(sub *submission) {
	if sub.refreshed {
		return
	}
	sub.refreshed = true
	for _, b := range d.buffers {
		if b.mapRead && b.shadow != nil {
			if err := d.queue.ReadBuffer(b.buf, 0, b.shadow); err != nil {
				// Leave the stale shadow; the caller sees old data
				// rather than garbage.
				continue
			}
		}
	}
}

// FenceSignaled implements hal.Backend.
func (d *Device) FenceSignaled(f schedhal.Fence) (bool, error) {
	d.mu.Lock()
	sub, ok := d.submissions[f]
	d.mu.Unlock()
	if !ok {
		return false, schedhal.ErrInvalidID
	}
	done, err := d.device.Wait(sub.fence, 1, 0)
	if err != nil {
		return false, err
	}
	if done {
		d.mu.Lock()
		d.refreshReadbacks(sub)
		d.mu.Unlock()
	}
	return done, nil
}

// WaitFence implements hal.Backend.
func (d *Device) WaitFence(f schedhal.Fence, timeout time.Duration) error {
	d.mu.Lock()
	sub, ok := d.submissions[f]
	d.mu.Unlock()
	if !ok {
		return schedhal.ErrInvalidID
	}

	ns := uint64(1<<63 - 1)
	if timeout >= 0 {
		ns = uint64(timeout.Nanoseconds())
	}
	done, err := d.device.Wait(sub.fence, 1, ns)
	if err != nil {
		return fmt.Errorf("webgpu: wait: %w", err)
	}
	if !done {
		return schedhal.ErrTimeout
	}
	d.mu.Lock()
	d.refreshReadbacks(sub)
	d.mu.Unlock()
	return nil
}

// ReleaseFence implements hal.Backend.
func (d *Device) ReleaseFence(f schedhal.Fence) {
	d.mu.Lock()
	sub, ok := d.submissions[f]
	delete(d.submissions, f)
	d.mu.Unlock()
	if ok {
		d.device.DestroyFence(sub.fence)
	}
}

// Destroy implements hal.Backend.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.submissions {
		d.device.DestroyFence(sub.fence)
	}
	for _, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
	}
	for _, t := range d.textures {
		d.device.DestroyTexture(t.tex)
	}
	for _, sh := range d.shaders {
		for _, pe := range sh.pipelines {
			d.device.DestroyComputePipeline(pe.pipeline)
			d.device.DestroyPipelineLayout(pe.pipeLayout)
			d.device.DestroyBindGroupLayout(pe.bindLayout)
		}
		d.device.DestroyShaderModule(sh.module)
	}
	d.submissions = map[schedhal.Fence]*submission{}
	d.buffers = map[schedhal.BufferID]*buffer{}
	d.textures = map[schedhal.TextureID]*texture{}
	d.shaders = map[schedhal.ShaderID]*shaderEntry{}
}
