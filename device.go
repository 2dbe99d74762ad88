package sched

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/sched/hal"
)

// Device construction errors.
var (
	// ErrNoBackend is returned when DeviceConfig names no backend.
	ErrNoBackend = errors.New("sched: no backend configured")

	// ErrDeviceDestroyed is returned for operations on a destroyed
	// device.
	ErrDeviceDestroyed = errors.New("sched: device destroyed")
)

// DeviceConfig configures a Device.
type DeviceConfig struct {
	// Backend names a registered hal backend ("vk", "webgpu", "soft").
	// Required.
	Backend string

	// Queue selects the hardware queue scheduled work targets.
	// Defaults to the compute queue.
	Queue hal.QueueKind
}

// Device is the scheduler front end: it creates resources and tables,
// builds and submits work bundles, and surfaces fences and downloads.
//
// All methods are safe for concurrent use.
type Device struct {
	cfg     DeviceConfig
	backend hal.Backend

	registry Registry
	works    workDb
	fences   *fencePool

	// submitMu serializes submission, queue reaping, and deferred
	// releases. Builds and waits run outside it.
	submitMu sync.Mutex
	queues   [hal.QueueCount]*queue

	pendingReleases []pendingRelease

	shaderMu sync.Mutex
	shaders  container[shaderInfo]

	destroyed bool
}

// pendingRelease is a backend resource waiting for in-flight work to
// retire before destruction.
type pendingRelease struct {
	ref   hal.ResourceRef
	fence uint64
}

// NewDevice creates a device on the configured backend.
// Construction order is fixed: backend, then fence pool, then transient
// pools, then queues; each layer holds non-owning references to the
// previous ones.
func NewDevice(cfg *DeviceConfig) (*Device, error) {
	if cfg == nil || cfg.Backend == "" {
		return nil, ErrNoBackend
	}

	backend, err := hal.New(cfg.Backend)
	if err != nil {
		return nil, err
	}

	d := &Device{cfg: *cfg, backend: backend}
	d.fences = newFencePool(backend)
	for kind := hal.QueueKind(0); kind < hal.QueueCount; kind++ {
		d.queues[kind] = newQueue(kind, backend, d.fences, d.retireWork)
	}

	Logger().Info("sched: device created", "backend", backend.Name(), "queue", cfg.Queue)
	return d, nil
}

// Backend returns the name of the backend this device runs on.
func (d *Device) Backend() string { return d.backend.Name() }

// CreateBuffer creates and registers a buffer.
func (d *Device) CreateBuffer(desc *BufferDesc) (Buffer, error) {
	if desc.ElementCount == 0 {
		return Buffer{}, fmt.Errorf("sched: buffer %q has zero elements", desc.Name)
	}
	memFlags := desc.MemFlags
	if memFlags == 0 {
		memFlags = MemGpuRead | MemGpuWrite
	}

	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.IsConstantBuffer {
		usage |= gputypes.BufferUsageUniform
	}
	if memFlags&MemCpuRead != 0 {
		usage |= gputypes.BufferUsageMapRead
	}
	if memFlags&MemCpuUpload != 0 {
		usage |= gputypes.BufferUsageMapWrite
	}

	size := desc.SizeInBytes()
	id, err := d.backend.CreateBuffer(&hal.BufferDesc{
		Size:        size,
		HostVisible: memFlags&(MemCpuRead|MemCpuUpload) != 0,
		Usage:       usage,
		Label:       desc.Name,
	})
	if err != nil {
		return Buffer{}, err
	}

	h := d.registry.RegisterResource(resourceInfo{
		kind:        KindBuffer,
		memFlags:    memFlags,
		gpuState:    hal.StateDefault,
		ref:         hal.ResourceRef{Buffer: id},
		sizeInBytes: size,
		buffer:      *desc,
	})
	return Buffer{ResourceHandle: h}, nil
}

// CreateTexture creates and registers a texture.
func (d *Device) CreateTexture(desc *TextureDesc) (Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return Texture{}, fmt.Errorf("sched: texture %q has invalid dimensions %dx%d",
			desc.Name, desc.Width, desc.Height)
	}
	memFlags := desc.MemFlags
	if memFlags == 0 {
		memFlags = MemGpuRead | MemGpuWrite
	}

	norm := *desc
	norm.Depth = max(norm.Depth, 1)
	norm.MipLevels = max(norm.MipLevels, 1)
	norm.ArraySlices = max(norm.ArraySlices, 1)

	id, err := d.backend.CreateTexture(&hal.TextureDesc{
		Width:       norm.Width,
		Height:      norm.Height,
		Depth:       norm.Depth,
		MipLevels:   norm.MipLevels,
		ArrayLayers: norm.ArraySlices,
		Format:      norm.Format,
		Label:       norm.Name,
	})
	if err != nil {
		return Texture{}, err
	}

	info := resourceInfo{
		kind:     KindTexture,
		memFlags: memFlags,
		gpuState: hal.StateDefault,
		ref:      hal.ResourceRef{Texture: id},
		texture:  norm,
	}
	// Total tight size across mips and slices, used for readback.
	var sliceSize uint64
	for m := uint32(0); m < norm.MipLevels; m++ {
		_, s := subresourceRange(&info, int32(m), 0)
		sliceSize += s
	}
	info.sizeInBytes = sliceSize * uint64(norm.ArraySlices)

	h := d.registry.RegisterResource(info)
	return Texture{ResourceHandle: h}, nil
}

// TableDesc describes a descriptor table to create.
type TableDesc struct {
	Name      string
	Resources []ResourceHandle
}

// CreateInResourceTable registers a read-only (SRV) table.
func (d *Device) CreateInResourceTable(desc *TableDesc) (InResourceTable, error) {
	t, err := d.registry.RegisterTable(desc.Resources, false)
	if err != nil {
		return InResourceTable{}, err
	}
	return InResourceTable{ResourceTable: t}, nil
}

// CreateOutResourceTable registers a writable (UAV) table.
func (d *Device) CreateOutResourceTable(desc *TableDesc) (OutResourceTable, error) {
	t, err := d.registry.RegisterTable(desc.Resources, true)
	if err != nil {
		return OutResourceTable{}, err
	}
	return OutResourceTable{ResourceTable: t}, nil
}

// CreateSamplerTable registers a sampler table.
func (d *Device) CreateSamplerTable(desc *TableDesc) (SamplerTable, error) {
	t, err := d.registry.RegisterTable(desc.Resources, false)
	if err != nil {
		return SamplerTable{}, err
	}
	return SamplerTable{ResourceTable: t}, nil
}

// Schedule builds the lists into a bundle and submits it. The call is
// atomic: on any build error no bundle exists and the registry is
// untouched. Pass ScheduleFlagsGetWorkHandle to receive a WorkHandle
// for waiting and downloads; otherwise the bundle is reclaimed
// internally once its fence retires.
func (d *Device) Schedule(lists []*CommandList, flags ScheduleFlags) ScheduleStatus {
	// Build and submit are serialized: each build must observe the
	// states the previous submission committed.
	d.submitMu.Lock()

	var (
		bundle *WorkBundle
		status ScheduleStatus
	)
	d.registry.snapshot(func(view *registryView) {
		bundle, status = buildBundle(view, lists)
	})
	if !status.Success() {
		d.submitMu.Unlock()
		return status
	}

	bundle.lists = append([]*CommandList(nil), lists...)
	bundle.queue = d.cfg.Queue
	bundle.autoRelease = flags&ScheduleFlagsGetWorkHandle == 0
	handle := d.works.add(bundle)

	err := d.submitBundle(handle, bundle)
	if err == nil {
		// Commit the scheduled states now, on the CPU timeline: the
		// next build must plan against the states this bundle leaves
		// behind, and queue order guarantees the GPU reaches them
		// before any later bundle's barriers execute.
		d.commitWork(bundle)
	}
	d.submitMu.Unlock()
	if err != nil {
		d.works.remove(handle)
		return ScheduleStatus{Type: InvalidResource, Message: err.Error()}
	}

	if !bundle.autoRelease {
		status.Work = handle
	}
	return status
}

// submitBundle emits the bundle into backend command buffers and
// submits them under a fresh fence value. Caller holds submitMu.
func (d *Device) submitBundle(handle WorkHandle, bundle *WorkBundle) error {
	q := d.queues[bundle.queue]
	fenceValue := d.fences.allocate()

	q.upload.beginUsage(fenceValue)
	q.tables.beginUsage(fenceValue)

	abort := func(recorders []hal.CommandRecorder) {
		for _, rec := range recorders {
			d.backend.ReleaseCommandRecorder(rec)
		}
		q.upload.abortUsage()
		q.tables.abortUsage()
		d.fences.release(fenceValue)
		d.fences.abandon(fenceValue)
	}

	var block uploadBlock
	if bundle.TotalUploadBufferSize > 0 {
		var err error
		block, err = q.upload.allocate(bundle.TotalUploadBufferSize)
		if err != nil {
			abort(nil)
			return err
		}
	}
	entries := q.tables.allocate(bundle.TotalTableSize)

	recorders := make([]hal.CommandRecorder, 0, len(bundle.lists))
	for i, list := range bundle.lists {
		rec, err := q.allocate()
		if err != nil {
			abort(recorders)
			return err
		}
		recorders = append(recorders, rec)

		em := &emitter{
			dev:          d,
			bundle:       bundle,
			rec:          rec,
			listIndex:    i,
			upload:       block,
			tableEntries: entries,
		}
		if err := walkList(list.Data(), em); err != nil {
			abort(recorders)
			return err
		}
		if err := rec.Close(); err != nil {
			abort(recorders)
			return err
		}
	}

	if err := q.submit(handle, fenceValue, recorders); err != nil {
		abort(recorders)
		return err
	}
	bundle.fenceValue = fenceValue

	q.upload.endUsage()
	q.tables.endUsage()

	Logger().Debug("sched: bundle submitted",
		"lists", len(bundle.lists),
		"fence", fenceValue,
		"uploadBytes", bundle.TotalUploadBufferSize,
		"descriptors", bundle.TotalTableSize+bundle.TotalConstantBuffers)
	return nil
}

// WaitOnCPU blocks until the work's fence retires, the timeout elapses,
// or the device is lost. A negative timeout waits forever. On success
// the bundle's final resource states are committed to the registry.
func (d *Device) WaitOnCPU(work WorkHandle, timeoutMs int) WaitStatus {
	bundle := d.works.get(work)
	if bundle == nil {
		return WaitStatus{Type: WaitInvalid, Message: "stale work handle"}
	}

	timeout := time.Duration(-1)
	if timeoutMs >= 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	st := d.fences.wait(bundle.fenceValue, timeout)
	switch st {
	case WaitOk:
		d.commitWork(bundle)
		return WaitStatus{Type: WaitOk}
	case WaitTimeout:
		return WaitStatus{Type: WaitTimeout, Message: "fence wait timed out"}
	default:
		return WaitStatus{Type: st, Message: "device lost while waiting"}
	}
}

// commitWork commits the bundle's final states exactly once.
func (d *Device) commitWork(bundle *WorkBundle) {
	if d.works.markCommitted(bundle) {
		d.registry.commitStates(bundle.States)
	}
}

// retireWork runs when a queue reaps a retired submission: it commits
// the bundle's states, reclaims auto-released bundles, and flushes any
// deferred resource destructions that the retirement unblocked.
// Called with submitMu held.
func (d *Device) retireWork(handle WorkHandle) {
	if bundle := d.works.get(handle); bundle != nil {
		d.commitWork(bundle)
		if bundle.autoRelease {
			d.works.remove(handle)
		}
	}

	kept := d.pendingReleases[:0]
	for _, pr := range d.pendingReleases {
		if d.fences.isSignaled(pr.fence) {
			d.destroyRef(pr.ref)
		} else {
			kept = append(kept, pr)
		}
	}
	d.pendingReleases = kept
}

func (d *Device) destroyRef(ref hal.ResourceRef) {
	if ref.IsBuffer() {
		d.backend.DestroyBuffer(ref.Buffer)
	} else if ref.Texture != hal.InvalidID {
		d.backend.DestroyTexture(ref.Texture)
	}
}

// ReleaseResource unregisters a resource. The backend allocation is
// destroyed once every submission issued so far has retired. Stale
// handles are ignored.
func (d *Device) ReleaseResource(h ResourceHandle) {
	info, ok := d.registry.Resource(h)
	if !ok {
		Logger().Warn("sched: release of stale resource handle")
		return
	}
	d.registry.UnregisterResource(h)

	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	fence := d.fences.current()
	if fence == 0 || d.fences.isSignaled(fence) {
		d.destroyRef(info.ref)
		return
	}
	d.pendingReleases = append(d.pendingReleases, pendingRelease{ref: info.ref, fence: fence})
}

// ReleaseTable unregisters a table. Stale handles are ignored.
func (d *Device) ReleaseTable(t ResourceTable) {
	if !d.registry.UnregisterTable(t) {
		Logger().Warn("sched: release of stale table handle")
	}
}

// ReleaseWork frees a bundle obtained with ScheduleFlagsGetWorkHandle.
// Its download views become invalid. Stale handles are ignored.
func (d *Device) ReleaseWork(work WorkHandle) {
	if d.works.remove(work) == nil {
		Logger().Warn("sched: release of stale work handle")
	}
}

// GetDownloadStatus reports whether the download of resource (at the
// given mip and array slice) scheduled in work is readable yet.
func (d *Device) GetDownloadStatus(work WorkHandle, resource ResourceHandle, mip, slice int32) DownloadStatus {
	bundle := d.works.get(work)
	if bundle == nil {
		return DownloadStatus{Result: DownloadInvalid}
	}
	ds, ok := bundle.downloads[downloadKey{resource: resource, mip: mip, slice: slice}]
	if !ok {
		return DownloadStatus{Result: DownloadInvalid}
	}
	if bundle.fenceValue == 0 || !d.fences.isSignaled(bundle.fenceValue) {
		return DownloadStatus{Result: DownloadNotReady}
	}
	if ds.mapped == nil {
		return DownloadStatus{Result: DownloadInvalid}
	}
	return DownloadStatus{Result: DownloadOk, Data: ds.mapped}
}

// Destroy drains every queue, destroys pools, shaders, and registered
// resources, then tears down the backend. The device is unusable
// afterwards.
func (d *Device) Destroy() {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true

	for _, q := range d.queues {
		q.destroy()
	}
	for _, pr := range d.pendingReleases {
		d.destroyRef(pr.ref)
	}
	d.pendingReleases = nil

	d.releaseAllShaders()

	d.registry.mu.Lock()
	d.registry.resources.forEach(func(h Handle, info *resourceInfo) {
		d.destroyRef(info.ref)
	})
	d.registry.resources = container[resourceInfo]{}
	d.registry.tables = container[tableInfo]{}
	d.registry.mu.Unlock()

	d.backend.Destroy()
	Logger().Info("sched: device destroyed")
}
