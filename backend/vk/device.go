package vk

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/sched/hal"
)

func init() {
	hal.Register("vk", func() (hal.Backend, error) {
		return New(nil)
	})
}

// Options configures device creation.
type Options struct {
	// AppName is reported to the driver. Defaults to "sched".
	AppName string
}

// Instance owns the VkInstance and adapter enumeration. It is created
// by New and destroyed with the device; nothing about it is global.
type Instance struct {
	instance    vk.Instance
	gpu         vk.PhysicalDevice
	queueFamily uint32
	queueCount  uint32
}

type buffer struct {
	buf    vk.Buffer
	memory vk.DeviceMemory
	size   uint64
	mapped []byte
}

type image struct {
	img    vk.Image
	memory vk.DeviceMemory
	desc   hal.TextureDesc
	mapped []byte
}

type shader struct {
	module vk.ShaderModule
	entry  string
	label  string

	// pipelines caches one compute pipeline per descriptor layout
	// shape.
	pipelines map[string]pipelineState
}

type pipelineState struct {
	layout   vk.PipelineLayout
	setLayout vk.DescriptorSetLayout
	pipeline vk.Pipeline
}

type submission struct {
	fence  vk.Fence
	events []vk.Event
}

// Device is the Vulkan hal.Backend.
type Device struct {
	mu sync.Mutex

	inst   Instance
	device vk.Device
	queues [hal.QueueCount]vk.Queue

	cmdPool vk.CommandPool

	nextID      uint64
	buffers     map[hal.BufferID]*buffer
	images      map[hal.TextureID]*image
	shaders     map[hal.ShaderID]*shader
	submissions map[hal.Fence]*submission
	nextFence   hal.Fence

	freeEvents []vk.Event

	// recordingEvents keys split-barrier events by producer location
	// for the batch currently being recorded; Submit hands them to the
	// submission.
	recordingEvents map[hal.Location]vk.Event
}

// New creates a Vulkan device on the first physical device exposing a
// compute-capable queue family. The loader must be initialized first.
func New(opts *Options) (*Device, error) {
	appName := "sched"
	if opts != nil && opts.AppName != "" {
		appName = opts.AppName
	}

	d := &Device{
		buffers:     make(map[hal.BufferID]*buffer),
		images:      make(map[hal.TextureID]*image),
		shaders:     make(map[hal.ShaderID]*shader),
		submissions: make(map[hal.Fence]*submission),
	}
	if err := d.createInstance(appName); err != nil {
		return nil, err
	}
	if err := d.pickPhysicalDevice(); err != nil {
		vk.DestroyInstance(d.inst.instance, nil)
		return nil, err
	}
	if err := d.createDevice(); err != nil {
		vk.DestroyInstance(d.inst.instance, nil)
		return nil, err
	}
	return d, nil
}

// Name implements hal.Backend.
func (d *Device) Name() string { return "vk" }

// ConsumesSPIRV reports that this backend ingests SPIR-V shaders.
func (d *Device) ConsumesSPIRV() bool { return true }

func vkErr(op string, ret vk.Result) error {
	if ret == vk.Success {
		return nil
	}
	if ret == vk.ErrorDeviceLost {
		return fmt.Errorf("%s: %w", op, hal.ErrDeviceLost)
	}
	return fmt.Errorf("vk: %s failed: %d", op, int32(ret))
}

// cstr null-terminates a string for the C side.
func cstr(s string) string { return s + "\x00" }

func (d *Device) createInstance(appName string) error {
	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   cstr(appName),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        cstr("sched"),
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 1, 0),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}
	var instance vk.Instance
	if ret := vk.CreateInstance(&createInfo, nil, &instance); ret != vk.Success {
		return vkErr("vkCreateInstance", ret)
	}
	d.inst.instance = instance
	return nil
}

func (d *Device) pickPhysicalDevice() error {
	var count uint32
	vk.EnumeratePhysicalDevices(d.inst.instance, &count, nil)
	if count == 0 {
		return errors.New("vk: no Vulkan-capable devices found")
	}
	gpus := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(d.inst.instance, &count, gpus)

	for _, gpu := range gpus {
		var familyCount uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &familyCount, nil)
		families := make([]vk.QueueFamilyProperties, familyCount)
		vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &familyCount, families)

		for i, qf := range families {
			qf.Deref()
			if qf.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
				d.inst.gpu = gpu
				d.inst.queueFamily = uint32(i)
				d.inst.queueCount = min(qf.QueueCount, uint32(hal.QueueCount))
				return nil
			}
		}
	}
	return errors.New("vk: no compute-capable queue family found")
}

func (d *Device) createDevice() error {
	priorities := make([]float32, d.inst.queueCount)
	for i := range priorities {
		priorities[i] = 1.0
	}
	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: d.inst.queueFamily,
		QueueCount:       d.inst.queueCount,
		PQueuePriorities: priorities,
	}
	deviceInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    []vk.DeviceQueueCreateInfo{queueInfo},
	}
	var device vk.Device
	if ret := vk.CreateDevice(d.inst.gpu, &deviceInfo, nil, &device); ret != vk.Success {
		return vkErr("vkCreateDevice", ret)
	}
	d.device = device

	for kind := uint32(0); kind < uint32(hal.QueueCount); kind++ {
		var q vk.Queue
		vk.GetDeviceQueue(device, d.inst.queueFamily, min(kind, d.inst.queueCount-1), &q)
		d.queues[kind] = q
	}

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.inst.queueFamily,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if ret := vk.CreateCommandPool(d.device, &poolInfo, nil, &d.cmdPool); ret != vk.Success {
		return vkErr("vkCreateCommandPool", ret)
	}
	return nil
}

func (d *Device) findMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(d.inst.gpu, &memProps)
	memProps.Deref()

	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (memProps.MemoryTypes[i].PropertyFlags&properties) == properties {
			return i, nil
		}
	}
	return 0, errors.New("vk: no suitable memory type")
}

// CreateBuffer implements hal.Backend.
func (d *Device) CreateBuffer(desc *hal.BufferDesc) (hal.BufferID, error) {
	usage := vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit |
		vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit |
		vk.BufferUsageIndirectBufferBit)
	if desc.Usage&gputypes.BufferUsageUniform != 0 {
		usage |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}

	bufInfo := vk.BufferCreateInfo{
		SType: vk.StructureTypeBufferCreateInfo,
		Size:  vk.DeviceSize(desc.Size),
		Usage: usage,
	}
	var buf vk.Buffer
	if ret := vk.CreateBuffer(d.device, &bufInfo, nil, &buf); ret != vk.Success {
		return hal.InvalidID, vkErr("vkCreateBuffer", ret)
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buf, &memReqs)
	memReqs.Deref()

	props := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if desc.HostVisible {
		props = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	memType, err := d.findMemoryType(memReqs.MemoryTypeBits, props)
	if err != nil {
		vk.DestroyBuffer(d.device, buf, nil)
		return hal.InvalidID, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}
	var memory vk.DeviceMemory
	if ret := vk.AllocateMemory(d.device, &allocInfo, nil, &memory); ret != vk.Success {
		vk.DestroyBuffer(d.device, buf, nil)
		return hal.InvalidID, vkErr("vkAllocateMemory", ret)
	}
	vk.BindBufferMemory(d.device, buf, memory, 0)

	b := &buffer{buf: buf, memory: memory, size: desc.Size}
	if desc.HostVisible {
		var ptr unsafe.Pointer
		if ret := vk.MapMemory(d.device, memory, 0, vk.DeviceSize(desc.Size), 0, &ptr); ret != vk.Success {
			vk.DestroyBuffer(d.device, buf, nil)
			vk.FreeMemory(d.device, memory, nil)
			return hal.InvalidID, vkErr("vkMapMemory", ret)
		}
		b.mapped = unsafe.Slice((*byte)(ptr), desc.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := hal.BufferID(d.nextID)
	d.buffers[id] = b
	return id, nil
}

// CreateTexture implements hal.Backend. Images use optimal tiling in
// device-local memory and are never host-mapped, so MappedBytes
// reports hal.ErrNotMappable for textures.
func (d *Device) CreateTexture(desc *hal.TextureDesc) (hal.TextureID, error) {
	imageType := vk.ImageType2d
	if desc.Depth > 1 {
		imageType = vk.ImageType3d
	}
	imgInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: imageType,
		Format:    vkFormat(desc.Format),
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  max(desc.Depth, 1),
		},
		MipLevels:     max(desc.MipLevels, 1),
		ArrayLayers:   max(desc.ArrayLayers, 1),
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage: vk.ImageUsageFlags(vk.ImageUsageStorageBit |
			vk.ImageUsageSampledBit |
			vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit),
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var img vk.Image
	if ret := vk.CreateImage(d.device, &imgInfo, nil, &img); ret != vk.Success {
		return hal.InvalidID, vkErr("vkCreateImage", ret)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, img, &memReqs)
	memReqs.Deref()

	memType, err := d.findMemoryType(memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(d.device, img, nil)
		return hal.InvalidID, err
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}
	var memory vk.DeviceMemory
	if ret := vk.AllocateMemory(d.device, &allocInfo, nil, &memory); ret != vk.Success {
		vk.DestroyImage(d.device, img, nil)
		return hal.InvalidID, vkErr("vkAllocateMemory", ret)
	}
	vk.BindImageMemory(d.device, img, memory, 0)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := hal.TextureID(d.nextID)
	d.images[id] = &image{img: img, memory: memory, desc: *desc}
	return id, nil
}

func vkFormat(f gputypes.TextureFormat) vk.Format {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return vk.FormatR8Unorm
	case gputypes.TextureFormatRGBA8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case gputypes.TextureFormatRGBA8UnormSrgb:
		return vk.FormatR8g8b8a8Srgb
	case gputypes.TextureFormatBGRA8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case gputypes.TextureFormatBGRA8UnormSrgb:
		return vk.FormatB8g8r8a8Srgb
	case gputypes.TextureFormatR32Float:
		return vk.FormatR32Sfloat
	case gputypes.TextureFormatRG32Float:
		return vk.FormatR32g32Sfloat
	case gputypes.TextureFormatRGBA32Float:
		return vk.FormatR32g32b32a32Sfloat
	default:
		return vk.FormatR8g8b8a8Unorm
	}
}

// DestroyBuffer implements hal.Backend.
func (d *Device) DestroyBuffer(id hal.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	if b.mapped != nil {
		vk.UnmapMemory(d.device, b.memory)
	}
	vk.DestroyBuffer(d.device, b.buf, nil)
	vk.FreeMemory(d.device, b.memory, nil)
}

// DestroyTexture implements hal.Backend.
func (d *Device) DestroyTexture(id hal.TextureID) {
	d.mu.Lock()
	img, ok := d.images[id]
	delete(d.images, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	vk.DestroyImage(d.device, img.img, nil)
	vk.FreeMemory(d.device, img.memory, nil)
}

// MappedBytes implements hal.Backend.
func (d *Device) MappedBytes(ref hal.ResourceRef) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref.IsBuffer() {
		b, ok := d.buffers[ref.Buffer]
		if !ok {
			return nil, hal.ErrInvalidID
		}
		if b.mapped == nil {
			return nil, hal.ErrNotMappable
		}
		return b.mapped, nil
	}
	img, ok := d.images[ref.Texture]
	if !ok {
		return nil, hal.ErrInvalidID
	}
	if img.mapped == nil {
		return nil, hal.ErrNotMappable
	}
	return img.mapped, nil
}

// CreateShader implements hal.Backend.
func (d *Device) CreateShader(desc *hal.ShaderDesc) (hal.ShaderID, error) {
	if len(desc.SPIRV) == 0 {
		return hal.InvalidID, fmt.Errorf("vk: shader %q has no SPIR-V", desc.Label)
	}
	moduleInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(desc.SPIRV)) * 4,
		PCode:    desc.SPIRV,
	}
	var module vk.ShaderModule
	if ret := vk.CreateShaderModule(d.device, &moduleInfo, nil, &module); ret != vk.Success {
		return hal.InvalidID, vkErr("vkCreateShaderModule", ret)
	}

	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := hal.ShaderID(d.nextID)
	d.shaders[id] = &shader{
		module:    module,
		entry:     entry,
		label:     desc.Label,
		pipelines: make(map[string]pipelineState),
	}
	return id, nil
}

// DestroyShader implements hal.Backend.
func (d *Device) DestroyShader(id hal.ShaderID) {
	d.mu.Lock()
	sh, ok := d.shaders[id]
	delete(d.shaders, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	for _, ps := range sh.pipelines {
		vk.DestroyPipeline(d.device, ps.pipeline, nil)
		vk.DestroyPipelineLayout(d.device, ps.layout, nil)
		vk.DestroyDescriptorSetLayout(d.device, ps.setLayout, nil)
	}
	vk.DestroyShaderModule(d.device, sh.module, nil)
}

// NewCommandRecorder implements hal.Backend.
func (d *Device) NewCommandRecorder() (hal.CommandRecorder, error) {
	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.cmdPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cbs := make([]vk.CommandBuffer, 1)
	if ret := vk.AllocateCommandBuffers(d.device, &allocInfo, cbs); ret != vk.Success {
		return nil, vkErr("vkAllocateCommandBuffers", ret)
	}

	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if ret := vk.BeginCommandBuffer(cbs[0], &beginInfo); ret != vk.Success {
		vk.FreeCommandBuffers(d.device, d.cmdPool, 1, cbs)
		return nil, vkErr("vkBeginCommandBuffer", ret)
	}
	return newRecorder(d, cbs[0]), nil
}

// Submit implements hal.Backend.
func (d *Device) Submit(queue hal.QueueKind, recorders []hal.CommandRecorder) (hal.Fence, error) {
	cbs := make([]vk.CommandBuffer, 0, len(recorders))
	for _, r := range recorders {
		rec, ok := r.(*recorder)
		if !ok {
			return 0, errors.New("vk: foreign recorder submitted")
		}
		if rec.err != nil {
			return 0, rec.err
		}
		cbs = append(cbs, rec.cb)
	}
	events := d.takeRecordingEvents()

	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var fence vk.Fence
	if ret := vk.CreateFence(d.device, &fenceInfo, nil, &fence); ret != vk.Success {
		return 0, vkErr("vkCreateFence", ret)
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(cbs)),
		PCommandBuffers:    cbs,
	}
	if ret := vk.QueueSubmit(d.queues[queue], 1, []vk.SubmitInfo{submitInfo}, fence); ret != vk.Success {
		vk.DestroyFence(d.device, fence, nil)
		return 0, vkErr("vkQueueSubmit", ret)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFence++
	f := d.nextFence
	d.submissions[f] = &submission{fence: fence, events: events}
	return f, nil
}

// ReleaseCommandRecorder implements hal.Backend.
func (d *Device) ReleaseCommandRecorder(r hal.CommandRecorder) {
	rec, ok := r.(*recorder)
	if !ok {
		return
	}
	vk.FreeCommandBuffers(d.device, d.cmdPool, 1, []vk.CommandBuffer{rec.cb})
	if rec.descPool != vk.NullDescriptorPool {
		vk.DestroyDescriptorPool(d.device, rec.descPool, nil)
	}
}

// FenceSignaled implements hal.Backend.
func (d *Device) FenceSignaled(f hal.Fence) (bool, error) {
	d.mu.Lock()
	sub, ok := d.submissions[f]
	d.mu.Unlock()
	if !ok {
		return false, hal.ErrInvalidID
	}
	switch ret := vk.GetFenceStatus(d.device, sub.fence); ret {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, vkErr("vkGetFenceStatus", ret)
	}
}

// WaitFence implements hal.Backend.
func (d *Device) WaitFence(f hal.Fence, timeout time.Duration) error {
	d.mu.Lock()
	sub, ok := d.submissions[f]
	d.mu.Unlock()
	if !ok {
		return hal.ErrInvalidID
	}

	ns := ^uint64(0)
	if timeout >= 0 {
		ns = uint64(timeout.Nanoseconds())
	}
	switch ret := vk.WaitForFences(d.device, 1, []vk.Fence{sub.fence}, vk.True, ns); ret {
	case vk.Success:
		return nil
	case vk.Timeout:
		return hal.ErrTimeout
	default:
		return vkErr("vkWaitForFences", ret)
	}
}

// ReleaseFence implements hal.Backend. Events signaled by the retired
// submission return to the free pool.
func (d *Device) ReleaseFence(f hal.Fence) {
	d.mu.Lock()
	sub, ok := d.submissions[f]
	delete(d.submissions, f)
	if ok {
		for _, ev := range sub.events {
			vk.ResetEvent(d.device, ev)
			d.freeEvents = append(d.freeEvents, ev)
		}
	}
	d.mu.Unlock()
	if ok {
		vk.DestroyFence(d.device, sub.fence, nil)
	}
}

// allocEvent takes an event from the free pool or creates one.
func (d *Device) allocEvent() (vk.Event, error) {
	d.mu.Lock()
	if n := len(d.freeEvents); n > 0 {
		ev := d.freeEvents[n-1]
		d.freeEvents = d.freeEvents[:n-1]
		d.mu.Unlock()
		return ev, nil
	}
	d.mu.Unlock()

	eventInfo := vk.EventCreateInfo{SType: vk.StructureTypeEventCreateInfo}
	var ev vk.Event
	if ret := vk.CreateEvent(d.device, &eventInfo, nil, &ev); ret != vk.Success {
		return vk.NullEvent, vkErr("vkCreateEvent", ret)
	}
	return ev, nil
}

// Destroy implements hal.Backend.
func (d *Device) Destroy() {
	vk.DeviceWaitIdle(d.device)

	d.mu.Lock()
	for _, sub := range d.submissions {
		vk.DestroyFence(d.device, sub.fence, nil)
		for _, ev := range sub.events {
			vk.DestroyEvent(d.device, ev, nil)
		}
	}
	d.submissions = map[hal.Fence]*submission{}
	for _, ev := range d.freeEvents {
		vk.DestroyEvent(d.device, ev, nil)
	}
	d.freeEvents = nil
	for _, ev := range d.recordingEvents {
		vk.DestroyEvent(d.device, ev, nil)
	}
	d.recordingEvents = nil

	buffers := d.buffers
	images := d.images
	shaders := d.shaders
	d.buffers = map[hal.BufferID]*buffer{}
	d.images = map[hal.TextureID]*image{}
	d.shaders = map[hal.ShaderID]*shader{}
	d.mu.Unlock()

	for _, b := range buffers {
		if b.mapped != nil {
			vk.UnmapMemory(d.device, b.memory)
		}
		vk.DestroyBuffer(d.device, b.buf, nil)
		vk.FreeMemory(d.device, b.memory, nil)
	}
	for _, img := range images {
		vk.DestroyImage(d.device, img.img, nil)
		vk.FreeMemory(d.device, img.memory, nil)
	}
	for _, sh := range shaders {
		for _, ps := range sh.pipelines {
			vk.DestroyPipeline(d.device, ps.pipeline, nil)
			vk.DestroyPipelineLayout(d.device, ps.layout, nil)
			vk.DestroyDescriptorSetLayout(d.device, ps.setLayout, nil)
		}
		vk.DestroyShaderModule(d.device, sh.module, nil)
	}

	vk.DestroyCommandPool(d.device, d.cmdPool, nil)
	vk.DestroyDevice(d.device, nil)
	vk.DestroyInstance(d.inst.instance, nil)
}
