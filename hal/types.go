package hal

import "github.com/gogpu/gputypes"

// BufferID is an opaque handle to a backend buffer.
type BufferID uint64

// TextureID is an opaque handle to a backend texture.
type TextureID uint64

// ShaderID is an opaque handle to a compiled compute shader.
type ShaderID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// ResourceState is the pipeline state a resource occupies on the GPU.
// The scheduler tracks one state per resource and emits transitions
// between them; backends translate states into access masks, layouts,
// or D3D12-style resource states.
type ResourceState uint8

const (
	// StateDefault is the creation state, before any scheduled use.
	StateDefault ResourceState = iota

	// StateUav marks unordered (read/write) shader access.
	StateUav

	// StateSrv marks read-only shader access.
	StateSrv

	// StateCbv marks constant-buffer access.
	StateCbv

	// StateCopySrc marks the source of a copy operation.
	StateCopySrc

	// StateCopyDst marks the destination of a copy operation.
	StateCopyDst

	// StateIndirectArgs marks an indirect-dispatch argument buffer.
	StateIndirectArgs

	// StateRtv marks render-target access.
	StateRtv

	// StatePresent marks presentation hand-off.
	StatePresent
)

var resourceStateNames = [...]string{
	StateDefault:      "Default",
	StateUav:          "Uav",
	StateSrv:          "Srv",
	StateCbv:          "Cbv",
	StateCopySrc:      "CopySrc",
	StateCopyDst:      "CopyDst",
	StateIndirectArgs: "IndirectArgs",
	StateRtv:          "Rtv",
	StatePresent:      "Present",
}

// String returns the string representation of a ResourceState.
func (s ResourceState) String() string {
	if int(s) < len(resourceStateNames) {
		return resourceStateNames[s]
	}
	return "Unknown"
}

// BarrierKind distinguishes immediate transitions from the two halves
// of a split barrier.
type BarrierKind uint8

const (
	// BarrierImmediate transitions a resource in place.
	BarrierImmediate BarrierKind = iota

	// BarrierBegin announces a transition at the producing command.
	BarrierBegin

	// BarrierEnd completes a transition at the consuming command.
	BarrierEnd
)

var barrierKindNames = [...]string{
	BarrierImmediate: "Immediate",
	BarrierBegin:     "Begin",
	BarrierEnd:       "End",
}

// String returns the string representation of a BarrierKind.
func (k BarrierKind) String() string {
	if int(k) < len(barrierKindNames) {
		return barrierKindNames[k]
	}
	return "Unknown"
}

// Location identifies a command within a scheduled bundle.
// Split-barrier pairs share the producer's Location, which backends use
// to key event objects so the Begin and End halves meet at the same
// native event.
type Location struct {
	List    int
	Command int
}

// ResourceRef names exactly one backend resource, either a buffer or a
// texture. The unused field holds InvalidID.
type ResourceRef struct {
	Buffer  BufferID
	Texture TextureID
}

// IsBuffer returns true if the reference names a buffer.
func (r ResourceRef) IsBuffer() bool { return r.Buffer != InvalidID }

// Barrier is one resource transition for a command recorder.
type Barrier struct {
	Resource ResourceRef
	Prev     ResourceState
	Post     ResourceState
	Kind     BarrierKind

	// Src is the producer command location. Only meaningful for
	// BarrierBegin and BarrierEnd.
	Src Location
}

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	// Size is the buffer size in bytes.
	Size uint64

	// HostVisible requests persistently mapped, CPU-accessible memory.
	// Required for upload heaps and download (readback) targets.
	HostVisible bool

	// Usage is the intended usage bitmask in WebGPU terms. Backends
	// that use a different native model derive their flags from it.
	Usage gputypes.BufferUsage

	// Label is an optional debug name.
	Label string
}

// TextureDesc describes a texture allocation.
type TextureDesc struct {
	Width, Height, Depth uint32
	MipLevels            uint32
	ArrayLayers          uint32
	Format               gputypes.TextureFormat
	Label                string
}

// KernelContext carries the resolved inputs of one dispatch to a
// software kernel. Slices alias backend storage directly; writes through
// Out land in the destination buffers.
type KernelContext struct {
	// Groups is the thread-group count of the dispatch.
	Groups [3]uint32

	// Constants holds the inline constant bytes, if any.
	Constants []byte

	// ConstantBuffers holds the contents of each bound constant buffer.
	ConstantBuffers [][]byte

	// In holds the byte contents of every resource of every input table,
	// flattened in table order.
	In [][]byte

	// Out holds writable views of every resource of every output table,
	// flattened in table order.
	Out [][]byte
}

// Kernel is the software form of a compute shader, executed by the soft
// backend once per dispatch.
type Kernel func(ctx *KernelContext)

// ShaderDesc describes a compute shader in every representation a
// backend might consume. A backend picks the field it understands:
// vk takes SPIRV, webgpu takes WGSL, soft takes Kernel.
type ShaderDesc struct {
	Label string

	// EntryPoint is the shader entry function. Defaults to "main".
	EntryPoint string

	// WGSL is the shader source.
	WGSL string

	// SPIRV is the compiled shader, little-endian words.
	SPIRV []uint32

	// Kernel is the software fallback implementation.
	Kernel Kernel
}

// TableEntry is one resolved slot of a descriptor table.
type TableEntry struct {
	Resource ResourceRef
}

// TableBinding is a descriptor table resolved to backend resources,
// bound at a fixed slot order: input tables first, then output tables,
// then the constant-buffer table.
type TableBinding struct {
	// Writable marks a UAV table; read-only tables bind as SRV.
	Writable bool

	Entries []TableEntry
}

// InlineConstants points a dispatch at constant bytes previously staged
// in an upload heap by the scheduler.
type InlineConstants struct {
	Heap   BufferID
	Offset uint64
	Size   uint64
}

// DispatchDesc is a fully resolved compute dispatch.
type DispatchDesc struct {
	Shader ShaderID

	// Name is the user-provided debug marker for this dispatch.
	Name string

	// In and Out are the bound input and output tables, in slot order.
	In  []TableBinding
	Out []TableBinding

	// Constants is set when the dispatch carries inline constants.
	// Size zero means no inline constants.
	Constants InlineConstants

	// ConstantBuffers are explicit constant-buffer bindings. Mutually
	// exclusive with Constants.
	ConstantBuffers []BufferID

	// Groups is the explicit thread-group count. Ignored when Indirect
	// names an argument buffer.
	Groups [3]uint32

	// Indirect is the argument buffer of an indirect dispatch, or
	// InvalidID for an explicit dispatch.
	Indirect       BufferID
	IndirectOffset uint64
}

// QueueKind selects the hardware queue a submission targets.
type QueueKind uint8

const (
	// QueueCompute is the async compute queue.
	QueueCompute QueueKind = iota

	// QueueGraphics is the graphics/universal queue.
	QueueGraphics

	// QueueCount is the number of queue kinds.
	QueueCount
)

var queueKindNames = [...]string{
	QueueCompute:  "Compute",
	QueueGraphics: "Graphics",
}

// String returns the string representation of a QueueKind.
func (q QueueKind) String() string {
	if int(q) < len(queueKindNames) {
		return queueKindNames[q]
	}
	return "Unknown"
}
