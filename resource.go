package sched

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/sched/hal"
)

// GpuState is the pipeline state of a resource as tracked by the
// scheduler. See [hal.ResourceState] for the variants.
type GpuState = hal.ResourceState

// MemFlags is a bitmask describing how a resource's memory may be
// accessed.
type MemFlags uint8

const (
	// MemGpuRead allows shader reads.
	MemGpuRead MemFlags = 1 << 0

	// MemGpuWrite allows shader writes.
	MemGpuWrite MemFlags = 1 << 1

	// MemCpuRead places the resource in CPU-readable memory, making it
	// a valid download target.
	MemCpuRead MemFlags = 1 << 2

	// MemCpuUpload places the resource in CPU-upload memory.
	MemCpuUpload MemFlags = 1 << 3
)

// ResourceKind distinguishes buffers from textures.
type ResourceKind uint8

const (
	// KindBuffer is a linear buffer.
	KindBuffer ResourceKind = iota

	// KindTexture is a 1D/2D/3D texture.
	KindTexture
)

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Name is an optional debug label.
	Name string

	// ElementCount is the number of elements.
	ElementCount uint32

	// Stride is the element size in bytes. Zero defaults to 4.
	Stride uint32

	// IsConstantBuffer marks the buffer as a constant-buffer candidate;
	// its size rounds up to 256 bytes.
	IsConstantBuffer bool

	// MemFlags selects the memory domain. Zero defaults to
	// MemGpuRead|MemGpuWrite.
	MemFlags MemFlags
}

// SizeInBytes returns the allocation size the descriptor resolves to.
func (d *BufferDesc) SizeInBytes() uint64 {
	stride := d.Stride
	if stride == 0 {
		stride = 4
	}
	size := uint64(d.ElementCount) * uint64(stride)
	if d.IsConstantBuffer {
		size = alignUp(size, constantBufferAlignment)
	}
	return size
}

// TextureDesc describes a texture to create.
type TextureDesc struct {
	// Name is an optional debug label.
	Name string

	Width, Height, Depth uint32
	MipLevels            uint32
	ArraySlices          uint32
	Format               gputypes.TextureFormat

	// MemFlags selects the memory domain. Zero defaults to
	// MemGpuRead|MemGpuWrite.
	MemFlags MemFlags
}

// resourceInfo is the registry's record of one live resource.
type resourceInfo struct {
	kind     ResourceKind
	memFlags MemFlags
	gpuState GpuState

	// ref is the backend resource backing this handle.
	ref hal.ResourceRef

	// sizeInBytes is the linear size of buffers, or the tight size of
	// textures summed over every mip level and array slice.
	sizeInBytes uint64

	buffer  BufferDesc
	texture TextureDesc
}

// tableInfo is the registry's record of one descriptor table.
type tableInfo struct {
	isUav     bool
	resources []ResourceHandle
}

const constantBufferAlignment = 256

// alignUp rounds v up to the next multiple of align, which must be a
// power of two.
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
