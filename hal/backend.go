package hal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Common backend errors.
var (
	// ErrDeviceLost is returned when the underlying device became
	// unusable. All subsequent operations will fail; the caller must
	// tear down and recreate the backend.
	ErrDeviceLost = errors.New("hal: device lost")

	// ErrTimeout is returned by WaitFence when the timeout elapsed
	// before the fence signaled.
	ErrTimeout = errors.New("hal: wait timed out")

	// ErrInvalidID is returned when an operation references an ID that
	// was never created or has been destroyed.
	ErrInvalidID = errors.New("hal: invalid resource id")

	// ErrNotMappable is returned by MappedBytes for resources that were
	// not created host-visible.
	ErrNotMappable = errors.New("hal: resource is not host visible")
)

// Fence is an opaque backend synchronization object, signaled when the
// submission it was issued for has retired on the GPU.
type Fence uint64

// CommandRecorder records GPU commands for one command buffer.
// Recorders are single-use: after Close the recorder can only be
// submitted, and after submission only released.
//
// Recorders are not safe for concurrent use.
type CommandRecorder interface {
	// Transition applies a batch of resource barriers at the current
	// recording point. Backends group the batch into as few native
	// calls as the API permits; same-state entries may be dropped.
	Transition(barriers []Barrier)

	// Dispatch records a compute dispatch with fully resolved bindings.
	Dispatch(desc *DispatchDesc)

	// CopyResource records a whole-resource copy. Source and
	// destination must be the same kind.
	CopyResource(src, dst ResourceRef)

	// CopyBuffer records a byte-range copy between two buffers.
	CopyBuffer(src BufferID, srcOff uint64, dst BufferID, dstOff uint64, size uint64)

	// CopyBufferToTexture records a copy of tightly packed rows from a
	// buffer into one texture subresource. Row-pitch padding, where the
	// native API requires it, is the backend's concern.
	CopyBufferToTexture(src BufferID, srcOff uint64, dst TextureID, mip, slice uint32)

	// Close ends recording.
	Close() error
}

// Backend is the device contract implemented by each graphics API.
//
// All methods are safe for concurrent use unless noted otherwise.
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - Destroying a resource still referenced by in-flight work is
//     undefined behavior; the scheduler's fence timeline prevents it
type Backend interface {
	// Name returns the backend name used at registration.
	Name() string

	// === Resources ===

	// CreateBuffer creates a buffer.
	CreateBuffer(desc *BufferDesc) (BufferID, error)

	// CreateTexture creates a texture.
	CreateTexture(desc *TextureDesc) (TextureID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// DestroyTexture releases a texture.
	DestroyTexture(id TextureID)

	// MappedBytes returns the persistently mapped memory of a
	// host-visible resource. The slice stays valid until the resource
	// is destroyed. Returns ErrNotMappable for device-local resources.
	MappedBytes(ref ResourceRef) ([]byte, error)

	// === Shaders ===

	// CreateShader creates a compute shader from whichever
	// representation in desc the backend understands.
	CreateShader(desc *ShaderDesc) (ShaderID, error)

	// DestroyShader releases a shader.
	DestroyShader(id ShaderID)

	// === Command Submission ===

	// NewCommandRecorder allocates a recorder from the backend's
	// command pool. Recorders must be returned via
	// ReleaseCommandRecorder once their fence has retired.
	NewCommandRecorder() (CommandRecorder, error)

	// Submit submits closed recorders to the given queue in order and
	// returns a fence that signals when they retire.
	Submit(queue QueueKind, recorders []CommandRecorder) (Fence, error)

	// ReleaseCommandRecorder recycles a retired recorder and any
	// transient objects (events, descriptor sets) it owns.
	ReleaseCommandRecorder(rec CommandRecorder)

	// === Fences ===

	// FenceSignaled reports whether a fence has retired, without
	// blocking.
	FenceSignaled(f Fence) (bool, error)

	// WaitFence blocks until the fence retires. A negative timeout
	// waits forever. Returns ErrTimeout or ErrDeviceLost on failure.
	WaitFence(f Fence, timeout time.Duration) error

	// ReleaseFence recycles a retired fence object.
	ReleaseFence(f Fence)

	// Destroy releases the device and every surviving resource.
	// No other method may be called afterwards.
	Destroy()
}

// Factory is a function that creates a new backend instance.
// Factories are registered via Register and called by New.
type Factory func() (Backend, error)

// Registry state - protected by mutex for thread-safe access.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
)

// Register registers a backend factory with the given name.
// This function is typically called from init() in backend packages,
// following the database/sql driver pattern:
//
//	func init() {
//	    hal.Register("vk", func() (hal.Backend, error) {
//	        return newDevice()
//	    })
//	}
//
// Register panics if factory is nil or the name is already taken, so
// duplicate registrations surface during program initialization.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("hal: Register factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("hal: Register called twice for " + name)
	}
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is primarily useful for testing to clean up between tests.
// If the backend is not registered, this is a no-op.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// New creates a backend instance by name. The name must match a
// previously registered backend; the error message hints at a missing
// import otherwise.
func New(name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("hal: unknown backend %q (forgotten import?)", name)
	}
	return factory()
}

// Backends returns a sorted list of registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
