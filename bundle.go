package sched

import (
	"sync"

	"github.com/gogpu/sched/hal"
)

// CommandLocation identifies a command inside a bundle by list and
// command index. Split-barrier pairs carry the producer's location so
// backends can meet at the same native event.
type CommandLocation = hal.Location

// ResourceBarrier is one planned state transition.
type ResourceBarrier struct {
	Resource ResourceHandle
	Prev     GpuState
	Post     GpuState
	Kind     hal.BarrierKind

	// Src is the producer command location of a split pair; unused for
	// immediate barriers.
	Src CommandLocation
}

// CommandInfo is the schedule record of one command: where it lives in
// the blob, the barriers fencing it, and its transient allocations.
type CommandInfo struct {
	CommandOffset MemOffset

	PreBarrier  []ResourceBarrier
	PostBarrier []ResourceBarrier

	// UploadBufferOffset is this command's range in the bundle's upload
	// block (dispatch inline constants and upload payloads).
	UploadBufferOffset uint64

	// ConstantBufferTableOffset and ConstantBufferCount locate this
	// dispatch's constant-buffer descriptors in the bundle's CBV range.
	ConstantBufferTableOffset int
	ConstantBufferCount       int

	// CommandDownloadIndex is this download's slot in the per-list
	// download sequence, or -1.
	CommandDownloadIndex int
}

// ProcessedList is the schedule for one input command list.
type ProcessedList struct {
	ListIndex       int
	CommandSchedule []CommandInfo

	ComputeCommandsCount  int
	DownloadCommandsCount int
}

// WorkResourceState is the last recorded state of a resource within a
// bundle, and the command that put it there.
type WorkResourceState struct {
	State        GpuState
	ListIndex    int
	CommandIndex int
}

// TableAllocation is a table's slice of the bundle's flat descriptor
// range.
type TableAllocation struct {
	Offset int
	Count  int
}

// downloadKey names one download within a bundle.
type downloadKey struct {
	resource ResourceHandle
	mip      int32
	slice    int32
}

// downloadState is the CPU-visible record of one download, valid once
// the bundle's fence retires.
type downloadState struct {
	key    downloadKey
	mapped []byte
}

// WorkBundle is a validated, schedule-ready plan for one Schedule call.
type WorkBundle struct {
	ProcessedLists []ProcessedList

	// States is the final recorded state per touched resource.
	States map[ResourceHandle]WorkResourceState

	TableAllocations map[ResourceTable]TableAllocation

	// ResourcesToDownload holds every download target, at most one
	// entry per resource.
	ResourcesToDownload map[ResourceHandle]struct{}

	TotalTableSize        int
	TotalConstantBuffers  int
	TotalUploadBufferSize uint64

	// Submission state, owned by the device.
	lists       []*CommandList
	queue       hal.QueueKind
	fenceValue  uint64
	committed   bool
	autoRelease bool
	downloads   map[downloadKey]*downloadState
}

// workDb stores live bundles behind WorkHandles. A single mutex guards
// the container; bundle contents are immutable after build except for
// the submission fields, which the device mutates under the same lock.
type workDb struct {
	mu    sync.Mutex
	works container[*WorkBundle]
}

func (db *workDb) add(b *WorkBundle) WorkHandle {
	db.mu.Lock()
	defer db.mu.Unlock()
	return WorkHandle{db.works.allocate(b)}
}

func (db *workDb) get(h WorkHandle) *WorkBundle {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p := db.works.lookup(h.Handle); p != nil {
		return *p
	}
	return nil
}

func (db *workDb) remove(h WorkHandle) *WorkBundle {
	db.mu.Lock()
	defer db.mu.Unlock()
	p := db.works.lookup(h.Handle)
	if p == nil {
		return nil
	}
	b := *p
	db.works.release(h.Handle)
	return b
}

// markCommitted flips the bundle's committed flag, returning true for
// the caller that won the race to commit.
func (db *workDb) markCommitted(b *WorkBundle) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if b.committed {
		return false
	}
	b.committed = true
	return true
}

// forEach visits every live bundle under the lock.
func (db *workDb) forEach(fn func(h WorkHandle, b *WorkBundle)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.works.forEach(func(h Handle, v **WorkBundle) {
		fn(WorkHandle{h}, *v)
	})
}
