package sched

import (
	"fmt"

	"github.com/gogpu/sched/hal"
)

// maxLiveAllocations bounds the per-queue ring of in-flight
// submissions. Hitting the bound stalls the submitter on the oldest
// fence, which keeps command-buffer memory bounded under load.
const maxLiveAllocations = 64

// liveAllocation is one in-flight submission on a queue.
type liveAllocation struct {
	fenceValue uint64
	recorders  []hal.CommandRecorder
	work       WorkHandle
}

// queue owns the command-buffer lifecycle and fence timeline for one
// hardware queue. It is single-owner: the device serializes access
// through its submit mutex.
type queue struct {
	kind    hal.QueueKind
	backend hal.Backend
	fences  *fencePool
	upload  *uploadPool
	tables  *tablePool

	live []liveAllocation

	// retire is invoked for each reaped submission, after its
	// recorders and fence reference are released.
	retire func(WorkHandle)
}

func newQueue(kind hal.QueueKind, backend hal.Backend, fences *fencePool, retire func(WorkHandle)) *queue {
	return &queue{
		kind:    kind,
		backend: backend,
		fences:  fences,
		upload:  newUploadPool(backend, fences),
		tables:  newTablePool(fences),
		retire:  retire,
	}
}

// reap recycles every retired submission at the ring's head.
func (q *queue) reap() {
	for len(q.live) > 0 {
		head := q.live[0]
		if !q.fences.isSignaled(head.fenceValue) {
			return
		}
		for _, rec := range head.recorders {
			q.backend.ReleaseCommandRecorder(rec)
		}
		q.fences.release(head.fenceValue)
		q.live = q.live[1:]
		q.retire(head.work)
	}
}

// allocate reaps the ring and returns a fresh recorder, stalling on the
// oldest fence when the ring is full.
func (q *queue) allocate() (hal.CommandRecorder, error) {
	q.reap()
	if len(q.live) >= maxLiveAllocations {
		if st := q.fences.wait(q.live[0].fenceValue, -1); st != WaitOk {
			return nil, fmt.Errorf("sched: queue %s stalled waiting for oldest submission: %s", q.kind, st)
		}
		q.reap()
	}
	return q.backend.NewCommandRecorder()
}

// submit submits closed recorders under the preallocated fence value
// and records the live allocation.
func (q *queue) submit(work WorkHandle, fenceValue uint64, recorders []hal.CommandRecorder) error {
	fence, err := q.backend.Submit(q.kind, recorders)
	if err != nil {
		return fmt.Errorf("sched: submit on queue %s failed: %w", q.kind, err)
	}
	q.fences.bind(fenceValue, fence)
	q.live = append(q.live, liveAllocation{
		fenceValue: fenceValue,
		recorders:  recorders,
		work:       work,
	})
	return nil
}

// drain blocks until every live submission retired, reaping as it goes.
func (q *queue) drain() {
	for len(q.live) > 0 {
		q.fences.wait(q.live[0].fenceValue, -1)
		q.reap()
	}
}

func (q *queue) destroy() {
	q.drain()
	q.upload.destroy()
}
