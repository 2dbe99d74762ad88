package sched

import (
	"testing"

	"github.com/gogpu/sched/backend/soft"
	"github.com/gogpu/sched/hal"
)

func TestQueueReapWaitsForFence(t *testing.T) {
	dev := soft.New(&soft.Options{ManualFences: true})
	fences := newFencePool(dev)

	var retired []WorkHandle
	q := newQueue(hal.QueueCompute, dev, fences, func(h WorkHandle) {
		retired = append(retired, h)
	})

	rec, err := q.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	value := fences.allocate()
	work := WorkHandle{mkHandle(1, 1)}
	if err := q.submit(work, value, []hal.CommandRecorder{rec}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(q.live) != 1 {
		t.Fatalf("live allocations = %d, want 1", len(q.live))
	}

	q.reap()
	if len(q.live) != 1 || len(retired) != 0 {
		t.Fatal("reap reclaimed an unretired submission")
	}

	dev.SignalAll()
	q.reap()
	if len(q.live) != 0 {
		t.Errorf("live allocations = %d after signal, want 0", len(q.live))
	}
	if len(retired) != 1 || retired[0] != work {
		t.Errorf("retired = %v, want [%v]", retired, work)
	}
}

func TestQueueDrain(t *testing.T) {
	dev := soft.New(nil)
	fences := newFencePool(dev)
	q := newQueue(hal.QueueCompute, dev, fences, func(WorkHandle) {})

	for range 3 {
		rec, err := q.allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if err := rec.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		value := fences.allocate()
		if err := q.submit(WorkHandle{}, value, []hal.CommandRecorder{rec}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	q.drain()
	if len(q.live) != 0 {
		t.Errorf("live allocations = %d after drain, want 0", len(q.live))
	}
}
