package sched

import (
	"testing"

	"github.com/gogpu/sched/hal"
)

func TestRegistryResourceLifecycle(t *testing.T) {
	var reg Registry

	h := reg.RegisterResource(resourceInfo{
		kind:     KindBuffer,
		memFlags: MemGpuRead,
		gpuState: hal.StateDefault,
	})
	if state, ok := reg.State(h); !ok || state != hal.StateDefault {
		t.Errorf("State = %s/%v, want Default/true", state, ok)
	}

	if !reg.UnregisterResource(h) {
		t.Error("unregister of live resource failed")
	}
	if _, ok := reg.State(h); ok {
		t.Error("stale handle still resolves")
	}
	if reg.UnregisterResource(h) {
		t.Error("double unregister succeeded")
	}
}

func TestRegistryTableValidation(t *testing.T) {
	var reg Registry

	a := reg.RegisterResource(resourceInfo{kind: KindBuffer})
	stale := ResourceHandle{mkHandle(50, 2)}

	if _, err := reg.RegisterTable([]ResourceHandle{a, stale}, false); err == nil {
		t.Error("table over unregistered member was accepted")
	}

	tbl, err := reg.RegisterTable([]ResourceHandle{a}, true)
	if err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	resources, isUav, err := reg.tableResources(tbl)
	if err != nil || !isUav || len(resources) != 1 || resources[0] != a {
		t.Errorf("tableResources = %v/%v/%v", resources, isUav, err)
	}

	if !reg.UnregisterTable(tbl) {
		t.Error("unregister of live table failed")
	}
	if _, _, err := reg.tableResources(tbl); err == nil {
		t.Error("stale table still resolves")
	}
}

func TestRegistryCommitStates(t *testing.T) {
	var reg Registry

	a := reg.RegisterResource(resourceInfo{kind: KindBuffer, gpuState: hal.StateDefault})
	b := reg.RegisterResource(resourceInfo{kind: KindBuffer, gpuState: hal.StateDefault})
	gone := reg.RegisterResource(resourceInfo{kind: KindBuffer, gpuState: hal.StateDefault})
	reg.UnregisterResource(gone)

	reg.commitStates(map[ResourceHandle]WorkResourceState{
		a:    {State: hal.StateUav},
		b:    {State: hal.StateCopySrc},
		gone: {State: hal.StateSrv},
	})

	if state, _ := reg.State(a); state != hal.StateUav {
		t.Errorf("a = %s, want Uav", state)
	}
	if state, _ := reg.State(b); state != hal.StateCopySrc {
		t.Errorf("b = %s, want CopySrc", state)
	}
	// The unregistered slot must not resurrect.
	if _, ok := reg.State(gone); ok {
		t.Error("commit resurrected an unregistered resource")
	}
}
