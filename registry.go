package sched

import (
	"fmt"
	"sync"

	"github.com/gogpu/sched/hal"
)

// Registry is the canonical store of live resources and descriptor
// tables. It is the sole owner of authoritative GPU state: the builder
// reads states under the read lock but never mutates them; mutation
// happens only through commitStates, which the device runs once per
// bundle right after a successful submission, before the bundle's fence
// retires. A failed or cancelled build therefore cannot corrupt visible
// state.
type Registry struct {
	mu        sync.RWMutex
	resources container[resourceInfo]
	tables    container[tableInfo]
}

// RegisterResource records a resource with its memory flags, initial
// GPU state, and backing backend reference, returning its handle.
func (r *Registry) RegisterResource(info resourceInfo) ResourceHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ResourceHandle{r.resources.allocate(info)}
}

// UnregisterResource removes a resource. Stale handles are ignored.
func (r *Registry) UnregisterResource(h ResourceHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resources.release(h.Handle)
}

// RegisterTable records an immutable descriptor table over the given
// resources. Every member must be registered; the first missing member
// is reported.
func (r *Registry) RegisterTable(handles []ResourceHandle, isUav bool) (ResourceTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handles {
		if r.resources.lookup(h.Handle) == nil {
			return ResourceTable{}, fmt.Errorf("sched: table member %d is not a registered resource", h.idx)
		}
	}
	info := tableInfo{isUav: isUav, resources: append([]ResourceHandle(nil), handles...)}
	return ResourceTable{r.tables.allocate(info)}, nil
}

// UnregisterTable removes a table. Stale handles are ignored.
func (r *Registry) UnregisterTable(t ResourceTable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tables.release(t.Handle)
}

// Resource returns a copy of the registry record for h.
func (r *Registry) Resource(h ResourceHandle) (resourceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.resources.lookup(h.Handle)
	if info == nil {
		return resourceInfo{}, false
	}
	return *info, true
}

// State returns the authoritative GPU state of h.
func (r *Registry) State(h ResourceHandle) (GpuState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.resources.lookup(h.Handle)
	if info == nil {
		return hal.StateDefault, false
	}
	return info.gpuState, true
}

// tableResources returns the member handles and UAV flag of a table.
func (r *Registry) tableResources(t ResourceTable) ([]ResourceHandle, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.tables.lookup(t.Handle)
	if info == nil {
		return nil, false, fmt.Errorf("sched: table id %d is not registered", t.idx)
	}
	return info.resources, info.isUav, nil
}

// snapshot runs fn holding the read lock, giving the builder a
// consistent view of resources and tables for the whole build.
func (r *Registry) snapshot(fn func(view *registryView)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(&registryView{r: r})
}

// commitStates writes the final recorded state of every resource in
// states back into the registry. Resources unregistered since the build
// are skipped: their slots are gone and their state died with them.
// Serialized by the write lock, so no commit observes partial writes.
func (r *Registry) commitStates(states map[ResourceHandle]WorkResourceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, ws := range states {
		if info := r.resources.lookup(h.Handle); info != nil {
			info.gpuState = ws.State
		}
	}
}

// registryView is the builder's read-only window into the registry.
// Valid only inside the snapshot callback.
type registryView struct {
	r *Registry
}

func (v *registryView) resource(h ResourceHandle) *resourceInfo {
	return v.r.resources.lookup(h.Handle)
}

func (v *registryView) table(t ResourceTable) *tableInfo {
	return v.r.tables.lookup(t.Handle)
}
