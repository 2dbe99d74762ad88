package webgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	schedhal "github.com/gogpu/sched/hal"
)

// recorder wraps one HAL command encoder. Interface methods cannot
// return errors, so the first failure is latched and surfaced at Close
// and Submit.
type recorder struct {
	dev     *Device
	encoder hal.CommandEncoder
	cmdBuf  hal.CommandBuffer

	bindGroups []hal.BindGroup

	err error
}

func (r *recorder) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Transition implements hal.CommandRecorder. WebGPU synchronizes
// internally, so the grouped batch validates and advances the backend's
// state table; Begin halves are announcement-only flags, exactly as the
// begin-only transition flag behaves on D3D12.
func (r *recorder) Transition(barriers []schedhal.Barrier) {
	if r.err != nil {
		return
	}
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	for _, b := range barriers {
		if b.Prev == b.Post {
			continue
		}
		tracked, ok := r.dev.states[b.Resource]
		if !ok {
			r.fail(fmt.Errorf("webgpu: barrier on unknown resource %+v", b.Resource))
			return
		}
		if tracked != b.Prev {
			r.fail(fmt.Errorf("%w: resource %+v tracked %s, barrier says %s",
				ErrBarrierMismatch, b.Resource, tracked, b.Prev))
			return
		}
		if b.Kind != schedhal.BarrierBegin {
			r.dev.states[b.Resource] = b.Post
		}
	}
}

// Dispatch implements hal.CommandRecorder.
func (r *recorder) Dispatch(desc *schedhal.DispatchDesc) {
	if r.err != nil {
		return
	}
	if desc.Indirect != schedhal.InvalidID {
		r.fail(ErrIndirectDispatch)
		return
	}

	pe, err := r.dev.pipelineFor(desc)
	if err != nil {
		r.fail(err)
		return
	}

	entries, err := r.dev.bindEntries(desc)
	if err != nil {
		r.fail(err)
		return
	}
	bg, err := r.dev.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Name,
		Layout:  pe.bindLayout,
		Entries: entries,
	})
	if err != nil {
		r.fail(fmt.Errorf("webgpu: create bind group for %q: %w", desc.Name, err))
		return
	}
	r.bindGroups = append(r.bindGroups, bg)

	pass := r.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: desc.Name})
	pass.SetPipeline(pe.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(desc.Groups[0], desc.Groups[1], desc.Groups[2])
	pass.End()
}

// CopyResource implements hal.CommandRecorder.
func (r *recorder) CopyResource(src, dst schedhal.ResourceRef) {
	if r.err != nil {
		return
	}
	if !src.IsBuffer() || !dst.IsBuffer() {
		r.fail(fmt.Errorf("webgpu: texture copies are not supported yet"))
		return
	}
	from, ok1 := r.dev.lookupBuffer(src.Buffer)
	to, ok2 := r.dev.lookupBuffer(dst.Buffer)
	if !ok1 || !ok2 {
		r.fail(schedhal.ErrInvalidID)
		return
	}
	r.encoder.CopyBufferToBuffer(from.buf, to.buf, []hal.BufferCopy{{
		SrcOffset: 0,
		DstOffset: 0,
		Size:      min(from.size, to.size),
	}})
}

// CopyBuffer implements hal.CommandRecorder.
func (r *recorder) CopyBuffer(src schedhal.BufferID, srcOff uint64, dst schedhal.BufferID, dstOff uint64, size uint64) {
	if r.err != nil {
		return
	}
	from, ok1 := r.dev.lookupBuffer(src)
	to, ok2 := r.dev.lookupBuffer(dst)
	if !ok1 || !ok2 {
		r.fail(schedhal.ErrInvalidID)
		return
	}
	r.encoder.CopyBufferToBuffer(from.buf, to.buf, []hal.BufferCopy{{
		SrcOffset: srcOff,
		DstOffset: dstOff,
		Size:      size,
	}})
}

// CopyBufferToTexture implements hal.CommandRecorder.
func (r *recorder) CopyBufferToTexture(src schedhal.BufferID, srcOff uint64, dst schedhal.TextureID, mip, slice uint32) {
	r.fail(fmt.Errorf("webgpu: buffer-to-texture copies are not supported yet"))
}

// Close implements hal.CommandRecorder.
func (r *recorder) Close() error {
	if r.err != nil {
		r.encoder.DiscardEncoding()
		return r.err
	}
	cmdBuf, err := r.encoder.EndEncoding()
	if err != nil {
		r.fail(fmt.Errorf("webgpu: end encoding: %w", err))
		return r.err
	}
	r.cmdBuf = cmdBuf
	return nil
}

func (d *Device) lookupBuffer(id schedhal.BufferID) (*buffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	return b, ok
}

// shapeKey captures a dispatch's binding layout: storage buffers for
// every table entry, then uniform buffers for constants.
func shapeKey(in, out, uniforms int) string {
	return fmt.Sprintf("i%d-o%d-u%d", in, out, uniforms)
}

func countBuffers(tables []schedhal.TableBinding) (int, error) {
	n := 0
	for _, t := range tables {
		for _, e := range t.Entries {
			if !e.Resource.IsBuffer() {
				return 0, ErrTextureBinding
			}
			n++
		}
	}
	return n, nil
}

// pipelineFor returns the cached compute pipeline for the dispatch's
// binding shape, creating layouts and pipeline on first use.
func (d *Device) pipelineFor(desc *schedhal.DispatchDesc) (pipelineEntry, error) {
	inCount, err := countBuffers(desc.In)
	if err != nil {
		return pipelineEntry{}, err
	}
	outCount, err := countBuffers(desc.Out)
	if err != nil {
		return pipelineEntry{}, err
	}
	uniforms := len(desc.ConstantBuffers)
	if desc.Constants.Size > 0 {
		uniforms++
	}
	key := shapeKey(inCount, outCount, uniforms)

	d.mu.Lock()
	sh, ok := d.shaders[desc.Shader]
	if !ok {
		d.mu.Unlock()
		return pipelineEntry{}, fmt.Errorf("webgpu: dispatch %q references unknown shader", desc.Name)
	}
	if pe, ok := sh.pipelines[key]; ok {
		d.mu.Unlock()
		return pe, nil
	}
	d.mu.Unlock()

	var layoutEntries []gputypes.BindGroupLayoutEntry
	slot := uint32(0)
	addEntries := func(n int, bindType gputypes.BufferBindingType) {
		for range n {
			layoutEntries = append(layoutEntries, gputypes.BindGroupLayoutEntry{
				Binding:    slot,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: bindType},
			})
			slot++
		}
	}
	addEntries(inCount, gputypes.BufferBindingTypeReadOnlyStorage)
	addEntries(outCount, gputypes.BufferBindingTypeStorage)
	addEntries(uniforms, gputypes.BufferBindingTypeUniform)

	bindLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   sh.label + "-bind",
		Entries: layoutEntries,
	})
	if err != nil {
		return pipelineEntry{}, fmt.Errorf("webgpu: create bind group layout: %w", err)
	}
	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            sh.label + "-layout",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		d.device.DestroyBindGroupLayout(bindLayout)
		return pipelineEntry{}, fmt.Errorf("webgpu: create pipeline layout: %w", err)
	}
	pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  sh.label,
		Layout: pipeLayout,
		Compute: hal.ComputeState{
			Module:     sh.module,
			EntryPoint: sh.entry,
		},
	})
	if err != nil {
		d.device.DestroyPipelineLayout(pipeLayout)
		d.device.DestroyBindGroupLayout(bindLayout)
		return pipelineEntry{}, fmt.Errorf("webgpu: create compute pipeline: %w", err)
	}

	pe := pipelineEntry{bindLayout: bindLayout, pipeLayout: pipeLayout, pipeline: pipeline}
	d.mu.Lock()
	sh.pipelines[key] = pe
	d.mu.Unlock()
	return pe, nil
}

// bindEntries resolves the dispatch's bindings into bind group entries
// in the slot order pipelineFor declared them.
func (d *Device) bindEntries(desc *schedhal.DispatchDesc) ([]gputypes.BindGroupEntry, error) {
	var entries []gputypes.BindGroupEntry
	slot := uint32(0)

	addBuffer := func(id schedhal.BufferID, offset, size uint64) error {
		b, ok := d.lookupBuffer(id)
		if !ok {
			return schedhal.ErrInvalidID
		}
		if size == 0 {
			size = b.size
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: slot,
			Resource: gputypes.BufferBinding{
				Buffer: b.buf.NativeHandle(),
				Offset: offset,
				Size:   size,
			},
		})
		slot++
		return nil
	}

	for _, tables := range [][]schedhal.TableBinding{desc.In, desc.Out} {
		for _, t := range tables {
			for _, e := range t.Entries {
				if err := addBuffer(e.Resource.Buffer, 0, 0); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, id := range desc.ConstantBuffers {
		if err := addBuffer(id, 0, 0); err != nil {
			return nil, err
		}
	}
	if desc.Constants.Size > 0 {
		if err := addBuffer(desc.Constants.Heap, desc.Constants.Offset, desc.Constants.Size); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
