package vk

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/sched/hal"
)

func (d *Device) lookupBuffer(id hal.BufferID) (*buffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	return b, ok
}

func (d *Device) lookupImage(id hal.TextureID) (*image, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	return img, ok
}

// beginEvent allocates (or reuses) the event for a split-barrier
// producer location. Events live in the device-wide recording map until
// the batch is submitted, so the End half finds them even when it is
// recorded into a different command buffer.
func (d *Device) beginEvent(loc hal.Location) (vk.Event, error) {
	d.mu.Lock()
	if d.recordingEvents == nil {
		d.recordingEvents = make(map[hal.Location]vk.Event)
	}
	if ev, ok := d.recordingEvents[loc]; ok {
		d.mu.Unlock()
		return ev, nil
	}
	d.mu.Unlock()

	ev, err := d.allocEvent()
	if err != nil {
		return vk.NullEvent, err
	}
	d.mu.Lock()
	d.recordingEvents[loc] = ev
	d.mu.Unlock()
	return ev, nil
}

func (d *Device) findEvent(loc hal.Location) (vk.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.recordingEvents[loc]
	return ev, ok
}

// takeRecordingEvents hands the current recording batch's events to the
// submission that now owns them.
func (d *Device) takeRecordingEvents() []vk.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := make([]vk.Event, 0, len(d.recordingEvents))
	for _, ev := range d.recordingEvents {
		events = append(events, ev)
	}
	d.recordingEvents = nil
	return events
}

// bindingShape captures the descriptor layout a dispatch needs: every
// table entry binds as a storage buffer, explicit constant buffers and
// the staged inline range bind as uniform buffers.
type bindingShape struct {
	inBuffers  int
	outBuffers int
	uniforms   int
}

func shapeOf(desc *hal.DispatchDesc) (bindingShape, error) {
	var s bindingShape
	count := func(tables []hal.TableBinding) (int, error) {
		n := 0
		for _, t := range tables {
			for _, e := range t.Entries {
				if !e.Resource.IsBuffer() {
					return 0, fmt.Errorf("vk: texture table entries are not supported yet")
				}
				n++
			}
		}
		return n, nil
	}
	var err error
	if s.inBuffers, err = count(desc.In); err != nil {
		return s, err
	}
	if s.outBuffers, err = count(desc.Out); err != nil {
		return s, err
	}
	s.uniforms = len(desc.ConstantBuffers)
	if desc.Constants.Size > 0 {
		s.uniforms++
	}
	return s, nil
}

func (s bindingShape) key() string {
	return fmt.Sprintf("i%d-o%d-u%d", s.inBuffers, s.outBuffers, s.uniforms)
}

// pipelineFor returns the cached compute pipeline matching the
// dispatch's binding shape, creating layouts and pipeline on first use.
func (d *Device) pipelineFor(desc *hal.DispatchDesc) (pipelineState, error) {
	shape, err := shapeOf(desc)
	if err != nil {
		return pipelineState{}, err
	}
	key := shape.key()

	d.mu.Lock()
	sh, ok := d.shaders[desc.Shader]
	if !ok {
		d.mu.Unlock()
		return pipelineState{}, fmt.Errorf("vk: dispatch %q references unknown shader", desc.Name)
	}
	if ps, ok := sh.pipelines[key]; ok {
		d.mu.Unlock()
		return ps, nil
	}
	d.mu.Unlock()

	bindings := make([]vk.DescriptorSetLayoutBinding, 0, shape.inBuffers+shape.outBuffers+shape.uniforms)
	slot := uint32(0)
	addBindings := func(n int, descType vk.DescriptorType) {
		for range n {
			bindings = append(bindings, vk.DescriptorSetLayoutBinding{
				Binding:         slot,
				DescriptorType:  descType,
				DescriptorCount: 1,
				StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
			})
			slot++
		}
	}
	addBindings(shape.inBuffers, vk.DescriptorTypeStorageBuffer)
	addBindings(shape.outBuffers, vk.DescriptorTypeStorageBuffer)
	addBindings(shape.uniforms, vk.DescriptorTypeUniformBuffer)

	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var setLayout vk.DescriptorSetLayout
	if ret := vk.CreateDescriptorSetLayout(d.device, &layoutInfo, nil, &setLayout); ret != vk.Success {
		return pipelineState{}, vkErr("vkCreateDescriptorSetLayout", ret)
	}

	pipeLayoutInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{setLayout},
	}
	var layout vk.PipelineLayout
	if ret := vk.CreatePipelineLayout(d.device, &pipeLayoutInfo, nil, &layout); ret != vk.Success {
		vk.DestroyDescriptorSetLayout(d.device, setLayout, nil)
		return pipelineState{}, vkErr("vkCreatePipelineLayout", ret)
	}

	pipelineInfo := vk.ComputePipelineCreateInfo{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: sh.module,
			PName:  cstr(sh.entry),
		},
		Layout: layout,
	}
	pipelines := make([]vk.Pipeline, 1)
	if ret := vk.CreateComputePipelines(d.device, vk.PipelineCache(vk.NullHandle),
		1, []vk.ComputePipelineCreateInfo{pipelineInfo}, nil, pipelines); ret != vk.Success {
		vk.DestroyPipelineLayout(d.device, layout, nil)
		vk.DestroyDescriptorSetLayout(d.device, setLayout, nil)
		return pipelineState{}, vkErr("vkCreateComputePipelines", ret)
	}

	ps := pipelineState{layout: layout, setLayout: setLayout, pipeline: pipelines[0]}
	d.mu.Lock()
	sh.pipelines[key] = ps
	d.mu.Unlock()
	return ps, nil
}

// writeDescriptors fills a freshly allocated set with the dispatch's
// resolved bindings, in the same slot order pipelineFor declared them.
func (d *Device) writeDescriptors(set vk.DescriptorSet, desc *hal.DispatchDesc) error {
	var writes []vk.WriteDescriptorSet
	slot := uint32(0)

	writeBuffer := func(id hal.BufferID, descType vk.DescriptorType, offset, size uint64) error {
		buf, ok := d.lookupBuffer(id)
		if !ok {
			return hal.ErrInvalidID
		}
		rng := vk.DeviceSize(vk.WholeSize)
		if size > 0 {
			rng = vk.DeviceSize(size)
		}
		writes = append(writes, vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      slot,
			DescriptorCount: 1,
			DescriptorType:  descType,
			PBufferInfo: []vk.DescriptorBufferInfo{{
				Buffer: buf.buf,
				Offset: vk.DeviceSize(offset),
				Range:  rng,
			}},
		})
		slot++
		return nil
	}

	for _, tables := range [][]hal.TableBinding{desc.In, desc.Out} {
		for _, t := range tables {
			for _, e := range t.Entries {
				if err := writeBuffer(e.Resource.Buffer, vk.DescriptorTypeStorageBuffer, 0, 0); err != nil {
					return err
				}
			}
		}
	}
	for _, id := range desc.ConstantBuffers {
		if err := writeBuffer(id, vk.DescriptorTypeUniformBuffer, 0, 0); err != nil {
			return err
		}
	}
	if desc.Constants.Size > 0 {
		if err := writeBuffer(desc.Constants.Heap, vk.DescriptorTypeUniformBuffer,
			desc.Constants.Offset, desc.Constants.Size); err != nil {
			return err
		}
	}

	if len(writes) > 0 {
		vk.UpdateDescriptorSets(d.device, uint32(len(writes)), writes, 0, nil)
	}
	return nil
}
