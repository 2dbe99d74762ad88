package vk

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/sched/hal"
)

// stageFor maps a scheduler resource state to the pipeline stage that
// produces or consumes it.
func stageFor(s hal.ResourceState) vk.PipelineStageFlagBits {
	switch s {
	case hal.StateDefault, hal.StatePresent:
		return vk.PipelineStageTopOfPipeBit
	case hal.StateUav, hal.StateSrv, hal.StateCbv, hal.StateIndirectArgs:
		return vk.PipelineStageComputeShaderBit
	case hal.StateCopySrc, hal.StateCopyDst:
		return vk.PipelineStageTransferBit
	case hal.StateRtv:
		return vk.PipelineStageColorAttachmentOutputBit
	}
	return vk.PipelineStageBottomOfPipeBit
}

func accessFor(s hal.ResourceState) vk.AccessFlags {
	switch s {
	case hal.StateDefault:
		return 0
	case hal.StateIndirectArgs:
		return vk.AccessFlags(vk.AccessIndirectCommandReadBit)
	case hal.StateUav:
		return vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit)
	case hal.StateSrv:
		return vk.AccessFlags(vk.AccessShaderReadBit)
	case hal.StateCopyDst:
		return vk.AccessFlags(vk.AccessTransferWriteBit)
	case hal.StateCopySrc:
		return vk.AccessFlags(vk.AccessTransferReadBit)
	case hal.StateCbv:
		return vk.AccessFlags(vk.AccessUniformReadBit)
	case hal.StateRtv:
		return vk.AccessFlags(vk.AccessColorAttachmentWriteBit)
	case hal.StatePresent:
		return vk.AccessFlags(vk.AccessMemoryReadBit)
	}
	return 0
}

func layoutFor(s hal.ResourceState) vk.ImageLayout {
	switch s {
	case hal.StateDefault, hal.StateCbv:
		return vk.ImageLayoutUndefined
	case hal.StateUav, hal.StateIndirectArgs:
		return vk.ImageLayoutGeneral
	case hal.StateSrv:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case hal.StateCopyDst:
		return vk.ImageLayoutTransferDstOptimal
	case hal.StateCopySrc:
		return vk.ImageLayoutTransferSrcOptimal
	case hal.StateRtv, hal.StatePresent:
		return vk.ImageLayoutColorAttachmentOptimal
	}
	return vk.ImageLayoutUndefined
}

// recorder records into one primary command buffer. Interface methods
// cannot return errors, so the first failure is latched and surfaced at
// Close and Submit.
type recorder struct {
	dev *Device
	cb  vk.CommandBuffer

	descPool vk.DescriptorPool

	err error
}

func newRecorder(d *Device, cb vk.CommandBuffer) *recorder {
	return &recorder{dev: d, cb: cb}
}

func (r *recorder) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Transition implements hal.CommandRecorder. Immediate barriers become
// one vkCmdPipelineBarrier; Begin halves set an event per producer
// location; End halves wait on the producer's event carrying the
// grouped memory barriers. Same-state entries are dropped.
func (r *recorder) Transition(barriers []hal.Barrier) {
	if r.err != nil {
		return
	}

	var (
		immSrc, immDst vk.PipelineStageFlags
		immBuf         []vk.BufferMemoryBarrier
		immImg         []vk.ImageMemoryBarrier
	)

	type srcEvent struct {
		event vk.Event
		flags vk.PipelineStageFlags
	}
	type dstEvent struct {
		event    vk.Event
		srcFlags vk.PipelineStageFlags
		dstFlags vk.PipelineStageFlags
		bufs     []vk.BufferMemoryBarrier
		imgs     []vk.ImageMemoryBarrier
	}
	srcEvents := make(map[hal.Location]*srcEvent)
	dstEvents := make(map[hal.Location]*dstEvent)

	family := r.dev.inst.queueFamily
	for _, b := range barriers {
		if b.Prev == b.Post {
			// A UAV-to-UAV hazard is an execution dependency only.
			continue
		}

		switch b.Kind {
		case hal.BarrierBegin:
			se := srcEvents[b.Src]
			if se == nil {
				ev, err := r.dev.beginEvent(b.Src)
				if err != nil {
					r.fail(err)
					return
				}
				se = &srcEvent{event: ev}
				srcEvents[b.Src] = se
			}
			se.flags |= vk.PipelineStageFlags(stageFor(b.Prev))
			// The Begin half announces only; barriers ride the End.
			continue

		case hal.BarrierEnd:
			de := dstEvents[b.Src]
			if de == nil {
				ev, ok := r.dev.findEvent(b.Src)
				if !ok {
					r.fail(fmt.Errorf("vk: end barrier with no begin event at %+v", b.Src))
					return
				}
				de = &dstEvent{event: ev}
				dstEvents[b.Src] = de
			}
			de.srcFlags |= vk.PipelineStageFlags(stageFor(b.Prev))
			de.dstFlags |= vk.PipelineStageFlags(stageFor(b.Post))
			r.appendMemoryBarrier(b, family, &de.bufs, &de.imgs)

		case hal.BarrierImmediate:
			immSrc |= vk.PipelineStageFlags(stageFor(b.Prev))
			immDst |= vk.PipelineStageFlags(stageFor(b.Post))
			r.appendMemoryBarrier(b, family, &immBuf, &immImg)
		}
		if r.err != nil {
			return
		}
	}

	if len(immBuf) > 0 || len(immImg) > 0 {
		vk.CmdPipelineBarrier(r.cb, immSrc, immDst, 0,
			0, nil,
			uint32(len(immBuf)), immBuf,
			uint32(len(immImg)), immImg)
	}
	for _, se := range srcEvents {
		vk.CmdSetEvent(r.cb, se.event, se.flags)
	}
	for _, de := range dstEvents {
		vk.CmdWaitEvents(r.cb, 1, []vk.Event{de.event},
			de.srcFlags, de.dstFlags,
			0, nil,
			uint32(len(de.bufs)), de.bufs,
			uint32(len(de.imgs)), de.imgs)
	}
}

func (r *recorder) appendMemoryBarrier(b hal.Barrier, family uint32,
	bufs *[]vk.BufferMemoryBarrier, imgs *[]vk.ImageMemoryBarrier) {

	if b.Resource.IsBuffer() {
		buf, ok := r.dev.lookupBuffer(b.Resource.Buffer)
		if !ok {
			r.fail(hal.ErrInvalidID)
			return
		}
		*bufs = append(*bufs, vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       accessFor(b.Prev),
			DstAccessMask:       accessFor(b.Post),
			SrcQueueFamilyIndex: family,
			DstQueueFamilyIndex: family,
			Buffer:              buf.buf,
			Offset:              0,
			Size:                vk.DeviceSize(buf.size),
		})
		return
	}

	img, ok := r.dev.lookupImage(b.Resource.Texture)
	if !ok {
		r.fail(hal.ErrInvalidID)
		return
	}
	*imgs = append(*imgs, vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       accessFor(b.Prev),
		DstAccessMask:       accessFor(b.Post),
		OldLayout:           layoutFor(b.Prev),
		NewLayout:           layoutFor(b.Post),
		SrcQueueFamilyIndex: family,
		DstQueueFamilyIndex: family,
		Image:               img.img,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: max(img.desc.MipLevels, 1),
			LayerCount: max(img.desc.ArrayLayers, 1),
		},
	})
}

// Dispatch implements hal.CommandRecorder.
func (r *recorder) Dispatch(desc *hal.DispatchDesc) {
	if r.err != nil {
		return
	}

	ps, err := r.dev.pipelineFor(desc)
	if err != nil {
		r.fail(err)
		return
	}

	set, err := r.allocDescriptorSet(ps.setLayout)
	if err != nil {
		r.fail(err)
		return
	}
	if err := r.dev.writeDescriptors(set, desc); err != nil {
		r.fail(err)
		return
	}

	vk.CmdBindPipeline(r.cb, vk.PipelineBindPointCompute, ps.pipeline)
	vk.CmdBindDescriptorSets(r.cb, vk.PipelineBindPointCompute, ps.layout,
		0, 1, []vk.DescriptorSet{set}, 0, nil)

	if desc.Indirect != hal.InvalidID {
		buf, ok := r.dev.lookupBuffer(desc.Indirect)
		if !ok {
			r.fail(hal.ErrInvalidID)
			return
		}
		vk.CmdDispatchIndirect(r.cb, buf.buf, vk.DeviceSize(desc.IndirectOffset))
		return
	}
	vk.CmdDispatch(r.cb, desc.Groups[0], desc.Groups[1], desc.Groups[2])
}

// allocDescriptorSet draws a set from the recorder's transient pool,
// creating the pool on first use. The pool dies with the recorder, so
// its sets live exactly as long as the submission's fence.
func (r *recorder) allocDescriptorSet(layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	if r.descPool == vk.NullDescriptorPool {
		poolSizes := []vk.DescriptorPoolSize{
			{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: 256},
			{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: 64},
			{Type: vk.DescriptorTypeStorageImage, DescriptorCount: 64},
		}
		poolInfo := vk.DescriptorPoolCreateInfo{
			SType:         vk.StructureTypeDescriptorPoolCreateInfo,
			MaxSets:       64,
			PoolSizeCount: uint32(len(poolSizes)),
			PPoolSizes:    poolSizes,
		}
		if ret := vk.CreateDescriptorPool(r.dev.device, &poolInfo, nil, &r.descPool); ret != vk.Success {
			return vk.NullDescriptorSet, vkErr("vkCreateDescriptorPool", ret)
		}
	}

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     r.descPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout},
	}
	sets := make([]vk.DescriptorSet, 1)
	if ret := vk.AllocateDescriptorSets(r.dev.device, &allocInfo, &sets[0]); ret != vk.Success {
		return vk.NullDescriptorSet, vkErr("vkAllocateDescriptorSets", ret)
	}
	return sets[0], nil
}

// CopyResource implements hal.CommandRecorder.
func (r *recorder) CopyResource(src, dst hal.ResourceRef) {
	if r.err != nil {
		return
	}
	switch {
	case src.IsBuffer() && dst.IsBuffer():
		from, ok1 := r.dev.lookupBuffer(src.Buffer)
		to, ok2 := r.dev.lookupBuffer(dst.Buffer)
		if !ok1 || !ok2 {
			r.fail(hal.ErrInvalidID)
			return
		}
		region := vk.BufferCopy{Size: vk.DeviceSize(min(from.size, to.size))}
		vk.CmdCopyBuffer(r.cb, from.buf, to.buf, 1, []vk.BufferCopy{region})

	case !src.IsBuffer() && !dst.IsBuffer():
		from, ok1 := r.dev.lookupImage(src.Texture)
		to, ok2 := r.dev.lookupImage(dst.Texture)
		if !ok1 || !ok2 {
			r.fail(hal.ErrInvalidID)
			return
		}
		region := vk.ImageCopy{
			SrcSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			DstSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			Extent: vk.Extent3D{
				Width:  from.desc.Width,
				Height: from.desc.Height,
				Depth:  max(from.desc.Depth, 1),
			},
		}
		vk.CmdCopyImage(r.cb,
			from.img, vk.ImageLayoutTransferSrcOptimal,
			to.img, vk.ImageLayoutTransferDstOptimal,
			1, []vk.ImageCopy{region})

	default:
		r.fail(fmt.Errorf("vk: mixed buffer/texture CopyResource is not supported"))
	}
}

// CopyBuffer implements hal.CommandRecorder.
func (r *recorder) CopyBuffer(src hal.BufferID, srcOff uint64, dst hal.BufferID, dstOff uint64, size uint64) {
	if r.err != nil {
		return
	}
	from, ok1 := r.dev.lookupBuffer(src)
	to, ok2 := r.dev.lookupBuffer(dst)
	if !ok1 || !ok2 {
		r.fail(hal.ErrInvalidID)
		return
	}
	region := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(srcOff),
		DstOffset: vk.DeviceSize(dstOff),
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(r.cb, from.buf, to.buf, 1, []vk.BufferCopy{region})
}

// CopyBufferToTexture implements hal.CommandRecorder. A zero
// BufferRowLength marks tightly packed rows.
func (r *recorder) CopyBufferToTexture(src hal.BufferID, srcOff uint64, dst hal.TextureID, mip, slice uint32) {
	if r.err != nil {
		return
	}
	from, ok1 := r.dev.lookupBuffer(src)
	to, ok2 := r.dev.lookupImage(dst)
	if !ok1 || !ok2 {
		r.fail(hal.ErrInvalidID)
		return
	}
	region := vk.BufferImageCopy{
		BufferOffset: vk.DeviceSize(srcOff),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       mip,
			BaseArrayLayer: slice,
			LayerCount:     1,
		},
		ImageExtent: vk.Extent3D{
			Width:  max(to.desc.Width>>mip, 1),
			Height: max(to.desc.Height>>mip, 1),
			Depth:  max(to.desc.Depth>>mip, 1),
		},
	}
	vk.CmdCopyBufferToImage(r.cb, from.buf, to.img,
		vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
}

// Close implements hal.CommandRecorder.
func (r *recorder) Close() error {
	if r.err != nil {
		return r.err
	}
	if ret := vk.EndCommandBuffer(r.cb); ret != vk.Success {
		r.fail(vkErr("vkEndCommandBuffer", ret))
	}
	return r.err
}
