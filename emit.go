package sched

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/sched/hal"
)

// emitter translates one built bundle into backend command buffers.
// It re-walks each list's blob against the bundle's command schedule:
// for every command it records the planned pre-barriers, the command
// itself, and the planned post-barriers.
type emitter struct {
	dev    *Device
	bundle *WorkBundle

	rec          hal.CommandRecorder
	listIndex    int
	commandIndex int

	upload       uploadBlock
	tableEntries []hal.TableEntry
}

func (e *emitter) command() *CommandInfo {
	return &e.bundle.ProcessedLists[e.listIndex].CommandSchedule[e.commandIndex]
}

// begin applies the pre-barriers of the current command.
func (e *emitter) begin() *CommandInfo {
	cmd := e.command()
	e.transition(cmd.PreBarrier)
	return cmd
}

// end applies the post-barriers and advances to the next command.
func (e *emitter) end(cmd *CommandInfo) {
	e.transition(cmd.PostBarrier)
	e.commandIndex++
}

func (e *emitter) transition(barriers []ResourceBarrier) {
	if len(barriers) == 0 {
		return
	}
	out := make([]hal.Barrier, 0, len(barriers))
	for _, b := range barriers {
		info, ok := e.dev.registry.Resource(b.Resource)
		if !ok {
			// The resource was released while its work was in flight;
			// nothing left to transition.
			Logger().Warn("sched: barrier on released resource", "list", e.listIndex, "command", e.commandIndex)
			continue
		}
		out = append(out, hal.Barrier{
			Resource: info.ref,
			Prev:     b.Prev,
			Post:     b.Post,
			Kind:     b.Kind,
			Src:      b.Src,
		})
	}
	if len(out) > 0 {
		e.rec.Transition(out)
	}
}

func (e *emitter) resolve(h ResourceHandle) (resourceInfo, error) {
	info, ok := e.dev.registry.Resource(h)
	if !ok {
		return resourceInfo{}, fmt.Errorf("sched: resource id %d vanished before emission", h.idx)
	}
	return info, nil
}

func (e *emitter) onCompute(off MemOffset, c *computeView) error {
	cmd := e.begin()

	shader, err := e.dev.resolveShader(c.shader)
	if err != nil {
		return err
	}

	desc := &hal.DispatchDesc{
		Shader: shader,
		Name:   c.name,
		Groups: [3]uint32{uint32(c.x), uint32(c.y), uint32(c.z)},
	}

	for _, t := range c.inTables {
		binding, err := e.tableBinding(t.ResourceTable)
		if err != nil {
			return err
		}
		desc.In = append(desc.In, binding)
	}
	for _, t := range c.outTables {
		binding, err := e.tableBinding(t.ResourceTable)
		if err != nil {
			return err
		}
		desc.Out = append(desc.Out, binding)
	}

	if n := len(c.inlineConstants); n > 0 {
		copy(e.upload.mapped[cmd.UploadBufferOffset:], c.inlineConstants)
		desc.Constants = hal.InlineConstants{
			Heap:   e.upload.buffer,
			Offset: e.upload.offset + cmd.UploadBufferOffset,
			Size:   alignUp(uint64(n), constantBufferAlignment),
		}
	} else {
		for _, b := range c.constantBuffers {
			info, err := e.resolve(b.ResourceHandle)
			if err != nil {
				return err
			}
			desc.ConstantBuffers = append(desc.ConstantBuffers, info.ref.Buffer)
		}
	}

	if c.indirect {
		info, err := e.resolve(c.indirectArgs.ResourceHandle)
		if err != nil {
			return err
		}
		desc.Indirect = info.ref.Buffer
	}

	e.rec.Dispatch(desc)
	e.end(cmd)
	return nil
}

// tableBinding resolves a table into its slice of the bundle's flat
// descriptor staging range, filling the slice on first use.
func (e *emitter) tableBinding(t ResourceTable) (hal.TableBinding, error) {
	alloc, ok := e.bundle.TableAllocations[t]
	if !ok {
		return hal.TableBinding{}, fmt.Errorf("sched: table id %d has no bundle allocation", t.idx)
	}
	entries := e.tableEntries[alloc.Offset : alloc.Offset+alloc.Count]

	info, isUav, err := e.dev.registry.tableResources(t)
	if err != nil {
		return hal.TableBinding{}, err
	}
	for i, r := range info {
		if entries[i].Resource == (hal.ResourceRef{}) {
			res, err := e.resolve(r)
			if err != nil {
				return hal.TableBinding{}, err
			}
			entries[i].Resource = res.ref
		}
	}
	return hal.TableBinding{Writable: isUav, Entries: entries}, nil
}

func (e *emitter) onCopy(off MemOffset, c *copyView) error {
	cmd := e.begin()
	src, err := e.resolve(c.source)
	if err != nil {
		return err
	}
	dst, err := e.resolve(c.destination)
	if err != nil {
		return err
	}
	e.rec.CopyResource(src.ref, dst.ref)
	e.end(cmd)
	return nil
}

func (e *emitter) onUpload(off MemOffset, c *uploadView) error {
	cmd := e.begin()
	dst, err := e.resolve(c.destination)
	if err != nil {
		return err
	}

	copy(e.upload.mapped[cmd.UploadBufferOffset:], c.source)
	srcOff := e.upload.offset + cmd.UploadBufferOffset
	if dst.ref.IsBuffer() {
		e.rec.CopyBuffer(e.upload.buffer, srcOff, dst.ref.Buffer, 0, uint64(len(c.source)))
	} else {
		e.rec.CopyBufferToTexture(e.upload.buffer, srcOff, dst.ref.Texture, 0, 0)
	}
	e.end(cmd)
	return nil
}

func (e *emitter) onDownload(off MemOffset, c *downloadView) error {
	cmd := e.begin()
	info, err := e.resolve(c.source)
	if err != nil {
		return err
	}
	mapped, err := e.dev.backend.MappedBytes(info.ref)
	if err != nil {
		return fmt.Errorf("sched: download target is not mappable: %w", err)
	}

	key := downloadKey{resource: c.source, mip: c.mipLevel, slice: c.arraySlice}
	ds := e.bundle.downloads[key]
	if ds == nil {
		return fmt.Errorf("sched: download slot missing for resource id %d", c.source.idx)
	}
	offset, size := subresourceRange(&info, c.mipLevel, c.arraySlice)
	if offset+size > uint64(len(mapped)) {
		return fmt.Errorf("sched: download subresource out of range for resource id %d", c.source.idx)
	}
	ds.mapped = mapped[offset : offset+size]
	e.end(cmd)
	return nil
}

func (e *emitter) onClearCounter(off MemOffset, c *clearCounterView) error {
	cmd := e.begin()
	dst, err := e.resolve(c.source)
	if err != nil {
		return err
	}
	if !dst.ref.IsBuffer() {
		return fmt.Errorf("sched: append/consume counter target must be a buffer")
	}

	staged := e.upload.mapped[cmd.UploadBufferOffset:]
	staged[0] = byte(c.counterValue)
	staged[1] = byte(c.counterValue >> 8)
	staged[2] = byte(c.counterValue >> 16)
	staged[3] = byte(c.counterValue >> 24)
	e.rec.CopyBuffer(e.upload.buffer, e.upload.offset+cmd.UploadBufferOffset, dst.ref.Buffer, 0, wordSize)
	e.end(cmd)
	return nil
}

// subresourceRange locates (mip, slice) inside a host-visible
// resource's mapped bytes, assuming tight row packing. Buffers are a
// single range. The exact padded layout of texture readback is the
// backend's footprint concern; host-visible textures created by this
// module are tightly packed.
func subresourceRange(info *resourceInfo, mip, slice int32) (offset, size uint64) {
	if info.kind == KindBuffer {
		return 0, info.sizeInBytes
	}

	t := &info.texture
	texel := uint64(bytesPerTexel(t.Format))
	mips := max(t.MipLevels, 1)
	slices := max(t.ArraySlices, 1)

	var sliceSize uint64
	mipSizes := make([]uint64, mips)
	for m := uint32(0); m < mips; m++ {
		w := max(t.Width>>m, 1)
		h := max(t.Height>>m, 1)
		d := max(t.Depth>>m, 1)
		mipSizes[m] = texel * uint64(w) * uint64(h) * uint64(d)
		sliceSize += mipSizes[m]
	}

	offset = sliceSize * uint64(min(uint32(slice), slices-1))
	for m := uint32(0); m < min(uint32(mip), mips-1); m++ {
		offset += mipSizes[m]
	}
	return offset, mipSizes[min(uint32(mip), mips-1)]
}

// bytesPerTexel returns the texel size of the formats the scheduler
// stages. Unknown formats fall back to 4 bytes.
func bytesPerTexel(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatR32Float,
		gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatBGRA8UnormSrgb:
		return 4
	case gputypes.TextureFormatRG32Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 4
	}
}
