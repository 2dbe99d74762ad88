package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/sched/hal"
)

// recorder buffers operations as closures and replays them at Submit.
// Transitions are validated against the device's tracked states as they
// execute, mirroring the debug layers of the hardware backends.
type recorder struct {
	dev    *Device
	ops    []func() error
	closed bool
}

// Transition implements hal.CommandRecorder.
func (r *recorder) Transition(barriers []hal.Barrier) {
	bs := append([]hal.Barrier(nil), barriers...)
	r.ops = append(r.ops, func() error {
		return r.dev.applyBarriers(bs)
	})
}

func (d *Device) applyBarriers(barriers []hal.Barrier) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range barriers {
		if b.Prev == b.Post {
			continue
		}
		tracked, ok := d.states[b.Resource]
		if !ok {
			return fmt.Errorf("soft: barrier on unknown resource %+v", b.Resource)
		}
		if tracked != b.Prev {
			return fmt.Errorf("%w: resource %+v tracked %s, barrier says %s",
				ErrBarrierMismatch, b.Resource, tracked, b.Prev)
		}
		// The Begin half only announces; the state flips at Immediate
		// or End.
		if b.Kind != hal.BarrierBegin {
			d.states[b.Resource] = b.Post
		}
	}
	return nil
}

// Dispatch implements hal.CommandRecorder.
func (r *recorder) Dispatch(desc *hal.DispatchDesc) {
	d := *desc
	r.ops = append(r.ops, func() error {
		return r.dev.runDispatch(&d)
	})
}

func (d *Device) runDispatch(desc *hal.DispatchDesc) error {
	d.mu.Lock()
	sh, ok := d.shaders[desc.Shader]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("soft: dispatch %q references unknown shader", desc.Name)
	}

	ctx := &hal.KernelContext{Groups: desc.Groups}

	if desc.Indirect != hal.InvalidID {
		args, ok := d.buffers[desc.Indirect]
		if !ok || uint64(len(args.data)) < desc.IndirectOffset+12 {
			d.mu.Unlock()
			return fmt.Errorf("soft: dispatch %q has a bad argument buffer", desc.Name)
		}
		for i := range 3 {
			ctx.Groups[i] = binary.LittleEndian.Uint32(args.data[desc.IndirectOffset+uint64(4*i):])
		}
	}

	if desc.Constants.Size > 0 {
		heap, ok := d.buffers[desc.Constants.Heap]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("soft: dispatch %q has a bad constant heap", desc.Name)
		}
		ctx.Constants = heap.data[desc.Constants.Offset : desc.Constants.Offset+desc.Constants.Size]
	}
	for _, id := range desc.ConstantBuffers {
		cb, ok := d.buffers[id]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("soft: dispatch %q has a bad constant buffer", desc.Name)
		}
		ctx.ConstantBuffers = append(ctx.ConstantBuffers, cb.data)
	}

	gather := func(tables []hal.TableBinding) ([][]byte, error) {
		var out [][]byte
		for _, t := range tables {
			for _, e := range t.Entries {
				bytes, err := d.resourceBytesLocked(e.Resource)
				if err != nil {
					return nil, err
				}
				out = append(out, bytes)
			}
		}
		return out, nil
	}

	var err error
	if ctx.In, err = gather(desc.In); err != nil {
		d.mu.Unlock()
		return err
	}
	if ctx.Out, err = gather(desc.Out); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	// The kernel runs outside the device lock; it owns its views.
	sh.kernel(ctx)
	return nil
}

func (d *Device) resourceBytesLocked(ref hal.ResourceRef) ([]byte, error) {
	if ref.IsBuffer() {
		b, ok := d.buffers[ref.Buffer]
		if !ok {
			return nil, hal.ErrInvalidID
		}
		return b.data, nil
	}
	t, ok := d.textures[ref.Texture]
	if !ok {
		return nil, hal.ErrInvalidID
	}
	return t.data, nil
}

// CopyResource implements hal.CommandRecorder.
func (r *recorder) CopyResource(src, dst hal.ResourceRef) {
	r.ops = append(r.ops, func() error {
		r.dev.mu.Lock()
		defer r.dev.mu.Unlock()
		from, err := r.dev.resourceBytesLocked(src)
		if err != nil {
			return err
		}
		to, err := r.dev.resourceBytesLocked(dst)
		if err != nil {
			return err
		}
		copy(to, from)
		return nil
	})
}

// CopyBuffer implements hal.CommandRecorder.
func (r *recorder) CopyBuffer(src hal.BufferID, srcOff uint64, dst hal.BufferID, dstOff uint64, size uint64) {
	r.ops = append(r.ops, func() error {
		r.dev.mu.Lock()
		defer r.dev.mu.Unlock()
		from, ok := r.dev.buffers[src]
		if !ok {
			return hal.ErrInvalidID
		}
		to, ok := r.dev.buffers[dst]
		if !ok {
			return hal.ErrInvalidID
		}
		if srcOff+size > uint64(len(from.data)) || dstOff+size > uint64(len(to.data)) {
			return fmt.Errorf("soft: buffer copy out of range")
		}
		copy(to.data[dstOff:dstOff+size], from.data[srcOff:srcOff+size])
		return nil
	})
}

// CopyBufferToTexture implements hal.CommandRecorder. Rows are tightly
// packed in the soft backend, so the copy is linear.
func (r *recorder) CopyBufferToTexture(src hal.BufferID, srcOff uint64, dst hal.TextureID, mip, slice uint32) {
	r.ops = append(r.ops, func() error {
		r.dev.mu.Lock()
		defer r.dev.mu.Unlock()
		from, ok := r.dev.buffers[src]
		if !ok {
			return hal.ErrInvalidID
		}
		to, ok := r.dev.textures[dst]
		if !ok {
			return hal.ErrInvalidID
		}
		copy(to.data, from.data[srcOff:])
		return nil
	})
}

// Close implements hal.CommandRecorder.
func (r *recorder) Close() error {
	r.closed = true
	return nil
}

// run replays the recorded operations in order.
func (r *recorder) run() error {
	for _, op := range r.ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}
