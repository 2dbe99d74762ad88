package soft

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/sched/hal"
)

func mustBuffer(t *testing.T, d *Device, size uint64) hal.BufferID {
	t.Helper()
	id, err := d.CreateBuffer(&hal.BufferDesc{Size: size, HostVisible: true})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	return id
}

func submitOne(t *testing.T, d *Device, build func(rec hal.CommandRecorder)) hal.Fence {
	t.Helper()
	rec, err := d.NewCommandRecorder()
	if err != nil {
		t.Fatalf("NewCommandRecorder: %v", err)
	}
	build(rec)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f, err := d.Submit(hal.QueueCompute, []hal.CommandRecorder{rec})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return f
}

func TestDispatchRunsKernel(t *testing.T) {
	d := New(nil)
	defer d.Destroy()

	out := mustBuffer(t, d, 16)
	sh, err := d.CreateShader(&hal.ShaderDesc{
		Label: "quad",
		Kernel: func(ctx *hal.KernelContext) {
			binary.LittleEndian.PutUint32(ctx.Out[0], ctx.Groups[0]*ctx.Groups[1])
		},
	})
	if err != nil {
		t.Fatalf("CreateShader: %v", err)
	}

	submitOne(t, d, func(rec hal.CommandRecorder) {
		rec.Dispatch(&hal.DispatchDesc{
			Shader: sh,
			Groups: [3]uint32{6, 7, 1},
			Out: []hal.TableBinding{{
				Writable: true,
				Entries:  []hal.TableEntry{{Resource: hal.ResourceRef{Buffer: out}}},
			}},
		})
	})

	data, err := d.MappedBytes(hal.ResourceRef{Buffer: out})
	if err != nil {
		t.Fatalf("MappedBytes: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data); got != 42 {
		t.Errorf("kernel wrote %d, want 42", got)
	}
}

func TestIndirectDispatchReadsArgs(t *testing.T) {
	d := New(nil)
	defer d.Destroy()

	args := mustBuffer(t, d, 12)
	out := mustBuffer(t, d, 16)
	argData, _ := d.MappedBytes(hal.ResourceRef{Buffer: args})
	binary.LittleEndian.PutUint32(argData[0:], 3)
	binary.LittleEndian.PutUint32(argData[4:], 5)
	binary.LittleEndian.PutUint32(argData[8:], 1)

	sh, _ := d.CreateShader(&hal.ShaderDesc{
		Label: "indirect",
		Kernel: func(ctx *hal.KernelContext) {
			binary.LittleEndian.PutUint32(ctx.Out[0], ctx.Groups[0]+ctx.Groups[1]+ctx.Groups[2])
		},
	})

	submitOne(t, d, func(rec hal.CommandRecorder) {
		rec.Dispatch(&hal.DispatchDesc{
			Shader:   sh,
			Indirect: args,
			Out: []hal.TableBinding{{
				Writable: true,
				Entries:  []hal.TableEntry{{Resource: hal.ResourceRef{Buffer: out}}},
			}},
		})
	})

	data, _ := d.MappedBytes(hal.ResourceRef{Buffer: out})
	if got := binary.LittleEndian.Uint32(data); got != 9 {
		t.Errorf("indirect groups sum = %d, want 9", got)
	}
}

func TestShaderWithoutKernelRejected(t *testing.T) {
	d := New(nil)
	defer d.Destroy()

	_, err := d.CreateShader(&hal.ShaderDesc{Label: "wgsl-only", WGSL: "fn main() {}"})
	if !errors.Is(err, ErrNoKernel) {
		t.Errorf("CreateShader = %v, want ErrNoKernel", err)
	}
}

func TestBarrierValidation(t *testing.T) {
	d := New(nil)
	defer d.Destroy()

	buf := mustBuffer(t, d, 4)
	ref := hal.ResourceRef{Buffer: buf}

	// A consistent chain applies cleanly.
	submitOne(t, d, func(rec hal.CommandRecorder) {
		rec.Transition([]hal.Barrier{{Resource: ref, Prev: hal.StateDefault, Post: hal.StateUav}})
		rec.Transition([]hal.Barrier{{Resource: ref, Prev: hal.StateUav, Post: hal.StateCopySrc}})
	})
	if s, _ := d.ResourceState(ref); s != hal.StateCopySrc {
		t.Errorf("tracked state = %s, want CopySrc", s)
	}

	// A wrong previous state is rejected at submission.
	rec, _ := d.NewCommandRecorder()
	rec.Transition([]hal.Barrier{{Resource: ref, Prev: hal.StateDefault, Post: hal.StateSrv}})
	rec.Close()
	_, err := d.Submit(hal.QueueCompute, []hal.CommandRecorder{rec})
	if !errors.Is(err, ErrBarrierMismatch) {
		t.Errorf("Submit = %v, want ErrBarrierMismatch", err)
	}
}

func TestBeginBarrierDoesNotFlipState(t *testing.T) {
	d := New(nil)
	defer d.Destroy()

	buf := mustBuffer(t, d, 4)
	ref := hal.ResourceRef{Buffer: buf}
	src := hal.Location{List: 0, Command: 0}

	submitOne(t, d, func(rec hal.CommandRecorder) {
		rec.Transition([]hal.Barrier{
			{Resource: ref, Prev: hal.StateDefault, Post: hal.StateSrv, Kind: hal.BarrierBegin, Src: src},
		})
		// The state flips only at the End half.
		rec.Transition([]hal.Barrier{
			{Resource: ref, Prev: hal.StateDefault, Post: hal.StateSrv, Kind: hal.BarrierEnd, Src: src},
		})
	})
	if s, _ := d.ResourceState(ref); s != hal.StateSrv {
		t.Errorf("tracked state = %s, want Srv", s)
	}
}

func TestManualFences(t *testing.T) {
	d := New(&Options{ManualFences: true})
	defer d.Destroy()

	f := submitOne(t, d, func(rec hal.CommandRecorder) {})

	if ok, _ := d.FenceSignaled(f); ok {
		t.Error("held fence reported signaled")
	}
	if err := d.WaitFence(f, time.Millisecond); err != hal.ErrTimeout {
		t.Errorf("bounded wait = %v, want ErrTimeout", err)
	}

	d.SignalAll()
	if ok, _ := d.FenceSignaled(f); !ok {
		t.Error("signaled fence reported pending")
	}
	if err := d.WaitFence(f, -1); err != nil {
		t.Errorf("wait after signal = %v", err)
	}
}

func TestCopyBufferBounds(t *testing.T) {
	d := New(nil)
	defer d.Destroy()

	a := mustBuffer(t, d, 8)
	b := mustBuffer(t, d, 8)

	rec, _ := d.NewCommandRecorder()
	rec.CopyBuffer(a, 4, b, 0, 8)
	rec.Close()
	if _, err := d.Submit(hal.QueueCompute, []hal.CommandRecorder{rec}); err == nil {
		t.Error("out-of-range copy was accepted")
	}
}
