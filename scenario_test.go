package sched

import (
	"encoding/binary"
	"testing"

	"github.com/gogpu/sched/backend/soft"
	"github.com/gogpu/sched/hal"
)

func newSoftDevice(t *testing.T) *Device {
	t.Helper()
	d, err := NewDevice(&DeviceConfig{Backend: "soft"})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func mustBuffer(t *testing.T, d *Device, desc *BufferDesc) Buffer {
	t.Helper()
	b, err := d.CreateBuffer(desc)
	if err != nil {
		t.Fatalf("CreateBuffer %q: %v", desc.Name, err)
	}
	return b
}

func mustOutTable(t *testing.T, d *Device, handles ...ResourceHandle) OutResourceTable {
	t.Helper()
	tbl, err := d.CreateOutResourceTable(&TableDesc{Resources: handles})
	if err != nil {
		t.Fatalf("CreateOutResourceTable: %v", err)
	}
	return tbl
}

func mustInTable(t *testing.T, d *Device, handles ...ResourceHandle) InResourceTable {
	t.Helper()
	tbl, err := d.CreateInResourceTable(&TableDesc{Resources: handles})
	if err != nil {
		t.Fatalf("CreateInResourceTable: %v", err)
	}
	return tbl
}

func mustShader(t *testing.T, d *Device, name string, kernel hal.Kernel) ShaderHandle {
	t.Helper()
	sh, err := d.CreateComputeShader(&ComputeShaderDesc{Name: name, Kernel: kernel})
	if err != nil {
		t.Fatalf("CreateComputeShader %q: %v", name, err)
	}
	return sh
}

func scheduleAndWait(t *testing.T, d *Device, lists ...*CommandList) WorkHandle {
	t.Helper()
	status := d.Schedule(lists, ScheduleFlagsGetWorkHandle)
	if !status.Success() {
		t.Fatalf("Schedule: %s: %s", status.Type, status.Message)
	}
	if ws := d.WaitOnCPU(status.Work, -1); !ws.Success() {
		t.Fatalf("WaitOnCPU: %s: %s", ws.Type, ws.Message)
	}
	return status.Work
}

func downloadU32s(t *testing.T, d *Device, work WorkHandle, res ResourceHandle, count int) []uint32 {
	t.Helper()
	ds := d.GetDownloadStatus(work, res, 0, 0)
	if !ds.Success() {
		t.Fatalf("GetDownloadStatus: %s", ds.Result)
	}
	if len(ds.Data) < count*4 {
		t.Fatalf("download size = %d, want >= %d", len(ds.Data), count*4)
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(ds.Data[i*4:])
	}
	return out
}

// Write-then-read numbers: a dispatch fills a GPU buffer with i+1, a
// copy stages it into CPU-readable memory, and a download exposes it.
func TestScenarioWriteThenRead(t *testing.T) {
	d := newSoftDevice(t)
	const n = 128

	gpuBuf := mustBuffer(t, d, &BufferDesc{Name: "numbers", ElementCount: n, Stride: 4})
	readBuf := mustBuffer(t, d, &BufferDesc{Name: "readback", ElementCount: n, Stride: 4, MemFlags: MemCpuRead})
	outTable := mustOutTable(t, d, gpuBuf.ResourceHandle)

	sh := mustShader(t, d, "fill-numbers", func(ctx *hal.KernelContext) {
		for i := uint32(0); i < n; i++ {
			binary.LittleEndian.PutUint32(ctx.Out[0][i*4:], i+1)
		}
	})

	cl := NewCommandList()
	if err := cl.WriteCompute(&ComputeCommand{
		Shader:    sh,
		OutTables: []OutResourceTable{outTable},
		Name:      "fill",
		X:         n,
	}); err != nil {
		t.Fatal(err)
	}
	if err := cl.WriteCopy(&CopyCommand{Source: gpuBuf.ResourceHandle, Destination: readBuf.ResourceHandle}); err != nil {
		t.Fatal(err)
	}
	if err := cl.WriteDownload(&DownloadCommand{Source: readBuf.ResourceHandle}); err != nil {
		t.Fatal(err)
	}
	cl.Finalize()

	work := scheduleAndWait(t, d, cl)
	defer d.ReleaseWork(work)

	values := downloadU32s(t, d, work, readBuf.ResourceHandle, n)
	for i, v := range values {
		if v != uint32(i+1) {
			t.Fatalf("ptr[%d] = %d, want %d", i, v, i+1)
		}
	}
}

// Ping-pong: dispatch B consumes dispatch A's outputs through input
// tables, exercising Uav->Srv transitions between dispatches.
func TestScenarioPingPong(t *testing.T) {
	d := newSoftDevice(t)
	const n = 64

	o0 := mustBuffer(t, d, &BufferDesc{Name: "o0", ElementCount: n, Stride: 4})
	o1 := mustBuffer(t, d, &BufferDesc{Name: "o1", ElementCount: n, Stride: 4})
	p0 := mustBuffer(t, d, &BufferDesc{Name: "p0", ElementCount: n, Stride: 4})
	p1 := mustBuffer(t, d, &BufferDesc{Name: "p1", ElementCount: n, Stride: 4})
	r0 := mustBuffer(t, d, &BufferDesc{Name: "r0", ElementCount: n, Stride: 4, MemFlags: MemCpuRead})
	r1 := mustBuffer(t, d, &BufferDesc{Name: "r1", ElementCount: n, Stride: 4, MemFlags: MemCpuRead})

	outA := mustOutTable(t, d, o0.ResourceHandle, o1.ResourceHandle)
	inB := mustInTable(t, d, o0.ResourceHandle, o1.ResourceHandle)
	outB := mustOutTable(t, d, p0.ResourceHandle, p1.ResourceHandle)

	shaderA := mustShader(t, d, "produce", func(ctx *hal.KernelContext) {
		for i := uint32(0); i < n; i++ {
			binary.LittleEndian.PutUint32(ctx.Out[0][i*4:], i+1)
			binary.LittleEndian.PutUint32(ctx.Out[1][i*4:], i+2)
		}
	})
	shaderB := mustShader(t, d, "consume", func(ctx *hal.KernelContext) {
		for i := uint32(0); i < n; i++ {
			in0 := binary.LittleEndian.Uint32(ctx.In[0][i*4:])
			in1 := binary.LittleEndian.Uint32(ctx.In[1][i*4:])
			binary.LittleEndian.PutUint32(ctx.Out[0][i*4:], in0+10)
			binary.LittleEndian.PutUint32(ctx.Out[1][i*4:], in1+10)
		}
	})

	cl := NewCommandList()
	if err := cl.WriteCompute(&ComputeCommand{
		Shader: shaderA, OutTables: []OutResourceTable{outA}, Name: "a", X: n,
	}); err != nil {
		t.Fatal(err)
	}
	if err := cl.WriteCompute(&ComputeCommand{
		Shader: shaderB, InTables: []InResourceTable{inB}, OutTables: []OutResourceTable{outB}, Name: "b", X: n,
	}); err != nil {
		t.Fatal(err)
	}
	for _, pair := range [][2]ResourceHandle{
		{p0.ResourceHandle, r0.ResourceHandle},
		{p1.ResourceHandle, r1.ResourceHandle},
	} {
		if err := cl.WriteCopy(&CopyCommand{Source: pair[0], Destination: pair[1]}); err != nil {
			t.Fatal(err)
		}
	}
	cl.WriteDownload(&DownloadCommand{Source: r0.ResourceHandle})
	cl.WriteDownload(&DownloadCommand{Source: r1.ResourceHandle})
	cl.Finalize()

	work := scheduleAndWait(t, d, cl)
	defer d.ReleaseWork(work)

	v0 := downloadU32s(t, d, work, r0.ResourceHandle, n)
	v1 := downloadU32s(t, d, work, r1.ResourceHandle, n)
	for i := range n {
		if v0[i] != uint32(i+11) {
			t.Fatalf("p0[%d] = %d, want %d", i, v0[i], i+11)
		}
		if v1[i] != uint32(i+12) {
			t.Fatalf("p1[%d] = %d, want %d", i, v1[i], i+12)
		}
	}
}

var cbvInput = []int32{-1, 0, 1, 2, 3, 4, 5, 6}

func cbvBytes() []byte {
	out := make([]byte, len(cbvInput)*4)
	for i, v := range cbvInput {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

// copyConstantsKernel returns a kernel that copies eight ints from the
// bound constant source into the output buffer.
func copyConstantsKernel(src func(ctx *hal.KernelContext) []byte) hal.Kernel {
	return func(ctx *hal.KernelContext) {
		copy(ctx.Out[0], src(ctx)[:len(cbvInput)*4])
	}
}

// Cached CBV: constants travel through an uploaded constant buffer.
func TestScenarioConstantBuffer(t *testing.T) {
	d := newSoftDevice(t)

	cb := mustBuffer(t, d, &BufferDesc{
		Name: "constants", ElementCount: 8, Stride: 4, IsConstantBuffer: true,
	})
	out := mustBuffer(t, d, &BufferDesc{Name: "out", ElementCount: 8, Stride: 4})
	read := mustBuffer(t, d, &BufferDesc{Name: "read", ElementCount: 8, Stride: 4, MemFlags: MemCpuRead})
	outTable := mustOutTable(t, d, out.ResourceHandle)

	sh := mustShader(t, d, "copy-cbv",
		copyConstantsKernel(func(ctx *hal.KernelContext) []byte { return ctx.ConstantBuffers[0] }))

	cl := NewCommandList()
	if err := cl.WriteUpload(&UploadCommand{Source: cbvBytes(), Destination: cb.ResourceHandle}); err != nil {
		t.Fatal(err)
	}
	if err := cl.WriteCompute(&ComputeCommand{
		Shader:          sh,
		ConstantBuffers: []Buffer{cb},
		OutTables:       []OutResourceTable{outTable},
		Name:            "copy-cbv",
	}); err != nil {
		t.Fatal(err)
	}
	cl.WriteCopy(&CopyCommand{Source: out.ResourceHandle, Destination: read.ResourceHandle})
	cl.WriteDownload(&DownloadCommand{Source: read.ResourceHandle})
	cl.Finalize()

	work := scheduleAndWait(t, d, cl)
	defer d.ReleaseWork(work)

	values := downloadU32s(t, d, work, read.ResourceHandle, 8)
	for i, want := range cbvInput {
		if int32(values[i]) != want {
			t.Fatalf("out[%d] = %d, want %d", i, int32(values[i]), want)
		}
	}
}

// Inline constants: same payload through the inline path. The staged
// slot rounds up to the constant-buffer alignment.
func TestScenarioInlineConstants(t *testing.T) {
	d := newSoftDevice(t)

	out := mustBuffer(t, d, &BufferDesc{Name: "out", ElementCount: 8, Stride: 4})
	read := mustBuffer(t, d, &BufferDesc{Name: "read", ElementCount: 8, Stride: 4, MemFlags: MemCpuRead})
	outTable := mustOutTable(t, d, out.ResourceHandle)

	sh := mustShader(t, d, "copy-inline",
		copyConstantsKernel(func(ctx *hal.KernelContext) []byte { return ctx.Constants }))

	cl := NewCommandList()
	if err := cl.WriteCompute(&ComputeCommand{
		Shader:          sh,
		InlineConstants: cbvBytes(),
		OutTables:       []OutResourceTable{outTable},
		Name:            "copy-inline",
	}); err != nil {
		t.Fatal(err)
	}
	cl.WriteCopy(&CopyCommand{Source: out.ResourceHandle, Destination: read.ResourceHandle})
	cl.WriteDownload(&DownloadCommand{Source: read.ResourceHandle})
	cl.Finalize()

	status := d.Schedule([]*CommandList{cl}, ScheduleFlagsGetWorkHandle)
	if !status.Success() {
		t.Fatalf("Schedule: %s: %s", status.Type, status.Message)
	}
	work := status.Work
	defer d.ReleaseWork(work)

	bundle := d.works.get(work)
	if bundle.TotalUploadBufferSize != constantBufferAlignment {
		t.Errorf("inline slot = %d bytes, want %d", bundle.TotalUploadBufferSize, constantBufferAlignment)
	}

	if ws := d.WaitOnCPU(work, -1); !ws.Success() {
		t.Fatalf("WaitOnCPU: %s", ws.Type)
	}
	values := downloadU32s(t, d, work, read.ResourceHandle, 8)
	for i, want := range cbvInput {
		if int32(values[i]) != want {
			t.Fatalf("out[%d] = %d, want %d", i, int32(values[i]), want)
		}
	}
}

// Four read-modify-write dispatches on the same slot serialize through
// queue order; the counter lands on 4.
func TestScenarioUavChain(t *testing.T) {
	d := newSoftDevice(t)

	buf := mustBuffer(t, d, &BufferDesc{Name: "accum", ElementCount: 1, Stride: 4})
	read := mustBuffer(t, d, &BufferDesc{Name: "read", ElementCount: 1, Stride: 4, MemFlags: MemCpuRead})
	outTable := mustOutTable(t, d, buf.ResourceHandle)

	sh := mustShader(t, d, "accumulate", func(ctx *hal.KernelContext) {
		counter := binary.LittleEndian.Uint32(ctx.Constants)
		if counter == 0 {
			binary.LittleEndian.PutUint32(ctx.Out[0], 1)
			return
		}
		v := binary.LittleEndian.Uint32(ctx.Out[0])
		binary.LittleEndian.PutUint32(ctx.Out[0], v+1)
	})

	cl := NewCommandList()
	for counter := range 4 {
		inline := make([]byte, 4)
		binary.LittleEndian.PutUint32(inline, uint32(counter))
		if err := cl.WriteCompute(&ComputeCommand{
			Shader:          sh,
			InlineConstants: inline,
			OutTables:       []OutResourceTable{outTable},
			Name:            "accumulate",
		}); err != nil {
			t.Fatal(err)
		}
	}
	cl.WriteCopy(&CopyCommand{Source: buf.ResourceHandle, Destination: read.ResourceHandle})
	cl.WriteDownload(&DownloadCommand{Source: read.ResourceHandle})
	cl.Finalize()

	work := scheduleAndWait(t, d, cl)
	defer d.ReleaseWork(work)

	if got := downloadU32s(t, d, work, read.ResourceHandle, 1)[0]; got != 4 {
		t.Fatalf("output[0] = %d, want 4", got)
	}
}

// The counter-clear command stages its value through the upload heap.
func TestScenarioClearCounter(t *testing.T) {
	d := newSoftDevice(t)

	counter := mustBuffer(t, d, &BufferDesc{Name: "counter", ElementCount: 1, Stride: 4, MemFlags: MemCpuRead})

	cl := NewCommandList()
	if err := cl.WriteClearAppendConsumeCounter(&ClearAppendConsumeCounterCommand{
		Source:       counter.ResourceHandle,
		CounterValue: 42,
	}); err != nil {
		t.Fatal(err)
	}
	cl.WriteDownload(&DownloadCommand{Source: counter.ResourceHandle})
	cl.Finalize()

	work := scheduleAndWait(t, d, cl)
	defer d.ReleaseWork(work)

	if got := downloadU32s(t, d, work, counter.ResourceHandle, 1)[0]; got != 42 {
		t.Fatalf("counter = %d, want 42", got)
	}
}

func TestScheduleUnregisteredResourceLeavesNoBundle(t *testing.T) {
	d := newSoftDevice(t)

	stale := ResourceHandle{mkHandle(5, 9)}
	cl := finalized(t, func(cl *CommandList) {
		cl.WriteDownload(&DownloadCommand{Source: stale})
	})

	status := d.Schedule([]*CommandList{cl}, ScheduleFlagsGetWorkHandle)
	if status.Type != InvalidResource {
		t.Fatalf("status = %s, want InvalidResource", status.Type)
	}

	live := 0
	d.works.forEach(func(WorkHandle, *WorkBundle) { live++ })
	if live != 0 {
		t.Errorf("live bundles after failed build = %d, want 0", live)
	}
}

// After the wait, the registry holds the final states the bundle left
// its resources in.
func TestWaitCommitsResourceStates(t *testing.T) {
	d := newSoftDevice(t)

	src := mustBuffer(t, d, &BufferDesc{Name: "src", ElementCount: 4, Stride: 4})
	dst := mustBuffer(t, d, &BufferDesc{Name: "dst", ElementCount: 4, Stride: 4, MemFlags: MemCpuRead})

	cl := finalized(t, func(cl *CommandList) {
		cl.WriteCopy(&CopyCommand{Source: src.ResourceHandle, Destination: dst.ResourceHandle})
	})
	work := scheduleAndWait(t, d, cl)
	defer d.ReleaseWork(work)

	if state, _ := d.registry.State(src.ResourceHandle); state != hal.StateCopySrc {
		t.Errorf("src state = %s, want CopySrc", state)
	}
	if state, _ := d.registry.State(dst.ResourceHandle); state != hal.StateCopyDst {
		t.Errorf("dst state = %s, want CopyDst", state)
	}
}

func TestDownloadLifecycleOnHeldFence(t *testing.T) {
	dev := soft.New(&soft.Options{ManualFences: true})
	hal.Register("soft-held", func() (hal.Backend, error) { return dev, nil })
	defer hal.Unregister("soft-held")

	d, err := NewDevice(&DeviceConfig{Backend: "soft-held"})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	buf := mustBuffer(t, d, &BufferDesc{Name: "buf", ElementCount: 4, Stride: 4, MemFlags: MemCpuRead})
	cl := finalized(t, func(cl *CommandList) {
		cl.WriteDownload(&DownloadCommand{Source: buf.ResourceHandle})
	})

	status := d.Schedule([]*CommandList{cl}, ScheduleFlagsGetWorkHandle)
	if !status.Success() {
		t.Fatalf("Schedule: %s: %s", status.Type, status.Message)
	}
	work := status.Work

	if ds := d.GetDownloadStatus(work, buf.ResourceHandle, 0, 0); ds.Result != DownloadNotReady {
		t.Errorf("download before fence = %s, want NotReady", ds.Result)
	}
	if ws := d.WaitOnCPU(work, 1); ws.Type != WaitTimeout {
		t.Errorf("bounded wait on held fence = %s, want Timeout", ws.Type)
	}

	dev.SignalAll()

	if ws := d.WaitOnCPU(work, -1); !ws.Success() {
		t.Fatalf("WaitOnCPU after signal: %s", ws.Type)
	}
	if ds := d.GetDownloadStatus(work, buf.ResourceHandle, 0, 0); !ds.Success() {
		t.Errorf("download after fence = %s, want Ok", ds.Result)
	}
	if ds := d.GetDownloadStatus(work, ResourceHandle{mkHandle(9, 9)}, 0, 0); ds.Result != DownloadInvalid {
		t.Errorf("download of unknown resource = %s, want Invalid", ds.Result)
	}

	d.ReleaseWork(work)
	if ds := d.GetDownloadStatus(work, buf.ResourceHandle, 0, 0); ds.Result != DownloadInvalid {
		t.Errorf("download after release = %s, want Invalid", ds.Result)
	}
	if ws := d.WaitOnCPU(work, -1); ws.Type != WaitInvalid {
		t.Errorf("wait after release = %s, want Invalid", ws.Type)
	}

	d.Destroy()
}

// Bundles scheduled without GetWorkHandle are reclaimed internally once
// their fence retires.
func TestAutoReleaseReclaimsBundles(t *testing.T) {
	d := newSoftDevice(t)

	src := mustBuffer(t, d, &BufferDesc{Name: "src", ElementCount: 4, Stride: 4})
	dst := mustBuffer(t, d, &BufferDesc{Name: "dst", ElementCount: 4, Stride: 4})

	mkList := func() *CommandList {
		return finalized(t, func(cl *CommandList) {
			cl.WriteCopy(&CopyCommand{Source: src.ResourceHandle, Destination: dst.ResourceHandle})
		})
	}

	if status := d.Schedule([]*CommandList{mkList()}, ScheduleFlagsNone); !status.Success() {
		t.Fatalf("Schedule: %s", status.Type)
	}
	// The soft backend signals synchronously; the next submission's
	// reap pass retires the first bundle.
	if status := d.Schedule([]*CommandList{mkList()}, ScheduleFlagsNone); !status.Success() {
		t.Fatalf("Schedule: %s", status.Type)
	}

	live := 0
	d.works.forEach(func(WorkHandle, *WorkBundle) { live++ })
	if live != 1 {
		t.Errorf("live bundles = %d, want 1 (only the in-flight one)", live)
	}
}
