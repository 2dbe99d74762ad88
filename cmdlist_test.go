package sched

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func mkHandle(idx, gen uint32) Handle { return Handle{idx: idx, gen: gen} }

func testBufferHandle(idx uint32) Buffer {
	return Buffer{ResourceHandle{mkHandle(idx, 1)}}
}

// recordingHandler captures the decoded command stream for assertions.
type recordingHandler struct {
	computes []computeView
	copies   []copyView
	uploads  []uploadView
	downs    []downloadView
	clears   []clearCounterView
	offsets  []MemOffset
}

func (h *recordingHandler) onCompute(off MemOffset, c *computeView) error {
	h.offsets = append(h.offsets, off)
	h.computes = append(h.computes, *c)
	return nil
}

func (h *recordingHandler) onCopy(off MemOffset, c *copyView) error {
	h.offsets = append(h.offsets, off)
	h.copies = append(h.copies, *c)
	return nil
}

func (h *recordingHandler) onUpload(off MemOffset, c *uploadView) error {
	h.offsets = append(h.offsets, off)
	h.uploads = append(h.uploads, *c)
	return nil
}

func (h *recordingHandler) onDownload(off MemOffset, c *downloadView) error {
	h.offsets = append(h.offsets, off)
	h.downs = append(h.downs, *c)
	return nil
}

func (h *recordingHandler) onClearCounter(off MemOffset, c *clearCounterView) error {
	h.offsets = append(h.offsets, off)
	h.clears = append(h.clears, *c)
	return nil
}

func TestCommandListHeader(t *testing.T) {
	cl := NewCommandList()
	cl.Finalize()

	data := cl.Data()
	if got := binary.LittleEndian.Uint32(data); got != listSentinel {
		t.Fatalf("header sentinel = %#x, want %#x", got, listSentinel)
	}
	if got := binary.LittleEndian.Uint32(data[4:]); got != uint32(len(data)) {
		t.Errorf("commandListSize = %d, want %d", got, len(data))
	}
	if got := binary.LittleEndian.Uint32(data[len(data)-4:]); got != uint32(cmdEndOfList) {
		t.Errorf("terminal sentinel = %d, want %d", got, cmdEndOfList)
	}
}

func TestCommandListWriteAfterFinalize(t *testing.T) {
	cl := NewCommandList()
	cl.Finalize()

	if err := cl.WriteCopy(&CopyCommand{}); err != ErrListFinalized {
		t.Errorf("WriteCopy after finalize = %v, want ErrListFinalized", err)
	}
	if err := cl.WriteCompute(&ComputeCommand{}); err != ErrListFinalized {
		t.Errorf("WriteCompute after finalize = %v, want ErrListFinalized", err)
	}
}

func TestCommandListInlineConstantLimits(t *testing.T) {
	cl := NewCommandList()

	err := cl.WriteCompute(&ComputeCommand{
		InlineConstants: make([]byte, MaxInlineConstantSize+1),
	})
	if err != ErrInlineConstantTooLarge {
		t.Errorf("oversized inline constants = %v, want ErrInlineConstantTooLarge", err)
	}

	err = cl.WriteCompute(&ComputeCommand{
		InlineConstants: []byte{1, 2, 3, 4},
		ConstantBuffers: []Buffer{testBufferHandle(0)},
	})
	if err != ErrConstantConflict {
		t.Errorf("inline + explicit constants = %v, want ErrConstantConflict", err)
	}
}

// writeSampleCommands records one command of every kind.
func writeSampleCommands(t *testing.T, cl *CommandList) {
	t.Helper()
	if err := cl.WriteUpload(&UploadCommand{
		Source:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Destination: testBufferHandle(3).ResourceHandle,
	}); err != nil {
		t.Fatalf("WriteUpload: %v", err)
	}
	if err := cl.WriteCompute(&ComputeCommand{
		Shader:          ShaderHandle{mkHandle(9, 1)},
		InlineConstants: []byte{0xaa, 0xbb},
		InTables:        []InResourceTable{{ResourceTable{mkHandle(4, 1)}}},
		OutTables:       []OutResourceTable{{ResourceTable{mkHandle(5, 1)}}},
		Name:            "sample-dispatch",
		X:               8, Y: 4, Z: 2,
	}); err != nil {
		t.Fatalf("WriteCompute: %v", err)
	}
	if err := cl.WriteCopy(&CopyCommand{
		Source:      testBufferHandle(3).ResourceHandle,
		Destination: testBufferHandle(6).ResourceHandle,
	}); err != nil {
		t.Fatalf("WriteCopy: %v", err)
	}
	if err := cl.WriteDownload(&DownloadCommand{
		Source:   testBufferHandle(6).ResourceHandle,
		MipLevel: 2, ArraySlice: 1,
	}); err != nil {
		t.Fatalf("WriteDownload: %v", err)
	}
	if err := cl.WriteClearAppendConsumeCounter(&ClearAppendConsumeCounterCommand{
		Source:       testBufferHandle(7).ResourceHandle,
		CounterValue: 5,
	}); err != nil {
		t.Fatalf("WriteClearAppendConsumeCounter: %v", err)
	}
	cl.Finalize()
}

// Parsing a finalized blob yields exactly the original command
// sequence.
func TestCommandListParseRoundTrip(t *testing.T) {
	cl := NewCommandList()
	writeSampleCommands(t, cl)

	var h recordingHandler
	if err := walkList(cl.Data(), &h); err != nil {
		t.Fatalf("walkList: %v", err)
	}

	if len(h.uploads) != 1 || len(h.computes) != 1 || len(h.copies) != 1 ||
		len(h.downs) != 1 || len(h.clears) != 1 {
		t.Fatalf("decoded %d/%d/%d/%d/%d commands, want 1 of each",
			len(h.uploads), len(h.computes), len(h.copies), len(h.downs), len(h.clears))
	}

	up := h.uploads[0]
	if !bytes.Equal(up.source, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("upload payload = %v", up.source)
	}
	if up.destination.idx != 3 {
		t.Errorf("upload destination idx = %d, want 3", up.destination.idx)
	}

	c := h.computes[0]
	if c.shader.idx != 9 {
		t.Errorf("shader idx = %d, want 9", c.shader.idx)
	}
	if !bytes.Equal(c.inlineConstants, []byte{0xaa, 0xbb}) {
		t.Errorf("inline constants = %v", c.inlineConstants)
	}
	if len(c.inTables) != 1 || c.inTables[0].idx != 4 {
		t.Errorf("in tables = %+v", c.inTables)
	}
	if len(c.outTables) != 1 || c.outTables[0].idx != 5 {
		t.Errorf("out tables = %+v", c.outTables)
	}
	if c.name != "sample-dispatch" {
		t.Errorf("debug name = %q", c.name)
	}
	if c.x != 8 || c.y != 4 || c.z != 2 {
		t.Errorf("groups = (%d,%d,%d), want (8,4,2)", c.x, c.y, c.z)
	}
	if c.indirect {
		t.Error("dispatch should not be indirect")
	}

	dl := h.downs[0]
	if dl.source.idx != 6 || dl.mipLevel != 2 || dl.arraySlice != 1 {
		t.Errorf("download = %+v", dl)
	}

	cc := h.clears[0]
	if cc.source.idx != 7 || cc.counterValue != 5 {
		t.Errorf("clear counter = %+v", cc)
	}
}

// Reset followed by replay of the same writes produces a byte-identical
// blob.
func TestCommandListResetReplay(t *testing.T) {
	cl := NewCommandList()
	writeSampleCommands(t, cl)
	first := append([]byte(nil), cl.Data()...)

	cl.Reset()
	if cl.IsFinalized() {
		t.Fatal("Reset should clear finalization")
	}
	writeSampleCommands(t, cl)

	if !bytes.Equal(first, cl.Data()) {
		t.Error("replayed blob differs from original")
	}
}

func TestCommandListZeroGroupsDefaultToOne(t *testing.T) {
	cl := NewCommandList()
	if err := cl.WriteCompute(&ComputeCommand{}); err != nil {
		t.Fatalf("WriteCompute: %v", err)
	}
	cl.Finalize()

	var h recordingHandler
	if err := walkList(cl.Data(), &h); err != nil {
		t.Fatalf("walkList: %v", err)
	}
	c := h.computes[0]
	if c.x != 1 || c.y != 1 || c.z != 1 {
		t.Errorf("groups = (%d,%d,%d), want (1,1,1)", c.x, c.y, c.z)
	}
}

func TestCommandListIndirectDispatch(t *testing.T) {
	cl := NewCommandList()
	args := testBufferHandle(11)
	if err := cl.WriteCompute(&ComputeCommand{IndirectArgs: args}); err != nil {
		t.Fatalf("WriteCompute: %v", err)
	}
	cl.Finalize()

	var h recordingHandler
	if err := walkList(cl.Data(), &h); err != nil {
		t.Fatalf("walkList: %v", err)
	}
	c := h.computes[0]
	if !c.indirect || c.indirectArgs.idx != 11 {
		t.Errorf("indirect = %v args idx = %d, want true/11", c.indirect, c.indirectArgs.idx)
	}
}

func TestUploadInlineResource(t *testing.T) {
	cl := NewCommandList()
	dst := testBufferHandle(2).ResourceHandle

	off, err := cl.UploadInlineResource(dst, 16)
	if err != nil {
		t.Fatalf("UploadInlineResource: %v", err)
	}
	payload := cl.PayloadAt(off, 16)
	for i := range payload {
		payload[i] = byte(i)
	}
	cl.Finalize()

	var h recordingHandler
	if err := walkList(cl.Data(), &h); err != nil {
		t.Fatalf("walkList: %v", err)
	}
	if len(h.uploads) != 1 {
		t.Fatalf("decoded %d uploads, want 1", len(h.uploads))
	}
	for i, b := range h.uploads[0].source {
		if b != byte(i) {
			t.Fatalf("payload[%d] = %d, want %d", i, b, i)
		}
	}
}

func TestWalkListRejectsCorruption(t *testing.T) {
	cl := NewCommandList()
	if err := cl.WriteCopy(&CopyCommand{
		Source:      testBufferHandle(1).ResourceHandle,
		Destination: testBufferHandle(2).ResourceHandle,
	}); err != nil {
		t.Fatalf("WriteCopy: %v", err)
	}
	cl.Finalize()

	// Stomp the record sentinel with an unknown tag.
	data := append([]byte(nil), cl.Data()...)
	binary.LittleEndian.PutUint32(data[listHeaderSize:], 0xdeadbeef)

	var h recordingHandler
	err := walkList(data, &h)
	if err == nil {
		t.Fatal("walkList accepted corrupted sentinel")
	}
	var unknown *unknownSentinelError
	if !errors.As(err, &unknown) {
		t.Fatalf("walkList error = %T %v, want unknownSentinelError", err, err)
	}

	// A truncated blob fails as well.
	if err := walkList(cl.Data()[:6], &h); err == nil {
		t.Error("walkList accepted truncated blob")
	}
}
