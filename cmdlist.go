package sched

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Command-list ABI errors.
var (
	// ErrListFinalized is returned when writing to a finalized list.
	ErrListFinalized = errors.New("sched: command list already finalized")

	// ErrInlineConstantTooLarge is returned when a dispatch carries more
	// inline constant bytes than MaxInlineConstantSize.
	ErrInlineConstantTooLarge = errors.New("sched: inline constant block too large")

	// ErrConstantConflict is returned when a dispatch sets both inline
	// constants and explicit constant buffers.
	ErrConstantConflict = errors.New("sched: inline constants and constant buffers are mutually exclusive")
)

// MaxInlineConstantSize bounds the inline constant payload of a single
// dispatch. Larger blocks belong in a constant buffer.
const MaxInlineConstantSize = 4096

// MemOffset is a byte offset into a command list blob.
type MemOffset uint32

// cmdSentinel tags each record in a command list blob. The enumeration
// is closed: the parser switches exhaustively and rejects unknown tags.
type cmdSentinel int32

const (
	cmdCompute cmdSentinel = iota + 1
	cmdCopy
	cmdUpload
	cmdDownload
	cmdClearAppendConsumeCounter
	cmdEndOfList
)

var cmdSentinelNames = [...]string{
	cmdCompute:                   "Compute",
	cmdCopy:                      "Copy",
	cmdUpload:                    "Upload",
	cmdDownload:                  "Download",
	cmdClearAppendConsumeCounter: "ClearAppendConsumeCounter",
	cmdEndOfList:                 "EndOfList",
}

func (s cmdSentinel) String() string {
	if s > 0 && int(s) < len(cmdSentinelNames) {
		return cmdSentinelNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int32(s))
}

// listSentinel marks the list header record.
const listSentinel uint32 = 0xC0A1CAFE

// Wire sizes. Every scalar on the wire is a little-endian 32-bit value;
// handles are {index, generation} pairs; arrays are {count, offset}
// pairs with the offset relative to the list base.
const (
	wordSize         = 4
	handleWireSize   = 2 * wordSize
	arrayRefWireSize = 2 * wordSize
	recordHeaderSize = 2 * wordSize // sentinel + cmdSize
	listHeaderSize   = 2 * wordSize // listSentinel + commandListSize
)

// ComputeCommand describes one compute dispatch to record.
//
// InlineConstants and ConstantBuffers are mutually exclusive. If
// IndirectArgs is valid the dispatch is indirect and X/Y/Z are ignored;
// otherwise zero group counts default to 1.
type ComputeCommand struct {
	Shader ShaderHandle

	ConstantBuffers []Buffer
	InlineConstants []byte

	InTables      []InResourceTable
	OutTables     []OutResourceTable
	SamplerTables []SamplerTable

	// Name is a UTF-8 debug marker emitted alongside the dispatch.
	Name string

	X, Y, Z int32

	IndirectArgs Buffer
}

// CopyCommand copies the whole contents of Source into Destination.
type CopyCommand struct {
	Source      ResourceHandle
	Destination ResourceHandle
}

// UploadCommand stages Source bytes into Destination via the upload
// heap.
type UploadCommand struct {
	Source      []byte
	Destination ResourceHandle
}

// DownloadCommand requests CPU readback of Source once the work
// retires. MipLevel and ArraySlice select a texture subresource and are
// zero for buffers.
type DownloadCommand struct {
	Source     ResourceHandle
	MipLevel   int32
	ArraySlice int32
}

// ClearAppendConsumeCounterCommand resets the hidden counter of an
// append/consume buffer to CounterValue.
type ClearAppendConsumeCounterCommand struct {
	Source       ResourceHandle
	CounterValue uint32
}

// CommandList accumulates commands into a self-describing binary blob.
//
// The blob begins with a header record, continues with one record per
// command, and is closed by a terminal sentinel written by Finalize.
// Each record carries its own size so consumers can skip commands they
// do not understand. Variable-length payloads live after the fixed part
// of their record and are referenced by offsets relative to the list
// base, so the blob is position-independent and needs no allocator to
// parse.
//
// A CommandList is owned by the goroutine recording into it; it is not
// safe for concurrent use.
type CommandList struct {
	data      []byte
	finalized bool
}

// NewCommandList creates an empty command list with its header record
// in place.
func NewCommandList() *CommandList {
	cl := &CommandList{data: make([]byte, 0, 256)}
	cl.writeHeader()
	return cl
}

func (cl *CommandList) writeHeader() {
	cl.data = binary.LittleEndian.AppendUint32(cl.data, listSentinel)
	cl.data = binary.LittleEndian.AppendUint32(cl.data, 0) // patched by Finalize
}

// IsFinalized reports whether the terminal sentinel has been written.
func (cl *CommandList) IsFinalized() bool { return cl.finalized }

// Data returns the encoded blob. Only finalized blobs are schedulable.
func (cl *CommandList) Data() []byte { return cl.data }

// Size returns the current blob size in bytes.
func (cl *CommandList) Size() int { return len(cl.data) }

// Reset returns the list to its empty, unfinalized state, retaining the
// underlying allocation. Replaying the same writes after Reset produces
// a byte-identical blob.
func (cl *CommandList) Reset() {
	cl.data = cl.data[:0]
	cl.finalized = false
	cl.writeHeader()
}

// Finalize writes the terminal sentinel and patches the header size.
// Further writes fail until Reset.
func (cl *CommandList) Finalize() {
	if cl.finalized {
		return
	}
	cl.data = binary.LittleEndian.AppendUint32(cl.data, uint32(cmdEndOfList))
	binary.LittleEndian.PutUint32(cl.data[wordSize:], uint32(len(cl.data)))
	cl.finalized = true
}

// appendUint32 appends one little-endian word.
func (cl *CommandList) appendUint32(v uint32) {
	cl.data = binary.LittleEndian.AppendUint32(cl.data, v)
}

func (cl *CommandList) appendHandle(h Handle) {
	cl.appendUint32(h.idx)
	cl.appendUint32(h.gen)
}

// patchUint32 overwrites the word at off.
func (cl *CommandList) patchUint32(off MemOffset, v uint32) {
	binary.LittleEndian.PutUint32(cl.data[off:], v)
}

// beginRecord appends a record header and returns the offset of the
// record, so endRecord can patch cmdSize.
func (cl *CommandList) beginRecord(s cmdSentinel) MemOffset {
	start := MemOffset(len(cl.data))
	cl.appendUint32(uint32(s))
	cl.appendUint32(0) // cmdSize, patched by endRecord
	return start
}

// endRecord patches the record's cmdSize to cover header, fixed part,
// and payloads.
func (cl *CommandList) endRecord(start MemOffset) {
	cl.patchUint32(start+wordSize, uint32(len(cl.data))-uint32(start))
}

// WriteCompute appends a compute dispatch record.
func (cl *CommandList) WriteCompute(cmd *ComputeCommand) error {
	if cl.finalized {
		return ErrListFinalized
	}
	if len(cmd.InlineConstants) > MaxInlineConstantSize {
		return ErrInlineConstantTooLarge
	}
	if len(cmd.InlineConstants) > 0 && len(cmd.ConstantBuffers) > 0 {
		return ErrConstantConflict
	}
	if len(cmd.InlineConstants) > math.MaxInt32 || len(cmd.Name) > math.MaxInt32 {
		return ErrInlineConstantTooLarge
	}

	start := cl.beginRecord(cmdCompute)
	cl.appendHandle(cmd.Shader.Handle)

	// Array references are appended as {count, offset} placeholders in
	// declaration order; the payload bytes follow the fixed part and the
	// placeholders are patched once their final offsets are known.
	constantsRef := cl.reserveArrayRef(len(cmd.ConstantBuffers))
	inlineRef := cl.reserveArrayRef(len(cmd.InlineConstants))
	inRef := cl.reserveArrayRef(len(cmd.InTables))
	outRef := cl.reserveArrayRef(len(cmd.OutTables))
	samplerRef := cl.reserveArrayRef(len(cmd.SamplerTables))
	nameRef := cl.reserveArrayRef(len(cmd.Name))

	x, y, z := cmd.X, cmd.Y, cmd.Z
	if x == 0 {
		x = 1
	}
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	cl.appendUint32(uint32(x))
	cl.appendUint32(uint32(y))
	cl.appendUint32(uint32(z))

	indirect := uint32(0)
	if cmd.IndirectArgs.Valid() {
		indirect = 1
	}
	cl.appendUint32(indirect)
	cl.appendHandle(cmd.IndirectArgs.Handle)

	cl.patchArrayRef(constantsRef)
	for _, b := range cmd.ConstantBuffers {
		cl.appendHandle(b.Handle)
	}
	cl.patchArrayRef(inlineRef)
	cl.data = append(cl.data, cmd.InlineConstants...)
	cl.patchArrayRef(inRef)
	for _, t := range cmd.InTables {
		cl.appendHandle(t.Handle)
	}
	cl.patchArrayRef(outRef)
	for _, t := range cmd.OutTables {
		cl.appendHandle(t.Handle)
	}
	cl.patchArrayRef(samplerRef)
	for _, t := range cmd.SamplerTables {
		cl.appendHandle(t.Handle)
	}
	cl.patchArrayRef(nameRef)
	cl.data = append(cl.data, cmd.Name...)

	cl.endRecord(start)
	return nil
}

// reserveArrayRef appends a {count, offset} pair with the offset left
// zero, to be patched when the payload position is known.
func (cl *CommandList) reserveArrayRef(count int) MemOffset {
	at := MemOffset(len(cl.data))
	cl.appendUint32(uint32(count))
	cl.appendUint32(0)
	return at
}

// patchArrayRef points a reserved array reference at the current write
// position. Offsets are relative to the list base.
func (cl *CommandList) patchArrayRef(ref MemOffset) {
	cl.patchUint32(ref+wordSize, uint32(len(cl.data)))
}

// WriteCopy appends a whole-resource copy record.
func (cl *CommandList) WriteCopy(cmd *CopyCommand) error {
	if cl.finalized {
		return ErrListFinalized
	}
	start := cl.beginRecord(cmdCopy)
	cl.appendHandle(cmd.Source.Handle)
	cl.appendHandle(cmd.Destination.Handle)
	cl.endRecord(start)
	return nil
}

// WriteUpload appends an upload record, copying cmd.Source into the
// blob.
func (cl *CommandList) WriteUpload(cmd *UploadCommand) error {
	if cl.finalized {
		return ErrListFinalized
	}
	_, err := cl.writeUploadRecord(cmd.Destination, len(cmd.Source), cmd.Source)
	return err
}

// UploadInlineResource reserves an upload record whose payload the
// caller fills in afterwards, and returns the payload offset. Combine
// with PayloadAt for staged writes that avoid an intermediate copy:
//
//	off, _ := cl.UploadInlineResource(dst, n)
//	fill(cl.PayloadAt(off, n))
func (cl *CommandList) UploadInlineResource(destination ResourceHandle, size int) (MemOffset, error) {
	return cl.writeUploadRecord(destination, size, nil)
}

func (cl *CommandList) writeUploadRecord(destination ResourceHandle, size int, src []byte) (MemOffset, error) {
	if cl.finalized {
		return 0, ErrListFinalized
	}
	start := cl.beginRecord(cmdUpload)
	cl.appendHandle(destination.Handle)
	ref := cl.reserveArrayRef(size)
	cl.patchArrayRef(ref)
	payload := MemOffset(len(cl.data))
	if src != nil {
		cl.data = append(cl.data, src...)
	} else {
		cl.data = append(cl.data, make([]byte, size)...)
	}
	cl.endRecord(start)
	return payload, nil
}

// PayloadAt returns a writable view of size bytes at off. The view is
// invalidated by the next Write call; callers fill it immediately.
func (cl *CommandList) PayloadAt(off MemOffset, size int) []byte {
	return cl.data[off : int(off)+size]
}

// WriteDownload appends a download record.
func (cl *CommandList) WriteDownload(cmd *DownloadCommand) error {
	if cl.finalized {
		return ErrListFinalized
	}
	start := cl.beginRecord(cmdDownload)
	cl.appendHandle(cmd.Source.Handle)
	cl.appendUint32(uint32(cmd.MipLevel))
	cl.appendUint32(uint32(cmd.ArraySlice))
	cl.endRecord(start)
	return nil
}

// WriteClearAppendConsumeCounter appends a counter-reset record.
func (cl *CommandList) WriteClearAppendConsumeCounter(cmd *ClearAppendConsumeCounterCommand) error {
	if cl.finalized {
		return ErrListFinalized
	}
	start := cl.beginRecord(cmdClearAppendConsumeCounter)
	cl.appendHandle(cmd.Source.Handle)
	cl.appendUint32(cmd.CounterValue)
	cl.endRecord(start)
	return nil
}
