package sched

import (
	"encoding/binary"
	"fmt"
)

// The parser gives structured, bounds-checked access to a finalized
// command blob. Decoded views borrow from the blob; they are valid as
// long as the blob is.

type computeView struct {
	shader ShaderHandle

	constantBuffers []Buffer
	inlineConstants []byte

	inTables      []InResourceTable
	outTables     []OutResourceTable
	samplerTables []SamplerTable

	name string

	x, y, z int32

	indirect     bool
	indirectArgs Buffer
}

type copyView struct {
	source      ResourceHandle
	destination ResourceHandle
}

type uploadView struct {
	destination ResourceHandle
	source      []byte
}

type downloadView struct {
	source     ResourceHandle
	mipLevel   int32
	arraySlice int32
}

type clearCounterView struct {
	source       ResourceHandle
	counterValue uint32
}

// commandHandler receives each decoded command in blob order. Returning
// an error stops the walk.
type commandHandler interface {
	onCompute(off MemOffset, c *computeView) error
	onCopy(off MemOffset, c *copyView) error
	onUpload(off MemOffset, c *uploadView) error
	onDownload(off MemOffset, c *downloadView) error
	onClearCounter(off MemOffset, c *clearCounterView) error
}

// parseError marks a malformed blob: truncated records, out-of-range
// payload offsets, or a bad header.
type parseError struct {
	off MemOffset
	msg string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("sched: bad command blob at offset %d: %s", e.off, e.msg)
}

// unknownSentinelError reports an unrecognized command tag.
type unknownSentinelError struct {
	off MemOffset
	tag int32
}

func (e *unknownSentinelError) Error() string {
	return fmt.Sprintf("sched: unrecognized command sentinel %d at offset %d", e.tag, e.off)
}

// cursor reads little-endian words out of one record.
type cursor struct {
	data []byte
	off  MemOffset
}

func (c *cursor) uint32() (uint32, error) {
	if int(c.off)+wordSize > len(c.data) {
		return 0, &parseError{c.off, "truncated record"}
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += wordSize
	return v, nil
}

func (c *cursor) handle() (Handle, error) {
	idx, err := c.uint32()
	if err != nil {
		return Handle{}, err
	}
	gen, err := c.uint32()
	if err != nil {
		return Handle{}, err
	}
	return Handle{idx: idx, gen: gen}, nil
}

// arrayRef reads a {count, offset} pair and bounds-checks the payload
// it names, where each element is elemSize bytes.
func (c *cursor) arrayRef(elemSize int) (count int, payload MemOffset, err error) {
	n, err := c.uint32()
	if err != nil {
		return 0, 0, err
	}
	off, err := c.uint32()
	if err != nil {
		return 0, 0, err
	}
	end := uint64(off) + uint64(n)*uint64(elemSize)
	if end > uint64(len(c.data)) {
		return 0, 0, &parseError{MemOffset(off), "array payload out of range"}
	}
	return int(n), MemOffset(off), nil
}

// handleArray decodes a payload of {index, generation} pairs.
func handleArray(data []byte, count int, payload MemOffset) []Handle {
	out := make([]Handle, count)
	for i := range out {
		base := int(payload) + i*handleWireSize
		out[i] = Handle{
			idx: binary.LittleEndian.Uint32(data[base:]),
			gen: binary.LittleEndian.Uint32(data[base+wordSize:]),
		}
	}
	return out
}

// walkList parses a finalized blob, dispatching each command to h.
// The header is validated but list finalization is the caller's check.
func walkList(data []byte, h commandHandler) error {
	if len(data) < listHeaderSize {
		return &parseError{0, "missing list header"}
	}
	if binary.LittleEndian.Uint32(data) != listSentinel {
		return &parseError{0, "bad list sentinel"}
	}

	off := MemOffset(listHeaderSize)
	for {
		if int(off)+wordSize > len(data) {
			return &parseError{off, "missing end-of-list sentinel"}
		}
		tag := cmdSentinel(int32(binary.LittleEndian.Uint32(data[off:])))
		if tag == cmdEndOfList {
			return nil
		}

		if int(off)+recordHeaderSize > len(data) {
			return &parseError{off, "truncated record header"}
		}
		cmdSize := binary.LittleEndian.Uint32(data[off+wordSize:])
		if cmdSize < recordHeaderSize || uint64(off)+uint64(cmdSize) > uint64(len(data)) {
			return &parseError{off, "record size out of range"}
		}

		c := &cursor{data: data, off: off + recordHeaderSize}
		var err error
		switch tag {
		case cmdCompute:
			var view *computeView
			if view, err = decodeCompute(c); err == nil {
				err = h.onCompute(off, view)
			}
		case cmdCopy:
			var view *copyView
			if view, err = decodeCopy(c); err == nil {
				err = h.onCopy(off, view)
			}
		case cmdUpload:
			var view *uploadView
			if view, err = decodeUpload(c); err == nil {
				err = h.onUpload(off, view)
			}
		case cmdDownload:
			var view *downloadView
			if view, err = decodeDownload(c); err == nil {
				err = h.onDownload(off, view)
			}
		case cmdClearAppendConsumeCounter:
			var view *clearCounterView
			if view, err = decodeClearCounter(c); err == nil {
				err = h.onClearCounter(off, view)
			}
		default:
			return &unknownSentinelError{off: off, tag: int32(tag)}
		}
		if err != nil {
			return err
		}
		off += MemOffset(cmdSize)
	}
}

func decodeCompute(c *cursor) (*computeView, error) {
	view := &computeView{}

	shader, err := c.handle()
	if err != nil {
		return nil, err
	}
	view.shader = ShaderHandle{shader}

	constCount, constOff, err := c.arrayRef(handleWireSize)
	if err != nil {
		return nil, err
	}
	inlineCount, inlineOff, err := c.arrayRef(1)
	if err != nil {
		return nil, err
	}
	inCount, inOff, err := c.arrayRef(handleWireSize)
	if err != nil {
		return nil, err
	}
	outCount, outOff, err := c.arrayRef(handleWireSize)
	if err != nil {
		return nil, err
	}
	samplerCount, samplerOff, err := c.arrayRef(handleWireSize)
	if err != nil {
		return nil, err
	}
	nameCount, nameOff, err := c.arrayRef(1)
	if err != nil {
		return nil, err
	}

	for _, dim := range []*int32{&view.x, &view.y, &view.z} {
		v, err := c.uint32()
		if err != nil {
			return nil, err
		}
		*dim = int32(v)
	}

	indirect, err := c.uint32()
	if err != nil {
		return nil, err
	}
	view.indirect = indirect != 0
	args, err := c.handle()
	if err != nil {
		return nil, err
	}
	view.indirectArgs = Buffer{ResourceHandle{args}}

	for _, h := range handleArray(c.data, constCount, constOff) {
		view.constantBuffers = append(view.constantBuffers, Buffer{ResourceHandle{h}})
	}
	view.inlineConstants = c.data[inlineOff : int(inlineOff)+inlineCount]
	for _, h := range handleArray(c.data, inCount, inOff) {
		view.inTables = append(view.inTables, InResourceTable{ResourceTable{h}})
	}
	for _, h := range handleArray(c.data, outCount, outOff) {
		view.outTables = append(view.outTables, OutResourceTable{ResourceTable{h}})
	}
	for _, h := range handleArray(c.data, samplerCount, samplerOff) {
		view.samplerTables = append(view.samplerTables, SamplerTable{ResourceTable{h}})
	}
	view.name = string(c.data[nameOff : int(nameOff)+nameCount])

	return view, nil
}

func decodeCopy(c *cursor) (*copyView, error) {
	src, err := c.handle()
	if err != nil {
		return nil, err
	}
	dst, err := c.handle()
	if err != nil {
		return nil, err
	}
	return &copyView{source: ResourceHandle{src}, destination: ResourceHandle{dst}}, nil
}

func decodeUpload(c *cursor) (*uploadView, error) {
	dst, err := c.handle()
	if err != nil {
		return nil, err
	}
	count, payload, err := c.arrayRef(1)
	if err != nil {
		return nil, err
	}
	return &uploadView{
		destination: ResourceHandle{dst},
		source:      c.data[payload : int(payload)+count],
	}, nil
}

func decodeDownload(c *cursor) (*downloadView, error) {
	src, err := c.handle()
	if err != nil {
		return nil, err
	}
	mip, err := c.uint32()
	if err != nil {
		return nil, err
	}
	slice, err := c.uint32()
	if err != nil {
		return nil, err
	}
	return &downloadView{
		source:     ResourceHandle{src},
		mipLevel:   int32(mip),
		arraySlice: int32(slice),
	}, nil
}

func decodeClearCounter(c *cursor) (*clearCounterView, error) {
	src, err := c.handle()
	if err != nil {
		return nil, err
	}
	val, err := c.uint32()
	if err != nil {
		return nil, err
	}
	return &clearCounterView{source: ResourceHandle{src}, counterValue: val}, nil
}
