package sched

import (
	"errors"
	"fmt"

	"github.com/gogpu/sched/hal"
)

// splitBarrierGap is the minimum command distance, within one list,
// at which a state change is worth a split barrier. Below the gap the
// change is a single immediate barrier at the consuming command; at or
// above it the driver gets a begin/end window to overlap unrelated
// work. Changes across list boundaries always split.
const splitBarrierGap = 2

// workBuildContext accumulates the bundle while parsing command lists.
// It implements commandHandler; the zero error state means the build is
// still viable.
type workBuildContext struct {
	view *registryView

	// Current position.
	listIndex    int
	commandIndex int

	// Outputs.
	errType ScheduleErrorType
	errMsg  string

	states              map[ResourceHandle]WorkResourceState
	resourcesToDownload map[ResourceHandle]struct{}
	downloads           map[downloadKey]*downloadState
	tableAllocations    map[ResourceTable]TableAllocation
	processedLists      []ProcessedList

	totalTableSize        int
	totalConstantBuffers  int
	totalUploadBufferSize uint64
}

// errBuildFailed aborts the walk once errType is recorded.
var errBuildFailed = errors.New("sched: build failed")

func (ctx *workBuildContext) fail(t ScheduleErrorType, format string, args ...any) error {
	ctx.errType = t
	ctx.errMsg = fmt.Sprintf(format, args...)
	return errBuildFailed
}

func (ctx *workBuildContext) currentList() *ProcessedList {
	return &ctx.processedLists[ctx.listIndex]
}

func (ctx *workBuildContext) currentCommand() *CommandInfo {
	l := ctx.currentList()
	return &l.CommandSchedule[ctx.commandIndex]
}

// beginCommand opens the schedule record for the command at off.
func (ctx *workBuildContext) beginCommand(off MemOffset) {
	l := ctx.currentList()
	ctx.commandIndex = len(l.CommandSchedule)
	l.CommandSchedule = append(l.CommandSchedule, CommandInfo{
		CommandOffset:        off,
		CommandDownloadIndex: -1,
	})
}

// transitionResource requests that resource be in newState at the
// current command, deciding between an immediate barrier, a split
// begin/end pair, or nothing:
//
//   - first touch in this bundle: immediate barrier from the registry
//     state, if it differs;
//   - previously touched with at least splitBarrierGap commands of
//     distance (or in another list): a Begin barrier at the producer
//     and an End barrier here, if the state differs;
//   - previously touched closer than the gap: the transition happens in
//     place with a single immediate barrier, since the window is too
//     small for the driver to overlap anything.
func (ctx *workBuildContext) transitionResource(resource ResourceHandle, newState GpuState) error {
	curr, seen := ctx.states[resource]
	canSplit := seen && (curr.ListIndex != ctx.listIndex ||
		ctx.commandIndex-curr.CommandIndex >= splitBarrierGap)

	if seen && canSplit {
		if curr.State != newState {
			src := CommandLocation{List: curr.ListIndex, Command: curr.CommandIndex}
			producer := &ctx.processedLists[curr.ListIndex].CommandSchedule[curr.CommandIndex]
			producer.PostBarrier = append(producer.PostBarrier, ResourceBarrier{
				Resource: resource,
				Prev:     curr.State,
				Post:     newState,
				Kind:     hal.BarrierBegin,
				Src:      src,
			})
			consumer := ctx.currentCommand()
			consumer.PreBarrier = append(consumer.PreBarrier, ResourceBarrier{
				Resource: resource,
				Prev:     curr.State,
				Post:     newState,
				Kind:     hal.BarrierEnd,
				Src:      src,
			})
			curr.State = newState
		}
		curr.ListIndex = ctx.listIndex
		curr.CommandIndex = ctx.commandIndex
		ctx.states[resource] = curr
		return nil
	}

	var prevState GpuState
	if seen {
		prevState = curr.State
		curr.State = newState
		curr.ListIndex = ctx.listIndex
		curr.CommandIndex = ctx.commandIndex
		ctx.states[resource] = curr
	} else {
		info := ctx.view.resource(resource)
		if info == nil {
			return ctx.fail(InvalidResource,
				"could not find registered resource id %d", resource.idx)
		}
		prevState = info.gpuState
		ctx.states[resource] = WorkResourceState{
			State:        newState,
			ListIndex:    ctx.listIndex,
			CommandIndex: ctx.commandIndex,
		}
	}

	if prevState != newState {
		cmd := ctx.currentCommand()
		cmd.PreBarrier = append(cmd.PreBarrier, ResourceBarrier{
			Resource: resource,
			Prev:     prevState,
			Post:     newState,
			Kind:     hal.BarrierImmediate,
		})
	}
	return nil
}

// transitionTable transitions every member of table to Uav or Srv
// according to the table's registration.
func (ctx *workBuildContext) transitionTable(table ResourceTable) error {
	info := ctx.view.table(table)
	if info == nil {
		return ctx.fail(BadTableInfo,
			"could not find table information for table id %d", table.idx)
	}
	newState := hal.StateSrv
	if info.isUav {
		newState = hal.StateUav
	}
	for _, r := range info.resources {
		if err := ctx.transitionResource(r, newState); err != nil {
			return err
		}
	}
	return nil
}

// processTable transitions a table and, on first reference in the
// bundle, reserves its slice of the flat descriptor range.
func (ctx *workBuildContext) processTable(table ResourceTable) error {
	if err := ctx.transitionTable(table); err != nil {
		return err
	}
	if _, done := ctx.tableAllocations[table]; done {
		return nil
	}
	info := ctx.view.table(table)
	alloc := TableAllocation{
		Offset: ctx.totalTableSize,
		Count:  len(info.resources),
	}
	ctx.tableAllocations[table] = alloc
	ctx.totalTableSize += alloc.Count
	return nil
}

func (ctx *workBuildContext) onCompute(off MemOffset, c *computeView) error {
	ctx.beginCommand(off)

	for _, t := range c.inTables {
		if err := ctx.processTable(t.ResourceTable); err != nil {
			return err
		}
	}
	for _, t := range c.outTables {
		if err := ctx.processTable(t.ResourceTable); err != nil {
			return err
		}
	}
	// Sampler tables hold no transitionable state, but a stale table is
	// still a producer bug.
	for _, t := range c.samplerTables {
		if ctx.view.table(t.ResourceTable) == nil {
			return ctx.fail(BadTableInfo,
				"could not find table information for table id %d", t.idx)
		}
	}

	cmd := ctx.currentCommand()
	if n := len(c.inlineConstants); n > 0 {
		// Constant-buffer views must cover 256-byte multiples.
		aligned := alignUp(uint64(n), constantBufferAlignment)
		cmd.UploadBufferOffset = ctx.totalUploadBufferSize
		ctx.totalUploadBufferSize += aligned

		cmd.ConstantBufferTableOffset = ctx.totalConstantBuffers
		ctx.totalConstantBuffers++
	} else {
		for _, b := range c.constantBuffers {
			if err := ctx.transitionResource(b.ResourceHandle, hal.StateCbv); err != nil {
				return err
			}
		}
		cmd.ConstantBufferCount = len(c.constantBuffers)
		cmd.ConstantBufferTableOffset = ctx.totalConstantBuffers
		ctx.totalConstantBuffers += cmd.ConstantBufferCount
	}

	if c.indirect {
		if err := ctx.transitionResource(c.indirectArgs.ResourceHandle, hal.StateIndirectArgs); err != nil {
			return err
		}
	}

	ctx.currentList().ComputeCommandsCount++
	return nil
}

func (ctx *workBuildContext) onCopy(off MemOffset, c *copyView) error {
	ctx.beginCommand(off)
	if err := ctx.transitionResource(c.source, hal.StateCopySrc); err != nil {
		return err
	}
	return ctx.transitionResource(c.destination, hal.StateCopyDst)
}

func (ctx *workBuildContext) onUpload(off MemOffset, c *uploadView) error {
	ctx.beginCommand(off)
	if err := ctx.transitionResource(c.destination, hal.StateCopyDst); err != nil {
		return err
	}
	cmd := ctx.currentCommand()
	cmd.UploadBufferOffset = ctx.totalUploadBufferSize
	ctx.totalUploadBufferSize += uint64(len(c.source))
	return nil
}

func (ctx *workBuildContext) onDownload(off MemOffset, c *downloadView) error {
	ctx.beginCommand(off)

	info := ctx.view.resource(c.source)
	if info == nil {
		return ctx.fail(InvalidResource,
			"could not find resource with id %d", c.source.idx)
	}
	if info.memFlags&MemCpuRead == 0 {
		return ctx.fail(ReadCpuFlagNotFound,
			"read CPU flag not found on resource requesting a download, resource id %d", c.source.idx)
	}
	if _, dup := ctx.resourcesToDownload[c.source]; dup {
		return ctx.fail(MultipleDownloadsOnSameResource,
			"multiple downloads on the same resource during the same schedule call; "+
				"a resource can be downloaded once per bundle")
	}
	ctx.resourcesToDownload[c.source] = struct{}{}

	key := downloadKey{resource: c.source, mip: c.mipLevel, slice: c.arraySlice}
	ctx.downloads[key] = &downloadState{key: key}

	cmd := ctx.currentCommand()
	cmd.CommandDownloadIndex = ctx.currentList().DownloadCommandsCount
	ctx.currentList().DownloadCommandsCount++
	return nil
}

func (ctx *workBuildContext) onClearCounter(off MemOffset, c *clearCounterView) error {
	ctx.beginCommand(off)
	if err := ctx.transitionResource(c.source, hal.StateCopyDst); err != nil {
		return err
	}
	// The counter value is staged through the upload heap and copied in.
	cmd := ctx.currentCommand()
	cmd.UploadBufferOffset = ctx.totalUploadBufferSize
	ctx.totalUploadBufferSize += wordSize
	return nil
}

// buildBundle parses and validates lists against the registry snapshot,
// producing a bundle or the first error. The call has no side effects
// outside its context: a failed build leaves nothing observable.
func buildBundle(view *registryView, lists []*CommandList) (*WorkBundle, ScheduleStatus) {
	ctx := &workBuildContext{
		view:                view,
		states:              make(map[ResourceHandle]WorkResourceState),
		resourcesToDownload: make(map[ResourceHandle]struct{}),
		downloads:           make(map[downloadKey]*downloadState),
		tableAllocations:    make(map[ResourceTable]TableAllocation),
	}

	for l, list := range lists {
		if list == nil {
			return nil, ScheduleStatus{
				Type:    NullListFound,
				Message: fmt.Sprintf("list at index %d is nil", l),
			}
		}
		if !list.IsFinalized() {
			return nil, ScheduleStatus{
				Type:    ListNotFinalized,
				Message: fmt.Sprintf("list at index %d not finalized", l),
			}
		}

		ctx.listIndex = l
		ctx.commandIndex = 0
		ctx.processedLists = append(ctx.processedLists, ProcessedList{ListIndex: l})

		if err := walkList(list.Data(), ctx); err != nil {
			if errors.Is(err, errBuildFailed) {
				return nil, ScheduleStatus{Type: ctx.errType, Message: ctx.errMsg}
			}
			// Malformed blob: truncation or an unknown tag.
			return nil, ScheduleStatus{
				Type:    CorruptedCommandListSentinel,
				Message: err.Error(),
			}
		}
	}

	bundle := &WorkBundle{
		ProcessedLists:        ctx.processedLists,
		States:                ctx.states,
		TableAllocations:      ctx.tableAllocations,
		ResourcesToDownload:   ctx.resourcesToDownload,
		TotalTableSize:        ctx.totalTableSize,
		TotalConstantBuffers:  ctx.totalConstantBuffers,
		TotalUploadBufferSize: ctx.totalUploadBufferSize,
		downloads:             ctx.downloads,
	}
	return bundle, ScheduleStatus{Type: ScheduleOk}
}
