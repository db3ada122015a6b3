package plan

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/ccplan/ir"
	"github.com/gomlx/ccplan/lower"
	"github.com/gomlx/ccplan/types"
)

// Compile lowers the program in place and marshals the resulting plan. It is
// the one-call entry point for the whole pipeline.
func Compile(program *ir.Program) ([]byte, error) {
	if err := lower.Lower(program); err != nil {
		return nil, err
	}
	return Marshal(program)
}

// Marshal builds the plan document and encodes it as indented JSON.
func Marshal(program *ir.Program) ([]byte, error) {
	p, err := Build(program)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling plan %q", program.Name)
	}
	return data, nil
}

// maxChunks holds the program-wide maximum buffer capacities, used to size
// multicast rank groups.
type maxChunks struct {
	input, output, scratch int
}

func (m maxChunks) of(buffer ir.Buffer) int {
	switch buffer {
	case ir.BufferInput:
		return m.input
	case ir.BufferOutput:
		return m.output
	default:
		return m.scratch
	}
}

// Build projects a fully lowered program into the plan document. The program
// must have gone through lower.Lower first: Build reads the final op
// step/threadblock numbers, channel tables and buffer capacities and mutates
// nothing.
func Build(program *ir.Program) (*Plan, error) {
	var maxima maxChunks
	for _, gpu := range program.Gpus {
		maxima.input = max(maxima.input, gpu.InputChunks)
		maxima.output = max(maxima.output, gpu.OutputChunks)
		maxima.scratch = max(maxima.scratch, gpu.ScratchChunks)
	}

	p := &Plan{
		Name:                   program.Name,
		Collective:             program.Collective,
		Protocol:               string(program.Protocol),
		InPlace:                program.InPlace,
		Gpus:                   make([]*GpuPlan, 0, len(program.Gpus)),
		NumThreadsPerBlock:     program.NumThreadsPerBlock,
		UseDoubleScratchBuffer: program.UseDoubleScratchBuffer,
		MinMessageSize:         program.MinMessageSize,
		MaxMessageSize:         program.MaxMessageSize,
	}
	for id, gpu := range program.Gpus {
		gp, err := buildGpu(program, id, gpu, maxima)
		if err != nil {
			return nil, err
		}
		p.Gpus = append(p.Gpus, gp)
	}
	return p, nil
}

func buildGpu(program *ir.Program, id int, gpu *ir.Gpu, maxima maxChunks) (*GpuPlan, error) {
	gp := &GpuPlan{
		ID:            id,
		InputChunks:   gpu.InputChunks,
		OutputChunks:  gpu.OutputChunks,
		ScratchChunks: gpu.ScratchChunks,
		ChunkGroups:   program.NumChunkGroups,
		Threadblocks:  []*ThreadblockPlan{},
		Channels:      []*GpuChannel{},
	}

	channels, err := gpuChannels(gpu, maxima)
	if err != nil {
		return nil, err
	}
	gp.Channels = channels

	for _, tb := range gpu.Threadblocks {
		if tb.ID < 0 {
			continue
		}
		tbp, err := buildThreadblock(gpu, tb)
		if err != nil {
			return nil, err
		}
		gp.Threadblocks = append(gp.Threadblocks, tbp)
	}
	return gp, nil
}

// keyedGpuChannel pairs a rendered channel with its table key, so the final
// (srcbuff, dstbuff) sort also covers nvls channels, whose rendered form no
// longer carries a destination buffer.
type keyedGpuChannel struct {
	key ir.ChannelKey
	ch  *GpuChannel
}

// gpuChannels renders the GPU's channel table: type-none channels are
// dropped, multicast channels become rank groups sized with the resolved
// buffer capacity, and the result is stably sorted by (srcbuff, dstbuff).
func gpuChannels(gpu *ir.Gpu, maxima maxChunks) ([]*GpuChannel, error) {
	keyed := make([]keyedGpuChannel, 0, gpu.Channels.Len())
	for _, key := range gpu.Channels.Keys() {
		if key.Type == ir.ChannelNone {
			continue
		}
		entries := gpu.Channels.Entries(key)
		if key.Type == ir.ChannelNvls {
			groups := make([]*RankGroup, 0, len(entries))
			for _, entry := range entries {
				groups = append(groups, &RankGroup{
					Size:  maxima.of(key.SrcBuffer),
					Ranks: entry.ConnectedTo,
				})
			}
			keyed = append(keyed, keyedGpuChannel{key, &GpuChannel{
				Buff:       string(key.SrcBuffer),
				Type:       string(key.Type),
				RankGroups: groups,
			}})
			continue
		}
		connected := make([]int, 0, len(entries))
		for _, entry := range entries {
			if len(entry.ConnectedTo) == 0 {
				return nil, errors.Wrapf(ir.ErrMalformedProgram,
					"gpu %d channel %v/%v/%s has no connection target",
					gpu.Rank, key.SrcBuffer, key.DstBuffer, key.Type)
			}
			connected = append(connected, entry.ConnectedTo[0])
		}
		keyed = append(keyed, keyedGpuChannel{key, &GpuChannel{
			SrcBuff:     string(key.SrcBuffer),
			DstBuff:     string(key.DstBuffer),
			Type:        string(key.Type),
			ConnectedTo: connected,
		}})
	}
	sortByBuffers(keyed, func(k keyedGpuChannel) ir.ChannelKey { return k.key })
	channels := make([]*GpuChannel, 0, len(keyed))
	for _, k := range keyed {
		channels = append(channels, k.ch)
	}
	return channels, nil
}

func sortByBuffers[T any](s []T, keyOf func(T) ir.ChannelKey) {
	slices.SortStableFunc(s, func(a, b T) int {
		ka, kb := keyOf(a), keyOf(b)
		if c := strings.Compare(string(ka.SrcBuffer), string(kb.SrcBuffer)); c != 0 {
			return c
		}
		return strings.Compare(string(ka.DstBuffer), string(kb.DstBuffer))
	})
}

// tbChannelInfo is one channel group as seen by one threadblock: the
// device-wide channel ids it owns there and, aligned with them, the local
// connection targets op chunk references are matched against. Op channel ids
// are positions in these local lists.
type tbChannelInfo struct {
	cids    []int
	targets [][]int
}

type keyedTbChannel struct {
	key ir.ChannelKey
	ch  *TbChannel
}

func buildThreadblock(gpu *ir.Gpu, tb *ir.Threadblock) (*ThreadblockPlan, error) {
	local := make(map[ir.ChannelKey]*tbChannelInfo)
	keyed := make([]keyedTbChannel, 0, gpu.Channels.Len())
	for _, key := range gpu.Channels.Keys() {
		var info tbChannelInfo
		for id, entry := range gpu.Channels.Entries(key) {
			if entry.Threadblock != tb.ID {
				continue
			}
			info.cids = append(info.cids, id)
			info.targets = append(info.targets, entry.ConnectedTo)
		}
		if len(info.cids) == 0 {
			continue
		}
		local[key] = &info
		if key.Type == ir.ChannelNone {
			continue
		}
		keyed = append(keyed, keyedTbChannel{key, &TbChannel{
			Src:   string(key.SrcBuffer),
			Dst:   string(key.DstBuffer),
			CType: string(key.Type),
			Cids:  info.cids,
		}})
	}
	sortByBuffers(keyed, func(k keyedTbChannel) ir.ChannelKey { return k.key })

	tbp := &ThreadblockPlan{
		ID:       tb.ID,
		Ops:      []*OpRecord{},
		Channels: make([]*TbChannel, 0, len(keyed)),
	}
	for _, k := range keyed {
		tbp.Channels = append(tbp.Channels, k.ch)
	}
	for _, op := range tb.Ops {
		if op.Threadblock == -1 {
			continue
		}
		rec, err := buildOp(gpu, local, op)
		if err != nil {
			return nil, err
		}
		tbp.Ops = append(tbp.Ops, rec)
	}
	return tbp, nil
}

// resolveChannelIDs looks up the channel ids the op's chunk references use,
// within the threadblock-local channel subset. Ordinary channels match the
// chunk's owning rank and yield (id, offset) pairs; multicast channels match
// by rank-set equality and yield bare ids.
func resolveChannelIDs(gpu *ir.Gpu, local map[ir.ChannelKey]*tbChannelInfo, op *ir.Op,
	chunks []ir.Chunk, srcBuffer, dstBuffer ir.Buffer, ctype ir.ChannelType) ([]*ChannelID, error) {
	key := ir.ChannelKey{SrcBuffer: srcBuffer, DstBuffer: dstBuffer, Type: ctype}
	info, found := local[key]
	if !found {
		return nil, errors.Wrapf(ir.ErrMalformedProgram,
			"%s op (gpu %d, tb %d, step %d) uses channel %s->%s/%s not registered for its threadblock",
			op.Inst, gpu.Rank, op.Threadblock, op.Step, srcBuffer, dstBuffer, ctype)
	}

	if ctype == ir.ChannelNvls {
		ranks := make([]int, 0, len(chunks))
		for _, c := range chunks {
			ranks = append(ranks, c.Rank)
		}
		want := types.SetWith(ranks...)
		var ids []*ChannelID
		for id, target := range info.targets {
			if types.SetWith(target...).Equal(want) {
				ids = append(ids, &ChannelID{ID: id})
			}
		}
		if len(ids) == 0 {
			return nil, errors.Wrapf(ir.ErrMalformedProgram,
				"%s op (gpu %d, tb %d, step %d) has no %s channel connected to rank group %v",
				op.Inst, gpu.Rank, op.Threadblock, op.Step, ctype, ranks)
		}
		return ids, nil
	}

	var ids []*ChannelID
	for _, c := range chunks {
		matched := false
		for id, target := range info.targets {
			if target[0] == c.Rank {
				off := c.Index
				ids = append(ids, &ChannelID{ID: id, Off: &off})
				matched = true
			}
		}
		if !matched {
			return nil, errors.Wrapf(ir.ErrMalformedProgram,
				"%s op (gpu %d, tb %d, step %d) has no %s->%s/%s channel connected to rank %d",
				op.Inst, gpu.Rank, op.Threadblock, op.Step, srcBuffer, dstBuffer, ctype, c.Rank)
		}
	}
	return ids, nil
}

// buildOp projects one op into its wire record. The switch is exhaustive
// over the closed instruction enumeration; a kind without a mapping is an
// ErrUnsupportedInstruction.
func buildOp(gpu *ir.Gpu, local map[ir.ChannelKey]*tbChannelInfo, op *ir.Op) (*OpRecord, error) {
	rec := &OpRecord{Name: op.Inst.String()}
	resolve := func(chunks []ir.Chunk, srcBuffer, dstBuffer ir.Buffer, ctype ir.ChannelType) ([]*ChannelID, error) {
		return resolveChannelIDs(gpu, local, op, chunks, srcBuffer, dstBuffer, ctype)
	}
	needSrcDst := func() error {
		if op.Src == nil || op.Dst == nil {
			return errors.Wrapf(ir.ErrMalformedProgram,
				"%s op (gpu %d, tb %d, step %d) is missing primary chunk references",
				op.Inst, gpu.Rank, op.Threadblock, op.Step)
		}
		return nil
	}
	needDst := func() error {
		if op.Dst == nil {
			return errors.Wrapf(ir.ErrMalformedProgram,
				"%s op (gpu %d, tb %d, step %d) is missing its primary destination chunk",
				op.Inst, gpu.Rank, op.Threadblock, op.Step)
		}
		return nil
	}
	needDsts := func() error {
		if len(op.Dsts) == 0 {
			return errors.Wrapf(ir.ErrMalformedProgram,
				"%s op (gpu %d, tb %d, step %d) has an empty destination list",
				op.Inst, gpu.Rank, op.Threadblock, op.Step)
		}
		return nil
	}

	var err error
	var srcChunk, dstChunk *ir.Chunk
	switch op.Inst {
	case ir.InstNop:
		rec.Deps = depRecords(op)
		return rec, nil

	case ir.InstBarrier:
		if op.Barrier == nil {
			return nil, errors.Wrapf(ir.ErrMalformedProgram,
				"barrier op (gpu %d, tb %d, step %d) carries no barrier metadata",
				gpu.Rank, op.Threadblock, op.Step)
		}
		nblocks, barrierID := len(op.Barrier.TbList), op.Barrier.ID
		rec.NThreadBlocks = &nblocks
		rec.BarrierID = &barrierID
		return rec, nil

	case ir.InstSignal, ir.InstFlush:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		if rec.OCids, err = resolve(op.Dsts, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		rec.OBuff = &BuffPair{Src: string(op.Src.Buffer), Dst: string(op.Dst.Buffer)}

	case ir.InstWait:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		if rec.ICids, err = resolve(op.Srcs, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		rec.IBuff = &BuffPair{Src: string(op.Src.Buffer), Dst: string(op.Dst.Buffer)}

	case ir.InstReadReduceCopy:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		if rec.ICids, err = resolve(op.Srcs, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		rec.IBuff = &BuffPair{Src: string(op.Src.Buffer), Dst: string(op.Dst.Buffer)}
		// The runtime reads the reduction target from both slots.
		srcChunk, dstChunk = op.Dst, op.Dst

	case ir.InstReadReduceCopySend:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		if err = needDsts(); err != nil {
			return nil, err
		}
		if rec.ICids, err = resolve(op.Srcs, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		if rec.OCids, err = resolve(op.Dsts, op.Dst.Buffer, op.Dsts[0].Buffer, op.Channel); err != nil {
			return nil, err
		}
		rec.IBuff = &BuffPair{Src: string(op.Src.Buffer), Dst: string(op.Dst.Buffer)}
		rec.OBuff = &BuffPair{Src: string(op.Dst.Buffer), Dst: string(op.Dsts[0].Buffer)}
		srcChunk, dstChunk = op.Dst, op.Dst

	case ir.InstReduceSend, ir.InstReduceSendPacket:
		if err = needDst(); err != nil {
			return nil, err
		}
		if err = needDsts(); err != nil {
			return nil, err
		}
		// Sends of reduction results always go over sm channels.
		if rec.OCids, err = resolve(op.Dsts, op.Dst.Buffer, op.Dsts[0].Buffer, ir.ChannelSm); err != nil {
			return nil, err
		}
		rec.OBuff = &BuffPair{Src: string(op.Dst.Buffer), Dst: string(op.Dsts[0].Buffer)}
		rec.Srcs = operands(op.Srcs)
		srcChunk, dstChunk = op.Dst, op.Dst

	case ir.InstReduce, ir.InstReducePacket:
		if err = needDst(); err != nil {
			return nil, err
		}
		rec.Srcs = operands(op.Srcs)
		srcChunk, dstChunk = op.Dst, op.Dst

	case ir.InstPut, ir.InstPutPacket, ir.InstPutWithSignal, ir.InstPutWithSignalAndFlush:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		if rec.OCids, err = resolve(op.Dsts, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		rec.OBuff = &BuffPair{Src: string(op.Src.Buffer), Dst: string(op.Dst.Buffer)}
		rec.Srcs = operands(op.Srcs)

	case ir.InstGet:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		if rec.ICids, err = resolve(op.Srcs, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		rec.IBuff = &BuffPair{Src: string(op.Src.Buffer), Dst: string(op.Dst.Buffer)}
		rec.Dsts = operands(op.Dsts)

	case ir.InstCopy, ir.InstCopyPacket, ir.InstTransformToPacket:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		srcChunk, dstChunk = op.Src, op.Dst

	case ir.InstGroupLoadReduceStore:
		if err = needSrcDst(); err != nil {
			return nil, err
		}
		if rec.ICids, err = resolve(op.Srcs, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		if rec.OCids, err = resolve(op.Dsts, op.Src.Buffer, op.Dst.Buffer, op.Channel); err != nil {
			return nil, err
		}
		srcChunk, dstChunk = op.Src, op.Dst

	case ir.InstGroupStore, ir.InstGroupLoadReduce:
		// Only name, channel kind and count go on the wire.

	default:
		return nil, errors.Wrapf(ir.ErrUnsupportedInstruction,
			"no serialization mapping for instruction %d (gpu %d, tb %d, step %d)",
			int(op.Inst), gpu.Rank, op.Threadblock, op.Step)
	}

	if srcChunk != nil {
		rank, off := srcChunk.Rank, srcChunk.Index
		rec.SrcRank, rec.SrcBuff, rec.SrcOff = &rank, string(srcChunk.Buffer), &off
	}
	if dstChunk != nil {
		rank, off := dstChunk.Rank, dstChunk.Index
		rec.DstRank, rec.DstBuff, rec.DstOff = &rank, string(dstChunk.Buffer), &off
	}
	ctype := op.Channel
	if ctype == "" {
		ctype = ir.ChannelNone
	}
	rec.CType = string(ctype)
	cnt := op.Cnt()
	rec.Cnt = &cnt
	return rec, nil
}

func depRecords(op *ir.Op) []*DepRecord {
	if len(op.Depends) == 0 {
		return nil
	}
	deps := make([]*DepRecord, 0, len(op.Depends))
	for _, dep := range op.Depends {
		deps = append(deps, &DepRecord{Tb: dep.Threadblock, Step: dep.Step})
	}
	return deps
}

func operands(chunks []ir.Chunk) []*ChunkOperand {
	if len(chunks) == 0 {
		return nil
	}
	out := make([]*ChunkOperand, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, &ChunkOperand{Buff: string(c.Buffer), Off: c.Index})
	}
	return out
}
