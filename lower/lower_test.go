package lower

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/ccplan/ir"
)

func chunk(rank int, buffer ir.Buffer, index, size int) *ir.Chunk {
	return &ir.Chunk{Rank: rank, Buffer: buffer, Index: index, Size: size}
}

func copyOp(rank, index, size int) *ir.Op {
	return &ir.Op{
		Inst:    ir.InstCopy,
		Src:     chunk(rank, ir.BufferInput, index, size),
		Dst:     chunk(rank, ir.BufferOutput, index, size),
		Channel: ir.ChannelNone,
	}
}

func TestInferBufferSizes(t *testing.T) {
	program := &ir.Program{Name: "sizes", Protocol: ir.ProtocolSimple}
	gpu0 := program.AddGpu(0)
	tb := gpu0.AddThreadblock(0)
	// put reads input locally, writes scratch remotely: only the source
	// counts against gpu 0.
	tb.AddOp(&ir.Op{
		Inst:    ir.InstPut,
		Src:     chunk(0, ir.BufferInput, 2, 3),
		Dst:     chunk(1, ir.BufferScratch, 0, 3),
		Dsts:    []ir.Chunk{*chunk(1, ir.BufferScratch, 0, 3)},
		Channel: ir.ChannelSm,
	})
	// reduce-send's destination list is remote and must not grow scratch.
	tb.AddOp(&ir.Op{
		Inst:    ir.InstReduceSend,
		Src:     chunk(0, ir.BufferScratch, 0, 1),
		Dst:     chunk(0, ir.BufferScratch, 0, 1),
		Srcs:    []ir.Chunk{*chunk(0, ir.BufferScratch, 1, 1)},
		Dsts:    []ir.Chunk{*chunk(1, ir.BufferScratch, 99, 1)},
		Channel: ir.ChannelSm,
	})

	gpu1 := program.AddGpu(1)
	gpu1.OutputChunks = 7 // Declared capacity is never decreased.
	gpu1.AddThreadblock(0).AddOp(&ir.Op{
		Inst:    ir.InstWait,
		Src:     chunk(0, ir.BufferInput, 2, 3),
		Dst:     chunk(1, ir.BufferScratch, 1, 2),
		Srcs:    []ir.Chunk{*chunk(0, ir.BufferInput, 2, 3)},
		Channel: ir.ChannelSm,
	})

	require.NoError(t, inferBufferSizes(program))
	assert.Equal(t, 5, gpu0.InputChunks)
	assert.Equal(t, 2, gpu0.ScratchChunks)
	assert.Equal(t, 0, gpu0.OutputChunks)
	assert.Equal(t, 3, gpu1.ScratchChunks)
	assert.Equal(t, 7, gpu1.OutputChunks)

	// Inference is idempotent on an already-inferred program.
	require.NoError(t, inferBufferSizes(program))
	assert.Equal(t, 5, gpu0.InputChunks)
	assert.Equal(t, 2, gpu0.ScratchChunks)
	assert.Equal(t, 3, gpu1.ScratchChunks)
	assert.Equal(t, 7, gpu1.OutputChunks)
}

func TestInferBufferSizesMissingChunk(t *testing.T) {
	program := &ir.Program{Name: "broken"}
	program.AddGpu(0).AddThreadblock(0).AddOp(&ir.Op{Inst: ir.InstPut, Channel: ir.ChannelSm})
	err := inferBufferSizes(program)
	require.True(t, errors.Is(err, ir.ErrMalformedProgram))
}

func TestLLScratchUniformity(t *testing.T) {
	program := &ir.Program{Name: "ll", Protocol: ir.ProtocolLL}
	gpu0 := program.AddGpu(0)
	gpu0.AddThreadblock(0).AddOp(&ir.Op{
		Inst:    ir.InstCopy,
		Src:     chunk(0, ir.BufferInput, 0, 2),
		Dst:     chunk(0, ir.BufferScratch, 0, 2),
		Channel: ir.ChannelNone,
	})
	gpu1 := program.AddGpu(1)
	gpu1.AddThreadblock(0).AddOp(&ir.Op{
		Inst:    ir.InstCopy,
		Src:     chunk(1, ir.BufferInput, 0, 5),
		Dst:     chunk(1, ir.BufferScratch, 0, 5),
		Channel: ir.ChannelNone,
	})

	require.NoError(t, Lower(program))
	assert.Equal(t, 5, gpu0.ScratchChunks)
	assert.Equal(t, 5, gpu1.ScratchChunks)

	// Tampering with one GPU's scratch after reconciliation is caught.
	gpu0.ScratchChunks = 6
	err := validate(program)
	require.True(t, errors.Is(err, ir.ErrProtocolInconsistency))
}

func smChannel(connectedTo int) ir.Channel {
	return ir.Channel{
		SrcBuffer:   ir.BufferInput,
		DstBuffer:   ir.BufferScratch,
		Type:        ir.ChannelSm,
		ConnectedTo: []int{connectedTo},
	}
}

func TestAllocateChannelsDeterminism(t *testing.T) {
	build := func(tbOrder []int, connOrder []int) *ir.Gpu {
		program := &ir.Program{Name: "chans"}
		gpu := program.AddGpu(0)
		for _, id := range tbOrder {
			tb := gpu.AddThreadblock(id)
			for _, conn := range connOrder {
				tb.AddChannel(smChannel(conn))
			}
		}
		allocateChannels(program)
		return gpu
	}

	a := build([]int{0, 1}, []int{2, 1})
	b := build([]int{1, 0}, []int{1, 2})
	require.Equal(t, a.Channels.Keys(), b.Channels.Keys())
	for _, key := range a.Channels.Keys() {
		assert.Equal(t, a.Channels.Entries(key), b.Channels.Entries(key))
	}

	key := ir.ChannelKey{SrcBuffer: ir.BufferInput, DstBuffer: ir.BufferScratch, Type: ir.ChannelSm}
	require.Equal(t, []ir.ChannelEntry{
		{Threadblock: 0, ConnectedTo: []int{1}},
		{Threadblock: 0, ConnectedTo: []int{2}},
		{Threadblock: 1, ConnectedTo: []int{1}},
		{Threadblock: 1, ConnectedTo: []int{2}},
	}, a.Channels.Entries(key))
}

func TestMulticastGrouping(t *testing.T) {
	program := &ir.Program{Name: "nvls"}
	gpu := program.AddGpu(0)
	tb := gpu.AddThreadblock(0)
	nvls := func(ranks ...int) ir.Channel {
		return ir.Channel{
			SrcBuffer:   ir.BufferInput,
			DstBuffer:   ir.BufferInput,
			Type:        ir.ChannelNvls,
			ConnectedTo: ranks,
		}
	}
	tb.AddChannel(nvls(1, 2))
	tb.AddChannel(nvls(2, 1)) // Same rank set as {1, 2}.
	tb.AddChannel(nvls(1, 3))

	allocateChannels(program)
	require.Equal(t, 1, gpu.Channels.Len())
	key := gpu.Channels.Keys()[0]
	require.Equal(t, []ir.ChannelEntry{
		{Threadblock: 0, ConnectedTo: []int{1, 2}},
		{Threadblock: 0, ConnectedTo: []int{1, 3}},
	}, gpu.Channels.Entries(key))
}

func TestSimplifyDependencies(t *testing.T) {
	program := &ir.Program{Name: "deps"}
	tb := program.AddGpu(0).AddThreadblock(0)
	a := tb.AddOp(copyOp(0, 0, 1))
	sig := tb.AddOp(&ir.Op{
		Inst:    ir.InstSignal,
		Src:     chunk(0, ir.BufferInput, 0, 1),
		Dst:     chunk(1, ir.BufferScratch, 0, 1),
		Channel: ir.ChannelSm,
	})
	w := tb.AddOp(&ir.Op{
		Inst:    ir.InstWait,
		Src:     chunk(1, ir.BufferScratch, 0, 1),
		Dst:     chunk(0, ir.BufferOutput, 0, 1),
		Channel: ir.ChannelSm,
		Depends: []*ir.Op{sig, a},
	})
	c := tb.AddOp(copyOp(0, 1, 1))
	c.Depends = []*ir.Op{a, w}

	simplifyDependencies(program)

	// Waiting on a signal is enforced by the channel semaphore, not deps.
	assert.Equal(t, []*ir.Op{a}, w.Depends)
	// c's dependency on a is implied by its dependency on w.
	assert.Equal(t, []*ir.Op{w}, c.Depends)
}

func TestLowerSynchronization(t *testing.T) {
	program := &ir.Program{Name: "sync"}
	gpu := program.AddGpu(0)
	tb0 := gpu.AddThreadblock(0)
	a := tb0.AddOp(copyOp(0, 0, 1))

	// Residual dependency becomes a nop marker before the dependent op.
	tb1 := gpu.AddThreadblock(1)
	b := tb1.AddOp(copyOp(0, 1, 1))
	b.Depends = []*ir.Op{a}

	// A marker directly after an existing nop folds into it.
	tb2 := gpu.AddThreadblock(2)
	preNop := tb2.AddOp(&ir.Op{Inst: ir.InstNop, Channel: ir.ChannelNone})
	c := tb2.AddOp(copyOp(0, 2, 1))
	c.Depends = []*ir.Op{a}

	// A barrier subsumes dependencies on it: no marker at all.
	tb3 := gpu.AddThreadblock(3)
	bar := tb3.AddOp(&ir.Op{
		Inst:    ir.InstBarrier,
		Channel: ir.ChannelNone,
		Barrier: &ir.BarrierInfo{TbList: []int{0, 3}, ID: 0},
	})
	d := tb3.AddOp(copyOp(0, 3, 1))
	d.Depends = []*ir.Op{bar}

	// Packet-based kinds pass through unchanged, keeping their deps.
	tb4 := gpu.AddThreadblock(4)
	e := tb4.AddOp(&ir.Op{
		Inst:    ir.InstCopyPacket,
		Src:     chunk(0, ir.BufferInput, 0, 1),
		Dst:     chunk(0, ir.BufferScratch, 0, 1),
		Channel: ir.ChannelNone,
		Depends: []*ir.Op{a},
	})

	require.NoError(t, Lower(program))

	require.Len(t, tb1.Ops, 2)
	marker := tb1.Ops[0]
	assert.Equal(t, ir.InstNop, marker.Inst)
	assert.Equal(t, []*ir.Op{a}, marker.Depends)
	assert.Same(t, b, tb1.Ops[1])

	require.Equal(t, []*ir.Op{preNop, c}, tb2.Ops)
	assert.Equal(t, []*ir.Op{a}, preNop.Depends)

	require.Equal(t, []*ir.Op{bar, d}, tb3.Ops)
	assert.Empty(t, bar.Depends)

	require.Equal(t, []*ir.Op{e}, tb4.Ops)
	assert.Equal(t, []*ir.Op{a}, e.Depends)

	// Renumbering: final issue order, owning threadblock ids.
	for _, tb := range gpu.Threadblocks {
		for step, op := range tb.Ops {
			assert.Equal(t, step, op.Step)
			assert.Equal(t, tb.ID, op.Threadblock)
		}
	}
}

func TestValidateDanglingDependency(t *testing.T) {
	program := &ir.Program{Name: "dangling"}
	tb := program.AddGpu(0).AddThreadblock(0)
	orphan := copyOp(0, 0, 1) // Never added to any threadblock.
	b := tb.AddOp(copyOp(0, 1, 1))
	b.Depends = []*ir.Op{orphan}

	err := Lower(program)
	require.True(t, errors.Is(err, ir.ErrMalformedProgram))
}

func TestValidateForwardDependency(t *testing.T) {
	program := &ir.Program{Name: "forward"}
	tb := program.AddGpu(0).AddThreadblock(0)
	a := tb.AddOp(copyOp(0, 0, 1))
	b := tb.AddOp(copyOp(0, 1, 1))
	a.Depends = []*ir.Op{b}

	err := Lower(program)
	require.True(t, errors.Is(err, ir.ErrMalformedProgram))
}

func TestValidateCapacity(t *testing.T) {
	program := &ir.Program{Name: "capacity"}
	gpu := program.AddGpu(0)
	gpu.AddThreadblock(0).AddOp(copyOp(0, 0, 4))
	require.NoError(t, Lower(program))

	gpu.InputChunks = 2 // Below the worst-case extent of the copy above.
	err := validate(program)
	require.True(t, errors.Is(err, ir.ErrMalformedProgram))
}

func TestValidateChunkSizeMismatch(t *testing.T) {
	program := &ir.Program{Name: "mismatch", Protocol: ir.ProtocolSimple}
	tb := program.AddGpu(0).AddThreadblock(0)
	tb.AddOp(&ir.Op{
		Inst:    ir.InstCopy,
		Src:     chunk(0, ir.BufferInput, 0, 1),
		Dst:     chunk(0, ir.BufferOutput, 0, 2),
		Channel: ir.ChannelNone,
	})

	// Mismatched sizes come back as an error, never as a panic.
	var err error
	require.NotPanics(t, func() { err = Lower(program) })
	require.True(t, errors.Is(err, ir.ErrMalformedProgram))
}
