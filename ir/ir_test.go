package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpCnt(t *testing.T) {
	src := &Chunk{Rank: 0, Buffer: BufferInput, Index: 2, Size: 3}
	dst := &Chunk{Rank: 1, Buffer: BufferScratch, Index: 0, Size: 3}

	assert.Equal(t, 3, (&Op{Inst: InstPut, Src: src, Dst: dst}).Cnt())
	assert.Equal(t, 3, (&Op{Inst: InstSignal, Src: src}).Cnt())
	assert.Equal(t, 3, (&Op{Inst: InstWait, Dst: dst}).Cnt())
	assert.Equal(t, 0, (&Op{Inst: InstNop}).Cnt())

	mismatched := &Op{Inst: InstCopy, Src: src, Dst: &Chunk{Buffer: BufferOutput, Size: 7}}
	require.Panics(t, func() { mismatched.Cnt() })
}

func TestGpuBufferCounters(t *testing.T) {
	var program Program
	gpu := program.AddGpu(0)

	gpu.GrowBuffer(BufferInput, 4)
	gpu.GrowBuffer(BufferInput, 2) // Never decreases.
	gpu.GrowBuffer(BufferScratch, 8)
	assert.Equal(t, 4, gpu.BufferChunks(BufferInput))
	assert.Equal(t, 0, gpu.BufferChunks(BufferOutput))
	assert.Equal(t, 8, gpu.BufferChunks(BufferScratch))

	require.Panics(t, func() { gpu.GrowBuffer(Buffer("bogus"), 1) })
	require.Panics(t, func() { program.AddGpu(-1) })
}

func TestAddChannelValidates(t *testing.T) {
	tb := &Threadblock{ID: 0}
	tb.AddChannel(Channel{SrcBuffer: BufferInput, DstBuffer: BufferScratch, Type: ChannelSm, ConnectedTo: []int{1}})
	tb.AddChannel(Channel{SrcBuffer: BufferInput, DstBuffer: BufferInput, Type: ChannelNvls, ConnectedTo: []int{1, 2}})
	require.Len(t, tb.Channels, 2)

	require.Panics(t, func() {
		tb.AddChannel(Channel{SrcBuffer: BufferInput, DstBuffer: BufferScratch, Type: ChannelSm})
	})
	require.Panics(t, func() {
		tb.AddChannel(Channel{SrcBuffer: BufferInput, DstBuffer: BufferScratch, Type: ChannelProxy, ConnectedTo: []int{1, 2}})
	})
}

func TestChannelTable(t *testing.T) {
	var table ChannelTable
	keyA := ChannelKey{SrcBuffer: BufferInput, DstBuffer: BufferScratch, Type: ChannelSm}
	keyB := ChannelKey{SrcBuffer: BufferScratch, DstBuffer: BufferScratch, Type: ChannelProxy}

	table.Append(keyA, ChannelEntry{Threadblock: 1, ConnectedTo: []int{2}})
	table.Append(keyB, ChannelEntry{Threadblock: 0, ConnectedTo: []int{1}})
	table.Append(keyA, ChannelEntry{Threadblock: 0, ConnectedTo: []int{1}})
	table.Append(keyA, ChannelEntry{Threadblock: 0, ConnectedTo: []int{0}})

	// First-appearance key order.
	require.Equal(t, []ChannelKey{keyA, keyB}, table.Keys())
	require.Equal(t, 2, table.Len())

	table.SortEntries()
	require.Equal(t, []ChannelEntry{
		{Threadblock: 0, ConnectedTo: []int{0}},
		{Threadblock: 0, ConnectedTo: []int{1}},
		{Threadblock: 1, ConnectedTo: []int{2}},
	}, table.Entries(keyA))
	require.Equal(t, []ChannelEntry{{Threadblock: 0, ConnectedTo: []int{1}}}, table.Entries(keyB))
}
