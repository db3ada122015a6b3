// Package ir holds the in-memory representation of a collective-communication
// program: an ordered list of GPUs, each with its threadblocks, ops, channels
// and buffer capacities.
//
// The upstream authoring layer builds a Program with unresolved channels and
// direct op-to-op dependency references; the lower and plan packages then
// mutate it in place (buffer inference, channel allocation, dependency
// simplification, synchronization lowering) and finally project it into the
// execution-plan document the GPU runtime consumes.
//
// Construction helpers panic (with a stack trace, see
// github.com/gomlx/exceptions) on structurally invalid values, since those are
// programming errors in the authoring layer, not data errors.
package ir

import (
	"github.com/gomlx/exceptions"
)

// Protocol selects the transport encoding of the program.
type Protocol string

const (
	// ProtocolSimple signals completion with explicit signal/wait semaphores.
	ProtocolSimple Protocol = "Simple"

	// ProtocolLL uses the low-latency flag-based packet format. It doubles
	// scratch usage and requires every GPU to agree on the scratch capacity,
	// since packet offset arithmetic assumes a uniform scratch layout.
	ProtocolLL Protocol = "LL"
)

// Program is the top-level unit of compilation. It is created once by the
// authoring layer and mutated in place by every lowering stage.
type Program struct {
	Name       string
	Collective string
	Protocol   Protocol
	InPlace    bool

	NumChunkGroups         int
	NumThreadsPerBlock     int
	UseDoubleScratchBuffer bool
	MinMessageSize         int64
	MaxMessageSize         int64

	Gpus []*Gpu
}

// AddGpu appends a new GPU with the given rank and returns it.
func (p *Program) AddGpu(rank int) *Gpu {
	if rank < 0 {
		exceptions.Panicf("ir.Program.AddGpu: negative rank %d", rank)
	}
	gpu := &Gpu{Rank: rank}
	p.Gpus = append(p.Gpus, gpu)
	return gpu
}

// Gpu is one participating device, identified by rank.
//
// The chunk-capacity counters are refined (never decreased) by buffer
// inference: the final value is max(declared, inferred). Channels is derived
// by the channel allocator and starts empty.
type Gpu struct {
	Rank         int
	Threadblocks []*Threadblock

	// Buffer capacities, in chunks.
	InputChunks   int
	OutputChunks  int
	ScratchChunks int

	// Channels is the deduplicated per-device channel table, populated by
	// the channel allocator.
	Channels ChannelTable
}

// AddThreadblock appends a new threadblock with the given id and returns it.
// A negative id marks a placeholder block, excluded from the emitted plan.
func (g *Gpu) AddThreadblock(id int) *Threadblock {
	tb := &Threadblock{ID: id}
	g.Threadblocks = append(g.Threadblocks, tb)
	return tb
}

// BufferChunks returns the current capacity counter for the given buffer.
func (g *Gpu) BufferChunks(buffer Buffer) int {
	switch buffer {
	case BufferInput:
		return g.InputChunks
	case BufferOutput:
		return g.OutputChunks
	case BufferScratch:
		return g.ScratchChunks
	}
	exceptions.Panicf("ir.Gpu.BufferChunks: invalid buffer %q", buffer)
	return 0
}

// GrowBuffer raises the capacity counter for buffer to at least chunks.
func (g *Gpu) GrowBuffer(buffer Buffer, chunks int) {
	switch buffer {
	case BufferInput:
		g.InputChunks = max(g.InputChunks, chunks)
	case BufferOutput:
		g.OutputChunks = max(g.OutputChunks, chunks)
	case BufferScratch:
		g.ScratchChunks = max(g.ScratchChunks, chunks)
	default:
		exceptions.Panicf("ir.Gpu.GrowBuffer: invalid buffer %q", buffer)
	}
}

// Threadblock is a fixed, independently scheduled execution unit within a
// GPU, owning an ordered op sequence.
type Threadblock struct {
	ID  int
	Ops []*Op

	// Channels are the communication paths this threadblock declared.
	// They are deduplicated and indexed device-wide by the channel allocator.
	Channels []Channel

	// ChannelHint is the upstream per-threadblock channel-count hint.
	ChannelHint int
}

// AddOp appends op to the threadblock's issue sequence and returns it.
func (tb *Threadblock) AddOp(op *Op) *Op {
	tb.Ops = append(tb.Ops, op)
	return op
}

// AddChannel declares a channel used by this threadblock. Non-multicast
// channels must connect to exactly one rank.
func (tb *Threadblock) AddChannel(ch Channel) {
	if len(ch.ConnectedTo) == 0 {
		exceptions.Panicf("ir.Threadblock.AddChannel: channel %s has no connection target", ch)
	}
	if ch.Type != ChannelNvls && len(ch.ConnectedTo) != 1 {
		exceptions.Panicf("ir.Threadblock.AddChannel: %s channel connects to %d ranks, only nvls channels may connect to more than one",
			ch.Type, len(ch.ConnectedTo))
	}
	tb.Channels = append(tb.Channels, ch)
}

// Chunk is an immutable view into a contiguous buffer region on one rank.
// Multiple chunks may alias.
type Chunk struct {
	Rank   int
	Buffer Buffer
	Index  int
	Size   int
}

// BarrierInfo is the extra metadata carried by barrier ops.
type BarrierInfo struct {
	// TbList are the threadblock ids synchronized by the barrier.
	TbList []int
	ID     int
}

// Op is one instruction in a threadblock's issue sequence.
//
// Src and Dst are the primary chunk references; Srcs and Dsts carry the
// operand lists of multi-operand kinds. Which of them are meaningful depends
// on Inst. Depends holds direct references to ops that must complete before
// this one starts; after synchronization lowering they are identified on the
// wire by their (Threadblock, Step) pair, so both fields must only be read
// after the final renumbering pass.
type Op struct {
	Inst Instruction

	Src *Chunk
	Dst *Chunk

	Srcs []Chunk
	Dsts []Chunk

	Channel ChannelType

	Depends []*Op

	// Step and Threadblock are assigned by the final renumbering pass.
	Step        int
	Threadblock int

	// Barrier is set only for InstBarrier ops.
	Barrier *BarrierInfo
}

// Cnt is the chunk count the op moves: the primary source size when set,
// otherwise the primary destination size, otherwise zero. Mismatched source
// and destination sizes are a programming error in the authoring layer and
// panic; lowering rejects them with an error before serialization reads the
// count.
func (op *Op) Cnt() int {
	if op.Src != nil {
		if op.Dst != nil && op.Src.Size != op.Dst.Size {
			exceptions.Panicf("ir.Op.Cnt: %s op has src size %d != dst size %d",
				op.Inst, op.Src.Size, op.Dst.Size)
		}
		return op.Src.Size
	}
	if op.Dst != nil {
		return op.Dst.Size
	}
	return 0
}
