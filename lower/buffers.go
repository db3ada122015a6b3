package lower

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/ccplan/ir"
)

type bufferKey struct {
	rank   int
	buffer ir.Buffer
}

// inferBufferSizes computes the minimum required capacity of each buffer on
// each GPU from the worst-case (index + size) extent any op references, and
// raises the declared capacities to at least that. Declared capacities are
// never decreased.
//
// Under the low-latency protocol, the scratch capacity is additionally
// reconciled to the maximum across all GPUs: packet offset arithmetic assumes
// a uniform scratch layout.
func inferBufferSizes(program *ir.Program) error {
	required := make(map[bufferKey]int)
	grow := func(rank int, chunk ir.Chunk) {
		key := bufferKey{rank: rank, buffer: chunk.Buffer}
		required[key] = max(required[key], chunk.Index+chunk.Size)
	}
	for _, gpu := range program.Gpus {
		for _, tb := range gpu.Threadblocks {
			for step, op := range tb.Ops {
				if ir.LocalSrcInstructions.Has(op.Inst) {
					if op.Src == nil {
						return errors.Wrapf(ir.ErrMalformedProgram,
							"%s op without source chunk (gpu %d, tb %d, op %d)", op.Inst, gpu.Rank, tb.ID, step)
					}
					grow(gpu.Rank, *op.Src)
					for _, src := range op.Srcs {
						grow(gpu.Rank, src)
					}
				}
				if ir.LocalDstInstructions.Has(op.Inst) {
					if op.Dst == nil {
						return errors.Wrapf(ir.ErrMalformedProgram,
							"%s op without destination chunk (gpu %d, tb %d, op %d)", op.Inst, gpu.Rank, tb.ID, step)
					}
					grow(gpu.Rank, *op.Dst)
					// The destination lists of rrcs/rs/rspkt only name remote
					// chunks, out of scope for this GPU's local capacity.
					if !ir.RemoteDstListInstructions.Has(op.Inst) {
						for _, dst := range op.Dsts {
							grow(gpu.Rank, dst)
						}
					}
				}
			}
		}
	}
	for _, gpu := range program.Gpus {
		gpu.GrowBuffer(ir.BufferInput, required[bufferKey{gpu.Rank, ir.BufferInput}])
		gpu.GrowBuffer(ir.BufferOutput, required[bufferKey{gpu.Rank, ir.BufferOutput}])
		gpu.GrowBuffer(ir.BufferScratch, required[bufferKey{gpu.Rank, ir.BufferScratch}])
		klog.V(2).Infof("lower: gpu %d buffer chunks: input=%d output=%d scratch=%d",
			gpu.Rank, gpu.InputChunks, gpu.OutputChunks, gpu.ScratchChunks)
	}

	if program.Protocol == ir.ProtocolLL {
		maxScratch := 0
		for _, gpu := range program.Gpus {
			maxScratch = max(maxScratch, gpu.ScratchChunks)
		}
		for _, gpu := range program.Gpus {
			gpu.ScratchChunks = maxScratch
		}
	}
	return nil
}
