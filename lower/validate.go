package lower

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/ccplan/ir"
	"github.com/gomlx/ccplan/types"
)

// validate checks the invariants the serializer and the runtime rely on,
// after all lowering stages ran: dependency references resolve to earlier
// ops, paired chunk references agree on their size, chunk references fit the
// final buffer capacities, and scratch layout is uniform under the
// low-latency protocol. Violations indicate a defect in the upstream
// authoring layer (or in lowering itself) and fail the pass.
func validate(program *ir.Program) error {
	if err := checkScratchUniform(program); err != nil {
		return err
	}
	for _, gpu := range program.Gpus {
		if err := checkDependencies(gpu); err != nil {
			return err
		}
		if err := checkChunkSizes(gpu); err != nil {
			return err
		}
		if err := checkCapacities(gpu); err != nil {
			return err
		}
	}
	return nil
}

// checkChunkSizes verifies every op addressing both a source and a
// destination chunk moves the same number of chunks on each side. The
// serializer's count field assumes this; catching it here keeps malformed
// input programs on the error path.
func checkChunkSizes(gpu *ir.Gpu) error {
	for _, tb := range gpu.Threadblocks {
		for _, op := range tb.Ops {
			if op.Src != nil && op.Dst != nil && op.Src.Size != op.Dst.Size {
				return errors.Wrapf(ir.ErrMalformedProgram,
					"%s op (gpu %d, tb %d, step %d) moves %d chunks from its source but %d to its destination",
					op.Inst, gpu.Rank, op.Threadblock, op.Step, op.Src.Size, op.Dst.Size)
			}
		}
	}
	return nil
}

func checkScratchUniform(program *ir.Program) error {
	if program.Protocol != ir.ProtocolLL || len(program.Gpus) == 0 {
		return nil
	}
	scratch := program.Gpus[0].ScratchChunks
	for _, gpu := range program.Gpus[1:] {
		if gpu.ScratchChunks != scratch {
			return errors.Wrapf(ir.ErrProtocolInconsistency,
				"gpu %d scratch capacity %d != gpu %d scratch capacity %d under %s protocol",
				gpu.Rank, gpu.ScratchChunks, program.Gpus[0].Rank, scratch, program.Protocol)
		}
	}
	return nil
}

// checkDependencies verifies every dependency reference points at an op of
// the same GPU that precedes its dependent in final step order: no dangling,
// forward, or self references.
func checkDependencies(gpu *ir.Gpu) error {
	known := types.MakeSet[*ir.Op]()
	tbSteps := make(map[int]int, len(gpu.Threadblocks))
	for _, tb := range gpu.Threadblocks {
		known.Insert(tb.Ops...)
		tbSteps[tb.ID] = len(tb.Ops)
		if tb.ID < 0 && len(tb.Ops) > 0 {
			klog.Warningf("lower: gpu %d placeholder threadblock carries %d ops, they will not be emitted",
				gpu.Rank, len(tb.Ops))
		}
	}
	for _, tb := range gpu.Threadblocks {
		for _, op := range tb.Ops {
			for _, dep := range op.Depends {
				if !known.Has(dep) {
					return errors.Wrapf(ir.ErrMalformedProgram,
						"dangling dependency of %s op (gpu %d, tb %d, step %d): target op is not part of this gpu",
						op.Inst, gpu.Rank, op.Threadblock, op.Step)
				}
				steps, found := tbSteps[dep.Threadblock]
				if !found || dep.Step >= steps {
					return errors.Wrapf(ir.ErrMalformedProgram,
						"dependency of %s op (gpu %d, tb %d, step %d) references unknown (tb %d, step %d)",
						op.Inst, gpu.Rank, op.Threadblock, op.Step, dep.Threadblock, dep.Step)
				}
				if dep.Threadblock == op.Threadblock && dep.Step >= op.Step {
					return errors.Wrapf(ir.ErrMalformedProgram,
						"%s op (gpu %d, tb %d, step %d) depends on step %d of its own threadblock, which does not precede it",
						op.Inst, gpu.Rank, op.Threadblock, op.Step, dep.Step)
				}
			}
		}
	}
	return nil
}

// checkCapacities verifies every local chunk reference fits the final
// capacity of its buffer. Remote chunks are accounted on their owning GPU by
// the ops that access them locally there.
func checkCapacities(gpu *ir.Gpu) error {
	check := func(op *ir.Op, chunk ir.Chunk) error {
		if chunk.Index+chunk.Size > gpu.BufferChunks(chunk.Buffer) {
			return errors.Wrapf(ir.ErrMalformedProgram,
				"%s op (gpu %d, tb %d, step %d) references chunks [%d, %d) of buffer %q with capacity %d",
				op.Inst, gpu.Rank, op.Threadblock, op.Step,
				chunk.Index, chunk.Index+chunk.Size, chunk.Buffer, gpu.BufferChunks(chunk.Buffer))
		}
		return nil
	}
	for _, tb := range gpu.Threadblocks {
		for _, op := range tb.Ops {
			if ir.LocalSrcInstructions.Has(op.Inst) {
				if err := check(op, *op.Src); err != nil {
					return err
				}
				for _, src := range op.Srcs {
					if err := check(op, src); err != nil {
						return err
					}
				}
			}
			if ir.LocalDstInstructions.Has(op.Inst) {
				if err := check(op, *op.Dst); err != nil {
					return err
				}
				if !ir.RemoteDstListInstructions.Has(op.Inst) {
					for _, dst := range op.Dsts {
						if err := check(op, dst); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}
