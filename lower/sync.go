package lower

import (
	"github.com/gomlx/ccplan/ir"
)

// lowerSynchronization makes every surviving cross-threadblock dependency an
// explicit, schedulable instruction. The execution model only orders ops
// within one threadblock's own issue sequence, so a dependency crossing
// threadblock boundaries must become data the runtime can wait on: a no-op
// marker carrying the dependency list, inserted immediately before the
// dependent op.
//
// Packet-based kinds and barriers pass through unchanged (their completion is
// observable without a marker), and dependencies on barrier ops are dropped
// when building markers (the barrier already subsumes them). A marker that
// would directly follow another no-op or barrier is folded into it instead of
// being emitted, so ordering information is preserved with the minimum
// instruction count.
//
// Afterwards every op is renumbered with its final (threadblock, step)
// identity. Dependency references and markers identify their targets by
// these numbers, so renumbering happens exactly once, after op lists are
// final.
func lowerSynchronization(program *ir.Program) {
	for _, gpu := range program.Gpus {
		for _, tb := range gpu.Threadblocks {
			newOps := make([]*ir.Op, 0, len(tb.Ops))
			for _, op := range tb.Ops {
				if ir.NoSyncMarkerInstructions.Has(op.Inst) {
					newOps = append(newOps, op)
					continue
				}
				var deps []*ir.Op
				for _, dep := range op.Depends {
					if dep.Inst != ir.InstBarrier {
						deps = append(deps, dep)
					}
				}
				if n := len(newOps); n > 0 &&
					(newOps[n-1].Inst == ir.InstNop || newOps[n-1].Inst == ir.InstBarrier) {
					newOps[n-1].Depends = append(newOps[n-1].Depends, deps...)
				} else if len(deps) > 0 {
					newOps = append(newOps, &ir.Op{
						Inst:        ir.InstNop,
						Channel:     ir.ChannelNone,
						Depends:     deps,
						Threadblock: -1,
					})
				}
				newOps = append(newOps, op)
			}
			tb.Ops = newOps
		}
	}

	renumberOps(program)
}

// renumberOps assigns every op its final issue-order step and owning
// threadblock id.
func renumberOps(program *ir.Program) {
	for _, gpu := range program.Gpus {
		for _, tb := range gpu.Threadblocks {
			for step, op := range tb.Ops {
				op.Step = step
				op.Threadblock = tb.ID
			}
		}
	}
}
