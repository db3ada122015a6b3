package lower

import (
	"slices"

	"github.com/gomlx/ccplan/ir"
	"github.com/gomlx/ccplan/types"
)

// simplifyDependencies removes dependency edges that carry no information,
// preserving op order. Two per-threadblock passes:
//
//  1. A wait op drops its dependencies on signal ops: signal/wait ordering is
//     enforced by the channel semaphore itself, and keeping the edge would
//     add a spurious same-GPU ordering constraint.
//  2. Streaming transitive reduction: walking ops in issue order with a
//     growing set of already-depended-upon ops, a dependency already in the
//     set is implied (an earlier op in this threadblock waits on it, and this
//     op is ordered after that earlier op) and is dropped. Issue order within
//     a threadblock is a valid topological order, which is what makes the
//     single forward walk sufficient.
func simplifyDependencies(program *ir.Program) {
	for _, gpu := range program.Gpus {
		for _, tb := range gpu.Threadblocks {
			for _, op := range tb.Ops {
				if op.Inst == ir.InstWait {
					op.Depends = slices.DeleteFunc(op.Depends, func(dep *ir.Op) bool {
						return dep.Inst == ir.InstSignal
					})
				}
			}

			alreadyDepended := types.MakeSet[*ir.Op]()
			for _, op := range tb.Ops {
				op.Depends = slices.DeleteFunc(op.Depends, alreadyDepended.Has)
				alreadyDepended.Insert(op.Depends...)
			}
		}
	}
}
