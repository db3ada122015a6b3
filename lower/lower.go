// Package lower rewrites an ir.Program in place until it is ready for
// serialization: buffer capacities are inferred from worst-case usage,
// communication channels are deduplicated and deterministically numbered,
// spurious and redundant dependencies are removed, and the surviving
// cross-threadblock dependencies are made explicit as no-op markers.
//
// The stages run strictly in order over one shared program structure; the
// serializer (package plan) depends on the final op step/threadblock numbers,
// channel tables and buffer capacities produced here. Any defect fails the
// whole pass with an error wrapping one of the ir sentinel errors; no partial
// result is ever produced.
package lower

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/ccplan/ir"
)

// Lower runs every lowering stage over the program and validates the result.
//
// After Lower returns nil, the program satisfies: every chunk reference fits
// its buffer's final capacity, channel ids are reproducible, every surviving
// dependency is strictly backward in its threadblock's step order, and every
// op carries its final (threadblock, step) identity.
func Lower(program *ir.Program) error {
	if err := inferBufferSizes(program); err != nil {
		return err
	}
	allocateChannels(program)
	simplifyDependencies(program)
	lowerSynchronization(program)
	if klog.V(2).Enabled() {
		klog.Infof("lower: program %q channel-count hint %d", program.Name, channelCountHint(program))
	}
	return validate(program)
}

// channelCountHint is the program-wide maximum of the per-threadblock
// channel-count hints, reported for scheduling diagnostics.
func channelCountHint(program *ir.Program) int {
	hint := 0
	for _, gpu := range program.Gpus {
		for _, tb := range gpu.Threadblocks {
			hint = max(hint, tb.ChannelHint+1)
		}
	}
	return hint
}
