package ir

import "github.com/pkg/errors"

// The lowering pipeline is a compiler stage: every defect fails the whole
// pass, no partial plan is ever emitted. Failures wrap one of these
// sentinels, so callers can classify with errors.Is while the message carries
// the location (GPU rank, threadblock id, op step) of the offending
// instruction.
var (
	// ErrMalformedProgram marks defects in the upstream authoring layer: a
	// dependency that does not resolve to a prior op, a chunk exceeding an
	// inferred buffer capacity, or a channel lookup with no matching
	// connection target.
	ErrMalformedProgram = errors.New("malformed program")

	// ErrUnsupportedInstruction marks an instruction kind outside the closed
	// enumeration's serialization mapping.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")

	// ErrProtocolInconsistency marks GPUs disagreeing on scratch capacity
	// under the low-latency protocol after reconciliation.
	ErrProtocolInconsistency = errors.New("protocol inconsistency")
)
