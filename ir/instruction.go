package ir

import (
	"github.com/gomlx/ccplan/types"
	"github.com/pkg/errors"
)

// Instruction is the closed enumeration of operation kinds a threadblock can
// issue. The serializer matches it exhaustively; a value outside the
// enumeration is an ErrUnsupportedInstruction, never silently skipped.
type Instruction int

const (
	InstInvalid Instruction = iota

	// InstNop carries only dependency metadata; inserted by synchronization
	// lowering to make cross-threadblock ordering explicit.
	InstNop

	// InstBarrier synchronizes a set of threadblocks.
	InstBarrier

	InstPut
	InstPutPacket
	InstPutWithSignal
	InstPutWithSignalAndFlush
	InstGet
	InstSignal
	InstFlush
	InstWait
	InstCopy
	InstCopyPacket
	InstTransformToPacket
	InstReduce
	InstReducePacket
	InstReduceSend
	InstReduceSendPacket
	InstReadReduceCopy
	InstReadReduceCopySend
	InstGroupStore
	InstGroupLoadReduce
	InstGroupLoadReduceStore

	numInstructions = iota
)

// instructionNames are the wire names the runtime parses. They are historical
// abbreviations, fixed by the plan schema.
var instructionNames = [numInstructions]string{
	InstInvalid:               "invalid",
	InstNop:                   "nop",
	InstBarrier:               "barrier",
	InstPut:                   "put",
	InstPutPacket:             "ppkt",
	InstPutWithSignal:         "pws",
	InstPutWithSignalAndFlush: "pwsf",
	InstGet:                   "get",
	InstSignal:                "signal",
	InstFlush:                 "flush",
	InstWait:                  "wait",
	InstCopy:                  "copy",
	InstCopyPacket:            "cpkt",
	InstTransformToPacket:     "tpkt",
	InstReduce:                "reduce",
	InstReducePacket:          "rpkt",
	InstReduceSend:            "rs",
	InstReduceSendPacket:      "rspkt",
	InstReadReduceCopy:        "rrc",
	InstReadReduceCopySend:    "rrcs",
	InstGroupStore:            "gstore",
	InstGroupLoadReduce:       "glre",
	InstGroupLoadReduceStore:  "glres",
}

// String returns the wire name of the instruction.
func (i Instruction) String() string {
	if i < 0 || i >= numInstructions {
		return instructionNames[InstInvalid]
	}
	return instructionNames[i]
}

// MarshalText implements encoding.TextMarshaler using the wire name.
func (i Instruction) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// ParseInstruction converts a wire name back into an Instruction.
func ParseInstruction(name string) (Instruction, error) {
	for i, n := range instructionNames {
		if Instruction(i) != InstInvalid && n == name {
			return Instruction(i), nil
		}
	}
	return InstInvalid, errors.Wrapf(ErrUnsupportedInstruction, "unknown instruction name %q", name)
}

// LocalSrcInstructions are the kinds that read from a buffer local to the
// issuing GPU through their primary source and source list.
var LocalSrcInstructions = types.SetWith(
	InstPut, InstPutPacket, InstPutWithSignal, InstPutWithSignalAndFlush,
	InstSignal, InstFlush,
	InstCopy, InstCopyPacket, InstTransformToPacket,
	InstReduce, InstReducePacket, InstReduceSend, InstReduceSendPacket,
	InstGroupLoadReduceStore, InstGroupStore,
)

// LocalDstInstructions are the kinds that write to a buffer local to the
// issuing GPU through their primary destination and, unless the destination
// list is inherently remote (see RemoteDstListInstructions), the destination
// list.
var LocalDstInstructions = types.SetWith(
	InstGet, InstWait, InstReadReduceCopy,
	InstCopy, InstCopyPacket, InstTransformToPacket,
	InstReduce, InstReadReduceCopySend, InstReduceSend,
	InstReducePacket, InstReduceSendPacket,
	InstGroupLoadReduceStore, InstGroupLoadReduce,
)

// RemoteDstListInstructions name only remote chunks in their destination
// list, which is out of scope for the issuing GPU's local capacity.
var RemoteDstListInstructions = types.SetWith(
	InstReadReduceCopySend, InstReduceSend, InstReduceSendPacket,
)

// NoSyncMarkerInstructions complete in a way dependents can observe without
// an explicit marker: packet-based kinds poll in-band flags, and barriers
// already synchronize every referenced threadblock.
var NoSyncMarkerInstructions = types.SetWith(
	InstCopyPacket, InstReducePacket, InstReduceSendPacket, InstBarrier,
)
