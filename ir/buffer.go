package ir

import "github.com/pkg/errors"

// Buffer identifies one of the three per-GPU buffers a chunk can live in.
// The string values are the wire names of the plan schema.
type Buffer string

const (
	BufferInput   Buffer = "i"
	BufferOutput  Buffer = "o"
	BufferScratch Buffer = "s"
)

// ParseBuffer converts a wire name back into a Buffer.
func ParseBuffer(name string) (Buffer, error) {
	switch b := Buffer(name); b {
	case BufferInput, BufferOutput, BufferScratch:
		return b, nil
	}
	return "", errors.Wrapf(ErrMalformedProgram, "unknown buffer name %q", name)
}
