// SPDX-License-Identifier: Apache-2.0

package candid

import (
	"fmt"

	"github.com/pkg/errors"
)

// MaxDepth bounds the nesting of types and values while encoding and
// decoding.
const MaxDepth = 512

var (
	// ErrNotRec is returned when Fill is called on a non-placeholder.
	ErrNotRec = errors.New("type is not a rec placeholder")
	// ErrRecAlreadyFilled is returned when a placeholder is filled twice.
	ErrRecAlreadyFilled = errors.New("rec placeholder already filled")
	// ErrRecCycle is returned when a placeholder would resolve to itself.
	ErrRecCycle = errors.New("rec placeholder resolves to itself")
	// ErrRecUnresolved is returned when an unfilled placeholder is used.
	ErrRecUnresolved = errors.New("unresolved rec placeholder")
	// ErrNilType is returned for a nil type.
	ErrNilType = errors.New("nil type")

	// ErrBadMagic is returned when the message does not start with DIDL.
	ErrBadMagic = errors.New("bad magic number")
	// ErrTruncated is returned when the message ends early.
	ErrTruncated = errors.New("truncated message")
	// ErrUnknownOpcode is returned for type opcodes outside the format.
	ErrUnknownOpcode = errors.New("unknown type opcode")
	// ErrTypeMismatch is returned when a wire type is not a subtype of the
	// expected type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrTrailingBytes is returned when bytes are left after the values.
	ErrTrailingBytes = errors.New("trailing bytes")
	// ErrTooDeep is returned when MaxDepth is exceeded.
	ErrTooDeep = errors.New("nesting too deep")
)

// EncodeError reports a value that does not match its declared type.
type EncodeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *EncodeError) Error() string {
	msg := "candid: encode"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a malformed message or one that does not match the
// expected types.
type DecodeError struct {
	Offset int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("candid: decode at offset %d: %s", e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProjectionError is returned when a value is projected to the wrong shape.
type ProjectionError struct {
	Want string
	Got  Value
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("candid: expected %s, got %T", e.Want, e.Got)
}
