package pcsc

import (
	"errors"
	"fmt"
)

// maxNegotiationRounds bounds how often the owning variants grow their
// buffer before giving up.
const maxNegotiationRounds = 2

// BufferError is returned by the size-aware variants when the caller's
// buffer was too small. Required is the size the resource manager asked
// for.
type BufferError struct {
	Required int
	Err      *Error
}

func (e *BufferError) Error() string {
	return fmt.Sprintf("%v (need %d bytes)", e.Err, e.Required)
}

func (e *BufferError) Unwrap() error { return e.Err }

// IsInsufficientBuffer reports whether err is an insufficient-buffer
// failure and, for size-aware errors, the required size.
func IsInsufficientBuffer(err error) (int, bool) {
	var be *BufferError
	if errors.As(err, &be) {
		return be.Required, true
	}
	return 0, errors.Is(err, ErrInsufficientBuffer)
}

// fillFunc is a single native call writing into buf.
type fillFunc func(buf []byte) (int, ReturnCode)

// fill runs f once on a caller buffer and reports the result.
func fill(buf []byte, f fillFunc) (int, error) {
	if buf == nil {
		buf = []byte{}
	}
	n, rc := f(buf)
	if rc != Success {
		return n, Decode(rc)
	}
	if n < 0 || n > len(buf) {
		return 0, ErrDriverLength
	}
	return n, nil
}

// fillSized is fill that turns insufficient-buffer failures into
// *BufferError.
func fillSized(buf []byte, f fillFunc) (int, error) {
	n, err := fill(buf, f)
	if err == nil {
		return n, nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe.kind == KindInsufficientBuffer {
		return 0, &BufferError{Required: n, Err: pe}
	}
	return 0, err
}

// negotiate implements the owning mode: a first attempt with a heuristic
// size, then at most maxNegotiationRounds attempts with the size the
// native side reported.
func negotiate(initial int, f fillFunc) ([]byte, error) {
	buf := make([]byte, initial)
	for round := 0; ; round++ {
		n, err := fillSized(buf, f)
		if err == nil {
			return buf[:n], nil
		}
		var be *BufferError
		if !errors.As(err, &be) || round >= maxNegotiationRounds || be.Required <= len(buf) {
			return nil, err
		}
		buf = make([]byte, be.Required)
	}
}
