package midx

import (
	"errors"
	"fmt"
	"unsafe"
)

var hostLittle = func() bool {
	var i uint16 = 1
	return *(*byte)(unsafe.Pointer(&i)) == 1
}()

var (
	// ErrNotFound reports that no object matched the requested identifier
	// or prefix. It is a normal lookup outcome, not a corruption signal.
	ErrNotFound = errors.New("object not found in multi-pack index")

	// ErrAmbiguous reports that an abbreviated identifier matched more than
	// one object in the index.
	ErrAmbiguous = errors.New("found multiple offsets for multi-pack index entry")

	// ErrInvalidFormat is wrapped by every structural violation detected
	// while parsing a multi-pack-index file. Callers use errors.Is to
	// distinguish permanent format damage from transient I/O failures.
	ErrInvalidFormat = errors.New("invalid multi-pack-index file")
)

// invalidFormat builds the canonical "invalid multi-pack-index file - …"
// error for the given detail, unwrapping to ErrInvalidFormat.
func invalidFormat(detail string) error {
	return fmt.Errorf("%w - %s", ErrInvalidFormat, detail)
}
