package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted marks a journal file that can no longer be parsed.
	ErrCorrupted = errors.New("journal corrupted")

	// ErrClosed is returned when a closed journal is used.
	ErrClosed = errors.New("journal closed")
)

// ChecksumError reports a record whose stored checksum does not match its
// content.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal checksum mismatch at seq %d: expected %08x, got %08x",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrCorrupted
}
