package decoder

import "errors"

var (
	// ErrFormat marks a corrupt or incompatible stream: bad magic,
	// unexpected opcode, relocation-kind mismatch, synchronize-count
	// mismatch, under- or over-filled region. Never recoverable; the
	// destination heap is unspecified once any allocation happened.
	ErrFormat = errors.New("snapshot: format violation")

	// ErrConfig marks a caller error rather than a corrupt snapshot:
	// the stream needs an embedder table the caller never supplied.
	ErrConfig = errors.New("snapshot: configuration mismatch")

	// ErrExhausted marks an undersized reservation or a failed
	// backing-store allocation.
	ErrExhausted = errors.New("snapshot: resource exhaustion")

	// ErrUnreachable marks an opcode the current serializer never
	// emits: a producer defect, not a recoverable condition.
	ErrUnreachable = errors.New("snapshot: unreachable opcode")
)
