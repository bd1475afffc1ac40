package tracebuf

import "errors"

var (
	// ErrBusy is returned when a reservation cannot be satisfied: the buffer
	// is full in drop mode, recording is disabled, or the boundary lock was
	// taken while reserving from NMI context. Producers are expected to
	// drop the event.
	ErrBusy = errors.New("ring buffer busy")

	// ErrAbnormalNesting means a bounded retry loop ran out. The affected
	// CPU buffer is record-disabled.
	ErrAbnormalNesting = errors.New("ring buffer: abnormal nesting")

	ErrOutOfMemory = errors.New("ring buffer: out of memory")

	// ErrCorruption reports a failed page list or record consistency check.
	// The affected CPU buffer is record-disabled.
	ErrCorruption = errors.New("ring buffer: corruption detected")

	ErrNoData       = errors.New("ring buffer: no data")
	ErrNoCPU        = errors.New("ring buffer: no such cpu")
	ErrInvalidSize  = errors.New("ring buffer: invalid size")
	ErrSizeMismatch = errors.New("ring buffer: buffer sizes differ")
	ErrCommitted    = errors.New("ring buffer: slot already committed")
	ErrCPUExists    = errors.New("ring buffer: cpu already attached")

	errAgain = errors.New("again")
)
