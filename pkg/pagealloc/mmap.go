//go:build unix

package pagealloc

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mmap backs every block with its own anonymous private mapping, keeping
// trace pages out of the Go heap and off the GC's scan path.
type Mmap struct {
	live atomic.Int64
}

func NewMmap() *Mmap {
	return &Mmap{}
}

func (m *Mmap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("can't mmap %d bytes: %w", size, err)
	}
	m.live.Add(1)
	return mem, nil
}

func (m *Mmap) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	m.live.Add(-1)
	return nil
}

func (m *Mmap) Live() int64 {
	return m.live.Load()
}
