// Package pagealloc hands out the fixed-size memory blocks backing ring
// buffer pages.
package pagealloc

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

var ErrInvalidSize = errors.New("pagealloc: invalid block size")

// Allocator is the page source used by the ring buffer. Alloc returns a
// zeroed block of exactly size bytes. Free returns a block obtained from the
// same allocator.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte) error
}

// Heap allocates blocks on the Go heap. Limit, when non-zero, caps the number
// of live blocks so callers can model memory pressure.
type Heap struct {
	Limit int64
	live  atomic.Int64
}

func NewHeap() *Heap {
	return &Heap{}
}

func (h *Heap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if n := h.live.Add(1); h.Limit > 0 && n > h.Limit {
		h.live.Add(-1)
		return nil, fmt.Errorf("heap allocator limit %d reached", h.Limit)
	}
	return make([]byte, size), nil
}

func (h *Heap) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	h.live.Add(-1)
	return nil
}

// Live reports the number of blocks handed out and not yet freed.
func (h *Heap) Live() int64 {
	return h.live.Load()
}

// PageSize is the OS page size, the natural block size for Mmap.
func PageSize() int {
	return os.Getpagesize()
}
