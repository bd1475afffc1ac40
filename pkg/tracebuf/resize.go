package tracebuf

import (
	"fmt"
)

// Resize changes the per-CPU size of every buffer and returns the new size
// in bytes. Growth allocates every CPU's pages before touching any ring, so
// a failed allocation leaves all buffers as they were. Shrinking only takes
// pages that hold no unread data; if any CPU lacks enough of them nothing
// changes and ErrOutOfMemory is returned.
func (rb *RingBuffer) Resize(size int) (uint64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	cur := int(rb.npages.Load())
	nr := pagesFor(size)
	if nr == cur {
		return rb.SizeBytes(), nil
	}

	slots := rb.sortedSlots()
	var err error
	if nr > cur {
		err = rb.grow(slots, nr-cur)
	} else {
		err = rb.shrink(slots, cur-nr)
	}
	if err != nil {
		log.Errorf("Failed to resize ring buffer from %d to %d pages: %v", cur, nr, err)
		return rb.SizeBytes(), err
	}
	rb.npages.Store(int32(nr))
	log.Infof("Resized ring buffer from %d to %d pages per cpu", cur, nr)
	return rb.SizeBytes(), nil
}

func (rb *RingBuffer) grow(slots []*cpuSlot, add int) error {
	fresh := make([][]*dataPage, len(slots))
	for i, s := range slots {
		pages, err := allocPages(rb.alloc, add)
		if err != nil {
			for _, done := range fresh[:i] {
				freePages(rb.alloc, done)
			}
			return fmt.Errorf("cpu %d: %w", s.id, err)
		}
		fresh[i] = pages
	}

	for i, s := range slots {
		cb := s.buf.Load()
		done := quiesce(s, cb)
		cb.readerMu.Lock()
		cb.lock.Lock()
		cb.insertPages(fresh[i])
		cb.lock.Unlock()
		err := cb.check()
		cb.readerMu.Unlock()
		done()
		if err != nil {
			return err
		}
	}
	return nil
}

// insertPages links pages in right after the tail, where the writer will
// reach them before it reaches any unread data. Caller holds both locks.
func (cb *cpuBuffer) insertPages(pages []*dataPage) {
	old := *cb.arena.Load()
	arena := make([]*bufferPage, len(old), len(old)+len(pages))
	copy(arena, old)

	idxs := make([]int32, 0, len(pages))
	for _, dp := range pages {
		var idx int32
		if n := len(cb.free); n > 0 {
			idx = cb.free[n-1]
			cb.free = cb.free[:n-1]
		} else {
			idx = int32(len(arena))
			arena = append(arena, nil)
		}
		bp := &bufferPage{idx: idx}
		bp.page.Store(dp)
		arena[idx] = bp
		idxs = append(idxs, idx)
	}

	tail := arena[cb.tail.Load()]
	after := tail.next.Load()
	prev := tail.idx
	// a tail riding on the reader page is not in the ring; link the new
	// pages to the ring page before its successor instead
	if tail.idx == cb.reader.Load() {
		prev = arena[after].prev.Load()
		tail.next.Store(idxs[0])
	}
	for _, idx := range idxs {
		arena[idx].prev.Store(prev)
		arena[prev].next.Store(idx)
		prev = idx
	}
	arena[prev].next.Store(after)
	arena[after].prev.Store(prev)

	cb.arena.Store(&arena)
	cb.npages.Add(int32(len(pages)))
}

func (rb *RingBuffer) shrink(slots []*cpuSlot, remove int) error {
	type held struct {
		s    *cpuSlot
		cb   *cpuBuffer
		done func()
	}
	locked := make([]held, 0, len(slots))
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			h := locked[i]
			h.cb.lock.Unlock()
			h.cb.readerMu.Unlock()
			h.done()
		}
	}()

	for _, s := range slots {
		cb := s.buf.Load()
		done := quiesce(s, cb)
		cb.readerMu.Lock()
		cb.lock.Lock()
		locked = append(locked, held{s: s, cb: cb, done: done})
	}

	for _, h := range locked {
		if free := h.cb.freePages(); free < remove {
			return fmt.Errorf("%w: cpu %d has %d free pages, shrinking needs %d", ErrOutOfMemory, h.s.id, free, remove)
		}
	}
	for _, h := range locked {
		h.cb.removePages(remove)
		if err := h.cb.check(); err != nil {
			return err
		}
	}
	return nil
}

// freePages counts ring pages that hold no unread data: those after the
// tail up to, but not including, the head.
func (cb *cpuBuffer) freePages() int {
	head := cb.head.Load()
	tail := cb.tail.Load()
	n := 0
	for idx := cb.page(tail).next.Load(); idx != head && idx != tail; idx = cb.page(idx).next.Load() {
		n++
		if n > int(cb.npages.Load()) {
			break
		}
	}
	return n
}

// removePages unlinks n free pages working back from the head. Caller holds
// both locks and has checked freePages.
func (cb *cpuBuffer) removePages(n int) {
	old := *cb.arena.Load()
	arena := make([]*bufferPage, len(old))
	copy(arena, old)

	head := arena[cb.head.Load()]
	idx := head.prev.Load()
	var gone []*dataPage
	for i := 0; i < n; i++ {
		bp := arena[idx]
		gone = append(gone, bp.dp())
		arena[idx] = nil
		cb.free = append(cb.free, idx)
		idx = bp.prev.Load()
	}
	arena[idx].next.Store(head.idx)
	head.prev.Store(idx)
	if t := cb.page(cb.tail.Load()); t.idx == cb.reader.Load() && arena[t.next.Load()] == nil {
		t.next.Store(head.idx)
	}

	cb.arena.Store(&arena)
	cb.npages.Add(-int32(n))
	freePages(cb.alloc, gone)
}
