package tracebuf

import "github.com/jayanthvn/pure-tracebuf/pkg/pagealloc"

// readerPage returns the page the reader should read from, swapping the
// used-up reader page with the ring's head page when needed. It returns nil
// when there is nothing committed to read. Caller holds readerMu.
func (cb *cpuBuffer) readerPage() (*bufferPage, error) {
	for loops := 0; ; loops++ {
		if loops >= readerSpliceLimit {
			return nil, cb.fail(ErrAbnormalNesting, "reader page swap looped %d times", loops)
		}

		rp := cb.page(cb.reader.Load())
		size := rp.size()
		if rp.read < size {
			return rp, nil
		}
		if rp.read > size {
			return nil, cb.fail(ErrCorruption, "reader offset %d past committed %d", rp.read, size)
		}
		// the writer is still on the page we hold
		if cb.commit.Load() == rp.idx {
			return nil, nil
		}
		if err := cb.splice(rp); err != nil {
			return nil, err
		}
	}
}

// splice puts the used-up reader page into the ring in place of the head
// page and takes the head page for reading.
func (cb *cpuBuffer) splice(rp *bufferPage) error {
	cb.lock.Lock()
	defer cb.lock.Unlock()

	head := cb.page(cb.head.Load())
	if head.idx == rp.idx {
		return cb.fail(ErrCorruption, "reader page %d is linked as head", rp.idx)
	}
	prev := cb.page(head.prev.Load())
	next := cb.page(head.next.Load())

	rp.reset()
	rp.next.Store(next.idx)
	rp.prev.Store(prev.idx)
	prev.next.Store(rp.idx)
	next.prev.Store(rp.idx)

	// If the writer is still on the old head, the empty page we just put
	// back is now the oldest in the ring. Otherwise the oldest is the page
	// after it.
	if cb.commit.Load() == head.idx {
		cb.head.Store(rp.idx)
	} else {
		cb.head.Store(next.idx)
	}
	cb.reader.Store(head.idx)
	head.read = 0
	cb.spliced = true
	return nil
}

func (cb *cpuBuffer) syncReadStamp(rp *bufferPage) {
	if rp.read == 0 {
		cb.readStamp = rp.dp().stamp.Load()
	}
}

// peek returns the next data record and its absolute timestamp without
// consuming it. Padding and time extends in front of it are consumed.
func (cb *cpuBuffer) peek() (*bufferPage, record, uint64, error) {
	extends := 0
	for {
		rp, err := cb.readerPage()
		if err != nil {
			return nil, record{}, 0, err
		}
		if rp == nil {
			return nil, record{}, 0, ErrNoData
		}
		cb.syncReadStamp(rp)

		r, ok := decodeRecord(rp.dp().data, rp.read, rp.size())
		if !ok {
			return nil, record{}, 0, cb.fail(ErrCorruption, "bad record at reader offset %d", rp.read)
		}
		switch r.typ {
		case TypeData:
			return rp, r, cb.readStamp + uint64(r.delta), nil
		case TypeTimeExtend:
			if extends++; extends > readerExtendLimit {
				return nil, record{}, 0, cb.fail(ErrAbnormalNesting, "%d time extends in a row", extends)
			}
		}
		cb.advance(rp, r)
	}
}

func (cb *cpuBuffer) advance(rp *bufferPage, r record) {
	switch r.typ {
	case TypeTimeExtend:
		cb.readStamp += r.extend
	case TypeData:
		cb.readStamp += uint64(r.delta)
		cb.entries.Add(-1)
	}
	rp.read += r.length
}

func (cb *cpuBuffer) consume() (record, uint64, error) {
	rp, r, ts, err := cb.peek()
	if err != nil {
		return record{}, 0, err
	}
	cb.advance(rp, r)
	return r, ts, nil
}

// extract moves committed records from the reader page into dst. A fully
// committed, unread page is handed over whole by exchanging blocks with
// dst; anything else is copied record by record.
func (cb *cpuBuffer) extract(dst *Page, alloc pagealloc.Allocator, maxLen int, full bool) (int, error) {
	rp, err := cb.readerPage()
	if err != nil {
		return 0, err
	}
	if rp == nil {
		return 0, ErrNoData
	}
	cb.syncReadStamp(rp)

	size := rp.size()
	remaining := size - rp.read
	if rp.read > 0 || maxLen < remaining || rp.idx == cb.commit.Load() || dst.alloc != alloc {
		if full {
			return 0, ErrNoData
		}
		return cb.copyOut(rp, dst, maxLen)
	}

	out := rp.dp()
	n := countData(out.data, size)

	in := dst.dp
	in.reset()
	rp.page.Store(in)
	rp.write.Store(0)
	rp.read = 0
	dst.dp = out
	cb.entries.Add(-int64(n))
	return size, nil
}

func (cb *cpuBuffer) copyOut(rp *bufferPage, dst *Page, maxLen int) (int, error) {
	src := rp.dp().data
	size := rp.size()
	if maxLen > size-rp.read {
		maxLen = size - rp.read
	}

	stamp := cb.readStamp
	pos := 0
	for rp.read < size {
		n, ok := tsLength(src, rp.read, size)
		if !ok {
			return 0, cb.fail(ErrCorruption, "bad record at reader offset %d", rp.read)
		}
		if pos+n > maxLen {
			break
		}
		copy(dst.dp.data[pos:], src[rp.read:rp.read+n])
		for end := rp.read + n; rp.read < end; {
			r, _ := decodeRecord(src, rp.read, size)
			cb.advance(rp, r)
		}
		pos += n
	}
	if pos == 0 {
		return 0, ErrNoData
	}
	dst.dp.stamp.Store(stamp)
	dst.dp.commit.Store(int64(pos))
	return pos, nil
}
