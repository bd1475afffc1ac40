package tracebuf

// Iterator walks one CPU buffer without consuming it. Recording on that
// CPU is disabled from IteratorStart until Finish, so the pages it walks
// hold still.
type Iterator struct {
	cb    *cpuBuffer
	page  int32
	off   int
	stamp uint64
	done  bool
}

// Reset rewinds the iterator to the oldest unread record.
func (it *Iterator) Reset() {
	it.cb.readerMu.Lock()
	defer it.cb.readerMu.Unlock()
	it.reset()
}

func (it *Iterator) reset() {
	cb := it.cb
	if cb.spliced {
		rp := cb.page(cb.reader.Load())
		it.page, it.off = rp.idx, rp.read
	} else {
		hp := cb.page(cb.head.Load())
		it.page, it.off = hp.idx, hp.read
	}
	if it.off > 0 {
		it.stamp = cb.readStamp
	} else {
		it.stamp = cb.page(it.page).dp().stamp.Load()
	}
}

// Next returns the next record and advances the iterator. ErrNoData means
// the iterator reached the commit point.
func (it *Iterator) Next() (Event, error) {
	return it.read(true)
}

// Peek returns the record Next would return.
func (it *Iterator) Peek() (Event, error) {
	return it.read(false)
}

func (it *Iterator) read(advance bool) (Event, error) {
	if it.done {
		return Event{}, ErrNoData
	}
	cb := it.cb
	cb.readerMu.Lock()
	defer cb.readerMu.Unlock()

	for visited := int32(0); ; {
		p := cb.page(it.page)
		size := p.size()
		if it.off >= size {
			if it.page == cb.commit.Load() {
				return Event{}, ErrNoData
			}
			if visited++; visited > cb.npages.Load()+1 {
				return Event{}, cb.fail(ErrCorruption, "iterator did not reach the commit page")
			}
			it.next(p)
			continue
		}

		r, ok := decodeRecord(p.dp().data, it.off, size)
		if !ok {
			return Event{}, cb.fail(ErrCorruption, "bad record at iterator offset %d", it.off)
		}
		switch r.typ {
		case TypeTimeExtend:
			it.stamp += r.extend
		case TypeData:
			ts := it.stamp + uint64(r.delta)
			ev := Event{CPU: cb.cpu, Timestamp: ts, Data: append([]byte(nil), r.payload...)}
			if advance {
				it.stamp = ts
				it.off += r.length
			}
			return ev, nil
		}
		it.off += r.length
	}
}

func (it *Iterator) next(p *bufferPage) {
	cb := it.cb
	// the reader page is followed by whatever is oldest in the ring
	if p.idx == cb.reader.Load() {
		it.page = cb.head.Load()
	} else {
		it.page = p.next.Load()
	}
	it.off = 0
	it.stamp = cb.page(it.page).dp().stamp.Load()
}

// Finish re-enables recording on the iterated CPU.
func (it *Iterator) Finish() {
	if it.done {
		return
	}
	it.done = true
	it.cb.disabled.Add(-1)
}
