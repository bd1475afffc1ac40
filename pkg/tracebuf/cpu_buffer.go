package tracebuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jayanthvn/pure-tracebuf/pkg/clock"
	"github.com/jayanthvn/pure-tracebuf/pkg/pagealloc"
	logrus "github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"
)

const (
	// reserveRetryLimit bounds the page-crossing retries of one
	// reservation. A retry only happens when the tail moved under us, so a
	// task, softirq, irq and nmi writer nesting on one CPU stays far below
	// it. Hitting it means writers lapped the ring.
	reserveRetryLimit = 64

	// readerSpliceLimit bounds the reader page swap loop. Two passes are
	// normal; a third happens when the swapped-in head is the empty page a
	// previous swap left behind.
	readerSpliceLimit = 3

	// readerExtendLimit bounds consecutive time extends seen by one peek.
	readerExtendLimit = 10
)

// cpuBuffer is the per-CPU ring: a circular list of bufferPages plus one
// detached reader page. Writers on one CPU never run in parallel; they only
// nest (task, irq, nmi), so the tail page write cursor is the single word
// nested writers race on.
type cpuBuffer struct {
	cpu   int
	alloc pagealloc.Allocator
	hooks Hooks

	lock     spinLock
	readerMu sync.Mutex

	_          cpu.CacheLinePad
	tail       atomic.Int32
	commit     atomic.Int32
	writeStamp atomic.Uint64
	committing atomic.Int32
	commits    atomic.Uint32
	disabled   atomic.Int32

	// Reader side, guarded by readerMu. head moves under lock.
	_         cpu.CacheLinePad
	head      atomic.Int32
	reader    atomic.Int32
	spliced   bool
	readStamp uint64

	_             cpu.CacheLinePad
	entries       atomic.Int64
	overrun       atomic.Uint64
	dropped       atomic.Uint64
	commitOverrun atomic.Uint64
	abnormal      atomic.Uint64
	degraded      atomic.Bool
	armed         atomic.Bool

	npages atomic.Int32
	arena  atomic.Pointer[[]*bufferPage]
	free   []int32

	// interrupt, when set, runs once right after a reservation claims its
	// bytes on the tail page. It is the injection point for a nested
	// writer, standing in for an irq that fires mid-reservation.
	interrupt atomic.Pointer[func()]
}

type reservation struct {
	page   int32
	off    int
	length int
	ts     uint64
	delta  uint32
	owner  bool
}

func newCPUBuffer(id, nrPages int, alloc pagealloc.Allocator, hooks Hooks) (*cpuBuffer, error) {
	pages, err := allocPages(alloc, nrPages+1)
	if err != nil {
		return nil, fmt.Errorf("cpu %d: %w", id, err)
	}

	cb := &cpuBuffer{cpu: id, alloc: alloc, hooks: hooks}
	arena := make([]*bufferPage, nrPages+1)
	for i, dp := range pages {
		bp := &bufferPage{idx: int32(i)}
		bp.page.Store(dp)
		arena[i] = bp
	}
	for i := 0; i < nrPages; i++ {
		arena[i].next.Store(int32((i + 1) % nrPages))
		arena[i].prev.Store(int32((i + nrPages - 1) % nrPages))
	}
	rp := arena[nrPages]
	rp.next.Store(rp.idx)
	rp.prev.Store(rp.idx)

	cb.arena.Store(&arena)
	cb.reader.Store(rp.idx)
	cb.npages.Store(int32(nrPages))

	if err := cb.check(); err != nil {
		freePages(alloc, pages)
		return nil, err
	}
	return cb, nil
}

func allocPages(alloc pagealloc.Allocator, n int) ([]*dataPage, error) {
	pages := make([]*dataPage, 0, n)
	for i := 0; i < n; i++ {
		mem, err := alloc.Alloc(PageSize)
		if err == nil && len(mem) < PageSize {
			_ = alloc.Free(mem)
			err = fmt.Errorf("short block of %d bytes", len(mem))
		}
		if err != nil {
			freePages(alloc, pages)
			return nil, fmt.Errorf("%w: page %d of %d: %v", ErrOutOfMemory, i+1, n, err)
		}
		pages = append(pages, newDataPage(mem))
	}
	return pages, nil
}

func freePages(alloc pagealloc.Allocator, pages []*dataPage) {
	for _, dp := range pages {
		if err := alloc.Free(dp.mem); err != nil {
			log.Warnf("Failed to free ring buffer page: %v", err)
		}
	}
}

func (cb *cpuBuffer) page(i int32) *bufferPage {
	return (*cb.arena.Load())[i]
}

// release frees every page, ring and reader. The buffer must be quiesced.
func (cb *cpuBuffer) release() {
	for _, bp := range *cb.arena.Load() {
		if bp != nil {
			freePages(cb.alloc, []*dataPage{bp.dp()})
		}
	}
	empty := []*bufferPage{}
	cb.arena.Store(&empty)
}

// fail degrades the buffer: recording is disabled once and a diagnostic
// raised, but nothing panics.
func (cb *cpuBuffer) fail(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	cb.abnormal.Add(1)
	if cb.degraded.CompareAndSwap(false, true) {
		cb.disabled.Add(1)
		log.WithFields(logrus.Fields{"cpu": cb.cpu, "error": err.Error()}).Errorf("Disabling ring buffer: %s", msg)
		if cb.hooks != nil {
			cb.hooks.Abnormal(cb.cpu, err)
		}
	}
	return fmt.Errorf("%w: cpu %d: %s", err, cb.cpu, msg)
}

// flag counts an abnormal event that the writer survives and reports it to
// the hooks. Recording stays enabled.
func (cb *cpuBuffer) flag(err error) {
	cb.abnormal.Add(1)
	if cb.hooks != nil {
		cb.hooks.Abnormal(cb.cpu, err)
	}
}

func (cb *cpuBuffer) startCommit() {
	cb.committing.Add(1)
	cb.commits.Add(1)
}

// endCommit publishes once the outermost writer finishes. Nested writers
// finish before the writer they interrupted, so the last one out can
// publish everything up to the tail.
func (cb *cpuBuffer) endCommit() {
	for {
		commits := cb.commits.Load()
		if cb.committing.Load() == 1 {
			cb.setCommitToWrite()
		}
		cb.committing.Add(-1)
		if cb.commits.Load() == commits || cb.committing.Load() != 0 {
			return
		}
		// a writer slipped in after we published; publish its work too
		cb.committing.Add(1)
	}
}

// setCommitToWrite walks the commit page forward to the tail, publishing
// each page's write cursor. It is idempotent and safe to re-run.
func (cb *cpuBuffer) setCommitToWrite() {
	for {
		for cb.commit.Load() != cb.tail.Load() {
			cp := cb.page(cb.commit.Load())
			cp.dp().commit.Store(clampWrite(cp.write.Load()))
			next := cp.next.Load()
			cb.commit.Store(next)
			cb.writeStamp.Store(cb.page(next).dp().stamp.Load())
		}
		cp := cb.page(cb.commit.Load())
		for {
			w := clampWrite(cp.write.Load())
			if cp.dp().commit.Load() == w {
				break
			}
			cp.dp().commit.Store(w)
		}
		// a nested writer may have moved the tail after the first loop
		if cb.commit.Load() == cb.tail.Load() {
			return
		}
	}
}

// setCommitEvent publishes everything before r and makes r the commit
// owner. Used after a time extend took the commit.
func (cb *cpuBuffer) setCommitEvent(r reservation) {
	for cb.commit.Load() != r.page {
		cp := cb.page(cb.commit.Load())
		cp.dp().commit.Store(clampWrite(cp.write.Load()))
		next := cp.next.Load()
		cb.commit.Store(next)
		cb.writeStamp.Store(cb.page(next).dp().stamp.Load())
	}
	cb.page(r.page).dp().commit.Store(int64(r.off))
}

// isCommit reports whether r sits exactly at the commit point, meaning
// no earlier writer is still in flight.
func (cb *cpuBuffer) isCommit(r reservation) bool {
	return cb.commit.Load() == r.page && cb.page(r.page).dp().commit.Load() == int64(r.off)
}

// atCommitPoint reports whether the next reservation would own the commit
// and whether it would be the first record on its page.
func (cb *cpuBuffer) atCommitPoint() (owner, first bool) {
	t := cb.tail.Load()
	if t != cb.commit.Load() {
		return false, false
	}
	tp := cb.page(t)
	w := tp.write.Load()
	return w == tp.dp().commit.Load(), w == 0
}

// reserve claims room for a data record with an n byte payload and writes
// its header. The returned slice is the payload area.
func (cb *cpuBuffer) reserve(origin Origin, overwrite bool, clk clock.Clock, n int) (reservation, []byte, error) {
	cb.startCommit()
	r, err := cb.reserveNext(origin, overwrite, clk, dataLength(n))
	if err != nil {
		cb.endCommit()
		if errors.Is(err, ErrBusy) {
			cb.dropped.Add(1)
			if cb.hooks != nil {
				cb.hooks.Dropped(cb.cpu)
			}
		}
		return reservation{}, nil, err
	}
	payload := putData(cb.page(r.page).dp().data, r.off, n, r.delta)
	return r, payload, nil
}

func (cb *cpuBuffer) commitReservation(r reservation) {
	cb.entries.Add(1)
	if r.owner && cb.isCommit(r) {
		cb.writeStamp.Store(r.ts)
	}
	cb.endCommit()
}

func (cb *cpuBuffer) discardReservation(r reservation) {
	putDiscarded(cb.page(r.page).dp().data, r.off, r.length)
	// the page base already absorbed this record's time
	if r.owner && r.off == 0 && cb.isCommit(r) {
		cb.writeStamp.Store(r.ts)
	}
	cb.endCommit()
}

func (cb *cpuBuffer) reserveNext(origin Origin, overwrite bool, clk clock.Clock, length int) (reservation, error) {
	extended := false
	for loops := 0; ; loops++ {
		if loops >= reserveRetryLimit {
			if extended {
				cb.setCommitToWrite()
			}
			return reservation{}, cb.fail(ErrAbnormalNesting, "reservation retried %d times", loops)
		}

		ts := clk.Now()
		var delta uint64
		if owner, first := cb.atCommitPoint(); !extended && owner && !first {
			if ws := cb.writeStamp.Load(); ts > ws {
				delta = ts - ws
			}
			if delta > tsMask {
				took, err := cb.addTimeExtend(origin, overwrite, ts, delta)
				if err == errAgain {
					continue
				}
				if err != nil {
					return reservation{}, err
				}
				extended = took
				delta = 0
			}
		}

		r, err := cb.reserveAt(origin, overwrite, length, ts)
		if err == errAgain {
			continue
		}
		if err != nil {
			if extended {
				// the extend holds the commit; publish it before bailing
				cb.setCommitToWrite()
			}
			return reservation{}, err
		}

		r.ts = ts
		switch {
		case extended:
			cb.setCommitEvent(r)
			r.owner = true
			delta = 0
		case cb.isCommit(r):
			r.owner = true
		default:
			delta = 0
		}
		if r.owner && r.off == 0 {
			cb.page(r.page).dp().stamp.Store(ts)
			delta = 0
		}
		r.delta = uint32(delta)
		return r, nil
	}
}

// addTimeExtend reserves a time extend record carrying delta. It reports
// whether the extend landed on the commit point; if not, another writer got
// there first and the extend is written as zero.
func (cb *cpuBuffer) addTimeExtend(origin Origin, overwrite bool, ts, delta uint64) (bool, error) {
	r, err := cb.reserveAt(origin, overwrite, timeExtendLen, ts)
	if err != nil {
		return false, err
	}
	data := cb.page(r.page).dp().data
	if !cb.isCommit(r) {
		putTimeExtend(data, r.off, 0)
		return false, nil
	}
	if r.off == 0 {
		cb.page(r.page).dp().stamp.Store(ts)
		putTimeExtend(data, r.off, 0)
	} else {
		putTimeExtend(data, r.off, delta)
	}
	cb.writeStamp.Store(ts)
	return true, nil
}

// reserveAt is the lock-free fast path: claim length bytes on the tail page
// with one atomic add. Only when that runs off the page does it fall back
// to crossPage.
func (cb *cpuBuffer) reserveAt(origin Origin, overwrite bool, length int, ts uint64) (reservation, error) {
	tailIdx := cb.tail.Load()
	tp := cb.page(tailIdx)
	write := tp.write.Add(int64(length))
	off := write - int64(length)

	if hook := cb.interrupt.Load(); hook != nil && cb.interrupt.CompareAndSwap(hook, nil) {
		(*hook)()
	}

	if write <= PageCapacity {
		return reservation{page: tailIdx, off: int(off), length: length}, nil
	}
	return reservation{}, cb.crossPage(origin, overwrite, tailIdx, tp, off, write, ts)
}

// abandon gives back a reservation that ran off the page. The padding
// marks the page end for readers in case a nested writer already pushed
// the cursor further and the reset loses.
func (cb *cpuBuffer) abandon(tp *bufferPage, off, write int64) {
	if off < PageCapacity {
		putNullPadding(tp.dp().data, int(off))
	}
	if off <= PageCapacity {
		tp.write.CompareAndSwap(write, off)
	}
}

func (cb *cpuBuffer) crossPage(origin Origin, overwrite bool, tailIdx int32, tp *bufferPage, off, write int64, ts uint64) error {
	if origin == OriginNMI {
		if !cb.lock.TryLock() {
			cb.abandon(tp, off, write)
			return ErrBusy
		}
	} else {
		cb.lock.Lock()
	}
	defer cb.lock.Unlock()

	nextIdx := tp.next.Load()
	next := cb.page(nextIdx)

	if nextIdx == cb.reader.Load() {
		cb.abandon(tp, off, write)
		return cb.fail(ErrCorruption, "tail page %d links to the reader page", tailIdx)
	}

	// A storm of nested writers lapped the ring and caught up with the
	// oldest unfinished write.
	if nextIdx == cb.commit.Load() {
		cb.commitOverrun.Add(1)
		cb.abandon(tp, off, write)
		cb.flag(ErrAbnormalNesting)
		return ErrBusy
	}

	if nextIdx == cb.head.Load() && tailIdx == cb.tail.Load() {
		switch {
		case next.write.Load() == 0 && next.size() == 0:
			// An empty head is the page a reader swap put back while the
			// writer sat on the old head. It holds nothing to lose, and the
			// oldest data is on the page after it.
			cb.head.Store(next.next.Load())
		case !overwrite:
			cb.abandon(tp, off, write)
			return ErrBusy
		default:
			cb.overflowHead()
		}
	}

	// Only the writer that still sees the old tail moves it.
	if tailIdx == cb.tail.Load() {
		next.write.Store(0)
		next.dp().commit.Store(0)
		next.dp().stamp.Store(ts)
		cb.tail.Store(nextIdx)
	}

	cb.abandon(tp, off, write)

	if tailIdx == cb.commit.Load() && int64(off) == tp.dp().commit.Load() && cb.committing.Load() == 1 {
		cb.setCommitToWrite()
	}
	return errAgain
}

// overflowHead retires the oldest page in overwrite mode. Called with lock
// held.
func (cb *cpuBuffer) overflowHead() {
	hp := cb.page(cb.head.Load())
	n := countData(hp.dp().data, hp.size())
	cb.overrun.Add(n)
	cb.entries.Add(-int64(n))
	cb.head.Store(hp.next.Load())
	if cb.hooks != nil && n > 0 {
		cb.hooks.Overrun(cb.cpu, n)
	}
}

func countData(b []byte, size int) uint64 {
	var n uint64
	for off := 0; off < size; {
		r, ok := decodeRecord(b, off, size)
		if !ok || r.nullPadding() {
			break
		}
		if r.typ == TypeData {
			n++
		}
		off += r.length
	}
	return n
}

// check walks the ring from head and verifies every link pair and the page
// count. Callers hold the reader lock or own the buffer outright.
func (cb *cpuBuffer) check() error {
	want := int(cb.npages.Load())
	start := cb.head.Load()
	if start == cb.reader.Load() {
		return cb.fail(ErrCorruption, "head is the detached reader page")
	}
	idx := start
	for i := 0; i < want; i++ {
		p := cb.page(idx)
		if p == nil {
			return cb.fail(ErrCorruption, "page %d missing from arena", idx)
		}
		next := cb.page(p.next.Load())
		prev := cb.page(p.prev.Load())
		if next == nil || prev == nil || next.prev.Load() != idx || prev.next.Load() != idx {
			return cb.fail(ErrCorruption, "broken links at page %d", idx)
		}
		idx = p.next.Load()
		if idx == start && i != want-1 {
			return cb.fail(ErrCorruption, "ring has %d pages, want %d", i+1, want)
		}
	}
	if idx != start {
		return cb.fail(ErrCorruption, "ring longer than %d pages", want)
	}
	return nil
}

// reset empties the buffer. The caller has quiesced writers and holds
// readerMu.
func (cb *cpuBuffer) reset() {
	cb.lock.Lock()
	defer cb.lock.Unlock()

	head := cb.head.Load()
	idx := head
	for i := int32(0); i < cb.npages.Load(); i++ {
		p := cb.page(idx)
		p.reset()
		idx = p.next.Load()
	}
	rp := cb.page(cb.reader.Load())
	rp.reset()
	if cb.tail.Load() == rp.idx {
		// the tail rode out on the reader page; nothing else links to it
		rp.next.Store(rp.idx)
		rp.prev.Store(rp.idx)
	}
	cb.head.Store(head)
	cb.tail.Store(head)
	cb.commit.Store(head)
	cb.spliced = false
	cb.readStamp = 0
	cb.writeStamp.Store(0)
	cb.entries.Store(0)
	cb.overrun.Store(0)
	cb.dropped.Store(0)
	cb.commitOverrun.Store(0)
}
