package tracebuf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/jayanthvn/pure-tracebuf/pkg/pagealloc"
)

// dataPage is one PageSize block: a 16 byte header (base timestamp,
// committed bytes) followed by PageCapacity bytes of packed records. The
// header fields live in atomics while the page is in use and are written
// into mem only when the page is exported.
type dataPage struct {
	stamp  atomic.Uint64
	commit atomic.Int64
	mem    []byte
	data   []byte
}

func newDataPage(mem []byte) *dataPage {
	return &dataPage{mem: mem, data: mem[pageHeaderSize:PageSize]}
}

func (dp *dataPage) reset() {
	dp.stamp.Store(0)
	dp.commit.Store(0)
}

// bufferPage is the ring metadata wrapped around a dataPage. Pages are
// linked by arena index, never by pointer.
type bufferPage struct {
	idx   int32
	write atomic.Int64 // producer cursor; may run past PageCapacity while a reservation fails
	read  int          // owned by the reader holding the page
	next  atomic.Int32
	prev  atomic.Int32
	page  atomic.Pointer[dataPage]
}

func (bp *bufferPage) dp() *dataPage {
	return bp.page.Load()
}

// size is the number of committed bytes readable on this page.
func (bp *bufferPage) size() int {
	return int(bp.dp().commit.Load())
}

func (bp *bufferPage) reset() {
	bp.write.Store(0)
	bp.read = 0
	bp.dp().reset()
}

func clampWrite(w int64) int64 {
	if w > PageCapacity {
		return PageCapacity
	}
	return w
}

// Page is a standalone page used for bulk extraction. Ownership of the
// underlying block moves between the caller and the ring on every
// zero-copy ExtractPage.
type Page struct {
	dp    *dataPage
	alloc pagealloc.Allocator
}

// Timestamp is the absolute time the first record's delta is relative to.
func (p *Page) Timestamp() uint64 {
	return p.dp.stamp.Load()
}

// Len returns the number of committed record bytes.
func (p *Page) Len() int {
	return int(p.dp.commit.Load())
}

// Data returns the committed record bytes.
func (p *Page) Data() []byte {
	return p.dp.data[:p.Len()]
}

// Bytes renders the page in its raw PageSize wire layout.
func (p *Page) Bytes() []byte {
	binary.LittleEndian.PutUint64(p.dp.mem[0:8], p.dp.stamp.Load())
	binary.LittleEndian.PutUint64(p.dp.mem[8:16], uint64(p.dp.commit.Load()))
	return p.dp.mem[:PageSize]
}

// Each walks the data records on the page in order, reconstructing
// absolute timestamps. It stops early when fn returns false.
func (p *Page) Each(fn func(ts uint64, data []byte) bool) error {
	return walkRecords(p.dp.data, p.Len(), p.Timestamp(), fn)
}

// ParsePage decodes a raw page produced by Page.Bytes.
func ParsePage(raw []byte) (*Page, error) {
	if len(raw) < PageSize {
		return nil, fmt.Errorf("%w: short page of %d bytes", ErrInvalidSize, len(raw))
	}
	commit := binary.LittleEndian.Uint64(raw[8:16])
	if commit > PageCapacity {
		return nil, fmt.Errorf("%w: commit %d exceeds page capacity", ErrCorruption, commit)
	}
	mem := make([]byte, PageSize)
	copy(mem, raw)
	dp := newDataPage(mem)
	dp.stamp.Store(binary.LittleEndian.Uint64(raw[0:8]))
	dp.commit.Store(int64(commit))
	return &Page{dp: dp}, nil
}

func walkRecords(b []byte, size int, stamp uint64, fn func(ts uint64, data []byte) bool) error {
	for off := 0; off < size; {
		r, ok := decodeRecord(b, off, size)
		if !ok {
			return fmt.Errorf("%w: bad record at offset %d", ErrCorruption, off)
		}
		switch r.typ {
		case TypeTimeExtend:
			stamp += r.extend
		case TypeData:
			stamp += uint64(r.delta)
			if !fn(stamp, r.payload) {
				return nil
			}
		}
		if r.nullPadding() {
			return nil
		}
		off += r.length
	}
	return nil
}
