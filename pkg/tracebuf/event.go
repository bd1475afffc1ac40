package tracebuf

import "encoding/binary"

// Page and record geometry. The layout is fixed so raw page dumps stay
// readable by existing consumers.
const (
	PageSize       = 4096
	pageHeaderSize = 16
	PageCapacity   = PageSize - pageHeaderSize

	eventHeaderSize = 4
	eventAlignment  = 4
	maxSmallData    = 28

	// MaxPayload is the largest payload a single record can carry.
	MaxPayload = PageCapacity - eventHeaderSize - 4

	tsShift = 27
	tsMask  = 1<<tsShift - 1

	timeExtendLen = 8
	timeStampLen  = 16
)

// EventType is the two-bit record kind stored in every event header.
type EventType uint32

const (
	TypePadding EventType = iota
	TypeTimeExtend
	TypeTimeStamp
	TypeData
)

func (t EventType) String() string {
	switch t {
	case TypePadding:
		return "padding"
	case TypeTimeExtend:
		return "time_extend"
	case TypeTimeStamp:
		return "time_stamp"
	case TypeData:
		return "data"
	}
	return "unknown"
}

// Event header word, little endian:
//
//	bits 0-1   type
//	bits 2-4   len (payload length in 4-byte words, 0 = length word follows)
//	bits 5-31  time_delta
func packHeader(typ EventType, length, delta uint32) uint32 {
	return uint32(typ)&0x3 | (length&0x7)<<2 | (delta&tsMask)<<5
}

type eventHeader struct {
	typ   EventType
	len   uint32
	delta uint32
}

func unpackHeader(w uint32) eventHeader {
	return eventHeader{
		typ:   EventType(w & 0x3),
		len:   (w >> 2) & 0x7,
		delta: w >> 5,
	}
}

func alignUp(n int) int {
	return (n + eventAlignment - 1) &^ (eventAlignment - 1)
}

// dataLength is the on-page size of a data record carrying n payload bytes.
// Small word-multiple payloads keep their length inline; everything else
// stores the exact byte length in an extra word.
func dataLength(n int) int {
	if inlineLength(n) {
		return eventHeaderSize + n
	}
	return eventHeaderSize + 4 + alignUp(n)
}

func inlineLength(n int) bool {
	return n > 0 && n <= maxSmallData && n%eventAlignment == 0
}

func putData(b []byte, off, n int, delta uint32) []byte {
	if inlineLength(n) {
		binary.LittleEndian.PutUint32(b[off:], packHeader(TypeData, uint32(n/eventAlignment), delta))
		return b[off+eventHeaderSize : off+eventHeaderSize+n]
	}
	binary.LittleEndian.PutUint32(b[off:], packHeader(TypeData, 0, delta))
	binary.LittleEndian.PutUint32(b[off+eventHeaderSize:], uint32(n))
	return b[off+eventHeaderSize+4 : off+eventHeaderSize+4+n]
}

func putTimeExtend(b []byte, off int, delta uint64) {
	binary.LittleEndian.PutUint32(b[off:], packHeader(TypeTimeExtend, 0, uint32(delta&tsMask)))
	binary.LittleEndian.PutUint32(b[off+eventHeaderSize:], uint32(delta>>tsShift))
}

// putNullPadding marks the rest of the page as unused.
func putNullPadding(b []byte, off int) {
	binary.LittleEndian.PutUint32(b[off:], packHeader(TypePadding, 0, 0))
}

// putDiscarded turns a record of the given total length into padding that
// readers skip.
func putDiscarded(b []byte, off, length int) {
	binary.LittleEndian.PutUint32(b[off:], packHeader(TypePadding, 0, 1))
	binary.LittleEndian.PutUint32(b[off+eventHeaderSize:], uint32(length))
}

// record is one decoded event within a page's committed bytes.
type record struct {
	eventHeader
	off     int
	length  int    // total on-page length; for null padding, up to size
	extend  uint64 // full delta carried by a time extend
	payload []byte
}

func (r *record) nullPadding() bool {
	return r.typ == TypePadding && r.delta == 0
}

// decodeRecord parses the record at off, bounded by the committed size.
// It returns false when the record does not fit, which callers treat as
// corruption.
func decodeRecord(b []byte, off, size int) (record, bool) {
	if off+eventHeaderSize > size {
		return record{}, false
	}
	r := record{eventHeader: unpackHeader(binary.LittleEndian.Uint32(b[off:])), off: off}
	word := func() (uint32, bool) {
		if off+eventHeaderSize+4 > size {
			return 0, false
		}
		return binary.LittleEndian.Uint32(b[off+eventHeaderSize:]), true
	}

	switch r.typ {
	case TypePadding:
		if r.delta == 0 {
			r.length = size - off
			return r, true
		}
		l, ok := word()
		if !ok || l < 8 || off+int(l) > size {
			return record{}, false
		}
		r.length = int(l)
	case TypeTimeExtend:
		hi, ok := word()
		if !ok {
			return record{}, false
		}
		r.length = timeExtendLen
		r.extend = uint64(hi)<<tsShift | uint64(r.delta)
	case TypeTimeStamp:
		r.length = timeStampLen
		if off+r.length > size {
			return record{}, false
		}
	case TypeData:
		if r.len != 0 {
			n := int(r.len) * eventAlignment
			r.length = eventHeaderSize + n
			if off+r.length > size {
				return record{}, false
			}
			r.payload = b[off+eventHeaderSize : off+r.length]
			return r, true
		}
		n, ok := word()
		if !ok {
			return record{}, false
		}
		r.length = eventHeaderSize + 4 + alignUp(int(n))
		if int(n) > MaxPayload || off+r.length > size {
			return record{}, false
		}
		start := off + eventHeaderSize + 4
		r.payload = b[start : start+int(n)]
	}
	return r, true
}

// tsLength is the length of the record at off plus, for a time extend, the
// record it applies to, so the two are never split by a page copy.
func tsLength(b []byte, off, size int) (int, bool) {
	r, ok := decodeRecord(b, off, size)
	if !ok {
		return 0, false
	}
	if r.typ != TypeTimeExtend || off+r.length >= size {
		return r.length, true
	}
	next, ok := decodeRecord(b, off+r.length, size)
	if !ok {
		return 0, false
	}
	return r.length + next.length, true
}
