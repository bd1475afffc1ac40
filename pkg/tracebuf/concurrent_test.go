package tracebuf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const concurrentWrites = 20000

// makeRecord builds a payload of 4 to 700 bytes carrying id in its first four
// bytes and the low byte of id everywhere else.
func makeRecord(id int) []byte {
	b := bytes.Repeat([]byte{byte(id)}, 4+(id*131)%697)
	binary.LittleEndian.PutUint32(b, uint32(id))
	return b
}

func intact(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	id := sampleID(b)
	if len(b) != 4+(id*131)%697 {
		return false
	}
	for _, c := range b[4:] {
		if c != byte(id) {
			return false
		}
	}
	return true
}

// readFn pulls whatever is readable on cpu 0 into ids and reports whether
// it found anything.
type readFn func(t *testing.T, rb *RingBuffer, p *Page, ids *[]int, stamps *[]uint64) bool

func readByConsume(t *testing.T, rb *RingBuffer, _ *Page, ids *[]int, stamps *[]uint64) bool {
	found := false
	for {
		ev, err := rb.Consume(0)
		if errors.Is(err, ErrNoData) {
			return found
		}
		require.NoError(t, err)
		require.True(t, intact(ev.Data), "torn record of %d bytes", len(ev.Data))
		*ids = append(*ids, sampleID(ev.Data))
		*stamps = append(*stamps, ev.Timestamp)
		found = true
	}
}

func readByExtract(t *testing.T, rb *RingBuffer, p *Page, ids *[]int, stamps *[]uint64) bool {
	n, err := rb.ExtractPage(0, p, PageCapacity, false)
	if errors.Is(err, ErrNoData) {
		return false
	}
	require.NoError(t, err)
	require.Positive(t, n)
	err = p.Each(func(ts uint64, data []byte) bool {
		require.True(t, intact(data), "torn record of %d bytes", len(data))
		*ids = append(*ids, sampleID(data))
		*stamps = append(*stamps, ts)
		return true
	})
	require.NoError(t, err)
	return true
}

func TestConcurrentWriterAndReader(t *testing.T) {
	readers := map[string]readFn{
		"consume": readByConsume,
		"extract": readByExtract,
	}
	for _, overwrite := range []bool{false, true} {
		for name, read := range readers {
			mode := "drop"
			if overwrite {
				mode = "overwrite"
			}
			overwrite, read := overwrite, read
			t.Run(mode+"/"+name, func(t *testing.T) {
				runWriterAndReader(t, overwrite, read)
			})
		}
	}
}

func runWriterAndReader(t *testing.T, overwrite bool, read readFn) {
	rb := newTestBuffer(t, 4, overwrite, nil)
	p, err := rb.AllocPage()
	require.NoError(t, err)
	defer rb.FreePage(p)

	var accepted []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := 1; id <= concurrentWrites; id++ {
			err := rb.Write(0, makeRecord(id))
			switch {
			case err == nil:
				accepted = append(accepted, id)
			case errors.Is(err, ErrBusy) && !overwrite:
			default:
				t.Errorf("write %d: %v", id, err)
				return
			}
			if id%64 == 0 {
				runtime.Gosched()
			}
		}
	}()

	var ids []int
	var stamps []uint64
	for finished := false; ; {
		if read(t, rb, p, &ids, &stamps) {
			continue
		}
		if finished {
			break
		}
		select {
		case <-done:
			// one more pass picks up what landed after the last read
			finished = true
		default:
			runtime.Gosched()
		}
	}

	require.True(t, rb.EmptyCPU(0))
	require.NoError(t, rb.Check(0))
	for i := 1; i < len(stamps); i++ {
		require.LessOrEqual(t, stamps[i-1], stamps[i], "timestamp went back at %d", i)
	}

	if !overwrite {
		assert.Equal(t, accepted, ids)
		st, err := rb.Stats(0)
		require.NoError(t, err)
		assert.Equal(t, uint64(concurrentWrites-len(accepted)), st.Dropped)
		return
	}

	require.Len(t, accepted, concurrentWrites)
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i], "ids out of order at %d", i)
	}
	assert.Equal(t, concurrentWrites, ids[len(ids)-1])
	assert.Equal(t, uint64(concurrentWrites), uint64(len(ids))+overrun(t, rb, 0)+entries(t, rb, 0))
}
