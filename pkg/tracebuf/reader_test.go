package tracebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageEvents(t *testing.T, p *Page) ([]int, []uint64) {
	t.Helper()
	var ids []int
	var stamps []uint64
	require.NoError(t, p.Each(func(ts uint64, data []byte) bool {
		ids = append(ids, sampleID(data))
		stamps = append(stamps, ts)
		return true
	}))
	return ids, stamps
}

func TestExtractPageCopiesPartialPage(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	var stamps []uint64
	for i := 1; i <= 3; i++ {
		h, err := rb.Reserve(0, 500)
		require.NoError(t, err)
		copy(h.Payload(), sample(i))
		stamps = append(stamps, h.Timestamp())
		require.NoError(t, h.Commit())
	}

	p, err := rb.AllocPage()
	require.NoError(t, err)
	defer rb.FreePage(p)

	// the writer is still on this page, so it cannot be handed over whole
	_, err = rb.ExtractPage(0, p, PageCapacity, true)
	assert.ErrorIs(t, err, ErrNoData)

	n, err := rb.ExtractPage(0, p, PageCapacity, false)
	require.NoError(t, err)
	assert.Equal(t, 3*508, n)
	assert.Equal(t, uint64(0), entries(t, rb, 0))

	ids, got := pageEvents(t, p)
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.Equal(t, stamps, got)

	_, err = rb.ExtractPage(0, p, PageCapacity, false)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestExtractPageHonoursMaxLen(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for i := 1; i <= 3; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	p, err := rb.AllocPage()
	require.NoError(t, err)
	defer rb.FreePage(p)

	_, err = rb.ExtractPage(0, p, 100, false)
	assert.ErrorIs(t, err, ErrNoData)

	n, err := rb.ExtractPage(0, p, 1100, false)
	require.NoError(t, err)
	assert.Equal(t, 2*508, n)

	ev, err := rb.Consume(0)
	require.NoError(t, err)
	assert.Equal(t, 3, sampleID(ev.Data))
}

func TestExtractPageSwapsFullPage(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for i := 1; i <= 9; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}

	p, err := rb.AllocPage()
	require.NoError(t, err)
	defer rb.FreePage(p)
	before := p.dp

	n, err := rb.ExtractPage(0, p, PageCapacity, true)
	require.NoError(t, err)
	assert.Equal(t, 8*508, n)
	assert.NotSame(t, before, p.dp)
	assert.Equal(t, uint64(1), entries(t, rb, 0))

	ids, _ := pageEvents(t, p)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, ids)

	// the raw page survives a round trip through its wire layout
	q, err := ParsePage(p.Bytes())
	require.NoError(t, err)
	qids, _ := pageEvents(t, q)
	assert.Equal(t, ids, qids)

	ev, err := rb.Consume(0)
	require.NoError(t, err)
	assert.Equal(t, 9, sampleID(ev.Data))

	// the buffer keeps working on the block it got in exchange
	for i := 10; i <= 20; i++ {
		_ = rb.Write(0, sample(i))
	}
	require.NoError(t, rb.Check(0))
	events := drain(t, rb, 0)
	assert.NotEmpty(t, events)
	assert.Equal(t, 10, sampleID(events[0].Data))
}

func TestExtractPageCopiesIntoForeignPage(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for i := 1; i <= 9; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	p, err := ParsePage(make([]byte, PageSize))
	require.NoError(t, err)

	n, err := rb.ExtractPage(0, p, PageCapacity, false)
	require.NoError(t, err)
	assert.Equal(t, 8*508, n)
	ids, _ := pageEvents(t, p)
	assert.Len(t, ids, 8)
}

func TestIterator(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for i := 1; i <= 10; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}

	it, err := rb.IteratorStart(0)
	require.NoError(t, err)
	assert.ErrorIs(t, rb.Write(0, sample(99)), ErrBusy)

	var ids []int
	for {
		ev, err := it.Next()
		if err == ErrNoData {
			break
		}
		require.NoError(t, err)
		ids = append(ids, sampleID(ev.Data))
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids)

	it.Reset()
	ev, err := it.Peek()
	require.NoError(t, err)
	assert.Equal(t, 1, sampleID(ev.Data))
	ev, err = it.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, sampleID(ev.Data))

	it.Finish()
	it.Finish()
	_, err = it.Next()
	assert.ErrorIs(t, err, ErrNoData)

	// iterating consumed nothing
	assert.Equal(t, uint64(10), entries(t, rb, 0))
	require.NoError(t, rb.Write(0, sample(11)))
}

func TestIteratorStartsAtReaderPage(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for i := 1; i <= 10; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	for i := 0; i < 2; i++ {
		_, err := rb.Consume(0)
		require.NoError(t, err)
	}

	it, err := rb.IteratorStart(0)
	require.NoError(t, err)
	defer it.Finish()

	var ids []int
	var last uint64
	for {
		ev, err := it.Next()
		if err == ErrNoData {
			break
		}
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ev.Timestamp, last)
		last = ev.Timestamp
		ids = append(ids, sampleID(ev.Data))
	}
	assert.Equal(t, []int{3, 4, 5, 6, 7, 8, 9, 10}, ids)

	// and matches what a consumer sees
	it.Reset()
	peeked, err := it.Peek()
	require.NoError(t, err)
	consumed, err := rb.Consume(0)
	require.NoError(t, err)
	assert.Equal(t, consumed, peeked)
}
