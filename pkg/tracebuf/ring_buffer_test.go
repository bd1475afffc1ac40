package tracebuf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/jayanthvn/pure-tracebuf/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, pages int, overwrite bool, clk clock.Clock) *RingBuffer {
	t.Helper()
	if clk == nil {
		clk = &clock.Ticker{Step: 10}
	}
	rb, err := New(Config{
		Size:      pages * PageSize,
		Overwrite: overwrite,
		CPUs:      []int{0},
		Clock:     clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })
	return rb
}

// sample builds a 500 byte payload tagged with i; 8 of them fill a page.
func sample(i int) []byte {
	b := bytes.Repeat([]byte{byte(i)}, 500)
	binary.LittleEndian.PutUint32(b, uint32(i))
	return b
}

func sampleID(b []byte) int {
	return int(binary.LittleEndian.Uint32(b))
}

func drain(t *testing.T, rb *RingBuffer, cpu int) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := rb.Consume(cpu)
		if err == ErrNoData {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func entries(t *testing.T, rb *RingBuffer, cpu int) uint64 {
	t.Helper()
	n, err := rb.Entries(cpu)
	require.NoError(t, err)
	return n
}

func overrun(t *testing.T, rb *RingBuffer, cpu int) uint64 {
	t.Helper()
	n, err := rb.Overrun(cpu)
	require.NoError(t, err)
	return n
}

func TestRoundTrip(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for _, n := range []int{0, 1, 3, 4, 8, 28, 29, 100, 500, MaxPayload} {
		p := make([]byte, n)
		for i := range p {
			p[i] = byte(i*7 + n)
		}
		require.NoError(t, rb.Write(0, p), "payload %d", n)

		ev, err := rb.Consume(0)
		require.NoError(t, err, "payload %d", n)
		assert.Equal(t, p, ev.Data, "payload %d", n)
		assert.Equal(t, 0, ev.CPU)
	}
	_, err := rb.Consume(0)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, uint64(0), entries(t, rb, 0))
}

func TestReserveRejectsOversizedPayload(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	_, err := rb.Reserve(0, MaxPayload+1)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = rb.Reserve(0, -1)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = rb.Reserve(7, 8)
	assert.ErrorIs(t, err, ErrNoCPU)
}

func TestCountersRejectUnknownCPU(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	_, err := rb.Entries(99)
	assert.ErrorIs(t, err, ErrNoCPU)
	_, err = rb.Overrun(99)
	assert.ErrorIs(t, err, ErrNoCPU)
	_, err = rb.Stats(99)
	assert.ErrorIs(t, err, ErrNoCPU)
}

func TestOrderingAndTimestamps(t *testing.T) {
	rb := newTestBuffer(t, 4, false, nil)

	var stamps []uint64
	for i := 0; i < 100; i++ {
		h, err := rb.Reserve(0, 64)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(h.Payload(), uint32(i))
		stamps = append(stamps, h.Timestamp())
		require.NoError(t, rb.Commit(h))
	}
	assert.Equal(t, uint64(100), entries(t, rb, 0))

	events := drain(t, rb, 0)
	require.Len(t, events, 100)
	for i, ev := range events {
		assert.Equal(t, i, sampleID(ev.Data))
		assert.Equal(t, stamps[i], ev.Timestamp, "record %d", i)
	}
}

func TestDropModeConservation(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)

	var ok, busy int
	for i := 1; i <= 20; i++ {
		switch err := rb.Write(0, sample(i)); err {
		case nil:
			ok++
		case ErrBusy:
			busy++
		default:
			t.Fatalf("write %d: %v", i, err)
		}
	}
	assert.Equal(t, 16, ok)
	assert.Equal(t, 4, busy)
	assert.Equal(t, uint64(16), entries(t, rb, 0))
	assert.Equal(t, uint64(0), overrun(t, rb, 0))

	st, err := rb.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), st.Dropped)

	events := drain(t, rb, 0)
	require.Len(t, events, 16)
	for i, ev := range events {
		assert.Equal(t, i+1, sampleID(ev.Data))
		assert.Equal(t, sample(i+1), ev.Data)
	}
}

// Overwrite retires whole pages: the 17th write retires the 8 records of
// the oldest page. Counting per record would lose only the 4 oldest and
// keep the 16 newest; here the page holding records 1..8 goes at once, so
// overrun is 8 and records 9..20 remain.
func TestOverwriteModeConservation(t *testing.T) {
	rb := newTestBuffer(t, 2, true, nil)

	for i := 1; i <= 20; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	assert.Equal(t, uint64(8), overrun(t, rb, 0))
	assert.Equal(t, uint64(12), entries(t, rb, 0))

	events := drain(t, rb, 0)
	require.Len(t, events, 12)
	for i, ev := range events {
		assert.Equal(t, i+9, sampleID(ev.Data))
	}
	assert.Equal(t, uint64(20), overrun(t, rb, 0)+uint64(len(events)))
}

// Draining must hand every page back to the writer. The page a reader
// swap puts back while the writer is still on the old head sits at head
// empty, and must not cost a page of capacity.
func TestDropModeRefillAfterDrain(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)

	id := 0
	for cycle := 0; cycle < 3; cycle++ {
		var accepted []int
		busy := 0
		for i := 0; i < 20; i++ {
			id++
			switch err := rb.Write(0, sample(id)); err {
			case nil:
				accepted = append(accepted, id)
			case ErrBusy:
				busy++
			default:
				t.Fatalf("cycle %d write %d: %v", cycle, id, err)
			}
		}
		assert.Len(t, accepted, 16, "cycle %d", cycle)
		assert.Equal(t, 4, busy, "cycle %d", cycle)
		assert.Equal(t, uint64(16), entries(t, rb, 0), "cycle %d", cycle)

		events := drain(t, rb, 0)
		var got []int
		for _, ev := range events {
			got = append(got, sampleID(ev.Data))
		}
		assert.Equal(t, accepted, got, "cycle %d", cycle)
		assert.True(t, rb.EmptyCPU(0))
		assert.Equal(t, uint64(0), overrun(t, rb, 0))
		require.NoError(t, rb.Check(0))
	}
}

func TestIdempotentPeek(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	_, err := rb.Peek(0)
	assert.ErrorIs(t, err, ErrNoData)

	for i := 1; i <= 3; i++ {
		require.NoError(t, rb.Write(0, []byte(fmt.Sprintf("event-%d", i))))
	}
	first, err := rb.Peek(0)
	require.NoError(t, err)
	second, err := rb.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	consumed, err := rb.Consume(0)
	require.NoError(t, err)
	assert.Equal(t, first, consumed)

	next, err := rb.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("event-2"), next.Data)
}

func TestNestedWriterInsideReservation(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)

	outer, err := rb.Reserve(0, 16)
	require.NoError(t, err)
	copy(outer.Payload(), "outer-payload-16")

	// an interrupt handler writes a full record on the same cpu
	require.NoError(t, rb.Write(0, []byte("inner")))

	// nothing is visible until the outer reservation commits
	assert.True(t, rb.EmptyCPU(0))
	_, err = rb.Consume(0)
	assert.ErrorIs(t, err, ErrNoData)

	require.NoError(t, outer.Commit())
	assert.ErrorIs(t, outer.Commit(), ErrCommitted)

	events := drain(t, rb, 0)
	require.Len(t, events, 2)
	assert.Equal(t, []byte("outer-payload-16"), events[0].Data)
	assert.Equal(t, []byte("inner"), events[1].Data)
	assert.LessOrEqual(t, events[0].Timestamp, events[1].Timestamp)
}

func TestNestedWriterDuringPageCrossing(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for i := 1; i <= 8; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}

	cb, err := rb.buffer(0)
	require.NoError(t, err)
	var innerErr error
	interruptOnce(cb, func() {
		innerErr = rb.Write(0, sample(100))
	})
	require.NoError(t, rb.Write(0, sample(9)))
	require.NoError(t, innerErr)

	events := drain(t, rb, 0)
	require.Len(t, events, 10)
	for i := 0; i < 8; i++ {
		assert.Equal(t, i+1, sampleID(events[i].Data))
	}
	assert.Equal(t, 100, sampleID(events[8].Data))
	assert.Equal(t, 9, sampleID(events[9].Data))
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Timestamp, events[i].Timestamp)
	}
	require.NoError(t, rb.Check(0))
}

func TestTimeExtend(t *testing.T) {
	clk := clock.NewManual(1000)
	rb := newTestBuffer(t, 2, false, clk)

	require.NoError(t, rb.Write(0, []byte("aaaa")))
	clk.Advance(1 << 30)
	require.NoError(t, rb.Write(0, []byte("bbbb")))
	clk.Advance(5)
	require.NoError(t, rb.Write(0, []byte("cccc")))

	events := drain(t, rb, 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1000), events[0].Timestamp)
	assert.Equal(t, uint64(1000+1<<30), events[1].Timestamp)
	assert.Equal(t, uint64(1000+1<<30+5), events[2].Timestamp)

	// the extend sits between the first two records on the page
	cb, err := rb.buffer(0)
	require.NoError(t, err)
	rp := cb.page(cb.reader.Load())
	r, ok := decodeRecord(rp.dp().data, 8, rp.size())
	require.True(t, ok)
	assert.Equal(t, TypeTimeExtend, r.typ)
	assert.Equal(t, uint64(1<<30), r.extend)
}

func TestNMIReservationFailsOnHeldLock(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	for i := 1; i <= 8; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	cb, err := rb.buffer(0)
	require.NoError(t, err)

	cb.lock.Lock()
	_, err = rb.ReserveFrom(OriginNMI, 0, 500)
	cb.lock.Unlock()
	assert.ErrorIs(t, err, ErrBusy)

	// room left on the page does not need the lock
	cb.lock.Lock()
	h, err := rb.ReserveFrom(OriginNMI, 0, 4)
	cb.lock.Unlock()
	require.NoError(t, err)
	copy(h.Payload(), "nmi!")
	require.NoError(t, h.Commit())

	require.NoError(t, rb.Write(0, sample(9)))
	events := drain(t, rb, 0)
	require.Len(t, events, 10)
	assert.Equal(t, []byte("nmi!"), events[8].Data)
	assert.Equal(t, 9, sampleID(events[9].Data))

	st, err := rb.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestCommitOverrunIsFlagged(t *testing.T) {
	hooks := &recordingHooks{}
	rb, err := New(Config{Size: 2 * PageSize, Overwrite: true, CPUs: []int{0}, Clock: &clock.Ticker{Step: 1}, Hooks: hooks})
	require.NoError(t, err)
	defer rb.Close()
	cb, err := rb.buffer(0)
	require.NoError(t, err)

	// nested writers run all the way round while the outer record is
	// still open at the start of the first page
	var nested []error
	interruptOnce(cb, func() {
		for i := 1; i <= 16; i++ {
			nested = append(nested, rb.Write(0, sample(i)))
		}
	})
	outer, err := rb.Reserve(0, 500)
	require.NoError(t, err)
	copy(outer.Payload(), sample(99))
	require.NoError(t, outer.Commit())

	require.Len(t, nested, 16)
	for i, err := range nested[:15] {
		assert.NoError(t, err, "nested write %d", i+1)
	}
	assert.ErrorIs(t, nested[15], ErrBusy)

	st, err := rb.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.CommitOverrun)
	assert.Equal(t, uint64(1), st.Abnormal)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.False(t, st.Disabled)
	assert.Equal(t, []int{0}, hooks.abnormal)

	// the buffer keeps recording: the next write retires the first page
	require.NoError(t, rb.Write(0, sample(200)))
	require.NoError(t, rb.Check(0))
	assert.Equal(t, uint64(8), overrun(t, rb, 0))

	var ids []int
	for _, ev := range drain(t, rb, 0) {
		ids = append(ids, sampleID(ev.Data))
	}
	assert.Equal(t, []int{8, 9, 10, 11, 12, 13, 14, 15, 200}, ids)
}

func TestDiscard(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)

	h, err := rb.Reserve(0, 32)
	require.NoError(t, err)
	require.NoError(t, h.Discard())
	assert.ErrorIs(t, h.Discard(), ErrCommitted)

	require.NoError(t, rb.Write(0, []byte("kept")))
	assert.Equal(t, uint64(1), entries(t, rb, 0))

	events := drain(t, rb, 0)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("kept"), events[0].Data)
}

func TestRecordDisable(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	require.NoError(t, rb.Write(0, []byte("one!")))

	rb.RecordDisable()
	assert.ErrorIs(t, rb.Write(0, []byte("two!")), ErrBusy)
	rb.RecordEnable()

	require.NoError(t, rb.RecordDisableCPU(0))
	assert.ErrorIs(t, rb.Write(0, []byte("two!")), ErrBusy)
	st, err := rb.Stats(0)
	require.NoError(t, err)
	assert.True(t, st.Disabled)
	require.NoError(t, rb.RecordEnableCPU(0))

	require.NoError(t, rb.Write(0, []byte("three")))
	events := drain(t, rb, 0)
	require.Len(t, events, 2)
	assert.Equal(t, []byte("one!"), events[0].Data)
}

func TestResetClearsData(t *testing.T) {
	rb := newTestBuffer(t, 2, true, nil)
	for i := 1; i <= 20; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	_, err := rb.Consume(0)
	require.NoError(t, err)

	require.NoError(t, rb.Reset(0))
	assert.Equal(t, uint64(0), entries(t, rb, 0))
	assert.Equal(t, uint64(0), overrun(t, rb, 0))
	assert.True(t, rb.EmptyCPU(0))

	for i := 1; i <= 3; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	events := drain(t, rb, 0)
	require.Len(t, events, 3)
	assert.Equal(t, 1, sampleID(events[0].Data))
	require.NoError(t, rb.ResetAll())
}

func TestAbnormalNestingDisablesBuffer(t *testing.T) {
	hooks := &recordingHooks{}
	rb, err := New(Config{Size: 2 * PageSize, CPUs: []int{0}, Clock: &clock.Ticker{Step: 1}, Hooks: hooks})
	require.NoError(t, err)
	defer rb.Close()

	cb, err := rb.buffer(0)
	require.NoError(t, err)
	err = cb.fail(ErrAbnormalNesting, "test")
	assert.ErrorIs(t, err, ErrAbnormalNesting)
	assert.ErrorIs(t, rb.Write(0, []byte("late")), ErrBusy)
	assert.Equal(t, []int{0}, hooks.abnormal)

	// a second failure is counted but not reported again
	_ = cb.fail(ErrCorruption, "again")
	st, err := rb.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Abnormal)
	assert.Len(t, hooks.abnormal, 1)

	require.NoError(t, rb.Reset(0))
	require.NoError(t, rb.Write(0, []byte("back")))
}

func interruptOnce(cb *cpuBuffer, f func()) {
	cb.interrupt.Store(&f)
}

type recordingHooks struct {
	dropped  int
	overrun  uint64
	abnormal []int
}

func (h *recordingHooks) Dropped(int)                  { h.dropped++ }
func (h *recordingHooks) Overrun(_ int, events uint64) { h.overrun += events }
func (h *recordingHooks) Abnormal(cpu int, _ error)    { h.abnormal = append(h.abnormal, cpu) }

func TestHooks(t *testing.T) {
	hooks := &recordingHooks{}
	rb, err := New(Config{Size: 2 * PageSize, CPUs: []int{0}, Clock: &clock.Ticker{Step: 1}, Hooks: hooks, Overwrite: true})
	require.NoError(t, err)
	defer rb.Close()

	for i := 1; i <= 20; i++ {
		require.NoError(t, rb.Write(0, sample(i)))
	}
	assert.Equal(t, uint64(8), hooks.overrun)

	drop, err := New(Config{Size: 2 * PageSize, CPUs: []int{0}, Clock: &clock.Ticker{Step: 1}, Hooks: hooks})
	require.NoError(t, err)
	defer drop.Close()
	for i := 1; i <= 20; i++ {
		_ = drop.Write(0, sample(i))
	}
	assert.Equal(t, 4, hooks.dropped)
}

type countingWaker struct {
	woken []int
}

func (w *countingWaker) Wake(cpu int) { w.woken = append(w.woken, cpu) }

func TestArmWakeup(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)
	w := &countingWaker{}
	rb.SetWaker(w)

	armed, err := rb.ArmWakeup(0)
	require.NoError(t, err)
	assert.True(t, armed)

	require.NoError(t, rb.Write(0, []byte("wake")))
	require.NoError(t, rb.Write(0, []byte("more")))
	assert.Equal(t, []int{0}, w.woken)

	armed, err = rb.ArmWakeup(0)
	require.NoError(t, err)
	assert.False(t, armed)
}

func TestMultiCPUMerge(t *testing.T) {
	clk := clock.NewManual(100)
	rb, err := New(Config{Size: 2 * PageSize, CPUs: []int{0, 1, 2}, Clock: clk})
	require.NoError(t, err)
	defer rb.Close()
	assert.Equal(t, []int{0, 1, 2}, rb.CPUs())

	order := []int{2, 0, 1, 1, 0, 2}
	for i, cpu := range order {
		clk.Set(uint64(100 + i*10))
		require.NoError(t, rb.Write(cpu, []byte{byte(i)}))
	}

	first, err := rb.PeekOldest()
	require.NoError(t, err)
	assert.Equal(t, 2, first.CPU)

	for i, cpu := range order {
		ev, err := rb.ConsumeOldest()
		require.NoError(t, err)
		assert.Equal(t, cpu, ev.CPU)
		assert.Equal(t, []byte{byte(i)}, ev.Data)
		assert.Equal(t, uint64(100+i*10), ev.Timestamp)
	}
	_, err = rb.ConsumeOldest()
	assert.ErrorIs(t, err, ErrNoData)
	assert.True(t, rb.Empty())
}

func TestAttachDetach(t *testing.T) {
	rb := newTestBuffer(t, 2, false, nil)

	assert.ErrorIs(t, rb.AttachCPU(0), ErrCPUExists)
	require.NoError(t, rb.AttachCPU(3))
	assert.Equal(t, []int{0, 3}, rb.CPUs())

	require.NoError(t, rb.Write(3, []byte("before")))
	require.NoError(t, rb.DetachCPU(3))
	assert.ErrorIs(t, rb.Write(3, []byte("after")), ErrBusy)

	// detaching keeps unread data
	ev, err := rb.Consume(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), ev.Data)

	require.NoError(t, rb.AttachCPU(3))
	require.NoError(t, rb.Write(3, []byte("again")))
	assert.ErrorIs(t, rb.DetachCPU(9), ErrNoCPU)
}

func TestSwap(t *testing.T) {
	live := newTestBuffer(t, 2, true, nil)
	spare := newTestBuffer(t, 2, true, nil)

	require.NoError(t, live.Write(0, []byte("snapshot")))
	require.NoError(t, live.Swap(spare, 0))

	assert.True(t, live.EmptyCPU(0))
	ev, err := spare.Consume(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), ev.Data)

	// both sides keep recording after the exchange
	require.NoError(t, live.Write(0, []byte("new")))
	ev, err = live.Consume(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), ev.Data)
}

func TestSwapRefusals(t *testing.T) {
	a := newTestBuffer(t, 2, true, nil)
	b := newTestBuffer(t, 3, true, nil)
	assert.ErrorIs(t, a.Swap(b, 0), ErrSizeMismatch)

	c := newTestBuffer(t, 2, true, nil)
	require.NoError(t, c.RecordDisableCPU(0))
	assert.ErrorIs(t, a.Swap(c, 0), ErrBusy)
	require.NoError(t, c.RecordEnableCPU(0))
	require.NoError(t, a.Swap(c, 0))

	assert.ErrorIs(t, a.Swap(a, 0), ErrBusy)
}

func TestNewRejectsNegativeSize(t *testing.T) {
	_, err := New(Config{Size: -1})
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestSizeBytes(t *testing.T) {
	rb := newTestBuffer(t, 3, false, nil)
	assert.Equal(t, uint64(3*PageSize), rb.SizeBytes())

	// anything below two pages is rounded up
	small, err := New(Config{Size: 10, CPUs: []int{0}})
	require.NoError(t, err)
	defer small.Close()
	assert.Equal(t, uint64(2*PageSize), small.SizeBytes())
}
