package tracebuf

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jayanthvn/pure-tracebuf/pkg/clock"
	"github.com/jayanthvn/pure-tracebuf/pkg/cpuinfo"
	"github.com/jayanthvn/pure-tracebuf/pkg/logger"
	"github.com/jayanthvn/pure-tracebuf/pkg/pagealloc"
)

var log = logger.Get()

const (
	DefaultSize = 1 << 20
	minPages    = 2
)

var ringIDs atomic.Uint64

// Config describes a RingBuffer. Zero values pick the defaults.
type Config struct {
	// Size is the per-CPU size in bytes, rounded up to whole pages.
	Size int
	// Overwrite retires the oldest page when a CPU buffer is full instead
	// of failing the write with ErrBusy.
	Overwrite bool
	CPUs      []int
	Clock     clock.Clock
	Allocator pagealloc.Allocator
	Hooks     Hooks
	Waker     Waker
}

func DefaultConfig() Config {
	return Config{Size: DefaultSize, Overwrite: true}
}

// pagesFor converts a byte size into ring pages per CPU.
func pagesFor(size int) int {
	n := (size + PageSize - 1) / PageSize
	if n < minPages {
		n = minPages
	}
	return n
}

// Event is a record returned to readers. Data is a private copy.
type Event struct {
	CPU       int
	Timestamp uint64
	Data      []byte
}

// Stats is a snapshot of one CPU buffer's counters.
type Stats struct {
	CPU           int    `json:"cpu"`
	Entries       uint64 `json:"entries"`
	Overrun       uint64 `json:"overrun"`
	Dropped       uint64 `json:"dropped"`
	CommitOverrun uint64 `json:"commit_overrun"`
	Abnormal      uint64 `json:"abnormal"`
	Pages         int    `json:"pages"`
	ReadStamp     uint64 `json:"read_stamp"`
	WriteStamp    uint64 `json:"write_stamp"`
	Disabled      bool   `json:"disabled"`
	Detached      bool   `json:"detached"`
}

type cpuSlot struct {
	id       int
	writers  atomic.Int32
	detached atomic.Bool
	buf      atomic.Pointer[cpuBuffer]
}

// drain waits for writers that passed the record gates before they were
// closed.
func (s *cpuSlot) drain() {
	for s.writers.Load() != 0 {
		runtime.Gosched()
	}
}

type wakerRef struct {
	w Waker
}

// RingBuffer is a set of per-CPU buffers sharing one geometry.
type RingBuffer struct {
	id        uint64
	mu        sync.Mutex // resize, swap, attach, reset, close
	slots     atomic.Pointer[map[int]*cpuSlot]
	npages    atomic.Int32
	overwrite bool
	disabled  atomic.Int32
	clock     clock.Clock
	alloc     pagealloc.Allocator
	hooks     Hooks
	waker     atomic.Pointer[wakerRef]
	closed    bool
}

// New allocates every CPU buffer up front. Either all allocations succeed
// or everything allocated so far is released.
func New(cfg Config) (*RingBuffer, error) {
	if cfg.Size < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, cfg.Size)
	}
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if len(cfg.CPUs) == 0 {
		cfg.CPUs = cpuinfo.Discover()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Monotonic{}
	}
	if cfg.Allocator == nil {
		cfg.Allocator = pagealloc.NewHeap()
	}

	rb := &RingBuffer{
		id:        ringIDs.Add(1),
		overwrite: cfg.Overwrite,
		clock:     cfg.Clock,
		alloc:     cfg.Allocator,
		hooks:     cfg.Hooks,
	}
	nr := pagesFor(cfg.Size)
	rb.npages.Store(int32(nr))
	if cfg.Waker != nil {
		rb.waker.Store(&wakerRef{w: cfg.Waker})
	}

	slots := make(map[int]*cpuSlot, len(cfg.CPUs))
	for _, id := range cfg.CPUs {
		if _, ok := slots[id]; ok {
			continue
		}
		cb, err := newCPUBuffer(id, nr, rb.alloc, rb.hooks)
		if err != nil {
			for _, s := range slots {
				s.buf.Load().release()
			}
			log.Errorf("Failed to allocate ring buffer for cpu %d: %v", id, err)
			return nil, err
		}
		s := &cpuSlot{id: id}
		s.buf.Store(cb)
		slots[id] = s
	}
	rb.slots.Store(&slots)

	log.Infof("Allocated ring buffer: %d cpus, %d pages per cpu, overwrite=%v", len(slots), nr, rb.overwrite)
	return rb, nil
}

func (rb *RingBuffer) slot(cpu int) (*cpuSlot, error) {
	s, ok := (*rb.slots.Load())[cpu]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoCPU, cpu)
	}
	return s, nil
}

func (rb *RingBuffer) buffer(cpu int) (*cpuBuffer, error) {
	s, err := rb.slot(cpu)
	if err != nil {
		return nil, err
	}
	return s.buf.Load(), nil
}

// sortedSlots returns the slots in CPU order, which is also the lock order
// when several reader locks are taken at once.
func (rb *RingBuffer) sortedSlots() []*cpuSlot {
	m := *rb.slots.Load()
	out := make([]*cpuSlot, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CPUs returns the attached CPU ids in order.
func (rb *RingBuffer) CPUs() []int {
	slots := rb.sortedSlots()
	ids := make([]int, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.id)
	}
	return ids
}

// SlotHandle is an uncommitted reservation. Exactly one of Commit or Discard
// must be called, from the goroutine that reserved it.
type SlotHandle struct {
	rb      *RingBuffer
	slot    *cpuSlot
	cb      *cpuBuffer
	r       reservation
	payload []byte
	done    bool
}

// Payload is the writable payload area. It is only valid until Commit.
func (h *SlotHandle) Payload() []byte {
	return h.payload
}

func (h *SlotHandle) CPU() int {
	return h.slot.id
}

// Timestamp is the clock reading the reservation was stamped with.
func (h *SlotHandle) Timestamp() uint64 {
	return h.r.ts
}

// Commit makes the record visible to readers.
func (h *SlotHandle) Commit() error {
	if h.done {
		return ErrCommitted
	}
	h.done = true
	h.cb.commitReservation(h.r)
	h.slot.writers.Add(-1)
	h.rb.wake(h.cb)
	return nil
}

// Discard turns the reservation into padding that readers skip.
func (h *SlotHandle) Discard() error {
	if h.done {
		return ErrCommitted
	}
	h.done = true
	h.cb.discardReservation(h.r)
	h.slot.writers.Add(-1)
	return nil
}

// Reserve claims room for an n byte payload on cpu. Writers to one cpu
// must not run in parallel. They may nest the way an interrupt handler
// would: a nested writer reserves and commits while an outer reservation is
// still open, and everything is published once the outermost commits.
func (rb *RingBuffer) Reserve(cpu, n int) (*SlotHandle, error) {
	return rb.ReserveFrom(OriginTask, cpu, n)
}

// ReserveFrom is Reserve with an explicit origin. OriginNMI reservations
// fail with ErrBusy rather than wait on the page boundary lock.
func (rb *RingBuffer) ReserveFrom(origin Origin, cpu, n int) (*SlotHandle, error) {
	if n < 0 || n > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidSize, n)
	}
	s, err := rb.slot(cpu)
	if err != nil {
		return nil, err
	}

	s.writers.Add(1)
	cb := s.buf.Load()
	if rb.disabled.Load() != 0 || cb.disabled.Load() != 0 || s.detached.Load() {
		s.writers.Add(-1)
		return nil, ErrBusy
	}

	r, payload, err := cb.reserve(origin, rb.overwrite, rb.clock, n)
	if err != nil {
		s.writers.Add(-1)
		return nil, err
	}
	return &SlotHandle{rb: rb, slot: s, cb: cb, r: r, payload: payload}, nil
}

// Commit is a convenience for h.Commit.
func (rb *RingBuffer) Commit(h *SlotHandle) error {
	return h.Commit()
}

// Write reserves, copies data and commits in one call.
func (rb *RingBuffer) Write(cpu int, data []byte) error {
	h, err := rb.Reserve(cpu, len(data))
	if err != nil {
		return err
	}
	copy(h.Payload(), data)
	return h.Commit()
}

func (rb *RingBuffer) wake(cb *cpuBuffer) {
	if !cb.armed.Load() || !cb.armed.CompareAndSwap(true, false) {
		return
	}
	if ref := rb.waker.Load(); ref != nil && ref.w != nil {
		ref.w.Wake(cb.cpu)
	}
}

// SetWaker replaces the waker notified by armed CPUs.
func (rb *RingBuffer) SetWaker(w Waker) {
	rb.waker.Store(&wakerRef{w: w})
}

// ArmWakeup asks for one Wake call after the next commit on cpu. It reports
// false, without arming, if data is already waiting.
func (rb *RingBuffer) ArmWakeup(cpu int) (bool, error) {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return false, err
	}
	cb.armed.Store(true)
	if !rb.EmptyCPU(cpu) {
		cb.armed.Store(false)
		return false, nil
	}
	return true, nil
}

// Peek returns the next record on cpu without consuming it.
func (rb *RingBuffer) Peek(cpu int) (Event, error) {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return Event{}, err
	}
	cb.readerMu.Lock()
	defer cb.readerMu.Unlock()

	_, r, ts, err := cb.peek()
	if err != nil {
		return Event{}, err
	}
	return Event{CPU: cpu, Timestamp: ts, Data: append([]byte{}, r.payload...)}, nil
}

// Consume returns the next record on cpu and removes it. ErrNoData means
// nothing committed is waiting.
func (rb *RingBuffer) Consume(cpu int) (Event, error) {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return Event{}, err
	}
	cb.readerMu.Lock()
	defer cb.readerMu.Unlock()

	r, ts, err := cb.consume()
	if err != nil {
		return Event{}, err
	}
	return Event{CPU: cpu, Timestamp: ts, Data: append([]byte{}, r.payload...)}, nil
}

// oldest locks every reader and finds the CPU whose next record has the
// smallest timestamp. The caller unlocks through the returned func.
func (rb *RingBuffer) oldest() (*cpuBuffer, uint64, func(), error) {
	slots := rb.sortedSlots()
	bufs := make([]*cpuBuffer, 0, len(slots))
	for _, s := range slots {
		cb := s.buf.Load()
		cb.readerMu.Lock()
		bufs = append(bufs, cb)
	}
	unlock := func() {
		for i := len(bufs) - 1; i >= 0; i-- {
			bufs[i].readerMu.Unlock()
		}
	}

	var best *cpuBuffer
	var bestTS uint64
	for _, cb := range bufs {
		_, _, ts, err := cb.peek()
		if err == ErrNoData {
			continue
		}
		if err != nil {
			unlock()
			return nil, 0, nil, err
		}
		if best == nil || ts < bestTS {
			best, bestTS = cb, ts
		}
	}
	if best == nil {
		unlock()
		return nil, 0, nil, ErrNoData
	}
	return best, bestTS, unlock, nil
}

// PeekOldest returns the record with the smallest timestamp across CPUs.
func (rb *RingBuffer) PeekOldest() (Event, error) {
	cb, ts, unlock, err := rb.oldest()
	if err != nil {
		return Event{}, err
	}
	defer unlock()
	_, r, _, err := cb.peek()
	if err != nil {
		return Event{}, err
	}
	return Event{CPU: cb.cpu, Timestamp: ts, Data: append([]byte{}, r.payload...)}, nil
}

// ConsumeOldest removes and returns the record with the smallest timestamp
// across CPUs.
func (rb *RingBuffer) ConsumeOldest() (Event, error) {
	cb, _, unlock, err := rb.oldest()
	if err != nil {
		return Event{}, err
	}
	defer unlock()
	r, ts, err := cb.consume()
	if err != nil {
		return Event{}, err
	}
	return Event{CPU: cb.cpu, Timestamp: ts, Data: append([]byte{}, r.payload...)}, nil
}

// IteratorStart disables recording on cpu and returns an iterator over
// its unread records. Call Finish to re-enable recording.
func (rb *RingBuffer) IteratorStart(cpu int) (*Iterator, error) {
	s, err := rb.slot(cpu)
	if err != nil {
		return nil, err
	}
	cb := s.buf.Load()
	cb.disabled.Add(1)
	s.drain()

	it := &Iterator{cb: cb}
	it.Reset()
	return it, nil
}

// AllocPage returns an empty page for ExtractPage.
func (rb *RingBuffer) AllocPage() (*Page, error) {
	mem, err := rb.alloc.Alloc(PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return &Page{dp: newDataPage(mem), alloc: rb.alloc}, nil
}

// FreePage releases a page from AllocPage.
func (rb *RingBuffer) FreePage(p *Page) error {
	if p == nil || p.dp == nil {
		return nil
	}
	if p.alloc == nil {
		p.dp = nil
		return nil
	}
	err := p.alloc.Free(p.dp.mem)
	p.dp = nil
	return err
}

// ExtractPage fills p with up to maxLen bytes of unread records from cpu
// and returns the byte count. A fully committed page nobody has started
// reading is exchanged with p's block instead of copied. With full set,
// anything short of that returns ErrNoData.
func (rb *RingBuffer) ExtractPage(cpu int, p *Page, maxLen int, full bool) (int, error) {
	if p == nil || p.dp == nil {
		return 0, fmt.Errorf("%w: nil page", ErrInvalidSize)
	}
	if maxLen > PageCapacity {
		maxLen = PageCapacity
	}
	cb, err := rb.buffer(cpu)
	if err != nil {
		return 0, err
	}
	cb.readerMu.Lock()
	defer cb.readerMu.Unlock()
	return cb.extract(p, cb.alloc, maxLen, full)
}

// RecordDisable stops all writers. Calls nest.
func (rb *RingBuffer) RecordDisable() {
	rb.disabled.Add(1)
}

func (rb *RingBuffer) RecordEnable() {
	rb.disabled.Add(-1)
}

func (rb *RingBuffer) RecordDisableCPU(cpu int) error {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return err
	}
	cb.disabled.Add(1)
	return nil
}

func (rb *RingBuffer) RecordEnableCPU(cpu int) error {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return err
	}
	cb.disabled.Add(-1)
	return nil
}

// Entries is the number of unread data records on cpu.
func (rb *RingBuffer) Entries(cpu int) (uint64, error) {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return 0, err
	}
	return clampEntries(cb.entries.Load()), nil
}

// Overrun is the number of records lost to overwrite on cpu.
func (rb *RingBuffer) Overrun(cpu int) (uint64, error) {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return 0, err
	}
	return cb.overrun.Load(), nil
}

func clampEntries(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func (rb *RingBuffer) Stats(cpu int) (Stats, error) {
	s, err := rb.slot(cpu)
	if err != nil {
		return Stats{}, err
	}
	cb := s.buf.Load()
	cb.readerMu.Lock()
	readStamp := cb.readStamp
	cb.readerMu.Unlock()

	return Stats{
		CPU:           cpu,
		Entries:       clampEntries(cb.entries.Load()),
		Overrun:       cb.overrun.Load(),
		Dropped:       cb.dropped.Load(),
		CommitOverrun: cb.commitOverrun.Load(),
		Abnormal:      cb.abnormal.Load(),
		Pages:         int(cb.npages.Load()),
		ReadStamp:     readStamp,
		WriteStamp:    cb.writeStamp.Load(),
		Disabled:      cb.disabled.Load() != 0 || rb.disabled.Load() != 0,
		Detached:      s.detached.Load(),
	}, nil
}

// AllStats returns Stats for every CPU in order.
func (rb *RingBuffer) AllStats() []Stats {
	var out []Stats
	for _, id := range rb.CPUs() {
		if st, err := rb.Stats(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// SizeBytes is the per-CPU ring size.
func (rb *RingBuffer) SizeBytes() uint64 {
	return uint64(rb.npages.Load()) * PageSize
}

func (rb *RingBuffer) Overwrite() bool {
	return rb.overwrite
}

// EmptyCPU reports whether cpu has no unread committed records.
func (rb *RingBuffer) EmptyCPU(cpu int) bool {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return true
	}
	cb.readerMu.Lock()
	defer cb.readerMu.Unlock()
	return cb.empty()
}

func (rb *RingBuffer) Empty() bool {
	for _, id := range rb.CPUs() {
		if !rb.EmptyCPU(id) {
			return false
		}
	}
	return true
}

// empty checks without swapping pages. Caller holds readerMu.
func (cb *cpuBuffer) empty() bool {
	rp := cb.page(cb.reader.Load())
	if rp.read < rp.size() {
		return false
	}
	hp := cb.page(cb.head.Load())
	commit := cb.commit.Load()
	if commit == rp.idx {
		return true
	}
	return commit == hp.idx && hp.size() == hp.read
}

// Check verifies the page list of cpu. A broken list disables the buffer.
func (rb *RingBuffer) Check(cpu int) error {
	cb, err := rb.buffer(cpu)
	if err != nil {
		return err
	}
	cb.readerMu.Lock()
	defer cb.readerMu.Unlock()
	cb.lock.Lock()
	defer cb.lock.Unlock()
	return cb.check()
}

// quiesce closes the record gate on cb and waits for writers already past
// it. The returned func reopens it.
func quiesce(s *cpuSlot, cb *cpuBuffer) func() {
	cb.disabled.Add(1)
	s.drain()
	return func() { cb.disabled.Add(-1) }
}

// Reset discards everything in cpu's buffer and clears its counters. A
// buffer disabled after an abnormal condition is re-enabled if its page
// list still checks out.
func (rb *RingBuffer) Reset(cpu int) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	s, err := rb.slot(cpu)
	if err != nil {
		return err
	}
	return rb.resetSlot(s)
}

func (rb *RingBuffer) resetSlot(s *cpuSlot) error {
	cb := s.buf.Load()
	done := quiesce(s, cb)
	defer done()

	cb.readerMu.Lock()
	defer cb.readerMu.Unlock()

	cb.reset()
	if err := cb.check(); err != nil {
		return err
	}
	if cb.degraded.CompareAndSwap(true, false) {
		cb.disabled.Add(-1)
		log.Infof("Re-enabled ring buffer for cpu %d after reset", cb.cpu)
	}
	return nil
}

// ResetAll resets every CPU buffer, returning the first error.
func (rb *RingBuffer) ResetAll() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var first error
	for _, s := range rb.sortedSlots() {
		if err := rb.resetSlot(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Swap exchanges cpu's buffer between rb and other, typically to take a
// snapshot into a spare buffer. Both must have the same size and neither
// may be record-disabled at the time.
func (rb *RingBuffer) Swap(other *RingBuffer, cpu int) error {
	if other == nil || other == rb {
		return fmt.Errorf("%w: cannot swap with itself", ErrBusy)
	}
	first, second := rb, other
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if rb.npages.Load() != other.npages.Load() {
		return fmt.Errorf("%w: %d vs %d pages", ErrSizeMismatch, rb.npages.Load(), other.npages.Load())
	}
	sa, err := rb.slot(cpu)
	if err != nil {
		return err
	}
	sb, err := other.slot(cpu)
	if err != nil {
		return err
	}
	a, b := sa.buf.Load(), sb.buf.Load()
	if rb.disabled.Load() != 0 || other.disabled.Load() != 0 || a.disabled.Load() != 0 || b.disabled.Load() != 0 {
		return ErrBusy
	}

	doneA := quiesce(sa, a)
	defer doneA()
	doneB := quiesce(sb, b)
	defer doneB()

	a.readerMu.Lock()
	defer a.readerMu.Unlock()
	b.readerMu.Lock()
	defer b.readerMu.Unlock()

	a.hooks, b.hooks = other.hooks, rb.hooks
	sa.buf.Store(b)
	sb.buf.Store(a)

	log.Infof("Swapped ring buffer for cpu %d", cpu)
	return nil
}

// AttachCPU adds a buffer for cpu, or reopens a detached one.
func (rb *RingBuffer) AttachCPU(cpu int) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if s, ok := (*rb.slots.Load())[cpu]; ok {
		if !s.detached.Load() {
			return fmt.Errorf("%w: %d", ErrCPUExists, cpu)
		}
		s.detached.Store(false)
		log.Infof("Reattached ring buffer for cpu %d", cpu)
		return nil
	}

	cb, err := newCPUBuffer(cpu, int(rb.npages.Load()), rb.alloc, rb.hooks)
	if err != nil {
		return err
	}
	s := &cpuSlot{id: cpu}
	s.buf.Store(cb)

	old := *rb.slots.Load()
	next := make(map[int]*cpuSlot, len(old)+1)
	for id, v := range old {
		next[id] = v
	}
	next[cpu] = s
	rb.slots.Store(&next)
	log.Infof("Attached ring buffer for cpu %d", cpu)
	return nil
}

// DetachCPU stops new writers on cpu. Unread data stays readable.
func (rb *RingBuffer) DetachCPU(cpu int) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	s, err := rb.slot(cpu)
	if err != nil {
		return err
	}
	s.detached.Store(true)
	s.drain()
	log.Infof("Detached ring buffer for cpu %d", cpu)
	return nil
}

// Close disables recording and frees every page. The buffer must not be
// used afterwards.
func (rb *RingBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return nil
	}
	rb.closed = true
	rb.disabled.Add(1)
	for _, s := range rb.sortedSlots() {
		s.drain()
		cb := s.buf.Load()
		cb.readerMu.Lock()
		cb.release()
		cb.readerMu.Unlock()
	}
	empty := map[int]*cpuSlot{}
	rb.slots.Store(&empty)
	return nil
}
