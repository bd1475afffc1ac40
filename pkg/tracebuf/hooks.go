package tracebuf

// Origin identifies the execution context a reservation comes from. Only
// OriginNMI changes behavior: it never waits on the boundary lock.
type Origin int

const (
	OriginTask Origin = iota
	OriginIRQ
	OriginNMI
)

func (o Origin) String() string {
	switch o {
	case OriginTask:
		return "task"
	case OriginIRQ:
		return "irq"
	case OriginNMI:
		return "nmi"
	}
	return "unknown"
}

// Hooks receives instrumentation callbacks. A nil Hooks costs one branch
// per event. Implementations must not write to the ring buffer.
type Hooks interface {
	// Dropped is called when a reservation fails with ErrBusy.
	Dropped(cpu int)
	// Overrun is called when overwrite mode retires the oldest page.
	Overrun(cpu int, events uint64)
	// Abnormal is called once when a CPU buffer degrades, and for every
	// reservation refused because nested writers lapped the commit page.
	// The latter leaves recording enabled.
	Abnormal(cpu int, err error)
}

// Waker is notified after a commit on a CPU whose reader armed a wakeup
// through ArmWakeup. Wake runs on the producer path and must not block.
type Waker interface {
	Wake(cpu int)
}
