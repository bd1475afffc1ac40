package tracebuf

import (
	"runtime"
	"sync/atomic"
)

const spinsBeforeYield = 64

// spinLock guards page-boundary crossings. Producers only take it when a
// reservation runs off the end of the tail page; readers take it to swap
// the reader page.
type spinLock struct {
	state atomic.Int32
}

func (l *spinLock) Lock() {
	for spins := 0; !l.state.CompareAndSwap(0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock never spins. Reservations from NMI context use it and fail
// instead of waiting on a holder they may have interrupted.
func (l *spinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

func (l *spinLock) Unlock() {
	l.state.Store(0)
}
