// Package poller turns ring buffer wakeups into ready CPU ids. Every CPU
// gets an eventfd that producers bump through Wake, and one epoll instance
// waits on all of them.
package poller

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jayanthvn/pure-tracebuf/pkg/logger"
	"golang.org/x/sys/unix"
)

var log = logger.Get()

const defaultPollTimeoutMs = 150

type Poller struct {
	// mutexes protect the fields declared below them. If you need to
	// acquire both at once you must lock epollMu before fdMu.
	epollMu sync.Mutex
	epollFd int
	closing *eventFd

	fdMu sync.RWMutex
	cpus map[int]*eventFd
	byFd map[int]int

	stopChan  chan struct{}
	readyChan chan int
	wg        sync.WaitGroup
}

// New creates a poller with one eventfd per cpu.
func New(cpus []int) (*Poller, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create call epollCreate1: %w", err)
	}
	p := &Poller{
		epollFd: epollFd,
		cpus:    make(map[int]*eventFd, len(cpus)),
		byFd:    make(map[int]int, len(cpus)),
	}

	p.closing, err = newEventFd()
	if err != nil {
		unix.Close(epollFd)
		return nil, err
	}
	if err := p.watch(p.closing.raw); err != nil {
		p.closing.close()
		unix.Close(epollFd)
		return nil, fmt.Errorf("add close eventfd: %w", err)
	}

	for _, cpu := range cpus {
		if err := p.Add(cpu); err != nil {
			p.Close()
			return nil, err
		}
	}
	log.Infof("Created poller for %d cpus, epollFD %d", len(cpus), epollFd)
	return p, nil
}

func (p *Poller) watch(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Add starts watching cpu. Adding a cpu twice is a no-op.
func (p *Poller) Add(cpu int) error {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if _, ok := p.cpus[cpu]; ok {
		return nil
	}

	efd, err := newEventFd()
	if err != nil {
		return fmt.Errorf("eventfd for cpu %d: %w", cpu, err)
	}
	if err := p.watch(efd.raw); err != nil {
		efd.close()
		log.Infof("Failed to add eventFD to manage epoll: %v", err)
		return fmt.Errorf("add eventfd for cpu %d: %w", cpu, err)
	}
	p.cpus[cpu] = efd
	p.byFd[efd.raw] = cpu
	return nil
}

// Wake marks cpu ready. It never blocks, so producers can call it.
func (p *Poller) Wake(cpu int) {
	p.fdMu.RLock()
	efd, ok := p.cpus[cpu]
	p.fdMu.RUnlock()
	if !ok {
		return
	}
	// EAGAIN only means the counter is saturated; the cpu is ready anyway
	_ = efd.add(1)
}

// Wait blocks up to timeoutMs (-1 for ever) and returns the cpus woken
// since the last call, in order.
func (p *Poller) Wait(timeoutMs int) ([]int, error) {
	p.epollMu.Lock()
	defer p.epollMu.Unlock()
	if p.epollFd < 0 {
		return nil, fmt.Errorf("epoll wait: %w", os.ErrClosed)
	}

	p.fdMu.RLock()
	events := make([]unix.EpollEvent, len(p.cpus)+1)
	p.fdMu.RUnlock()

	for {
		n, err := unix.EpollWait(p.epollFd, events, timeoutMs)
		if temp, ok := err.(temporaryError); ok && temp.Temporary() {
			// Retry the syscall if we were interrupted, see https://github.com/golang/go/issues/20400
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll wait: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("epoll wait: %w", os.ErrDeadlineExceeded)
		}

		var ready []int
		p.fdMu.RLock()
		for _, event := range events[:n] {
			fd := int(event.Fd)
			if fd == p.closing.raw {
				p.fdMu.RUnlock()
				// The close event is never read, so every waiter sees it
				// until Close takes the lock.
				return nil, fmt.Errorf("epoll wait: %w", os.ErrClosed)
			}
			cpu, ok := p.byFd[fd]
			if !ok {
				continue
			}
			if _, err := p.cpus[cpu].read(); err != nil && !errors.Is(err, unix.EAGAIN) {
				log.Warnf("Failed to clear eventfd for cpu %d: %v", cpu, err)
			}
			ready = append(ready, cpu)
		}
		p.fdMu.RUnlock()
		sort.Ints(ready)
		return ready, nil
	}
}

// Start polls in the background and sends ready cpu ids on the returned
// channel until Stop.
func (p *Poller) Start() <-chan int {
	p.stopChan = make(chan struct{})
	p.readyChan = make(chan int)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stopChan:
				return
			default:
			}
			cpus, err := p.Wait(defaultPollTimeoutMs)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if err != nil {
				if !errors.Is(err, os.ErrClosed) {
					log.Errorf("Poller stopped: %v", err)
				}
				return
			}
			for _, cpu := range cpus {
				select {
				case p.readyChan <- cpu:
				case <-p.stopChan:
					return
				}
			}
		}
	}()
	return p.readyChan
}

// Stop ends the Start loop, closes the poller and the ready channel.
func (p *Poller) Stop() {
	if p.stopChan != nil {
		close(p.stopChan)
	}
	p.Close()
	p.wg.Wait()
	if p.readyChan != nil {
		close(p.readyChan)
	}
}

// Close releases the epoll instance and every eventfd. Blocked Wait calls
// return os.ErrClosed.
func (p *Poller) Close() error {
	if err := p.closing.add(1); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Warnf("Failed to signal poller close: %v", err)
	}

	p.epollMu.Lock()
	defer p.epollMu.Unlock()
	if p.epollFd < 0 {
		return nil
	}
	err := unix.Close(p.epollFd)
	p.epollFd = -1

	p.fdMu.Lock()
	for cpu, efd := range p.cpus {
		efd.close()
		delete(p.cpus, cpu)
	}
	p.byFd = map[int]int{}
	p.fdMu.Unlock()
	p.closing.close()
	return err
}
