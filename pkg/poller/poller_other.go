//go:build !linux

// Package poller turns ring buffer wakeups into ready CPU ids. It needs
// epoll and eventfd, so it only works on linux.
package poller

import "errors"

var errUnsupported = errors.New("poller: epoll is only available on linux")

type Poller struct{}

func New(cpus []int) (*Poller, error) {
	return nil, errUnsupported
}

func (p *Poller) Add(cpu int) error {
	return errUnsupported
}

func (p *Poller) Wake(cpu int) {}

func (p *Poller) Wait(timeoutMs int) ([]int, error) {
	return nil, errUnsupported
}

func (p *Poller) Start() <-chan int {
	ch := make(chan int)
	close(ch)
	return ch
}

func (p *Poller) Stop() {}

func (p *Poller) Close() error {
	return nil
}
