package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jayanthvn/pure-tracebuf/pkg/metrics"
	"github.com/jayanthvn/pure-tracebuf/pkg/poller"
	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

type stressOptions struct {
	duration time.Duration
	payload  int
	rate     int
}

// consumerStats tracks what the reader saw on one cpu.
type consumerStats struct {
	read      uint64
	gaps      uint64
	reordered uint64
	lastSeq   uint64
	lastStamp uint64
}

func newStressCommand() *cobra.Command {
	opts := stressOptions{}
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run one producer per cpu against the buffer and drain it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer cancel()
			return runStress(ctx, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.duration, "duration", 5*time.Second, "how long to produce")
	cmd.Flags().IntVar(&opts.payload, "payload", 64, "payload bytes per event (at least 8)")
	cmd.Flags().IntVar(&opts.rate, "rate", 0, "events per second per cpu, 0 for as fast as possible")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	if err := v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr")); err != nil {
		panic(err)
	}
	return cmd
}

func runStress(ctx context.Context, opts stressOptions) error {
	if opts.payload < 8 || opts.payload > tracebuf.MaxPayload {
		return fmt.Errorf("payload must be between 8 and %d bytes", tracebuf.MaxPayload)
	}
	c, err := loadConfig()
	if err != nil {
		return err
	}

	hooks := metrics.NewHooks(c.Metrics.Namespace)
	rb, err := newRingBuffer(c, hooks)
	if err != nil {
		return err
	}
	defer rb.Close()

	if c.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		if err := hooks.Register(reg); err != nil {
			return err
		}
		reg.MustRegister(metrics.NewCollector(c.Metrics.Namespace, rb))
		srv := &http.Server{Addr: c.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer srv.Close()
		log.Infof("Serving metrics on %s", c.Metrics.Addr)
	}

	cpus := rb.CPUs()
	p, err := poller.New(cpus)
	if err != nil {
		return err
	}
	rb.SetWaker(p)

	seen := make(map[int]*consumerStats, len(cpus))
	for _, cpu := range cpus {
		seen[cpu] = &consumerStats{}
	}

	var written atomic.Uint64
	prodCtx, stop := context.WithTimeout(ctx, opts.duration)
	defer stop()
	var wg sync.WaitGroup
	for _, cpu := range cpus {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			written.Add(produce(prodCtx, rb, cpu, opts))
		}(cpu)
	}

	ready := p.Start()
	for _, cpu := range cpus {
		drainArmed(rb, cpu, seen[cpu])
	}
	producersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(producersDone)
	}()

	fallback := time.NewTicker(100 * time.Millisecond)
	defer fallback.Stop()
loop:
	for {
		select {
		case cpu := <-ready:
			drainArmed(rb, cpu, seen[cpu])
		case <-fallback.C:
			// overwrite mode can retire pages without a commit the reader
			// is waiting for, so poll now and then as well
			for _, cpu := range cpus {
				drainArmed(rb, cpu, seen[cpu])
			}
		case <-producersDone:
			break loop
		}
	}
	p.Stop()
	for _, cpu := range cpus {
		drain(rb, cpu, seen[cpu])
	}

	var read, gaps, reordered uint64
	for _, s := range seen {
		read += s.read
		gaps += s.gaps
		reordered += s.reordered
	}
	log.Infof("Stress done: written=%d read=%d gaps=%d reordered=%d", written.Load(), read, gaps, reordered)
	if output != "json" {
		fmt.Printf("written %d, read %d, lost %d, reordered %d\n", written.Load(), read, written.Load()-read, reordered)
	}
	if err := printStats(rb.AllStats()); err != nil {
		return err
	}
	if reordered > 0 {
		return fmt.Errorf("%d events were read out of order", reordered)
	}
	return nil
}

// produce writes sequence-numbered events on cpu until ctx ends and returns
// how many were accepted.
func produce(ctx context.Context, rb *tracebuf.RingBuffer, cpu int, opts stressOptions) uint64 {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var interval time.Duration
	if opts.rate > 0 {
		interval = time.Second / time.Duration(opts.rate)
	}
	var seq, accepted uint64
	next := time.Now()
	for ctx.Err() == nil {
		if interval > 0 {
			if d := time.Until(next); d > 0 {
				time.Sleep(d)
			}
			next = next.Add(interval)
		}
		h, err := rb.Reserve(cpu, opts.payload)
		seq++
		if err != nil {
			if !errors.Is(err, tracebuf.ErrBusy) {
				log.Errorf("Producer on cpu %d stopped: %v", cpu, err)
				return accepted
			}
			// full; let the reader catch up
			runtime.Gosched()
			continue
		}
		binary.LittleEndian.PutUint64(h.Payload(), seq)
		if err := h.Commit(); err != nil {
			log.Errorf("Commit on cpu %d failed: %v", cpu, err)
			return accepted
		}
		accepted++
	}
	return accepted
}

// drainArmed empties cpu and re-arms its wakeup, draining again if data
// slipped in before the wakeup was armed.
func drainArmed(rb *tracebuf.RingBuffer, cpu int, s *consumerStats) {
	for {
		drain(rb, cpu, s)
		armed, err := rb.ArmWakeup(cpu)
		if err != nil || armed {
			return
		}
	}
}

func drain(rb *tracebuf.RingBuffer, cpu int, s *consumerStats) {
	for {
		ev, err := rb.Consume(cpu)
		if err != nil {
			return
		}
		seq := binary.LittleEndian.Uint64(ev.Data)
		switch {
		case seq <= s.lastSeq || ev.Timestamp < s.lastStamp:
			s.reordered++
		case seq != s.lastSeq+1:
			s.gaps++
		}
		s.lastSeq = seq
		s.lastStamp = ev.Timestamp
		s.read++
	}
}
