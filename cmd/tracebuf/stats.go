package main

import (
	"errors"
	"fmt"

	"github.com/jayanthvn/pure-tracebuf/pkg/config"
	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
	"github.com/spf13/cobra"
)

type fillOptions struct {
	events  int
	payload int
}

func (o *fillOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.events, "events", 1000, "events to write, spread over the cpus")
	cmd.Flags().IntVar(&o.payload, "payload", 64, "payload bytes per event")
}

func newStatsCommand() *cobra.Command {
	opts := fillOptions{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Fill a buffer with events and print the per-cpu counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			rb, err := newRingBuffer(c, nil)
			if err != nil {
				return err
			}
			defer rb.Close()
			if _, err := fill(rb, opts); err != nil {
				return err
			}
			return printStats(rb.AllStats())
		},
	}
	opts.addFlags(cmd)
	return cmd
}

// fill writes opts.events events round robin over the cpus of rb and
// returns how many were accepted. Busy writes are expected in drop mode.
func fill(rb *tracebuf.RingBuffer, opts fillOptions) (int, error) {
	if opts.payload < 0 || opts.payload > tracebuf.MaxPayload {
		return 0, fmt.Errorf("payload must be between 0 and %d bytes", tracebuf.MaxPayload)
	}
	cpus := rb.CPUs()
	if len(cpus) == 0 {
		return 0, tracebuf.ErrNoCPU
	}
	data := make([]byte, opts.payload)
	accepted := 0
	for i := 0; i < opts.events; i++ {
		for j := range data {
			data[j] = byte(i + j)
		}
		err := rb.Write(cpus[i%len(cpus)], data)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, tracebuf.ErrBusy):
		default:
			return accepted, err
		}
	}
	log.Debugf("Filled buffer: %d of %d events accepted", accepted, opts.events)
	return accepted, nil
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), c)
			}
			printConfig(cmd, c)
			return nil
		},
	}
}

func printConfig(cmd *cobra.Command, c *config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "buffer.size:       %d\n", c.Buffer.Size)
	fmt.Fprintf(out, "buffer.overwrite:  %v\n", c.Buffer.Overwrite)
	fmt.Fprintf(out, "buffer.cpus:       %q\n", c.Buffer.CPUs)
	fmt.Fprintf(out, "buffer.allocator:  %s\n", c.Buffer.Allocator)
	fmt.Fprintf(out, "buffer.heap_limit: %d\n", c.Buffer.HeapLimit)
	fmt.Fprintf(out, "buffer.clock:      %s\n", c.Buffer.Clock)
	fmt.Fprintf(out, "metrics.addr:      %q\n", c.Metrics.Addr)
	fmt.Fprintf(out, "metrics.namespace: %s\n", c.Metrics.Namespace)
	fmt.Fprintf(out, "log.level:         %s\n", c.Log.Level)
}
