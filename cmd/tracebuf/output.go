package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/jayanthvn/pure-tracebuf/pkg/config"
	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
	"github.com/sugawarayuuta/sonnet"
)

func newRingBuffer(c *config.Config, hooks tracebuf.Hooks) (*tracebuf.RingBuffer, error) {
	rc, err := c.RingBuffer()
	if err != nil {
		return nil, err
	}
	rc.Hooks = hooks
	return tracebuf.New(rc)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printStats(stats []tracebuf.Stats) error {
	if output == "json" {
		return printJSON(os.Stdout, stats)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "CPU\tENTRIES\tOVERRUN\tDROPPED\tCOMMIT_OVERRUN\tABNORMAL\tPAGES\tSTATE\t")
	for _, st := range stats {
		state := "enabled"
		switch {
		case st.Detached:
			state = "detached"
		case st.Disabled:
			state = "disabled"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t\n",
			st.CPU, st.Entries, st.Overrun, st.Dropped, st.CommitOverrun, st.Abnormal, st.Pages, state)
	}
	return w.Flush()
}
