package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
	"github.com/spf13/cobra"
)

func newSnapshotCommand() *cobra.Command {
	opts := fillOptions{}
	var dir string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fill a buffer, swap it out per cpu and write the raw pages",
		Long: `snapshot fills a buffer with events, swaps every cpu buffer into a spare
of the same size and extracts the spare's pages into <out>/cpu<N>.pages.
The files hold whole pages in the wire layout and can be read back with
"tracebuf decode".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, dir)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&dir, "out", ".", "directory for the page files")
	return cmd
}

type snapshotResult struct {
	CPU    int    `json:"cpu"`
	File   string `json:"file"`
	Pages  int    `json:"pages"`
	Events int    `json:"events"`
}

func runSnapshot(opts fillOptions, dir string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	rb, err := newRingBuffer(c, nil)
	if err != nil {
		return err
	}
	defer rb.Close()
	spare, err := newRingBuffer(c, nil)
	if err != nil {
		return err
	}
	defer spare.Close()

	if _, err := fill(rb, opts); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var results []snapshotResult
	for _, cpu := range rb.CPUs() {
		if err := rb.Swap(spare, cpu); err != nil {
			return fmt.Errorf("swap cpu %d: %w", cpu, err)
		}
		res, err := dumpCPU(spare, cpu, filepath.Join(dir, fmt.Sprintf("cpu%d.pages", cpu)))
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	if output == "json" {
		return printJSON(os.Stdout, results)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CPU\tPAGES\tEVENTS\tFILE")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", r.CPU, r.Pages, r.Events, r.File)
	}
	return w.Flush()
}

func dumpCPU(rb *tracebuf.RingBuffer, cpu int, path string) (snapshotResult, error) {
	res := snapshotResult{CPU: cpu, File: path}
	f, err := os.Create(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	p, err := rb.AllocPage()
	if err != nil {
		return res, err
	}
	defer rb.FreePage(p)

	for {
		_, err := rb.ExtractPage(cpu, p, tracebuf.PageCapacity, false)
		if errors.Is(err, tracebuf.ErrNoData) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("extract cpu %d: %w", cpu, err)
		}
		if err := p.Each(func(uint64, []byte) bool {
			res.Events++
			return true
		}); err != nil {
			return res, err
		}
		if _, err := f.Write(p.Bytes()); err != nil {
			return res, err
		}
		res.Pages++
	}
	return res, f.Sync()
}

type decodedEvent struct {
	Page      int    `json:"page"`
	Timestamp uint64 `json:"timestamp"`
	Length    int    `json:"length"`
	Head      string `json:"head"`
}

func newDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode FILE...",
		Short: "Print the events stored in page files written by snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				events, err := decodeFile(path)
				if err != nil {
					return err
				}
				if output == "json" {
					if err := printJSON(os.Stdout, events); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s: %d events\n", path, len(events))
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PAGE\tTIMESTAMP\tLEN\tHEAD")
				for _, e := range events {
					fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", e.Page, e.Timestamp, e.Length, e.Head)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func decodeFile(path string) ([]decodedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []decodedEvent
	buf := make([]byte, tracebuf.PageSize)
	for page := 0; ; page++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("%s page %d: %w", path, page, err)
		}
		p, err := tracebuf.ParsePage(buf)
		if err != nil {
			return nil, fmt.Errorf("%s page %d: %w", path, page, err)
		}
		err = p.Each(func(ts uint64, data []byte) bool {
			head := data
			if len(head) > 8 {
				head = head[:8]
			}
			events = append(events, decodedEvent{Page: page, Timestamp: ts, Length: len(data), Head: hex.EncodeToString(head)})
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("%s page %d: %w", path, page, err)
		}
	}
}
