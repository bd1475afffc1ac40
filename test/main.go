package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/jayanthvn/pure-tracebuf/pkg/clock"
	"github.com/jayanthvn/pure-tracebuf/pkg/pagealloc"
	"github.com/jayanthvn/pure-tracebuf/pkg/poller"
	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
)

type testFunc struct {
	Name string
	Func func() error
}

func print_failure(err error) {
	fmt.Println(color.RedString("FAILED: %v", err))
}

func print_success() {
	fmt.Println(color.GreenString("SUCCESS!"))
}

func print_message(message string) {
	fmt.Println(color.YellowString(message))
}

func main() {
	fmt.Println(color.BlueString("Start testing ring buffer........."))
	testFunctions := []testFunc{
		{Name: "Test write and consume", Func: TestRoundTrip},
		{Name: "Test drop mode when full", Func: TestDropMode},
		{Name: "Test overwrite mode when full", Func: TestOverwriteMode},
		{Name: "Test mmap backed pages", Func: TestMmapPages},
		{Name: "Test resize", Func: TestResize},
		{Name: "Test swap and extract", Func: TestSwapExtract},
		{Name: "Test poller wakeup", Func: TestPollerWakeup},
	}

	testSummary := make(map[string]string)
	failed := false

	for _, fn := range testFunctions {
		print_message("Testing " + fn.Name)
		err := fn.Func()
		if err != nil {
			print_failure(err)
			testSummary[fn.Name] = "FAILED"
			failed = true
		} else {
			print_success()
			testSummary[fn.Name] = "SUCCESS"
		}
	}

	fmt.Println(color.MagentaString("==========================================================="))
	fmt.Println(color.MagentaString("                   TESTING SUMMARY                         "))
	fmt.Println(color.MagentaString("==========================================================="))
	summary := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	header := strings.Join([]string{color.YellowString("TestCase"), color.YellowString("Result")}, "\t")

	fmt.Fprintln(summary, header)

	names := make([]string, 0, len(testSummary))
	for k := range testSummary {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v := testSummary[k]
		if v == "FAILED" {
			fmt.Fprintf(summary, "%s\t%s\n", k, color.RedString(v))
		}
		if v == "SUCCESS" {
			fmt.Fprintf(summary, "%s\t%s\n", k, color.GreenString(v))
		}
	}
	summary.Flush()
	fmt.Println(color.MagentaString("==========================================================="))
	if failed {
		os.Exit(1)
	}
}

func newBuffer(pages int, overwrite bool) (*tracebuf.RingBuffer, error) {
	return tracebuf.New(tracebuf.Config{
		Size:      pages * tracebuf.PageSize,
		Overwrite: overwrite,
		CPUs:      []int{0, 1},
		Clock:     &clock.Ticker{Step: 10},
	})
}

func event(i int) []byte {
	b := make([]byte, 500)
	copy(b, fmt.Sprintf("event-%04d", i))
	return b
}

func eventID(b []byte) int {
	var i int
	fmt.Sscanf(string(b[:10]), "event-%04d", &i)
	return i
}

func drain(rb *tracebuf.RingBuffer, cpu int) []int {
	var ids []int
	for {
		ev, err := rb.Consume(cpu)
		if err != nil {
			return ids
		}
		ids = append(ids, eventID(ev.Data))
	}
}

func TestRoundTrip() error {
	rb, err := newBuffer(4, false)
	if err != nil {
		return err
	}
	defer rb.Close()

	h, err := rb.Reserve(1, 11)
	if err != nil {
		return err
	}
	copy(h.Payload(), "hello world")
	if err := h.Commit(); err != nil {
		return err
	}
	fmt.Println("Committed event at", h.Timestamp())

	ev, err := rb.Consume(1)
	if err != nil {
		return err
	}
	if !bytes.Equal(ev.Data, []byte("hello world")) {
		return fmt.Errorf("read back %q", ev.Data)
	}
	if _, err := rb.Consume(1); !errors.Is(err, tracebuf.ErrNoData) {
		return fmt.Errorf("expected no data, got %v", err)
	}
	return nil
}

func TestDropMode() error {
	rb, err := newBuffer(2, false)
	if err != nil {
		return err
	}
	defer rb.Close()

	busy := 0
	for i := 1; i <= 20; i++ {
		if err := rb.Write(0, event(i)); errors.Is(err, tracebuf.ErrBusy) {
			busy++
		} else if err != nil {
			return err
		}
	}
	ids := drain(rb, 0)
	fmt.Println("Accepted", len(ids), "events, busy", busy)
	if len(ids) != 16 || busy != 4 {
		return fmt.Errorf("expected 16 accepted and 4 busy")
	}
	for i, id := range ids {
		if id != i+1 {
			return fmt.Errorf("event %d out of order: %d", i, id)
		}
	}
	return nil
}

func TestOverwriteMode() error {
	rb, err := newBuffer(2, true)
	if err != nil {
		return err
	}
	defer rb.Close()

	for i := 1; i <= 20; i++ {
		if err := rb.Write(0, event(i)); err != nil {
			return err
		}
	}
	overrun, err := rb.Overrun(0)
	if err != nil {
		return err
	}
	ids := drain(rb, 0)
	fmt.Println("Overrun", overrun, "remaining", ids)
	if overrun+uint64(len(ids)) != 20 {
		return fmt.Errorf("overrun %d + read %d != 20", overrun, len(ids))
	}
	if len(ids) == 0 || ids[len(ids)-1] != 20 {
		return fmt.Errorf("newest event missing")
	}
	return nil
}

func TestMmapPages() error {
	alloc := pagealloc.NewMmap()
	rb, err := tracebuf.New(tracebuf.Config{Size: 3 * tracebuf.PageSize, CPUs: []int{0}, Allocator: alloc})
	if err != nil {
		return err
	}
	for i := 1; i <= 10; i++ {
		if err := rb.Write(0, event(i)); err != nil {
			return err
		}
	}
	if n := len(drain(rb, 0)); n != 10 {
		return fmt.Errorf("read %d events", n)
	}
	if err := rb.Close(); err != nil {
		return err
	}
	if alloc.Live() != 0 {
		return fmt.Errorf("%d mmap blocks leaked", alloc.Live())
	}
	return nil
}

func TestResize() error {
	rb, err := newBuffer(2, false)
	if err != nil {
		return err
	}
	defer rb.Close()

	for i := 1; i <= 10; i++ {
		_ = rb.Write(0, event(i))
	}
	size, err := rb.Resize(6 * tracebuf.PageSize)
	if err != nil {
		return err
	}
	fmt.Println("Resized to", size, "bytes per cpu")
	for _, cpu := range rb.CPUs() {
		if err := rb.Check(cpu); err != nil {
			return err
		}
	}
	for i := 11; i <= 40; i++ {
		if err := rb.Write(0, event(i)); err != nil {
			return fmt.Errorf("write %d after grow: %w", i, err)
		}
	}
	if n := len(drain(rb, 0)); n != 40 {
		return fmt.Errorf("read %d events after grow", n)
	}
	return nil
}

func TestSwapExtract() error {
	rb, err := newBuffer(2, false)
	if err != nil {
		return err
	}
	defer rb.Close()
	spare, err := newBuffer(2, false)
	if err != nil {
		return err
	}
	defer spare.Close()

	for i := 1; i <= 12; i++ {
		if err := rb.Write(1, event(i)); err != nil {
			return err
		}
	}
	if err := rb.Swap(spare, 1); err != nil {
		return err
	}
	if !rb.EmptyCPU(1) {
		return fmt.Errorf("buffer not empty after swap")
	}

	p, err := spare.AllocPage()
	if err != nil {
		return err
	}
	defer spare.FreePage(p)
	total := 0
	for {
		n, err := spare.ExtractPage(1, p, tracebuf.PageCapacity, false)
		if errors.Is(err, tracebuf.ErrNoData) {
			break
		}
		if err != nil {
			return err
		}
		err = p.Each(func(ts uint64, data []byte) bool {
			total++
			return true
		})
		if err != nil {
			return err
		}
		fmt.Println("Extracted page with", n, "bytes")
	}
	if total != 12 {
		return fmt.Errorf("extracted %d events", total)
	}
	return nil
}

func TestPollerWakeup() error {
	rb, err := newBuffer(2, false)
	if err != nil {
		return err
	}
	defer rb.Close()

	p, err := poller.New(rb.CPUs())
	if err != nil {
		return err
	}
	defer p.Close()
	rb.SetWaker(p)

	armed, err := rb.ArmWakeup(1)
	if err != nil {
		return err
	}
	if !armed {
		return fmt.Errorf("wakeup not armed on an empty buffer")
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = rb.Write(1, event(1))
	}()

	cpus, err := p.Wait(2000)
	if err != nil {
		return err
	}
	fmt.Println("Woken cpus", cpus)
	if len(cpus) != 1 || cpus[0] != 1 {
		return fmt.Errorf("expected cpu 1, got %v", cpus)
	}
	return nil
}
