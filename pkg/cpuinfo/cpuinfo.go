// Package cpuinfo discovers the CPU ids a per-CPU ring buffer should cover.
package cpuinfo

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

const (
	possiblePath = "/sys/devices/system/cpu/possible"
	onlinePath   = "/sys/devices/system/cpu/online"
)

// Possible returns every CPU id the kernel may ever bring online.
func Possible() ([]int, error) {
	return readCPUList(possiblePath)
}

// Online returns the CPU ids currently online.
func Online() ([]int, error) {
	return readCPUList(onlinePath)
}

// Count returns the number of possible CPUs, the same value the kernel
// uses to size its per-CPU perf and trace buffers.
func Count() (int, error) {
	cpus, err := Possible()
	if err != nil {
		return 0, err
	}
	return cpus[len(cpus)-1] + 1, nil
}

// Discover returns the possible CPU set, falling back to the scheduler
// affinity mask and finally to runtime.NumCPU when sysfs is unavailable.
func Discover() []int {
	if cpus, err := Possible(); err == nil {
		return cpus
	}
	if cpus, err := Affinity(); err == nil && len(cpus) > 0 {
		return cpus
	}
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

func readCPUList(path string) ([]int, error) {
	specBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseList(string(specBytes))
}

// ParseList parses the kernel cpulist format, e.g. "0", "0-7" or "0-3,8-11,14".
func ParseList(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty cpu list")
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		lowStr, highStr, isRange := strings.Cut(part, "-")
		low, err := strconv.Atoi(lowStr)
		if err != nil || low < 0 {
			return nil, fmt.Errorf("invalid format: %s", spec)
		}
		high := low
		if isRange {
			high, err = strconv.Atoi(highStr)
			if err != nil || high < low {
				return nil, fmt.Errorf("invalid format: %s", spec)
			}
		}
		for cpu := low; cpu <= high; cpu++ {
			seen[cpu] = struct{}{}
		}
	}

	cpus := make([]int, 0, len(seen))
	for cpu := range seen {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus, nil
}
