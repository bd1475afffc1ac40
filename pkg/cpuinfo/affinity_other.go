//go:build !linux

package cpuinfo

import "errors"

func Affinity() ([]int, error) {
	return nil, errors.New("cpu affinity is only available on linux")
}
