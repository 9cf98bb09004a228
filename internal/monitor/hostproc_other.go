//go:build !linux

package monitor

import "fmt"

// hostMemPercent and hostCPUPercent have no portable /proc-free
// implementation in this package; non-Linux builds report an error
// rather than a fabricated number, and Monitor.Sample treats the error
// as "0, skip" (spec scope is single-host Linux operation per §1).
func hostMemPercent() (float64, error) {
	return 0, fmt.Errorf("hostproc: host memory sampling not supported on this platform")
}

func hostCPUPercent() (float64, error) {
	return 0, fmt.Errorf("hostproc: host CPU sampling not supported on this platform")
}
