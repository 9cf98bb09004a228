//go:build linux

package monitor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// hostMemPercent reads /proc/meminfo for used-memory percentage, in the
// same "read one /proc file, parse fields" idiom the pack's process-tree
// watcher used for /proc/<pid>/cmdline, generalized to host-wide memory
// accounting (spec §4.7 host memory percent).
func hostMemPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fields := map[string]float64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		fields[key] = v
	}
	total, ok := fields["MemTotal"]
	if !ok || total == 0 {
		return 0, fmt.Errorf("hostproc: MemTotal not found")
	}
	available, ok := fields["MemAvailable"]
	if !ok {
		available = fields["MemFree"]
	}
	used := total - available
	return used / total * 100, nil
}

// cpuSample is one /proc/stat aggregate line's jiffie counters.
type cpuSample struct {
	idle, total float64
}

func readCPUSample() (cpuSample, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuSample{}, fmt.Errorf("hostproc: empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}, fmt.Errorf("hostproc: unexpected /proc/stat format")
	}

	var total float64
	var idle float64
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle is the 4th counter
			idle = v
		}
	}
	return cpuSample{idle: idle, total: total}, nil
}

// hostCPUPercent takes two /proc/stat snapshots 100ms apart and derives
// percent busy from the delta, the standard approach since /proc/stat's
// counters are cumulative since boot rather than an instantaneous gauge.
func hostCPUPercent() (float64, error) {
	first, err := readCPUSample()
	if err != nil {
		return 0, err
	}
	time.Sleep(100 * time.Millisecond)
	second, err := readCPUSample()
	if err != nil {
		return 0, err
	}

	totalDelta := second.total - first.total
	idleDelta := second.idle - first.idle
	if totalDelta <= 0 {
		return 0, nil
	}
	return (1 - idleDelta/totalDelta) * 100, nil
}
