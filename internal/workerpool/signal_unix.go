//go:build unix

package workerpool

import (
	"os/exec"
	"syscall"
)

// terminateSignal is SIGTERM: the soft-cancellation signal sent before the
// hard SIGKILL escalation (spec §4.5/§5).
const terminateSignal = syscall.SIGTERM

// peakRSSKB extracts the child's peak resident set size from its rusage.
// Returns 0 if the platform didn't populate one.
func peakRSSKB(state *exec.ProcessState) int64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	return int64(ru.Maxrss)
}
