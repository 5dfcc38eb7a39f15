//go:build linux

package apply

import (
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pinThread optionally locks the apply goroutine to its OS thread and
// restricts that thread to the given CPUs. Failure to set affinity is
// not fatal; the loop runs unpinned.
func pinThread(cpus []int, logger *zap.Logger) {
	if len(cpus) == 0 {
		return
	}

	runtime.LockOSThread()

	var mask unix.CPUSet
	for _, cpu := range cpus {
		mask.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		logger.Warn("failed to set apply loop CPU affinity",
			zap.Ints("cpus", cpus), zap.Error(err))
		return
	}
	logger.Debug("apply loop pinned", zap.Ints("cpus", cpus))
}
