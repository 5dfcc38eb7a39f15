//go:build !linux

package apply

import "go.uber.org/zap"

// pinThread is a no-op on platforms without sched_setaffinity.
func pinThread(cpus []int, logger *zap.Logger) {
	if len(cpus) > 0 {
		logger.Debug("CPU affinity not supported on this platform")
	}
}
