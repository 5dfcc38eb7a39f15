// Package constants defines shared constants for the go-rsm project
package constants

import "time"

// Durable key layout. The values under these keys are 4-byte big-endian
// signed integers; the key byte strings are part of the durable contract
// and must not change between versions of the same cluster.
const (
	// KeyDone holds the highest instance id whose transform has completed
	// and whose advance has been recorded.
	KeyDone = "rsm_done"

	// KeyDoneRedo holds the pre-apply done pointer while an apply is in
	// flight. Present across restarts iff a crash interrupted an apply.
	KeyDoneRedo = "rsm_done_redo"
)

const (
	// NoneApplied is the done pointer before any instance has been applied.
	NoneApplied int64 = -1

	// InstanceWaitTimeout bounds the wait for a decided slot before the
	// apply loop falls back to catch-up.
	InstanceWaitTimeout = 100 * time.Millisecond

	// ForgetThreshold is the number of successful applies after which the
	// next apply triggers a coordinator forget. The counter is process
	// local and is not persisted; a restart starts the count over.
	ForgetThreshold = 100
)
