package rsm

import "github.com/statewise/go-rsm/internal/constants"

// Re-export constants for public API
const (
	KeyDone             = constants.KeyDone
	KeyDoneRedo         = constants.KeyDoneRedo
	NoneApplied         = constants.NoneApplied
	InstanceWaitTimeout = constants.InstanceWaitTimeout
	ForgetThreshold     = constants.ForgetThreshold
)
