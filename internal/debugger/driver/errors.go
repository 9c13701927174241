package driver

import "errors"

// Sentinel errors for the driver's failure taxonomy (spec.md §4.A, §7).
// Callers use errors.Is to classify a failed Execute/Start/Stop call.
var (
	ErrConfigInvalid    = errors.New("config invalid")
	ErrStartupFailed    = errors.New("startup failed")
	ErrStartupTimeout   = errors.New("startup timeout")
	ErrNotActive        = errors.New("driver not active")
	ErrCommandTimeout   = errors.New("command timeout")
	ErrCancelledByCaller = errors.New("cancelled by caller")
	ErrProcessDied      = errors.New("process died")
	ErrDisposed         = errors.New("driver disposed")
)
