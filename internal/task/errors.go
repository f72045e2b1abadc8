package task

import "errors"

// Error taxonomy shared by the store, daemon, adapters, and CLI.
// Callers wrap these with %w and match with errors.Is at the boundary.
var (
	ErrNotFound           = errors.New("task not found")
	ErrAmbiguous          = errors.New("ambiguous task reference")
	ErrConfig             = errors.New("invalid configuration")
	ErrAdapterUnsupported = errors.New("operation not supported by adapter")
	ErrDirtyWorkingTree   = errors.New("working tree has uncommitted changes")
	ErrApplyConflict      = errors.New("apply conflict")
	ErrWorkerFailure      = errors.New("worker failure")
	ErrDaemonUnavailable  = errors.New("task daemon unavailable")
)
