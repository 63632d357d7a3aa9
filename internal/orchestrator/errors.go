package orchestrator

import "errors"

// Public contract errors. Recoverable load conditions never surface as
// errors; they are state transitions carrying a Reason.
var (
	ErrUnknownWindow      = errors.New("unknown window id")
	ErrWindowClosed       = errors.New("window is closed")
	ErrWindowFocused      = errors.New("cannot hibernate the focused window")
	ErrOrchestratorClosed = errors.New("orchestrator is closed")
)
