package orchestrator

import (
	"hyperchat/internal/engine"
	"hyperchat/internal/service"
)

// State is a session's position in the load state machine.
type State string

const (
	StateIdle        State = "idle"
	StateQueued      State = "queued"
	StateProvisional State = "provisional_load"
	StateCommitted   State = "committed"
	StateLoaded      State = "loaded"
	StateRetrying    State = "retrying"
	StateFailed      State = "failed"
	StateTerminated  State = "terminated"
)

// terminal reports whether a state releases the load queue.
func (s State) terminal() bool {
	return s == StateCommitted || s == StateLoaded || s == StateFailed || s == StateTerminated
}

// Reason qualifies a state transition with the failure taxonomy.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonNavigationTimeout    Reason = "navigation_timeout"
	ReasonNavigationFailed     Reason = "navigation_failed"
	ReasonNavigationCancelled  Reason = "navigation_cancelled"
	ReasonProcessTerminated    Reason = "content_process_terminated"
	ReasonScriptDeliveryFailed Reason = "script_delivery_failed"
	ReasonMaxRetriesExceeded   Reason = "max_retries_exceeded"
	ReasonWindowClosed         Reason = "window_closed"
)

// delivery is one queued prompt for one session. A session never runs two
// deliveries concurrently; later ones wait here.
type delivery struct {
	prompt string
	mode   Mode
}

// SessionRecord tracks one service's session within a window. All fields are
// owned by the window's loop goroutine.
type SessionRecord struct {
	// ID is unique within the window.
	ID string

	// Service is the immutable descriptor this session was built from.
	Service service.Descriptor

	// Session is the engine handle. Nil until attachment completes.
	Session engine.Session

	// State is the load state machine position.
	State State

	// LastRequestedURL distinguishes benign load-cancellation from real
	// failure: a failure reported for a different URL was superseded.
	LastRequestedURL string

	// lastConfirmedURL is the most recent URL the engine finished loading.
	// Crash recovery reloads this, never LastRequestedURL, so a prompt is
	// not submitted twice.
	lastConfirmedURL string

	// RetryCount counts supervisor retries. Reset on success.
	RetryCount int

	// InitialLoadComplete gates whether later navigations are default-page
	// loads (supervised) or prompt loads (not retried).
	InitialLoadComplete bool

	// crashRecovered marks that the one unconditional crash retry has been
	// spent for the current load generation.
	crashRecovered bool

	// needsRecreate means the content process is gone and the next load
	// must be preceded by a fresh engine handle.
	needsRecreate bool

	// dispatching and pendingDeliveries serialize prompt deliveries per
	// session.
	dispatching       bool
	pendingDeliveries []delivery
}

// SessionSnapshot is the read-only view handed to the presentation layer.
type SessionSnapshot struct {
	ID          string
	ServiceID   string
	ServiceName string
	State       State
	RetryCount  int
	URL         string

	// Attached is true once the engine handle is bound; prompts cannot be
	// delivered before that.
	Attached bool
}

func (r *SessionRecord) snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:          r.ID,
		ServiceID:   r.Service.ID,
		ServiceName: r.Service.Name,
		State:       r.State,
		RetryCount:  r.RetryCount,
		URL:         r.LastRequestedURL,
		Attached:    r.Session != nil,
	}
}
