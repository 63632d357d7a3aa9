// Package engine defines the boundary to the embedded browser engine that
// hosts chat sessions. The orchestration core only sees these interfaces;
// the production implementation drives a Chromium instance over CDP.
package engine

import (
	"context"
	"encoding/json"
)

// Events receives the navigation lifecycle of one session. Implementations
// must be safe to call from the engine's own goroutines; the orchestrator
// re-serializes them onto its window loop.
type Events interface {
	// LoadStarted fires when a requested navigation begins.
	LoadStarted(url string)

	// LoadCommitted fires when the engine commits to rendering a response
	// for the navigation.
	LoadCommitted(url string)

	// LoadFinished fires when the page's load event has run.
	LoadFinished(url string)

	// LoadFailed fires when a navigation cannot complete. A navigation that
	// was superseded by a later Load call also reports here.
	LoadFailed(url string, err error)

	// ProcessTerminated fires when the content process rendering the
	// session dies. Distinct from a navigation failure.
	ProcessTerminated()
}

// SessionConfig selects per-session engine behavior.
type SessionConfig struct {
	// ServiceID tags the session in engine logs.
	ServiceID string

	// Isolated places the session in a dedicated resource pool instead of
	// the shared one, so its crashes cannot starve sibling sessions.
	Isolated bool
}

// Session is one embedded browser surface. Load is asynchronous: completion
// arrives through the Events the session was created with.
type Session interface {
	// Load requests a navigation and returns once it has been issued.
	Load(url string) error

	// Stop cancels any in-flight navigation.
	Stop() error

	// Eval runs a script in the page and returns its JSON-encoded result.
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)

	// Freeze suspends the page's timers and animation loops.
	Freeze() error

	// Resume reverses Freeze.
	Resume() error

	// Snapshot captures a static image of the page's current content.
	Snapshot(ctx context.Context) ([]byte, error)

	// ClearSiteData drops the session's cookies, cache and local storage.
	ClearSiteData(ctx context.Context) error

	// Recreate replaces the session's content-process handle with a fresh
	// one. The Session identity and its Events binding survive.
	Recreate() error

	// Close releases the session's engine resources.
	Close() error
}

// Engine creates sessions against a shared resource pool.
type Engine interface {
	NewSession(ctx context.Context, cfg SessionConfig, ev Events) (Session, error)
	Close() error
}
