// Package local adapts a local streaming-completion backend to the engine
// session boundary. A local service has no web surface: its session is
// permanently loaded and prompt delivery bypasses the web strategies.
package local

import (
	"context"
	"encoding/json"
	"errors"

	"hyperchat/internal/engine"
)

// Completer is the external streaming-completion interface. The inference
// backend itself lives outside this module.
type Completer interface {
	// Complete streams the model's response for one prompt. The channel is
	// closed when the response is finished.
	Complete(ctx context.Context, prompt string) (<-chan string, error)
}

// ErrNoWebSurface is returned for operations that only make sense against a
// rendered page.
var ErrNoWebSurface = errors.New("local session has no web surface")

// Session is a degenerate engine.Session for a locally-inferred service.
type Session struct {
	completer Completer
	events    engine.Events
}

// NewSession wraps a Completer as an engine session. Loads report success
// immediately so the session surfaces as loaded without any queueing.
func NewSession(completer Completer, ev engine.Events) *Session {
	return &Session{completer: completer, events: ev}
}

// Complete exposes the backend for prompt delivery.
func (s *Session) Complete(ctx context.Context, prompt string) (<-chan string, error) {
	if s.completer == nil {
		return nil, errors.New("no completer configured")
	}
	return s.completer.Complete(ctx, prompt)
}

// Load succeeds trivially: there is nothing to fetch.
func (s *Session) Load(url string) error {
	if s.events != nil {
		s.events.LoadStarted(url)
		s.events.LoadCommitted(url)
		s.events.LoadFinished(url)
	}
	return nil
}

func (s *Session) Stop() error { return nil }

func (s *Session) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	return nil, ErrNoWebSurface
}

func (s *Session) Freeze() error   { return nil }
func (s *Session) Resume() error   { return nil }
func (s *Session) Recreate() error { return nil }

func (s *Session) Snapshot(ctx context.Context) ([]byte, error) {
	return nil, ErrNoWebSurface
}

func (s *Session) ClearSiteData(ctx context.Context) error { return nil }

func (s *Session) Close() error { return nil }
