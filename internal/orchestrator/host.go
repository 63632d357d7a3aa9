// Package orchestrator is the session orchestration core: it creates
// window-scoped sets of embedded chat sessions, serializes their initial
// loads, supervises flaky loads with timeout and backoff, recovers from
// content-process crashes, and routes prompts to every session using
// navigation or script-injection delivery.
package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hyperchat/internal/config"
	"hyperchat/internal/engine"
	"hyperchat/internal/local"
	"hyperchat/internal/service"
)

// HostOrchestrator is the façade the application shell talks to. It owns an
// explicit registry of live windows; windows register on open and deregister
// on close. Exactly one window is active (non-hibernated) at a time; the
// rest hibernate to release host resources.
type HostOrchestrator struct {
	logger    *zap.Logger
	notifier  Notifier
	clock     Clock
	eng       engine.Engine
	retryCfg  config.RetryConfig
	routerCfg config.RouterConfig

	completers map[string]local.Completer

	mu      sync.Mutex
	windows map[string]*WindowContext
	focused string
	closed  bool
}

// Option customizes a HostOrchestrator.
type Option func(*HostOrchestrator)

// WithNotifier installs the presentation layer's notification sink.
func WithNotifier(n Notifier) Option {
	return func(h *HostOrchestrator) { h.notifier = n }
}

// WithClock substitutes the scheduling clock.
func WithClock(c Clock) Option {
	return func(h *HostOrchestrator) { h.clock = c }
}

// WithLogger installs a logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *HostOrchestrator) { h.logger = l }
}

// WithCompleter binds a local streaming-completion backend to a service id.
func WithCompleter(serviceID string, c local.Completer) Option {
	return func(h *HostOrchestrator) { h.completers[serviceID] = c }
}

// New creates a HostOrchestrator over the given engine.
func New(eng engine.Engine, cfg *config.Config, opts ...Option) *HostOrchestrator {
	h := &HostOrchestrator{
		logger:     zap.NewNop(),
		notifier:   NopNotifier{},
		clock:      RealClock(),
		eng:        eng,
		retryCfg:   cfg.Retry,
		routerCfg:  cfg.Router,
		completers: make(map[string]local.Completer),
		windows:    make(map[string]*WindowContext),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OpenWindow builds a new isolated window context over the given services
// and makes it the focused window, hibernating its siblings. Returns the
// window id.
func (h *HostOrchestrator) OpenWindow(ctx context.Context, services []service.Descriptor) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrOrchestratorClosed
	}
	id := uuid.NewString()
	w := newWindowContext(ctx, windowParams{
		id:         id,
		eng:        h.eng,
		services:   services,
		retryCfg:   h.retryCfg,
		routerCfg:  h.routerCfg,
		notifier:   h.notifier,
		clock:      h.clock,
		logger:     h.logger,
		completers: h.completers,
	})
	h.windows[id] = w
	prev := h.focused
	h.focused = id
	var siblings []*WindowContext
	for wid, sibling := range h.windows {
		if wid != id {
			siblings = append(siblings, sibling)
		}
	}
	h.mu.Unlock()

	h.logger.Info("window opened",
		zap.String("window", id),
		zap.Int("services", len(service.Sorted(services))),
		zap.String("previousFocus", prev))
	for _, sibling := range siblings {
		_ = sibling.Hibernate()
	}
	return id, nil
}

func (h *HostOrchestrator) window(id string) (*WindowContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrOrchestratorClosed
	}
	w, ok := h.windows[id]
	if !ok {
		return nil, ErrUnknownWindow
	}
	return w, nil
}

// SubmitPrompt broadcasts the prompt to every active session in the window.
// replyToAll is the user-facing toggle; the window's first submission
// ignores it.
func (h *HostOrchestrator) SubmitPrompt(windowID, text string, replyToAll bool) error {
	w, err := h.window(windowID)
	if err != nil {
		return err
	}
	return w.SubmitPrompt(text, replyToAll)
}

// ReloadAll reloads every session in the window to its default page.
func (h *HostOrchestrator) ReloadAll(windowID string) error {
	w, err := h.window(windowID)
	if err != nil {
		return err
	}
	return w.ReloadAll()
}

// Hibernate suspends a window's sessions. The focused window must stay
// active; hibernating it is a contract violation.
func (h *HostOrchestrator) Hibernate(windowID string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrOrchestratorClosed
	}
	w, ok := h.windows[windowID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownWindow
	}
	if h.focused == windowID {
		h.mu.Unlock()
		return ErrWindowFocused
	}
	h.mu.Unlock()
	return w.Hibernate()
}

// Restore wakes a hibernated window without changing focus.
func (h *HostOrchestrator) Restore(windowID string) error {
	w, err := h.window(windowID)
	if err != nil {
		return err
	}
	return w.Restore()
}

// Focus makes a window the active one: it is restored and every sibling
// hibernates.
func (h *HostOrchestrator) Focus(windowID string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrOrchestratorClosed
	}
	w, ok := h.windows[windowID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownWindow
	}
	h.focused = windowID
	var siblings []*WindowContext
	for wid, sibling := range h.windows {
		if wid != windowID {
			siblings = append(siblings, sibling)
		}
	}
	h.mu.Unlock()

	if err := w.Restore(); err != nil {
		return err
	}
	for _, sibling := range siblings {
		_ = sibling.Hibernate()
	}
	return nil
}

// Sessions returns the window's session states for the presentation layer.
func (h *HostOrchestrator) Sessions(windowID string) ([]SessionSnapshot, error) {
	w, err := h.window(windowID)
	if err != nil {
		return nil, err
	}
	return w.Sessions(), nil
}

// CloseWindow deregisters and tears the window down, releasing its sessions
// and cancelling its timers before returning.
func (h *HostOrchestrator) CloseWindow(windowID string) error {
	h.mu.Lock()
	w, ok := h.windows[windowID]
	if ok {
		delete(h.windows, windowID)
		if h.focused == windowID {
			h.focused = ""
		}
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownWindow
	}
	h.logger.Info("window closed", zap.String("window", windowID))
	return w.Close()
}

// Close tears down every window and then the engine.
func (h *HostOrchestrator) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	windows := make([]*WindowContext, 0, len(h.windows))
	for _, w := range h.windows {
		windows = append(windows, w)
	}
	h.windows = make(map[string]*WindowContext)
	h.focused = ""
	h.mu.Unlock()

	for _, w := range windows {
		_ = w.Close()
	}
	return h.eng.Close()
}
