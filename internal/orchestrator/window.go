package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hyperchat/internal/config"
	"hyperchat/internal/engine"
	"hyperchat/internal/local"
	"hyperchat/internal/service"
)

type timerKind int

const (
	timerTimeout timerKind = iota
	timerBackoff
	timerSettle
	timerFocusRestore
)

// timerKey identifies one outstanding timer. Focus-restore is window-scoped
// and uses an empty session id.
type timerKey struct {
	sessionID string
	kind      timerKind
}

type timerEntry struct {
	timer Timer
}

// WindowContext groups one load queue, one session set and one hibernation
// flag. Windows are mutually isolated: nothing here is shared with sibling
// windows except the engine's resource pool, which the core only reads.
type WindowContext struct {
	id       string
	logger   *zap.Logger
	notifier Notifier
	eng      engine.Engine
	clock    Clock

	retryCfg  config.RetryConfig
	routerCfg config.RouterConfig

	loop *loop

	// Everything below is owned by the loop goroutine.
	records    map[string]*SessionRecord
	order      []string
	queue      *loadQueue
	retry      *retrySupervisor
	crash      *crashRecoveryHandler
	router     *promptRouter
	completers map[string]local.Completer
	timers     map[timerKey]*timerEntry

	hibernated      bool
	firstSubmission bool
	closed          bool
}

// windowParams carries everything a window needs from the host.
type windowParams struct {
	id         string
	eng        engine.Engine
	services   []service.Descriptor
	retryCfg   config.RetryConfig
	routerCfg  config.RouterConfig
	notifier   Notifier
	clock      Clock
	logger     *zap.Logger
	completers map[string]local.Completer
}

// newWindowContext builds the session set from the descriptors and starts
// attaching engine sessions. Initial loads begin as sessions attach, one
// provisional navigation at a time.
func newWindowContext(ctx context.Context, p windowParams) *WindowContext {
	w := &WindowContext{
		id:              p.id,
		logger:          p.logger.With(zap.String("window", p.id)),
		notifier:        p.notifier,
		eng:             p.eng,
		clock:           p.clock,
		retryCfg:        p.retryCfg,
		routerCfg:       p.routerCfg,
		loop:            newLoop(),
		records:         make(map[string]*SessionRecord),
		timers:          make(map[timerKey]*timerEntry),
		completers:      p.completers,
		firstSubmission: true,
	}
	w.queue = newLoadQueue(w)
	w.retry = newRetrySupervisor(w, p.retryCfg)
	w.crash = newCrashRecoveryHandler(w)
	w.router = newPromptRouter(w, p.routerCfg)

	for _, desc := range service.Sorted(p.services) {
		rec := &SessionRecord{ID: desc.ID, Service: desc, State: StateIdle}
		w.records[rec.ID] = rec
		w.order = append(w.order, rec.ID)
		w.router.register(desc)
	}

	w.loop.post(func() { w.openSessions(ctx) })
	return w
}

// ID returns the window identifier.
func (w *WindowContext) ID() string { return w.id }

// openSessions creates the engine sessions. Local services attach
// synchronously as degenerate, permanently-loaded records; web sessions
// attach from goroutines because engine session creation blocks.
func (w *WindowContext) openSessions(ctx context.Context) {
	for _, id := range w.order {
		rec := w.records[id]

		if rec.Service.Mode == service.DeliveryLocal {
			rec.Session = local.NewSession(w.completers[rec.Service.ID], nil)
			rec.InitialLoadComplete = true
			w.transition(rec, StateLoaded, ReasonNone)
			continue
		}

		w.queue.enqueue(id)

		cfg := engine.SessionConfig{ServiceID: rec.Service.ID, Isolated: rec.Service.Flaky}
		ev := &sessionEvents{w: w, id: id}
		sessionID := id
		go func() {
			sess, err := w.eng.NewSession(ctx, cfg, ev)
			w.loop.post(func() { w.attachSession(sessionID, sess, err) })
		}()
	}
	w.queue.advance()
}

// attachSession binds the engine handle created off-loop.
func (w *WindowContext) attachSession(id string, sess engine.Session, err error) {
	rec := w.records[id]
	if rec == nil {
		return
	}
	if w.closed {
		if sess != nil {
			go func() { _ = sess.Close() }()
		}
		return
	}
	if err != nil {
		w.logger.Error("session creation failed",
			zap.String("session", id), zap.Error(err))
		w.queue.remove(id)
		w.transition(rec, StateFailed, ReasonNavigationFailed)
		w.queue.advance()
		return
	}
	rec.Session = sess
	// Deliveries queued while the session was attaching go out first, so a
	// prompt navigation precedes (and suppresses) the default load below.
	w.router.dispatchNext(rec)
	w.queue.advance()
}

// startDefaultLoad issues the service's default page. Called by the load
// queue with the in-flight slot held.
func (w *WindowContext) startDefaultLoad(rec *SessionRecord) {
	// A prompt navigation already in flight takes precedence on every
	// default-load path, not just the queued one: supervise it rather than
	// issuing the home page over it.
	if rec.Service.HasPromptMarker(rec.LastRequestedURL) {
		w.logger.Debug("default load skipped, prompt navigation in flight",
			zap.String("session", rec.ID))
		w.transition(rec, StateProvisional, ReasonNone)
		w.retry.startTimeout(rec)
		return
	}
	url := rec.Service.Home
	rec.LastRequestedURL = url
	w.transition(rec, StateProvisional, ReasonNone)
	if err := rec.Session.Load(url); err != nil {
		w.retry.scheduleRetry(rec, ReasonNavigationFailed)
		return
	}
	w.retry.startTimeout(rec)
}

// transition moves a record through the state machine and notifies the
// presentation layer. Terminal states release the load queue.
func (w *WindowContext) transition(rec *SessionRecord, to State, reason Reason) {
	if rec.State == to {
		return
	}
	rec.State = to
	w.notifier.SessionStateChanged(w.id, rec.ID, to, reason)
	if to.terminal() && !w.closed {
		w.queue.release(rec.ID)
	}
}

// schedule arms a timer. The fired closure re-validates against the timer
// table and the closed flag so a stale fire never touches a torn-down
// window.
func (w *WindowContext) schedule(key timerKey, d time.Duration, fn func()) {
	w.cancelTimer(key)
	entry := &timerEntry{}
	entry.timer = w.clock.AfterFunc(d, func() {
		w.loop.post(func() {
			if w.closed || w.timers[key] != entry {
				return
			}
			delete(w.timers, key)
			fn()
		})
	})
	w.timers[key] = entry
}

func (w *WindowContext) cancelTimer(key timerKey) {
	if entry, ok := w.timers[key]; ok {
		entry.timer.Stop()
		delete(w.timers, key)
	}
}

func (w *WindowContext) cancelSessionTimers(sessionID string) {
	for _, kind := range []timerKind{timerTimeout, timerBackoff, timerSettle} {
		w.cancelTimer(timerKey{sessionID: sessionID, kind: kind})
	}
}

func (w *WindowContext) cancelAllTimers() {
	for key, entry := range w.timers {
		entry.timer.Stop()
		delete(w.timers, key)
	}
}

// --- engine event handlers, all on the loop ---

func (w *WindowContext) onLoadStarted(id, url string) {
	if w.closed {
		return
	}
	w.logger.Debug("load started", zap.String("session", id), zap.String("url", url))
}

func (w *WindowContext) onLoadCommitted(id, url string) {
	rec := w.records[id]
	if rec == nil || w.closed {
		return
	}
	// Commit of the first load (or of a prompt navigation issued before the
	// default page was queued) releases the load queue; finishing is not
	// required, so a slow page cannot stall its siblings.
	if !rec.InitialLoadComplete &&
		(rec.State == StateProvisional || rec.State == StateRetrying || rec.State == StateQueued) {
		w.transition(rec, StateCommitted, ReasonNone)
	}
}

func (w *WindowContext) onLoadFinished(id, url string) {
	rec := w.records[id]
	if rec == nil || w.closed {
		return
	}
	if rec.State == StateFailed || rec.State == StateTerminated {
		return
	}
	// A completed load settles the session regardless of which URL it was:
	// a stale timer must never fire after success arrived via another path.
	w.retry.onLoadSuccess(rec)
	rec.lastConfirmedURL = url
	rec.InitialLoadComplete = true
	w.transition(rec, StateLoaded, ReasonNone)
}

func (w *WindowContext) onLoadFailed(id, url string, err error) {
	rec := w.records[id]
	if rec == nil || w.closed {
		return
	}
	if url != "" && url != rec.LastRequestedURL {
		// Benign cancellation: a newer navigation superseded this one.
		w.logger.Debug("navigation cancelled",
			zap.String("session", id), zap.String("url", url))
		return
	}
	if rec.InitialLoadComplete {
		// Prompt navigations are not supervised like default loads.
		w.logger.Warn("prompt navigation failed",
			zap.String("session", id), zap.Error(err))
		return
	}
	if rec.State == StateProvisional || rec.State == StateCommitted || rec.State == StateQueued {
		w.logger.Warn("load failed",
			zap.String("session", id), zap.Error(err))
		w.retry.scheduleRetry(rec, ReasonNavigationFailed)
	}
}

func (w *WindowContext) onProcessTerminated(id string) {
	rec := w.records[id]
	if rec == nil || w.closed {
		return
	}
	w.crash.onProcessTerminated(rec)
}

// --- public operations, serialized onto the loop ---

// SubmitPrompt fans the prompt out to every active session. The first
// submission in a window's lifetime is always a new chat regardless of the
// reply-to-all toggle; injection needs a rendered conversation surface and
// is unsafe as the very first action.
func (w *WindowContext) SubmitPrompt(text string, replyToAll bool) error {
	err := ErrWindowClosed
	ok := w.loop.call(func() {
		if w.closed {
			return
		}
		mode := ModeNewChat
		if replyToAll && !w.firstSubmission {
			mode = ModeReplyToAll
		}
		w.firstSubmission = false
		w.router.route(text, mode)
		err = nil
	})
	if !ok {
		return ErrWindowClosed
	}
	return err
}

// ReloadAll resets every web session to its default page and re-arms the
// first-submission lock.
func (w *WindowContext) ReloadAll() error {
	ok := w.loop.call(func() {
		if w.closed {
			return
		}
		w.firstSubmission = true
		w.queue.reset()

		var ids []string
		for _, id := range w.order {
			rec := w.records[id]
			if rec.Service.Mode == service.DeliveryLocal {
				continue
			}
			w.cancelSessionTimers(id)
			rec.RetryCount = 0
			rec.crashRecovered = false
			rec.needsRecreate = false
			rec.InitialLoadComplete = false
			rec.LastRequestedURL = ""
			rec.lastConfirmedURL = ""
			rec.pendingDeliveries = nil
			rec.dispatching = false
			w.transition(rec, StateQueued, ReasonNone)
			ids = append(ids, id)
		}
		w.queue.pending = ids
		w.queue.advance()
	})
	if !ok {
		return ErrWindowClosed
	}
	return nil
}

// Hibernate freezes every session's client-side activity and captures a
// static snapshot for the presentation layer. Idempotent.
func (w *WindowContext) Hibernate() error {
	ok := w.loop.call(func() {
		if w.closed || w.hibernated {
			return
		}
		w.hibernated = true
		for _, id := range w.order {
			rec := w.records[id]
			if rec.Session == nil || rec.State == StateFailed || rec.State == StateTerminated {
				continue
			}
			sess := rec.Session
			sessionID := id
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if img, err := sess.Snapshot(ctx); err == nil && len(img) > 0 {
					w.loop.post(func() {
						w.notifier.SnapshotCaptured(w.id, sessionID, img)
					})
				}
				if err := sess.Freeze(); err != nil {
					w.logger.Warn("freeze failed",
						zap.String("session", sessionID), zap.Error(err))
				}
			}()
		}
	})
	if !ok {
		return ErrWindowClosed
	}
	return nil
}

// Restore reverses Hibernate. Idempotent.
func (w *WindowContext) Restore() error {
	ok := w.loop.call(func() {
		if w.closed || !w.hibernated {
			return
		}
		w.hibernated = false
		for _, id := range w.order {
			rec := w.records[id]
			if rec.Session == nil || rec.State == StateFailed || rec.State == StateTerminated {
				continue
			}
			sess := rec.Session
			sessionID := id
			go func() {
				if err := sess.Resume(); err != nil {
					w.logger.Warn("resume failed",
						zap.String("session", sessionID), zap.Error(err))
				}
			}()
		}
	})
	if !ok {
		return ErrWindowClosed
	}
	return nil
}

// Hibernated reports the hibernation flag.
func (w *WindowContext) Hibernated() bool {
	var h bool
	w.loop.call(func() { h = w.hibernated })
	return h
}

// Sessions returns a read-only view of the session set in display order.
func (w *WindowContext) Sessions() []SessionSnapshot {
	var out []SessionSnapshot
	w.loop.call(func() {
		for _, id := range w.order {
			out = append(out, w.records[id].snapshot())
		}
	})
	return out
}

// Close cancels every outstanding timer, terminates every record and then
// releases the engine sessions. No timer can fire into the context after
// Close returns.
func (w *WindowContext) Close() error {
	var sessions []engine.Session
	ok := w.loop.call(func() {
		if w.closed {
			return
		}
		w.closed = true
		w.cancelAllTimers()
		w.queue.reset()
		for _, id := range w.order {
			rec := w.records[id]
			rec.pendingDeliveries = nil
			rec.dispatching = false
			if rec.Session != nil {
				sessions = append(sessions, rec.Session)
				rec.Session = nil
			}
			w.transition(rec, StateTerminated, ReasonWindowClosed)
		}
	})
	for _, s := range sessions {
		_ = s.Close()
	}
	if ok {
		w.loop.stop()
	}
	return nil
}

// sessionEvents re-serializes engine callbacks onto the window loop.
type sessionEvents struct {
	w  *WindowContext
	id string
}

func (e *sessionEvents) LoadStarted(url string) {
	e.w.loop.post(func() { e.w.onLoadStarted(e.id, url) })
}

func (e *sessionEvents) LoadCommitted(url string) {
	e.w.loop.post(func() { e.w.onLoadCommitted(e.id, url) })
}

func (e *sessionEvents) LoadFinished(url string) {
	e.w.loop.post(func() { e.w.onLoadFinished(e.id, url) })
}

func (e *sessionEvents) LoadFailed(url string, err error) {
	e.w.loop.post(func() { e.w.onLoadFailed(e.id, url, err) })
}

func (e *sessionEvents) ProcessTerminated() {
	e.w.loop.post(func() { e.w.onProcessTerminated(e.id) })
}
