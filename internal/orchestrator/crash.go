package orchestrator

import "go.uber.org/zap"

// crashRecoveryHandler reacts to content-process termination. Termination is
// assumed transient: the session gets one unconditional recreate-and-reload
// of its last confirmed URL, with no backoff and no retry-counter charge. If
// it recurs before a successful load, the session falls back to the normal
// supervisor path.
type crashRecoveryHandler struct {
	w *WindowContext
}

func newCrashRecoveryHandler(w *WindowContext) *crashRecoveryHandler {
	return &crashRecoveryHandler{w: w}
}

// onProcessTerminated runs on the window loop.
func (c *crashRecoveryHandler) onProcessTerminated(rec *SessionRecord) {
	if rec.State == StateFailed || rec.State == StateTerminated {
		return
	}
	if rec.Session == nil {
		return
	}

	c.w.cancelSessionTimers(rec.ID)
	rec.needsRecreate = true

	if rec.crashRecovered {
		// Second termination in the same load generation: stop treating it
		// as transient.
		c.w.logger.Warn("content process terminated again, falling back to supervised retry",
			zap.String("session", rec.ID))
		c.w.retry.scheduleRetry(rec, ReasonProcessTerminated)
		return
	}

	rec.crashRecovered = true
	c.w.transition(rec, StateRetrying, ReasonProcessTerminated)

	// Reload the last confirmed URL, not the last requested one: if the
	// crash interrupted a prompt navigation, re-issuing it would submit the
	// prompt twice.
	url := rec.lastConfirmedURL
	if url == "" {
		url = rec.Service.Home
	}
	c.w.logger.Info("recovering crashed session",
		zap.String("session", rec.ID), zap.String("url", url))

	sess := rec.Session
	w := c.w
	id := rec.ID
	go func() {
		err := sess.Recreate()
		w.loop.post(func() {
			cur := w.records[id]
			if cur == nil || cur.State != StateRetrying {
				return
			}
			cur.needsRecreate = false
			if err != nil {
				w.logger.Warn("recreate after crash failed",
					zap.String("session", id), zap.Error(err))
				cur.needsRecreate = true
				w.retry.scheduleRetry(cur, ReasonProcessTerminated)
				return
			}
			cur.LastRequestedURL = url
			w.transition(cur, StateProvisional, ReasonNone)
			if loadErr := cur.Session.Load(url); loadErr != nil {
				w.retry.scheduleRetry(cur, ReasonNavigationFailed)
				return
			}
			w.retry.startTimeout(cur)
		})
	}()
}
