package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hyperchat/internal/config"
)

// retrySupervisor owns per-session timeout timers and the backoff policy for
// default-page loads. Only services flagged failure-prone get a provisional
// load timeout; every service shares the backoff path when the engine itself
// reports a navigation failure.
type retrySupervisor struct {
	w   *WindowContext
	cfg config.RetryConfig
}

func newRetrySupervisor(w *WindowContext, cfg config.RetryConfig) *retrySupervisor {
	return &retrySupervisor{w: w, cfg: cfg}
}

// startTimeout arms the provisional-load timer for a supervised session.
func (r *retrySupervisor) startTimeout(rec *SessionRecord) {
	if !rec.Service.Flaky {
		return
	}
	r.w.schedule(timerKey{sessionID: rec.ID, kind: timerTimeout}, r.cfg.Timeout(), func() {
		r.onTimeout(rec)
	})
}

// cancelTimeout disarms both the provisional-load timer and any pending
// backoff for the session.
func (r *retrySupervisor) cancelTimeout(rec *SessionRecord) {
	r.w.cancelTimer(timerKey{sessionID: rec.ID, kind: timerTimeout})
	r.w.cancelTimer(timerKey{sessionID: rec.ID, kind: timerBackoff})
}

// onTimeout fires on the window loop when a supervised load overruns.
func (r *retrySupervisor) onTimeout(rec *SessionRecord) {
	if rec.State != StateProvisional && rec.State != StateCommitted {
		return
	}
	r.w.logger.Warn("load timed out",
		zap.String("session", rec.ID),
		zap.Int("retryCount", rec.RetryCount))
	if rec.Session != nil {
		_ = rec.Session.Stop()
	}
	r.scheduleRetry(rec, ReasonNavigationTimeout)
}

// scheduleRetry applies the exponential backoff policy: the k-th retry waits
// (k+1) base units. Past the cap the session is terminal.
func (r *retrySupervisor) scheduleRetry(rec *SessionRecord, reason Reason) {
	if rec.RetryCount >= r.cfg.GetMaxRetries() {
		r.w.logger.Error("retries exhausted",
			zap.String("session", rec.ID),
			zap.Int("retryCount", rec.RetryCount))
		r.w.cancelSessionTimers(rec.ID)
		r.w.transition(rec, StateFailed, ReasonMaxRetriesExceeded)
		return
	}

	delay := time.Duration(rec.RetryCount+1) * r.cfg.BackoffBase()
	rec.RetryCount++
	// The failed request is abandoned: late events for it must read as
	// superseded, and the next attempt starts from the default page unless
	// a prompt navigation lands first.
	rec.LastRequestedURL = ""
	r.w.transition(rec, StateRetrying, reason)
	r.w.logger.Info("retry scheduled",
		zap.String("session", rec.ID),
		zap.Int("attempt", rec.RetryCount),
		zap.Duration("delay", delay))

	r.w.schedule(timerKey{sessionID: rec.ID, kind: timerBackoff}, delay, func() {
		r.attemptRetry(rec)
	})
}

// attemptRetry re-issues the default-page load after the backoff delay,
// clearing the session's transient site data first so corrupted state is
// never a retry variable.
func (r *retrySupervisor) attemptRetry(rec *SessionRecord) {
	if rec.State != StateRetrying || rec.Session == nil {
		return
	}
	if !rec.needsRecreate && rec.Service.HasPromptMarker(rec.LastRequestedURL) {
		// A prompt navigation landed while the backoff was pending. It
		// supersedes the default load; skip the site-data clear too, it
		// would yank state out from under the in-flight navigation.
		r.w.startDefaultLoad(rec)
		return
	}

	sess := rec.Session
	recreate := rec.needsRecreate
	rec.needsRecreate = false
	w := r.w
	id := rec.ID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if recreate {
			if err := sess.Recreate(); err != nil {
				w.logger.Warn("recreate before retry failed",
					zap.String("session", id), zap.Error(err))
			}
		}
		if err := sess.ClearSiteData(ctx); err != nil {
			w.logger.Warn("clear site data failed",
				zap.String("session", id), zap.Error(err))
		}
		w.loop.post(func() {
			cur := w.records[id]
			if cur == nil || cur.State != StateRetrying {
				return
			}
			w.startDefaultLoad(cur)
		})
	}()
}

// onLoadSuccess applies the re-entrancy rule: any completed load cancels
// pending timers and resets the counter, even when the finished URL is not
// the one last requested.
func (r *retrySupervisor) onLoadSuccess(rec *SessionRecord) {
	r.cancelTimeout(rec)
	rec.RetryCount = 0
	rec.crashRecovered = false
	rec.needsRecreate = false
}
