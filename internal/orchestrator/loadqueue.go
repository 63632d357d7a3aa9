package orchestrator

import "go.uber.org/zap"

// loadQueue serializes the initial page loads of a window's sessions so at
// most one provisional navigation is in flight at a time. Resource-intensive
// navigation starts are staggered; the queue releases as soon as the engine
// commits, not when the page finishes loading, so a slow page does not stall
// its siblings.
type loadQueue struct {
	w *WindowContext

	pending          []string
	currentlyLoading string
}

func newLoadQueue(w *WindowContext) *loadQueue {
	return &loadQueue{w: w}
}

// enqueue appends session ids in display order. Runs on the window loop.
func (q *loadQueue) enqueue(ids ...string) {
	q.pending = append(q.pending, ids...)
	for _, id := range ids {
		if rec := q.w.records[id]; rec != nil && rec.State == StateIdle {
			q.w.transition(rec, StateQueued, ReasonNone)
		}
	}
}

// advance starts the next queued load. Idempotent: it is safe to call from
// every callback site, and it is a no-op while a load is in flight or the
// queue is empty.
func (q *loadQueue) advance() {
	if q.w.closed || q.currentlyLoading != "" {
		return
	}
	for len(q.pending) > 0 {
		id := q.pending[0]
		rec := q.w.records[id]
		if rec == nil || rec.State == StateTerminated || rec.State == StateFailed {
			q.pending = q.pending[1:]
			continue
		}
		if rec.Session == nil {
			// Head-of-line session is still attaching to the engine.
			// Attachment re-advances; starting a later session here would
			// break the configured order.
			return
		}
		q.pending = q.pending[1:]

		// A prompt issued before the default page loaded takes precedence:
		// never clobber an in-flight prompt navigation with a default load.
		if rec.Service.HasPromptMarker(rec.LastRequestedURL) {
			q.w.logger.Debug("skipping default load, prompt navigation in flight",
				zap.String("session", id))
			continue
		}

		q.currentlyLoading = id
		q.w.startDefaultLoad(rec)
		return
	}
}

// release clears the in-flight slot when a session's state transitions
// terminally, then advances.
func (q *loadQueue) release(id string) {
	if q.currentlyLoading == id {
		q.currentlyLoading = ""
	}
	q.advance()
}

// remove drops a session from the pending list.
func (q *loadQueue) remove(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	if q.currentlyLoading == id {
		q.currentlyLoading = ""
	}
}

// reset clears all queue state for window teardown or reload-all.
func (q *loadQueue) reset() {
	q.pending = nil
	q.currentlyLoading = ""
}
