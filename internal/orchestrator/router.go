package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hyperchat/internal/config"
	"hyperchat/internal/service"
)

// Mode selects how a prompt reaches the sessions.
type Mode string

const (
	// ModeNewChat opens a fresh conversation thread via URL navigation.
	ModeNewChat Mode = "new_chat"

	// ModeReplyToAll injects the prompt into the already-open conversation.
	ModeReplyToAll Mode = "reply_to_all"
)

// DeliveryStrategy sends one prompt to one session. Deliver must not block
// the window loop and must call done exactly once when the dispatch slot can
// be released. Strategies are pluggable per service so a new provider can be
// added without touching the router's dispatch logic.
type DeliveryStrategy interface {
	Deliver(rec *SessionRecord, prompt string, done func())
}

// promptRouter fans one prompt out to every active session. Fan-out is
// fire-and-forget per session: one session's failure never delays its
// siblings. Deliveries to the same session are serialized.
type promptRouter struct {
	w   *WindowContext
	cfg config.RouterConfig

	nav       DeliveryStrategy
	injection map[string]DeliveryStrategy
	local     map[string]DeliveryStrategy
}

func newPromptRouter(w *WindowContext, cfg config.RouterConfig) *promptRouter {
	r := &promptRouter{
		w:         w,
		cfg:       cfg,
		injection: make(map[string]DeliveryStrategy),
		local:     make(map[string]DeliveryStrategy),
	}
	r.nav = &urlNavigationStrategy{w: w}
	return r
}

// register installs the per-service strategies at window open.
func (r *promptRouter) register(desc service.Descriptor) {
	switch desc.Mode {
	case service.DeliveryScriptInjection:
		r.injection[desc.ID] = &selectorInjectionStrategy{w: r.w, cfg: r.cfg}
	case service.DeliveryLocal:
		r.local[desc.ID] = &localCompletionStrategy{w: r.w}
	}
}

// strategyFor resolves the per-session execution strategy for a mode.
// NewChat is always navigation: it reliably opens a fresh thread, while
// injection needs an already-rendered conversation surface. ReplyToAll uses
// injection where the service supports it and falls back to navigation.
func (r *promptRouter) strategyFor(rec *SessionRecord, mode Mode) DeliveryStrategy {
	if s, ok := r.local[rec.Service.ID]; ok {
		return s
	}
	if mode == ModeReplyToAll {
		if s, ok := r.injection[rec.Service.ID]; ok {
			return s
		}
	}
	return r.nav
}

// route dispatches the prompt to every active session and schedules the
// single deferred focus-restore signal. Runs on the window loop.
func (r *promptRouter) route(prompt string, mode Mode) {
	for _, id := range r.w.order {
		rec := r.w.records[id]
		if rec == nil || rec.State == StateFailed || rec.State == StateTerminated {
			continue
		}
		// Sessions still attaching keep the delivery queued; attachment
		// kicks the dispatcher. A prompt is never silently dropped.
		rec.pendingDeliveries = append(rec.pendingDeliveries, delivery{prompt: prompt, mode: mode})
		r.dispatchNext(rec)
	}

	r.w.schedule(timerKey{kind: timerFocusRestore}, r.cfg.FocusRestoreDelay(), func() {
		r.w.notifier.FocusRestore(r.w.id)
	})
}

// dispatchNext starts the session's next queued delivery unless one is
// already mid-flight. A session never sees two interleaved deliveries.
func (r *promptRouter) dispatchNext(rec *SessionRecord) {
	if rec.dispatching || rec.Session == nil || len(rec.pendingDeliveries) == 0 {
		return
	}
	d := rec.pendingDeliveries[0]
	rec.pendingDeliveries = rec.pendingDeliveries[1:]
	rec.dispatching = true

	id := rec.ID
	done := func() {
		r.w.loop.post(func() {
			cur := r.w.records[id]
			if cur == nil {
				return
			}
			cur.dispatching = false
			r.dispatchNext(cur)
		})
	}
	r.strategyFor(rec, d.mode).Deliver(rec, d.prompt, done)
}

// urlNavigationStrategy percent-encodes the prompt into the service's query
// parameter and issues a navigation. No DOM interaction.
type urlNavigationStrategy struct {
	w *WindowContext
}

func (s *urlNavigationStrategy) Deliver(rec *SessionRecord, prompt string, done func()) {
	defer done()

	url, err := rec.Service.PromptURL(prompt)
	if err != nil {
		s.w.logger.Error("prompt url build failed",
			zap.String("session", rec.ID), zap.Error(err))
		return
	}
	rec.LastRequestedURL = url
	if err := rec.Session.Load(url); err != nil {
		s.w.logger.Warn("prompt navigation failed to start",
			zap.String("session", rec.ID), zap.Error(err))
	}
}

// injectionScript locates the first visible, enabled input-like element from
// a prioritized selector list, sets its content, dispatches synthetic
// input/change events so client frameworks observe the change, and after a
// short delay clicks the page's submit control, falling back to a synthetic
// Enter keystroke.
const injectionScript = `(prompt, inputSelectors, submitSelectors, submitDelayMs) => new Promise((resolve) => {
	const visible = (el) => {
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	};
	let input = null;
	for (const sel of inputSelectors) {
		for (const el of document.querySelectorAll(sel)) {
			if (visible(el) && !el.disabled && !el.readOnly) { input = el; break; }
		}
		if (input) break;
	}
	if (!input) { resolve({ ok: false, reason: 'no visible input element' }); return; }
	input.focus();
	if (input.isContentEditable) {
		input.textContent = prompt;
	} else {
		input.value = prompt;
	}
	input.dispatchEvent(new Event('input', { bubbles: true }));
	input.dispatchEvent(new Event('change', { bubbles: true }));
	setTimeout(() => {
		for (const sel of submitSelectors) {
			const btn = document.querySelector(sel);
			if (btn && !btn.disabled && visible(btn)) {
				btn.click();
				resolve({ ok: true, reason: 'submit control' });
				return;
			}
		}
		input.dispatchEvent(new KeyboardEvent('keydown', { key: 'Enter', code: 'Enter', keyCode: 13, bubbles: true }));
		resolve({ ok: true, reason: 'enter fallback' });
	}, submitDelayMs);
})`

// injectionResult is the script bridge's return value.
type injectionResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// selectorInjectionStrategy delivers via focus+insert+submit scripting after
// a per-service settle delay. Failures are reported per session and never
// retried; they are delivery failures, not load failures.
type selectorInjectionStrategy struct {
	w   *WindowContext
	cfg config.RouterConfig
}

func (s *selectorInjectionStrategy) Deliver(rec *SessionRecord, prompt string, done func()) {
	id := rec.ID
	w := s.w

	w.schedule(timerKey{sessionID: id, kind: timerSettle}, rec.Service.SettleDelay(), func() {
		cur := w.records[id]
		if cur == nil || cur.Session == nil || cur.State == StateTerminated {
			done()
			return
		}
		sess := cur.Session
		desc := cur.Service
		submitDelayMs := s.cfg.SubmitDelay().Milliseconds()

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			raw, err := sess.Eval(ctx, injectionScript,
				prompt, desc.InputSelectors, desc.SubmitSelectors, submitDelayMs)
			result := injectionErr(raw, err)

			w.loop.post(func() {
				if result != nil {
					w.logger.Warn("script delivery failed",
						zap.String("session", id), zap.Error(result))
				}
				w.notifier.ScriptDeliveryResult(w.id, id, result)
			})
			done()
		}()
	})
}

// injectionErr folds the eval error and the script's own verdict into one
// per-session result.
func injectionErr(raw json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("script bridge returned no result")
	}
	var res injectionResult
	if uerr := json.Unmarshal(raw, &res); uerr != nil {
		return fmt.Errorf("decode script result: %w", uerr)
	}
	if !res.OK {
		return fmt.Errorf("script delivery failed: %s", res.Reason)
	}
	return nil
}

// localCompletionStrategy delegates delivery to the session's streaming
// completion backend and forwards chunks to the presentation layer.
type localCompletionStrategy struct {
	w *WindowContext
}

// completerSession is the slice of the local session the router needs.
type completerSession interface {
	Complete(ctx context.Context, prompt string) (<-chan string, error)
}

func (s *localCompletionStrategy) Deliver(rec *SessionRecord, prompt string, done func()) {
	comp, ok := rec.Session.(completerSession)
	if !ok {
		s.w.logger.Error("local service has no completion backend",
			zap.String("session", rec.ID))
		done()
		return
	}

	id := rec.ID
	w := s.w
	go func() {
		defer done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		stream, err := comp.Complete(ctx, prompt)
		if err != nil {
			w.loop.post(func() {
				w.notifier.ScriptDeliveryResult(w.id, id, err)
			})
			return
		}
		for chunk := range stream {
			c := chunk
			w.loop.post(func() {
				w.notifier.LocalCompletion(w.id, id, c, false)
			})
		}
		w.loop.post(func() {
			w.notifier.LocalCompletion(w.id, id, "", true)
			w.notifier.ScriptDeliveryResult(w.id, id, nil)
		})
	}()
}
