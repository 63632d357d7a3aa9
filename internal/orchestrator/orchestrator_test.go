package orchestrator

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hyperchat/internal/config"
	"hyperchat/internal/service"
)

func urlSvc(id string, order int) service.Descriptor {
	return service.Descriptor{
		ID:          id,
		Name:        id,
		Home:        "https://" + id + ".example/",
		Mode:        service.DeliveryURLParameter,
		Enabled:     true,
		Order:       order,
		PromptParam: "q",
	}
}

func scriptSvc(id string, order int) service.Descriptor {
	return service.Descriptor{
		ID:              id,
		Name:            id,
		Home:            "https://" + id + ".example/",
		Mode:            service.DeliveryScriptInjection,
		Enabled:         true,
		Order:           order,
		PromptParam:     "q",
		InputSelectors:  []string{"textarea"},
		SubmitSelectors: []string{`button[type="submit"]`},
		SettleDelayMs:   100,
	}
}

func flakySvc(id string, order int) service.Descriptor {
	d := urlSvc(id, order)
	d.Flaky = true
	return d
}

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{TimeoutMs: 10000, BackoffBaseMs: 1000, MaxRetries: 3}
}

var testWindowSeq atomic.Int64

func newTestWindow(t *testing.T, eng *fakeEngine, n *recordingNotifier, clock Clock, services ...service.Descriptor) *WindowContext {
	t.Helper()
	// Window ids are unique in production (uuid per window); a test that
	// opens two windows needs distinct ids too.
	w := newWindowContext(context.Background(), windowParams{
		id:        "w-" + t.Name() + "-" + strconv.FormatInt(testWindowSeq.Add(1), 10),
		eng:       eng,
		services:  services,
		retryCfg:  testRetryConfig(),
		routerCfg: config.RouterConfig{FocusRestoreDelayMs: 2000, SubmitDelayMs: 250},
		notifier:  n,
		clock:     clock,
		logger:    zap.NewNop(),
	})
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// waitAttached blocks until the session's engine handle is bound.
func waitAttached(t *testing.T, w *WindowContext, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range w.Sessions() {
			if s.ID == sessionID && s.Attached {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

// loadWindow drives every session to loaded.
func loadWindow(t *testing.T, eng *fakeEngine, n *recordingNotifier, services ...service.Descriptor) {
	t.Helper()
	for _, desc := range services {
		n.waitState(t, desc.ID, StateProvisional)
		eng.session(t, desc.ID).finishLoad(desc.Home)
		n.waitState(t, desc.ID, StateLoaded)
	}
}

func TestHappyPathLoadAndPrompt(t *testing.T) {
	eng := newFakeEngine()
	n := newRecordingNotifier()
	clock := newManualClock()
	a := urlSvc("a", 1)
	b := scriptSvc("b", 2)
	w := newTestWindow(t, eng, n, clock, a, b)

	// Loads are strictly ordered: b stays queued until a commits.
	n.waitState(t, "a", StateProvisional)
	require.NotContains(t, n.statesFor("b"), StateProvisional)
	require.Equal(t, a.Home, eng.session(t, "a").lastLoad())

	eng.session(t, "a").ev.LoadCommitted(a.Home)
	n.waitState(t, "a", StateCommitted)
	n.waitState(t, "b", StateProvisional)

	eng.session(t, "a").ev.LoadFinished(a.Home)
	n.waitState(t, "a", StateLoaded)
	eng.session(t, "b").finishLoad(b.Home)
	n.waitState(t, "b", StateLoaded)

	// First submission is always a new chat: both services navigate.
	require.NoError(t, w.SubmitPrompt("hello", true))
	require.Equal(t, "https://a.example/?q=hello", eng.session(t, "a").lastLoad())
	require.Equal(t, "https://b.example/?q=hello", eng.session(t, "b").lastLoad())
}

func TestQueueSerialization(t *testing.T) {
	eng := newFakeEngine()
	n := newRecordingNotifier()
	clock := newManualClock()
	svcs := []service.Descriptor{urlSvc("s1", 1), urlSvc("s2", 2), urlSvc("s3", 3)}
	w := newTestWindow(t, eng, n, clock, svcs...)

	loadWindow(t, eng, n, svcs...)

	// Replay the notification stream: at no instant were two sessions in
	// provisional load simultaneously.
	inProvisional := map[string]bool{}
	for _, c := range n.changesForWindow(w.id) {
		if c.state == StateProvisional {
			inProvisional[c.sessionID] = true
		} else {
			delete(inProvisional, c.sessionID)
		}
		require.LessOrEqual(t, len(inProvisional), 1,
			"more than one session in provisional load")
	}

	// Display order was respected.
	var order []string
	for _, c := range n.changesForWindow(w.id) {
		if c.state == StateProvisional {
			order = append(order, c.sessionID)
		}
	}
	require.Equal(t, []string{"s1", "s2", "s3"}, order)
}

func TestSkipDefaultLoadWhenPromptInFlight(t *testing.T) {
	eng := newFakeEngine()
	n := newRecordingNotifier()
	clock := newManualClock()
	a := urlSvc("a", 1)
	b := urlSvc("b", 2)
	w := newTestWindow(t, eng, n, clock, a, b)

	n.waitState(t, "a", StateProvisional)
	waitAttached(t, w, "b")

	// Prompt lands before a's default page finished; b is still queued.
	require.NoError(t, w.SubmitPrompt("early", false))
	promptB := "https://b.example/?q=early"
	require.Equal(t, promptB, eng.session(t, "b").lastLoad())

	// a's superseded default load reports a benign cancellation.
	eng.session(t, "a").ev.LoadFailed(a.Home, context.Canceled)
	promptA := "https://a.example/?q=early"
	eng.session(t, "a").finishLoad(promptA)
	n.waitState(t, "a", StateLoaded)

	// The queue must not clobber b's in-flight prompt navigation with a
	// default-page load.
	eng.session(t, "b").finishLoad(promptB)
	n.waitState(t, "b", StateLoaded)
	for _, url := range eng.session(t, "b").loadURLs() {
		require.NotEqual(t, b.Home, url, "default load issued over a prompt navigation")
	}
}

func TestSessionCreationFailureDoesNotBlockSiblings(t *testing.T) {
	eng := newFakeEngine()
	eng.failFor["bad"] = context.DeadlineExceeded
	n := newRecordingNotifier()
	clock := newManualClock()
	bad := urlSvc("bad", 1)
	good := urlSvc("good", 2)
	newTestWindow(t, eng, n, clock, bad, good)

	n.waitState(t, "bad", StateFailed)
	n.waitState(t, "good", StateProvisional)
	eng.session(t, "good").finishLoad(good.Home)
	n.waitState(t, "good", StateLoaded)
}
