package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"hyperchat/internal/engine"
)

// --- fakeEngine / fakeSession ---

// fakeEngine hands out scriptable sessions keyed by service id.
type fakeEngine struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	failFor  map[string]error
	holdFor  map[string]chan struct{}
	closed   bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: make(map[string]*fakeSession),
		failFor:  make(map[string]error),
		holdFor:  make(map[string]chan struct{}),
	}
}

func (e *fakeEngine) NewSession(_ context.Context, cfg engine.SessionConfig, ev engine.Events) (engine.Session, error) {
	e.mu.Lock()
	hold := e.holdFor[cfg.ServiceID]
	e.mu.Unlock()
	if hold != nil {
		<-hold
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failFor[cfg.ServiceID]; err != nil {
		return nil, err
	}
	s := &fakeSession{ev: ev, isolated: cfg.Isolated, evalResult: json.RawMessage(`{"ok":true,"reason":"submit control"}`)}
	e.sessions[cfg.ServiceID] = s
	return s, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// session waits for the engine to hand out the session for a service.
func (e *fakeEngine) session(t *testing.T, serviceID string) *fakeSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		s := e.sessions[serviceID]
		e.mu.Unlock()
		if s != nil {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session %s was never created", serviceID)
	return nil
}

type evalCall struct {
	js   string
	args []interface{}
}

// fakeSession records calls and lets tests drive lifecycle events.
type fakeSession struct {
	ev       engine.Events
	isolated bool

	mu          sync.Mutex
	loads       []string
	evals       []evalCall
	stops       int
	clears      int
	recreates   int
	freezes     int
	resumes     int
	snapshots   int
	closed      bool
	loadErr     error
	evalResult  json.RawMessage
	evalErr     error
	recreateErr error
}

func (s *fakeSession) Load(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return s.loadErr
	}
	s.loads = append(s.loads, url)
	return nil
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSession) Eval(_ context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals = append(s.evals, evalCall{js: js, args: args})
	return s.evalResult, s.evalErr
}

func (s *fakeSession) Freeze() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezes++
	return nil
}

func (s *fakeSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
	return nil
}

func (s *fakeSession) Snapshot(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (s *fakeSession) ClearSiteData(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *fakeSession) Recreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recreates++
	return s.recreateErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loads)
}

func (s *fakeSession) lastLoad() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.loads) == 0 {
		return ""
	}
	return s.loads[len(s.loads)-1]
}

func (s *fakeSession) loadURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loads...)
}

func (s *fakeSession) evalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evals)
}

func (s *fakeSession) lastEvalArgs() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.evals) == 0 {
		return nil
	}
	return s.evals[len(s.evals)-1].args
}

func (s *fakeSession) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func (s *fakeSession) recreateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recreates
}

func (s *fakeSession) freezeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freezes
}

func (s *fakeSession) resumeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes
}

func (s *fakeSession) setRecreateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recreateErr = err
}

func (s *fakeSession) setEvalResult(raw json.RawMessage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalResult = raw
	s.evalErr = err
}

// finishLoad drives the lifecycle of a successful navigation.
func (s *fakeSession) finishLoad(url string) {
	s.ev.LoadCommitted(url)
	s.ev.LoadFinished(url)
}

// --- recordingNotifier ---

type stateChange struct {
	windowID  string
	sessionID string
	state     State
	reason    Reason
}

type deliveryResult struct {
	windowID  string
	sessionID string
	err       error
}

// recordingNotifier captures notifications and lets tests wait on them.
type recordingNotifier struct {
	mu         sync.Mutex
	states     []stateChange
	cursors    map[string]int
	deliveries []deliveryResult
	focus      []string
	snapshots  []string

	deliveryCh chan deliveryResult
	focusCh    chan string
	localCh    chan localChunk
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		cursors:    make(map[string]int),
		deliveryCh: make(chan deliveryResult, 256),
		focusCh:    make(chan string, 64),
		localCh:    make(chan localChunk, 256),
	}
}

func (n *recordingNotifier) SessionStateChanged(windowID, sessionID string, state State, reason Reason) {
	c := stateChange{windowID: windowID, sessionID: sessionID, state: state, reason: reason}
	n.mu.Lock()
	n.states = append(n.states, c)
	n.mu.Unlock()
}

func (n *recordingNotifier) ScriptDeliveryResult(windowID, sessionID string, err error) {
	r := deliveryResult{windowID: windowID, sessionID: sessionID, err: err}
	n.mu.Lock()
	n.deliveries = append(n.deliveries, r)
	n.mu.Unlock()
	n.deliveryCh <- r
}

func (n *recordingNotifier) FocusRestore(windowID string) {
	n.mu.Lock()
	n.focus = append(n.focus, windowID)
	n.mu.Unlock()
	n.focusCh <- windowID
}

func (n *recordingNotifier) SnapshotCaptured(windowID, sessionID string, _ []byte) {
	n.mu.Lock()
	n.snapshots = append(n.snapshots, sessionID)
	n.mu.Unlock()
}

type localChunk struct {
	sessionID string
	text      string
	done      bool
}

func (n *recordingNotifier) LocalCompletion(_, sessionID string, chunk string, done bool) {
	n.localCh <- localChunk{sessionID: sessionID, text: chunk, done: done}
}

// waitFocusRestore blocks until the deferred focus-restore signal fires.
func (n *recordingNotifier) waitFocusRestore(t *testing.T) string {
	t.Helper()
	select {
	case id := <-n.focusCh:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("focus restore never signalled")
		return ""
	}
}

// waitState blocks until the session reports the wanted state. It reads the
// recorded log from a per-session cursor, so waiting on one session never
// discards another session's transitions, and repeated waits on the same
// state observe successive transitions.
func (n *recordingNotifier) waitState(t *testing.T, sessionID string, state State) stateChange {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		for i := n.cursors[sessionID]; i < len(n.states); i++ {
			c := n.states[i]
			if c.sessionID != sessionID {
				continue
			}
			n.cursors[sessionID] = i + 1
			if c.state == state {
				n.mu.Unlock()
				return c
			}
		}
		n.cursors[sessionID] = len(n.states)
		n.mu.Unlock()
		if !time.Now().Before(deadline) {
			t.Fatalf("session %s never reached state %s; saw %v", sessionID, state, n.statesFor(sessionID))
		}
		time.Sleep(time.Millisecond)
	}
}

// waitDelivery blocks until a delivery result arrives for the session.
func (n *recordingNotifier) waitDelivery(t *testing.T, sessionID string) deliveryResult {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-n.deliveryCh:
			if r.sessionID == sessionID {
				return r
			}
		case <-timeout:
			t.Fatalf("no delivery result for session %s", sessionID)
		}
	}
}

func (n *recordingNotifier) statesFor(sessionID string) []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []State
	for _, c := range n.states {
		if c.sessionID == sessionID {
			out = append(out, c.state)
		}
	}
	return out
}

func (n *recordingNotifier) changesForWindow(windowID string) []stateChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []stateChange
	for _, c := range n.states {
		if c.windowID == windowID {
			out = append(out, c)
		}
	}
	return out
}

// --- manualClock ---

// manualClock makes backoff and settle delays deterministic.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock { return &manualClock{} }

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and fires due timers in schedule order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// pending counts timers that are armed and not yet fired.
func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}
