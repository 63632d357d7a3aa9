package orchestrator

import "time"

// Clock schedules deferred callbacks. The real clock uses time.AfterFunc;
// tests substitute a manual clock so backoff and settle delays are
// deterministic.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop cancels the timer. Stopping an already-fired timer is a no-op.
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// loop serializes every state mutation of one window onto a single
// goroutine. Engine callbacks, timer fires and public API calls all go
// through post; nothing touches window state from anywhere else.
type loop struct {
	events chan func()
	quit   chan struct{}
	done   chan struct{}
}

func newLoop() *loop {
	l := &loop{
		events: make(chan func(), 128),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-l.quit:
			// Drain what was already queued so callers blocked in call
			// are released, then stop.
			for {
				select {
				case fn := <-l.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post runs fn on the loop goroutine. Returns false if the loop has stopped;
// the event is dropped in that case.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// call runs fn on the loop goroutine and waits for it to complete.
func (l *loop) call(fn func()) bool {
	ch := make(chan struct{})
	if !l.post(func() {
		fn()
		close(ch)
	}) {
		return false
	}
	select {
	case <-ch:
		return true
	case <-l.done:
		return false
	}
}

// stop ends the loop after draining queued events.
func (l *loop) stop() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	<-l.done
}
