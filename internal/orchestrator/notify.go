package orchestrator

// Notifier is implemented by the presentation layer. The core never renders;
// it reports state changes here. Calls arrive on window loop goroutines and
// must not block.
type Notifier interface {
	// SessionStateChanged fires on every session state transition.
	SessionStateChanged(windowID, sessionID string, state State, reason Reason)

	// ScriptDeliveryResult reports per-session prompt delivery outcome for
	// script-injection services. A nil error is success. Failures are not
	// retried; the presentation layer flags the one session.
	ScriptDeliveryResult(windowID, sessionID string, err error)

	// FocusRestore fires once after a prompt fan-out has settled, telling
	// the shell to return the typing cursor to the prompt input.
	FocusRestore(windowID string)

	// SnapshotCaptured hands over the static capture taken when a session
	// hibernates, for the presentation layer to display in place of live
	// content.
	SnapshotCaptured(windowID, sessionID string, image []byte)

	// LocalCompletion streams a locally-inferred service's response text.
	// done marks the end of the stream.
	LocalCompletion(windowID, sessionID string, chunk string, done bool)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) SessionStateChanged(_, _ string, _ State, _ Reason) {}
func (NopNotifier) ScriptDeliveryResult(_, _ string, _ error)          {}
func (NopNotifier) FocusRestore(_ string)                              {}
func (NopNotifier) SnapshotCaptured(_, _ string, _ []byte)             {}
func (NopNotifier) LocalCompletion(_, _ string, _ string, _ bool)      {}
