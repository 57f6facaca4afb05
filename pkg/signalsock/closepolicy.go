package signalsock

// ClosePolicy decides whether a dropped session that is about to be retried
// is reported through the OnClose slot. Intentional closes and drops that end
// the connection are always reported.
type ClosePolicy int

const (
	// CloseNotifyUnexpected reports a drop unless the application already
	// expects the connection to be down: the session was closed by the open
	// timeout, or it was a retry attempt that never opened. A run of failing
	// retries therefore produces a single close notification.
	CloseNotifyUnexpected ClosePolicy = iota

	// CloseNotifyAlways reports every drop.
	CloseNotifyAlways
)

func (p ClosePolicy) String() string {
	switch p {
	case CloseNotifyAlways:
		return "always"
	default:
		return "unexpected"
	}
}

func (p ClosePolicy) notifyDrop(a *attempt) bool {
	if p == CloseNotifyAlways {
		return true
	}
	if a.timedOut {
		return false
	}
	return !(a.retry && !a.opened)
}
