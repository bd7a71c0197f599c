package model

import "time"

// SessionState is the relay session's state (§3 Sess, §4.6).
type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	Authenticating
	Subscribed
	Reconnecting
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Subscribed:
		return "subscribed"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SessionStatus is a point-in-time snapshot of a relay session, exposed to
// C9 (control.ping) and C10 (/stats).
type SessionStatus struct {
	RelayURL      string
	State         SessionState
	Challenge     string
	Subscriptions map[string]struct{}
	NextDelay     time.Duration
	ConnectedAt   time.Time
}
