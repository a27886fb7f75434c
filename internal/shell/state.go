package shell

// State is where a tab is in the admin session lifecycle:
// Unauthenticated -> Initializing -> Active -> Invalidated -> LoggingOut -> Unauthenticated.
// Only Initializing and LoggingOut write the session id; Active only
// refreshes the activity timestamp.
type State int

const (
	StateUnauthenticated State = iota
	StateInitializing
	StateActive
	StateInvalidated
	StateLoggingOut
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateInvalidated:
		return "invalidated"
	case StateLoggingOut:
		return "logging-out"
	default:
		return "unknown"
	}
}
