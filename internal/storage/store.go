// Package storage is the key/value port behind which the admin session
// state lives. The account-level scope is shared by every tab of the same
// browser profile, the tab-level scope dies with the tab.
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("storage: key not found")

// Logical keys of the admin session state.
const (
	KeyUser           = "admin-user"
	KeySessionID      = "admin-session-id"
	KeyLastActivityAt = "admin-last-activity"
	KeyTabSessionID   = "admin-tab-session-id"
)

// Store is a string key/value store. Get returns ErrNotFound for missing
// keys; Remove of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Ports groups the two scopes a tab works with.
type Ports struct {
	// Persistent is the account-level scope, visible to all tabs.
	Persistent Store
	// Volatile is the tab-level scope.
	Volatile Store
}

// NewMemoryPorts is used in tests and single process runs.
// Tabs are simulated by sharing persistent and giving each tab its own volatile store.
func NewMemoryPorts() Ports {
	return Ports{
		Persistent: NewMemoryStore(),
		Volatile:   NewMemoryStore(),
	}
}

// NewTab returns ports of another tab of the same browser profile.
func (p Ports) NewTab() Ports {
	return Ports{
		Persistent: p.Persistent,
		Volatile:   NewMemoryStore(),
	}
}
