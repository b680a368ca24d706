// Package tokenstore holds the current access token for the process.
//
// The token is an opaque bearer credential with a server-determined expiry.
// It lives only in memory: expiry is discovered reactively through a rejected
// authorized call, never tracked locally, and the token is never written to
// durable storage.
package tokenstore

import "sync"

// Store is the narrow contract for the access-token cell. The session
// controller and the refresh coordinator are its only writers.
type Store interface {
	// Set replaces the current token. An empty string clears it.
	Set(token string)

	// Clear removes the current token.
	Clear()

	// Get returns the current token and whether one is present.
	Get() (string, bool)
}

// Memory is the in-process Store implementation. The zero value is empty and
// ready to use.
type Memory struct {
	mu    sync.RWMutex
	token string
}

// NewMemory returns an empty in-memory token store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Set(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

func (m *Memory) Clear() {
	m.Set("")
}

func (m *Memory) Get() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != ""
}
