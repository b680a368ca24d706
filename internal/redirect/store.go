// Package redirect preserves the user's pre-login destination across the
// external identity-provider round trip.
//
// The value is saved when the login entry sees a redirect_to parameter and
// consumed exactly once after the code exchange. It is the only piece of
// durable client state; tokens never pass through here.
package redirect

import "sync"

// Store holds at most one pending redirect target with read-once semantics.
type Store interface {
	// Save records the target, replacing any previous one.
	Save(target string) error

	// TakeAndClear returns the stored target and deletes it in the same
	// operation. ok is false when nothing was saved.
	TakeAndClear() (target string, ok bool, err error)

	// Clear drops the stored target without returning it.
	Clear() error
}

// Memory is the in-process Store. It models a browsing tab that never leaves
// the process: nothing survives restart.
type Memory struct {
	mu     sync.Mutex
	target string
	set    bool
}

// NewMemory returns an empty in-memory redirect store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(target string) error {
	m.mu.Lock()
	m.target = target
	m.set = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) TakeAndClear() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.set {
		return "", false, nil
	}
	target := m.target
	m.target = ""
	m.set = false
	return target, true, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	m.target = ""
	m.set = false
	m.mu.Unlock()
	return nil
}
