// Package session tracks the signed-in user and announces login and logout
// to the components whose lifetime follows the session.
package session

import (
	"sync"
	"time"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
)

// ErrNoUser is returned by Login when the user ID is empty.
var ErrNoUser = apperrors.New(apperrors.ErrInvalid, "user id is required")

// EventKind distinguishes session events.
type EventKind string

const (
	EventLogin  EventKind = "login"
	EventLogout EventKind = "logout"
)

// Event is a session transition.
type Event struct {
	Kind   EventKind `json:"kind"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Info describes the current session.
type Info struct {
	UserID string    `json:"userId"`
	Since  time.Time `json:"since"`
}

// Manager holds at most one signed-in user.
type Manager struct {
	mu     sync.Mutex
	user   string
	since  time.Time
	subs   map[chan Event]struct{}
	closed bool
}

// NewManager creates a manager with nobody signed in.
func NewManager() *Manager {
	return &Manager{subs: make(map[chan Event]struct{})}
}

// Login signs userID in. Signing in as a different user first logs the
// current one out; signing in again as the same user is a no-op.
func (m *Manager) Login(userID string) error {
	if userID == "" {
		return ErrNoUser
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.user == userID {
		return nil
	}
	if m.user != "" {
		m.publish(Event{Kind: EventLogout, UserID: m.user, At: time.Now()})
	}
	m.user = userID
	m.since = time.Now()
	m.publish(Event{Kind: EventLogin, UserID: userID, At: m.since})

	logging.Info("User logged in", map[string]interface{}{
		"user_id": userID,
	})
	return nil
}

// Logout ends the current session. It reports false when nobody was
// signed in.
func (m *Manager) Logout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.user == "" {
		return false
	}
	user := m.user
	m.user = ""
	m.since = time.Time{}
	m.publish(Event{Kind: EventLogout, UserID: user, At: time.Now()})

	logging.Info("User logged out", map[string]interface{}{
		"user_id": user,
	})
	return true
}

// Current returns the signed-in user, if any.
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == "" {
		return Info{}, false
	}
	return Info{UserID: m.user, Since: m.since}, true
}

// Subscribe returns a channel receiving every later session event, and a
// function that cancels the subscription and closes the channel. A
// subscriber that is already signed in at subscription time receives a
// login event first.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	if m.user != "" {
		ch <- Event{Kind: EventLogin, UserID: m.user, At: m.since}
	}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
		})
	}
}

// Close ends every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish must be called with m.mu held.
func (m *Manager) publish(ev Event) {
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			logging.Warn("Session event dropped, subscriber not draining", map[string]interface{}{
				"kind":    string(ev.Kind),
				"user_id": ev.UserID,
			})
		}
	}
}
