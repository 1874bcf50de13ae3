// Package remotectl implements the per-student remote-control session
// lease: approval gating, input forwarding checks and teacher-scoped
// lifetime.
package remotectl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/observability"
)

// State is the remote-control session state.
type State int

const (
	StatePendingApproval State = iota
	StateApproved
	StateRejected
	StateEnded
	StateExpired
	StateError
)

// String returns the wire form of the state.
func (s State) String() string {
	switch s {
	case StatePendingApproval:
		return "PendingApproval"
	case StateApproved:
		return "Approved"
	case StateRejected:
		return "Rejected"
	case StateEnded:
		return "Ended"
	case StateExpired:
		return "Expired"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateEnded, StateExpired, StateError:
		return true
	}
	return false
}

// ParseState maps a student-reported state string back to a State.
func ParseState(v string) (State, bool) {
	switch v {
	case "PendingApproval":
		return StatePendingApproval, true
	case "Approved":
		return StateApproved, true
	case "Rejected":
		return StateRejected, true
	case "Ended":
		return StateEnded, true
	case "Expired":
		return StateExpired, true
	case "Error":
		return StateError, true
	}
	return 0, false
}

// Session is one remote-control lease.
type Session struct {
	ClientID            string
	SessionID           string
	TeacherConnectionID string
	State               State
	CreatedAtUtc        time.Time
	UpdatedAtUtc        time.Time
}

var (
	// ErrSessionActive means the client already has a non-terminal session.
	ErrSessionActive = errors.New("client already has an active remote-control session")
	// ErrNoSession means no session matched the request.
	ErrNoSession = errors.New("no matching remote-control session")
	// ErrNotForwardable means the input failed the forwarding guard.
	ErrNotForwardable = errors.New("input rejected: session not approved for this caller")
)

// Manager owns every in-memory session lease.
type Manager struct {
	approvalTimeout time.Duration
	log             *observability.Logger
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // keyed by clientId
}

// NewManager creates a session manager. Pending sessions expire after
// approvalTimeout.
func NewManager(approvalTimeout time.Duration, log *observability.Logger) *Manager {
	return &Manager{
		approvalTimeout: approvalTimeout,
		log:             log.WithComponent("remotectl"),
		now:             func() time.Time { return time.Now().UTC() },
		sessions:        make(map[string]*Session),
	}
}

// Start creates a PendingApproval session for clientID owned by the
// requesting teacher connection. At most one non-terminal session may
// exist per client.
func (m *Manager) Start(clientID, teacherConnectionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if cur, ok := m.sessions[clientID]; ok && !cur.State.Terminal() {
		return Session{}, ErrSessionActive
	}
	now := m.now()
	s := &Session{
		ClientID:            clientID,
		SessionID:           uuid.NewString(),
		TeacherConnectionID: teacherConnectionID,
		State:               StatePendingApproval,
		CreatedAtUtc:        now,
		UpdatedAtUtc:        now,
	}
	m.sessions[clientID] = s
	return *s, nil
}

// ApplyStudentState records a state reported by the student agent
// (approve, reject, stop, error). Terminal states stick.
func (m *Manager) ApplyStudentState(clientID, sessionID string, state State) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clientID]
	if !ok || s.SessionID != sessionID {
		return Session{}, ErrNoSession
	}
	if s.State.Terminal() {
		return *s, nil
	}
	s.State = state
	s.UpdatedAtUtc = m.now()
	return *s, nil
}

// Stop ends the session for clientID if the caller owns it.
func (m *Manager) Stop(clientID, teacherConnectionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clientID]
	if !ok || s.TeacherConnectionID != teacherConnectionID {
		return Session{}, ErrNoSession
	}
	if !s.State.Terminal() {
		s.State = StateEnded
		s.UpdatedAtUtc = m.now()
	}
	return *s, nil
}

// AuthorizeInput checks the forwarding guard: the session must be
// Approved and the input must carry the owning teacher connection and
// the live sessionId.
func (m *Manager) AuthorizeInput(clientID, sessionID, teacherConnectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	s, ok := m.sessions[clientID]
	if !ok {
		return ErrNoSession
	}
	if s.State != StateApproved || s.SessionID != sessionID ||
		s.TeacherConnectionID != teacherConnectionID {
		return ErrNotForwardable
	}
	return nil
}

// ReleaseTeacher ends every session owned by a disconnecting teacher
// connection and returns the affected sessions so callers can push Stop
// commands to the students.
func (m *Manager) ReleaseTeacher(teacherConnectionID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []Session
	for _, s := range m.sessions {
		if s.TeacherConnectionID != teacherConnectionID || s.State.Terminal() {
			continue
		}
		s.State = StateEnded
		s.UpdatedAtUtc = m.now()
		ended = append(ended, *s)
	}
	return ended
}

// Get returns the current session for clientID.
func (m *Manager) Get(clientID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	s, ok := m.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// expireLocked times out stale pending approvals.
func (m *Manager) expireLocked() {
	if m.approvalTimeout <= 0 {
		return
	}
	now := m.now()
	for _, s := range m.sessions {
		if s.State == StatePendingApproval && now.Sub(s.CreatedAtUtc) >= m.approvalTimeout {
			s.State = StateExpired
			s.UpdatedAtUtc = now
		}
	}
}
