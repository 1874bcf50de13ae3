package events

import (
	"sync"
	"time"

	"github.com/controledu/backend/internal/wire"
)

// StudentSession is the in-memory presence record for one paired student.
type StudentSession struct {
	ClientID           string
	ConnectionID       string
	HostName           string
	UserName           string
	LocalIP            string
	LastSeenUtc        time.Time
	IsOnline           bool
	DetectionEnabled   bool
	LastDetectionUtc   time.Time
	LastDetectionClass wire.DetectionClass
}

// Registry tracks live student sessions keyed by clientId.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*StudentSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*StudentSession)}
}

// Upsert binds clientID to connectionID and marks the session online.
func (r *Registry) Upsert(reg wire.StudentRegistration, connectionID string, now time.Time) *StudentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[reg.ClientID]
	if s == nil {
		s = &StudentSession{ClientID: reg.ClientID, DetectionEnabled: true}
		r.sessions[reg.ClientID] = s
	}
	s.ConnectionID = connectionID
	s.HostName = reg.HostName
	s.UserName = reg.UserName
	s.LocalIP = reg.LocalIP
	s.LastSeenUtc = now
	s.IsOnline = true
	return s
}

// ConnectionID returns the active hub connection for clientID, or "".
func (r *Registry) ConnectionID(clientID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[clientID]; ok && s.IsOnline {
		return s.ConnectionID
	}
	return ""
}

// Heartbeat refreshes the last-seen time for clientID.
func (r *Registry) Heartbeat(clientID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok {
		s.LastSeenUtc = now
	}
}

// RecordDetection stores the last alert on the student's presence row.
func (r *Registry) RecordDetection(clientID string, class wire.DetectionClass, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok {
		s.LastDetectionUtc = at
		s.LastDetectionClass = class
	}
}

// MarkOffline clears the online flag if connectionID still owns the session.
// Returns the clientID owning the connection, or "".
func (r *Registry) MarkOffline(connectionID string, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.ConnectionID == connectionID {
			s.IsOnline = false
			s.ConnectionID = ""
			s.LastSeenUtc = now
			return id
		}
	}
	return ""
}

// Remove deletes the session (revocation).
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

// Get returns a snapshot of one session.
func (r *Registry) Get(clientID string) (StudentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return StudentSession{}, false
	}
	return *s, true
}

// List returns a snapshot of every session.
func (r *Registry) List() []StudentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StudentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Info converts a session snapshot into its wire projection.
func (s StudentSession) Info() wire.StudentInfo {
	info := wire.StudentInfo{
		ClientID:         s.ClientID,
		ConnectionID:     s.ConnectionID,
		HostName:         s.HostName,
		UserName:         s.UserName,
		LocalIP:          s.LocalIP,
		LastSeenUtc:      s.LastSeenUtc,
		IsOnline:         s.IsOnline,
		DetectionEnabled: s.DetectionEnabled,
	}
	if !s.LastDetectionUtc.IsZero() {
		t := s.LastDetectionUtc
		c := s.LastDetectionClass
		info.LastDetectionUtc = &t
		info.LastDetectionClass = &c
	}
	return info
}
