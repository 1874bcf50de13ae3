package remotectl

import (
	"testing"
	"time"

	"github.com/controledu/backend/internal/observability"
)

func newTestManager(timeout time.Duration) *Manager {
	return NewManager(timeout, observability.NewTestLogger())
}

func TestStart_SingleLeasePerClient(t *testing.T) {
	m := newTestManager(time.Minute)

	s, err := m.Start("c1", "teacher-a")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State != StatePendingApproval {
		t.Errorf("state = %s, want PendingApproval", s.State)
	}

	if _, err := m.Start("c1", "teacher-b"); err != ErrSessionActive {
		t.Errorf("second Start returned %v, want ErrSessionActive", err)
	}

	// A terminal session frees the lease.
	if _, err := m.ApplyStudentState("c1", s.SessionID, StateRejected); err != nil {
		t.Fatalf("ApplyStudentState failed: %v", err)
	}
	if _, err := m.Start("c1", "teacher-b"); err != nil {
		t.Errorf("Start after terminal state failed: %v", err)
	}
}

func TestAuthorizeInput_Guard(t *testing.T) {
	m := newTestManager(time.Minute)
	s, _ := m.Start("c1", "teacher-a")

	if err := m.AuthorizeInput("c1", s.SessionID, "teacher-a"); err != ErrNotForwardable {
		t.Errorf("pending session authorized input: %v", err)
	}

	if _, err := m.ApplyStudentState("c1", s.SessionID, StateApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	if err := m.AuthorizeInput("c1", s.SessionID, "teacher-a"); err != nil {
		t.Errorf("approved session rejected input: %v", err)
	}
	if err := m.AuthorizeInput("c1", s.SessionID, "teacher-b"); err != ErrNotForwardable {
		t.Errorf("foreign teacher authorized: %v", err)
	}
	if err := m.AuthorizeInput("c1", "other-session", "teacher-a"); err != ErrNotForwardable {
		t.Errorf("stale sessionId authorized: %v", err)
	}
	if err := m.AuthorizeInput("c2", s.SessionID, "teacher-a"); err != ErrNoSession {
		t.Errorf("unknown client: %v", err)
	}
}

func TestReleaseTeacher_EndsOwnedSessions(t *testing.T) {
	m := newTestManager(time.Minute)
	sa, _ := m.Start("c1", "teacher-a")
	m.ApplyStudentState("c1", sa.SessionID, StateApproved)
	m.Start("c2", "teacher-b")

	ended := m.ReleaseTeacher("teacher-a")
	if len(ended) != 1 || ended[0].ClientID != "c1" || ended[0].State != StateEnded {
		t.Fatalf("ended = %+v", ended)
	}
	if s, _ := m.Get("c2"); s.State != StatePendingApproval {
		t.Error("unrelated teacher's session was ended")
	}
}

func TestStop_OwnershipRequired(t *testing.T) {
	m := newTestManager(time.Minute)
	s, _ := m.Start("c1", "teacher-a")

	if _, err := m.Stop("c1", "teacher-b"); err != ErrNoSession {
		t.Errorf("foreign stop returned %v", err)
	}
	got, err := m.Stop("c1", "teacher-a")
	if err != nil || got.State != StateEnded {
		t.Errorf("Stop = %+v, %v", got, err)
	}
	_ = s
}

func TestApprovalTimeout(t *testing.T) {
	m := newTestManager(30 * time.Second)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	s, _ := m.Start("c1", "teacher-a")
	m.now = func() time.Time { return base.Add(time.Minute) }

	got, ok := m.Get("c1")
	if !ok || got.State != StateExpired {
		t.Fatalf("session = %+v, want Expired", got)
	}

	// Terminal expiry sticks even if the student approves late.
	late, err := m.ApplyStudentState("c1", s.SessionID, StateApproved)
	if err != nil || late.State != StateExpired {
		t.Errorf("late approval = %+v, %v", late, err)
	}

	if _, err := m.Start("c1", "teacher-a"); err != nil {
		t.Errorf("expired lease not freed: %v", err)
	}
}

func TestStateStrings_RoundTrip(t *testing.T) {
	for _, s := range []State{StatePendingApproval, StateApproved, StateRejected,
		StateEnded, StateExpired, StateError} {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Errorf("ParseState(%s) = %v, %v", s, got, ok)
		}
	}
	if _, ok := ParseState("bogus"); ok {
		t.Error("bogus state parsed")
	}
}
