package hub

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/wire"
)

// HandleTeacher upgrades a teacher console hub session. The teacher
// surface is bound to the server listener and carries no per-user
// authentication; classroom scoping is the deployment boundary.
func (s *Server) HandleTeacher(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(uuid.NewString(), ws)
	defer c.close()

	s.broadcaster.addTeacher(c)
	if s.metrics != nil {
		s.metrics.HubConnectionsActive.WithLabelValues("teacher").Inc()
	}
	defer func() {
		s.broadcaster.removeTeacher(c.id)
		if s.metrics != nil {
			s.metrics.HubConnectionsActive.WithLabelValues("teacher").Dec()
		}
		s.teacherGone(c.id)
	}()

	for {
		env, err := c.readEnvelope()
		if err != nil {
			return
		}
		s.dispatchTeacher(c, env)
	}
}

// teacherGone ends every remote-control session owned by the departing
// connection and pushes a stop to each affected student.
func (s *Server) teacherGone(connectionID string) {
	for _, sess := range s.sessions.ReleaseTeacher(connectionID) {
		s.SendToStudent(sess.ClientID, wire.EventRemoteControlSessionCommand,
			wire.RemoteControlCommand{ClientID: sess.ClientID, SessionID: sess.SessionID, Action: "stop"})
		s.broadcaster.BroadcastTeachers(wire.EventRemoteControlStatusUpdated, wire.RemoteControlStatus{
			ClientID: sess.ClientID, SessionID: sess.SessionID,
			State: sess.State.String(), TimestampUtc: s.now(),
		})
	}
}

func (s *Server) dispatchTeacher(c *conn, env wire.Envelope) {
	if s.metrics != nil {
		s.metrics.HubCallsTotal.WithLabelValues("teacher", env.Method).Inc()
	}

	switch env.Method {
	case wire.MethodGetStudents:
		if out, err := reply(env.ID, s.studentList()); err == nil {
			c.send(out)
		}

	case wire.MethodGeneratePairingPin:
		pin, err := s.pins.GeneratePin()
		if err != nil {
			c.send(replyError(env.ID, "pin_failed", err.Error()))
			return
		}
		if s.metrics != nil {
			s.metrics.PinsIssuedTotal.Inc()
		}
		s.audit("pairing.pin_issued", "teacher", "")
		if out, err := reply(env.ID, pin); err == nil {
			c.send(out)
		}

	case wire.MethodGetLatestAudit:
		var req struct {
			Take int `json:"take"`
		}
		_ = json.Unmarshal(env.Payload, &req)
		if req.Take <= 0 {
			req.Take = 100
		}
		entries, err := s.store.LatestAudit(req.Take)
		if err != nil {
			c.send(replyError(env.ID, "audit_failed", err.Error()))
			return
		}
		if out, err := reply(env.ID, auditToWire(entries)); err == nil {
			c.send(out)
		}

	case wire.MethodRequestRemoteControlSession:
		s.handleRemoteControlStart(c, env)

	case wire.MethodStopRemoteControlSession:
		s.handleRemoteControlStop(c, env)

	case wire.MethodSendRemoteControlInput:
		s.handleRemoteControlInput(c, env)

	default:
		c.send(replyError(env.ID, "unknown_method", env.Method))
	}
}

func (s *Server) handleRemoteControlStart(c *conn, env wire.Envelope) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || req.ClientID == "" {
		c.send(replyError(env.ID, "bad_payload", "clientId required"))
		return
	}
	sess, err := s.sessions.Start(req.ClientID, c.id)
	if err != nil {
		c.send(replyError(env.ID, "session_rejected", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.RemoteControlSessions.WithLabelValues("started").Inc()
	}
	s.audit("remotectl.requested", "teacher", "clientId="+req.ClientID)

	delivered := s.SendToStudent(req.ClientID, wire.EventRemoteControlSessionCommand,
		wire.RemoteControlCommand{ClientID: req.ClientID, SessionID: sess.SessionID, Action: "start"})
	if !delivered {
		_, _ = s.sessions.Stop(req.ClientID, c.id)
		c.send(replyError(env.ID, "student_offline", "student is not connected"))
		return
	}
	if out, err := reply(env.ID, wire.RemoteControlStatus{
		ClientID: req.ClientID, SessionID: sess.SessionID,
		State: sess.State.String(), TimestampUtc: s.now(),
	}); err == nil {
		c.send(out)
	}
}

func (s *Server) handleRemoteControlStop(c *conn, env wire.Envelope) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || req.ClientID == "" {
		c.send(replyError(env.ID, "bad_payload", "clientId required"))
		return
	}
	sess, err := s.sessions.Stop(req.ClientID, c.id)
	if err != nil {
		c.send(replyError(env.ID, "no_session", err.Error()))
		return
	}
	s.SendToStudent(req.ClientID, wire.EventRemoteControlSessionCommand,
		wire.RemoteControlCommand{ClientID: req.ClientID, SessionID: sess.SessionID, Action: "stop"})
	if out, err := reply(env.ID, wire.RemoteControlStatus{
		ClientID: req.ClientID, SessionID: sess.SessionID,
		State: sess.State.String(), TimestampUtc: s.now(),
	}); err == nil {
		c.send(out)
	}
}

func (s *Server) handleRemoteControlInput(c *conn, env wire.Envelope) {
	var input wire.RemoteControlInput
	if json.Unmarshal(env.Payload, &input) != nil {
		return
	}
	if err := s.sessions.AuthorizeInput(input.ClientID, input.SessionID, c.id); err != nil {
		if s.metrics != nil {
			s.metrics.HubCallsDroppedTotal.WithLabelValues("input_unauthorized").Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RemoteControlInputs.Inc()
	}
	s.SendToStudent(input.ClientID, wire.EventRemoteControlInputCommand, input)
}
