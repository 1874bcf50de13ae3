package hub

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/detect"
	"github.com/controledu/backend/internal/remotectl"
	"github.com/controledu/backend/internal/wire"
)

// HandleStudent upgrades a student hub session. The first envelope must
// be a Register call carrying valid paired credentials.
func (s *Server) HandleStudent(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(uuid.NewString(), ws)
	defer c.close()

	reg, callID, ok := s.awaitRegister(c)
	if !ok {
		return
	}

	s.broadcaster.addStudent(c)
	if s.metrics != nil {
		s.metrics.HubConnectionsActive.WithLabelValues("student").Inc()
	}
	defer func() {
		s.broadcaster.removeStudent(c.id)
		if s.metrics != nil {
			s.metrics.HubConnectionsActive.WithLabelValues("student").Dec()
		}
		s.studentGone(c.id)
	}()

	session := s.registry.Upsert(reg, c.id, s.now())
	s.audit("student.connected", reg.HostName, "clientId="+reg.ClientID)
	s.log.StudentRegistered(reg.ClientID, c.id, reg.HostName)

	if env, err := reply(callID, wire.RegisterAck{Accepted: true}); err == nil {
		c.send(env)
	}
	s.broadcaster.BroadcastTeachers(wire.EventStudentUpserted, session.Info())
	s.broadcaster.BroadcastTeachers(wire.EventStudentListChanged, s.studentList())

	for {
		env, err := c.readEnvelope()
		if err != nil {
			return
		}
		s.dispatchStudent(c, reg.ClientID, env)
	}
}

// awaitRegister reads and validates the opening Register call.
func (s *Server) awaitRegister(c *conn) (wire.StudentRegistration, string, bool) {
	env, err := c.readEnvelope()
	if err != nil {
		return wire.StudentRegistration{}, "", false
	}
	if env.Method != wire.MethodRegister {
		c.send(replyError(env.ID, "register_required", "first call must be Register"))
		return wire.StudentRegistration{}, "", false
	}
	var reg wire.StudentRegistration
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		c.send(replyError(env.ID, "bad_payload", "malformed registration"))
		return wire.StudentRegistration{}, "", false
	}
	if !s.store.ValidateToken(reg.ClientID, reg.Token, s.now()) {
		s.log.HubCallDropped(wire.MethodRegister, reg.ClientID, c.id, "invalid or expired token")
		c.send(replyError(env.ID, "unauthorized", "unknown client or expired token"))
		return wire.StudentRegistration{}, "", false
	}
	return reg, env.ID, true
}

func (s *Server) studentGone(connectionID string) {
	clientID := s.registry.MarkOffline(connectionID, s.now())
	if clientID == "" {
		return
	}
	s.audit("student.disconnected", clientID, "")
	s.log.StudentDisconnected(clientID, connectionID)
	s.broadcaster.BroadcastTeachers(wire.EventStudentDisconnected,
		map[string]string{"clientId": clientID})
	s.broadcaster.BroadcastTeachers(wire.EventStudentListChanged, s.studentList())
}

// authorizeStudent enforces the hub authorization rule: the payload's
// clientId must equal the session's bound clientId, and the registry's
// live connection for that client must be this session.
func (s *Server) authorizeStudent(c *conn, boundClientID, method string, payload json.RawMessage) bool {
	var probe struct {
		ClientID  string `json:"clientId"`
		StudentID string `json:"studentId"`
	}
	err := json.Unmarshal(payload, &probe)
	claimed := probe.ClientID
	if claimed == "" {
		claimed = probe.StudentID
	}
	if err != nil || claimed != boundClientID {
		s.dropStudentCall(method, claimed, c.id, "clientId mismatch")
		return false
	}
	if s.registry.ConnectionID(boundClientID) != c.id {
		s.dropStudentCall(method, boundClientID, c.id, "stale connection")
		return false
	}
	return true
}

func (s *Server) dropStudentCall(method, clientID, connectionID, reason string) {
	s.log.HubCallDropped(method, clientID, connectionID, reason)
	if s.metrics != nil {
		s.metrics.HubCallsDroppedTotal.WithLabelValues("unauthorized").Inc()
	}
}

func (s *Server) dispatchStudent(c *conn, boundClientID string, env wire.Envelope) {
	if s.metrics != nil {
		s.metrics.HubCallsTotal.WithLabelValues("student", env.Method).Inc()
	}
	if !s.authorizeStudent(c, boundClientID, env.Method, env.Payload) {
		return
	}

	switch env.Method {
	case wire.MethodHeartbeat:
		s.registry.Heartbeat(boundClientID, s.now())

	case wire.MethodSendFrame:
		var frame wire.ScreenFrame
		if json.Unmarshal(env.Payload, &frame) != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.FramesReceivedTotal.Inc()
			s.metrics.FrameBytesTotal.Add(float64(len(frame.Jpeg)))
		}
		s.registry.Heartbeat(boundClientID, s.now())
		s.broadcaster.BroadcastTeachers(wire.EventFrameReceived, frame)

	case wire.MethodSendAlert:
		s.handleAlert(env.Payload)

	case wire.MethodSendStudentSignal:
		s.handleSignal(env.Payload)

	case wire.MethodSendChatMessage:
		s.handleStudentChat(env.Payload)

	case wire.MethodReportFileProgress:
		var progress wire.FileProgress
		if json.Unmarshal(env.Payload, &progress) != nil {
			return
		}
		s.broadcaster.BroadcastTeachers(wire.EventFileProgressUpdated, progress)

	case wire.MethodReportRemoteControlStatus:
		s.handleRemoteControlStatus(env.Payload)

	case wire.MethodGetDetectionPolicy:
		// Always the fixed production policy, regardless of stored edits.
		if out, err := reply(env.ID, detect.ProductionPolicy()); err == nil {
			c.send(out)
		}

	default:
		s.dropStudentCall(env.Method, boundClientID, c.id, "unknown method")
	}
}

func (s *Server) handleAlert(payload json.RawMessage) {
	var alert wire.AlertEvent
	if json.Unmarshal(payload, &alert) != nil {
		return
	}
	if alert.EventID == "" {
		alert.EventID = uuid.NewString()
	}
	if alert.TimestampUtc.IsZero() {
		alert.TimestampUtc = s.now()
	}
	evicted := s.alerts.Append(alert)
	s.registry.RecordDetection(alert.StudentID, alert.Class, alert.TimestampUtc)
	if s.metrics != nil {
		s.metrics.AlertsTotal.WithLabelValues(string(alert.Class)).Inc()
		if evicted {
			s.metrics.AlertRingDropped.Inc()
		}
	}
	s.log.AlertEmitted(alert.StudentID, string(alert.Class), alert.Confidence)
	s.broadcaster.BroadcastTeachers(wire.EventAlertReceived, alert)
}

func (s *Server) handleSignal(payload json.RawMessage) {
	var sig wire.StudentSignal
	if json.Unmarshal(payload, &sig) != nil {
		return
	}
	if !s.signals.Allow(sig.ClientID + "|" + sig.SignalType) {
		if s.metrics != nil {
			s.metrics.SignalsSuppressedTotal.Inc()
		}
		return
	}
	if sig.TimestampUtc.IsZero() {
		sig.TimestampUtc = s.now()
	}
	s.broadcaster.BroadcastTeachers(wire.EventStudentSignalReceived, sig)
}

func (s *Server) handleStudentChat(payload json.RawMessage) {
	var msg wire.ChatMessage
	if json.Unmarshal(payload, &msg) != nil {
		return
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.TimestampUtc.IsZero() {
		msg.TimestampUtc = s.now()
	}
	msg.SenderRole = wire.RoleStudent
	s.chat.Append(msg)
	s.broadcaster.BroadcastTeachers(wire.EventChatMessageReceived, msg)
}

func (s *Server) handleRemoteControlStatus(payload json.RawMessage) {
	var status wire.RemoteControlStatus
	if json.Unmarshal(payload, &status) != nil {
		return
	}
	if status.TimestampUtc.IsZero() {
		status.TimestampUtc = s.now()
	}
	if state, ok := remotectl.ParseState(status.State); ok {
		if _, err := s.sessions.ApplyStudentState(status.ClientID, status.SessionID, state); err != nil {
			s.log.Warn(fmt.Sprintf("remote-control status for unknown session: %v", err))
		}
	}
	s.broadcaster.BroadcastTeachers(wire.EventRemoteControlStatusUpdated, status)
}
