package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/controledu/backend/internal/detect"
	"github.com/controledu/backend/internal/events"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/pairing"
	"github.com/controledu/backend/internal/ratelimit"
	"github.com/controledu/backend/internal/remotectl"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/wire"
)

// Server owns both hub endpoints and the shared projections behind
// them.
type Server struct {
	store    *storage.Store
	registry *events.Registry
	alerts   *events.AlertRing
	chat     *events.ChatLog
	pins     *pairing.PinManager
	sessions *remotectl.Manager
	signals  *ratelimit.KeyedCooldown

	broadcaster *Broadcaster
	metrics     *observability.Metrics
	log         *observability.Logger
	upgrader    websocket.Upgrader
	now         func() time.Time
}

// Config wires the hub server's collaborators.
type Config struct {
	Store          *storage.Store
	Registry       *events.Registry
	Alerts         *events.AlertRing
	Chat           *events.ChatLog
	Pins           *pairing.PinManager
	Sessions       *remotectl.Manager
	SignalCooldown time.Duration
	Metrics        *observability.Metrics
	Logger         *observability.Logger
}

// NewServer creates the hub server.
func NewServer(cfg Config) *Server {
	return &Server{
		store:       cfg.Store,
		registry:    cfg.Registry,
		alerts:      cfg.Alerts,
		chat:        cfg.Chat,
		pins:        cfg.Pins,
		sessions:    cfg.Sessions,
		signals:     ratelimit.NewKeyedCooldown(cfg.SignalCooldown),
		broadcaster: NewBroadcaster(cfg.Metrics, cfg.Logger),
		metrics:     cfg.Metrics,
		log:         cfg.Logger.WithComponent("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The teacher console and agents connect directly by IP on
			// the LAN, never through a browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Broadcaster exposes the fan-out surface to the HTTP layer.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// SendToStudent routes an event to the live session of clientID.
func (s *Server) SendToStudent(clientID, method string, v any) bool {
	connID := s.registry.ConnectionID(clientID)
	if connID == "" {
		return false
	}
	return s.broadcaster.SendToConnection(connID, method, v)
}

// ForceUnpair pushes a ForceUnpair command to the student, closes its
// session and removes it from the presence registry.
func (s *Server) ForceUnpair(clientID string) {
	connID := s.registry.ConnectionID(clientID)
	if connID != "" {
		s.broadcaster.SendToConnection(connID, wire.EventForceUnpair,
			map[string]string{"clientId": clientID})
		s.broadcaster.CloseConnection(connID)
	}
	s.registry.Remove(clientID)
	s.chat.Remove(clientID)
	s.broadcaster.BroadcastTeachers(wire.EventStudentListChanged, s.studentList())
	if s.metrics != nil {
		s.metrics.RevocationsTotal.Inc()
	}
}

// NotifyPolicyUpdated fans the policy-updated event to everyone.
func (s *Server) NotifyPolicyUpdated() {
	policy := detect.ProductionPolicy()
	s.broadcaster.BroadcastTeachers(wire.EventDetectionPolicyUpdated, policy)
	for _, info := range s.registry.List() {
		if info.IsOnline {
			s.broadcaster.SendToConnection(info.ConnectionID, wire.EventDetectionPolicyUpdated, policy)
		}
	}
}

func (s *Server) studentList() []wire.StudentInfo {
	sessions := s.registry.List()
	out := make([]wire.StudentInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	return out
}

// auditToWire converts storage audit rows to their wire projection.
func auditToWire(entries []storage.AuditEntry) []wire.AuditEntry {
	out := make([]wire.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.AuditEntry{
			ID:           e.ID,
			TimestampUtc: e.TimestampUtc,
			Action:       e.Action,
			Actor:        e.Actor,
			Details:      e.Details,
		})
	}
	return out
}

func (s *Server) audit(action, actor, details string) {
	if err := s.store.AppendAudit(action, actor, details); err != nil {
		s.log.Error(err, "audit append failed")
	} else if s.metrics != nil {
		s.metrics.AuditAppendsTotal.Inc()
	}
}
