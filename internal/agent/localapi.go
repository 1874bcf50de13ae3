package agent

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/discovery"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/wire"
)

const localTokenKey = "local.token"

// LocalAPI is the loopback HTTP surface for the desktop shell. Every
// call must carry the per-install X-Controledu-LocalToken header.
type LocalAPI struct {
	agent *Agent
	token string
}

// NewLocalAPI loads (or mints) the local shell token and binds the
// surface to the agent.
func NewLocalAPI(a *Agent) (*LocalAPI, error) {
	token, err := a.store.GetAgentSetting(localTokenKey)
	if errors.Is(err, storage.ErrNotFound) {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		token = hex.EncodeToString(raw)
		if err := a.store.SetAgentSetting(localTokenKey, token); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &LocalAPI{agent: a, token: token}, nil
}

// Token returns the shell token so the launcher can hand it to the shell
// process.
func (l *LocalAPI) Token() string { return l.token }

// Routes builds the loopback route table.
func (l *LocalAPI) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /local/status", l.auth(l.handleStatus))
	mux.HandleFunc("GET /local/messages", l.auth(l.handleMessages))
	mux.HandleFunc("GET /local/servers", l.auth(l.handleServers))
	mux.HandleFunc("POST /local/pair", l.auth(l.handlePair))
	mux.HandleFunc("POST /local/chat", l.auth(l.handleChat))
	mux.HandleFunc("POST /local/signal", l.auth(l.handleSignal))
	return mux
}

func (l *LocalAPI) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(wire.HeaderLocalToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(l.token)) != 1 {
			localFail(w, http.StatusUnauthorized, "invalid local token")
			return
		}
		next(w, r)
	}
}

// LocalStatus is the shell's view of the agent.
type LocalStatus struct {
	Paired        bool                  `json:"paired"`
	Connected     bool                  `json:"connected"`
	ServerName    string                `json:"serverName,omitempty"`
	ClientID      string                `json:"clientId,omitempty"`
	LastDetection *wire.DetectionResult `json:"lastDetection,omitempty"`
}

func (l *LocalAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a := l.agent
	a.statusMu.Lock()
	status := LocalStatus{
		Connected:     a.connected,
		LastDetection: a.lastDetection,
	}
	a.statusMu.Unlock()
	if binding, err := a.store.LoadBinding(); err == nil {
		status.Paired = true
		status.ServerName = binding.ServerName
		status.ClientID = binding.ClientID
	}
	localJSON(w, http.StatusOK, status)
}

func (l *LocalAPI) handleMessages(w http.ResponseWriter, _ *http.Request) {
	localJSON(w, http.StatusOK, l.agent.drainShellInbox())
}

// handleServers runs a discovery probe so the shell can present the
// pairing picker.
func (l *LocalAPI) handleServers(w http.ResponseWriter, r *http.Request) {
	candidates, err := discovery.Probe(r.Context(), l.agent.log)
	if err != nil {
		localFail(w, http.StatusInternalServerError, "discovery probe failed")
		return
	}
	localJSON(w, http.StatusOK, candidates)
}

func (l *LocalAPI) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseURL string `json:"baseUrl"`
		Pin     string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BaseURL == "" || req.Pin == "" {
		localFail(w, http.StatusBadRequest, "baseUrl and pin required")
		return
	}
	if err := l.agent.Pair(r.Context(), req.BaseURL, req.Pin); err != nil {
		localFail(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (l *LocalAPI) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		localFail(w, http.StatusBadRequest, "text required")
		return
	}
	hub, binding := l.agent.session()
	if hub == nil || hub.closed() || binding == nil {
		localFail(w, http.StatusConflict, "not connected")
		return
	}
	hub.notifyAsync(wire.MethodSendChatMessage, wire.ChatMessage{
		ClientID:     binding.ClientID,
		MessageID:    uuid.NewString(),
		TimestampUtc: time.Now().UTC(),
		SenderRole:   wire.RoleStudent,
		Text:         req.Text,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (l *LocalAPI) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignalType string `json:"signalType"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SignalType == "" {
		localFail(w, http.StatusBadRequest, "signalType required")
		return
	}
	hub, binding := l.agent.session()
	if hub == nil || hub.closed() || binding == nil {
		localFail(w, http.StatusConflict, "not connected")
		return
	}
	hub.notifyAsync(wire.MethodSendStudentSignal, wire.StudentSignal{
		ClientID:     binding.ClientID,
		SignalType:   req.SignalType,
		Message:      req.Message,
		TimestampUtc: time.Now().UTC(),
	})
	w.WriteHeader(http.StatusAccepted)
}

func localJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func localFail(w http.ResponseWriter, status int, msg string) {
	localJSON(w, status, map[string]string{"error": msg})
}
