// Package httpapi exposes the non-hub HTTP surface of the server:
// health, identity, pairing, audit, detection settings and events,
// chunked file transfer, detection exports and per-student commands.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/controledu/backend/internal/events"
	"github.com/controledu/backend/internal/hub"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/pairing"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/transfer"
	"github.com/controledu/backend/internal/wire"
)

// API wires the HTTP handlers to their collaborators.
type API struct {
	store      *storage.Store
	identity   wire.ServerIdentity
	pins       *pairing.PinManager
	pairings   *pairing.Service
	hub        *hub.Server
	transfers  *transfer.Coordinator
	alerts     *events.AlertRing
	chat       *events.ChatLog
	exportsDir string
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	log        *observability.Logger
	now        func() time.Time
}

// Config holds the API dependencies.
type Config struct {
	Store      *storage.Store
	Identity   wire.ServerIdentity
	Pins       *pairing.PinManager
	Pairings   *pairing.Service
	Hub        *hub.Server
	Transfers  *transfer.Coordinator
	Alerts     *events.AlertRing
	Chat       *events.ChatLog
	ExportsDir string
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Logger     *observability.Logger
}

// New creates the API.
func New(cfg Config) *API {
	return &API{
		store:      cfg.Store,
		identity:   cfg.Identity,
		pins:       cfg.Pins,
		pairings:   cfg.Pairings,
		hub:        cfg.Hub,
		transfers:  cfg.Transfers,
		alerts:     cfg.Alerts,
		chat:       cfg.Chat,
		exportsDir: cfg.ExportsDir,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.WithComponent("http"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Routes builds the full route table, hubs included.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/hubs/student", a.hub.HandleStudent)
	mux.HandleFunc("/hubs/teacher", a.hub.HandleTeacher)

	mux.HandleFunc("GET /api/server/health", a.handleHealth)
	mux.HandleFunc("GET /api/server/identity", a.handleIdentity)
	mux.HandleFunc("PUT /api/server/console-password", a.handleConsolePassword)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	mux.HandleFunc("POST /api/pairing/pin", a.handlePairingPin)
	mux.HandleFunc("POST /api/pairing/complete", a.handlePairingComplete)

	mux.HandleFunc("GET /api/audit/latest", a.handleAuditLatest)

	mux.HandleFunc("GET /api/detection/settings", a.handleDetectionSettingsGet)
	mux.HandleFunc("PUT /api/detection/settings", a.handleDetectionSettingsPut)
	mux.HandleFunc("GET /api/detection/events", a.handleDetectionEvents)

	mux.HandleFunc("POST /api/files/upload/init", a.handleUploadInit)
	mux.HandleFunc("PUT /api/files/upload/{transferId}/chunk/{index}", a.handleUploadChunk)
	mux.HandleFunc("POST /api/files/{transferId}/dispatch", a.handleDispatch)
	mux.HandleFunc("POST /api/files/{transferId}/missing", a.handleMissing)
	mux.HandleFunc("GET /api/files/{transferId}/chunk/{index}", a.handleChunkDownload)

	mux.HandleFunc("POST /api/detection/exports/upload", a.handleExportUpload)
	mux.HandleFunc("GET /api/detection/exports/list", a.handleExportList)
	mux.HandleFunc("GET /api/detection/exports/download/{exportId}", a.handleExportDownload)

	mux.HandleFunc("DELETE /api/students/{clientId}", a.handleStudentDelete)
	mux.HandleFunc("POST /api/students/{clientId}/tts", a.handleStudentTts)
	mux.HandleFunc("POST /api/students/{clientId}/chat", a.handleStudentChat)
	mux.HandleFunc("POST /api/students/{clientId}/accessibility-profile", a.handleStudentAccessibility)
	mux.HandleFunc("POST /api/students/{clientId}/detection-export", a.handleStudentExportRequest)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type apiError struct {
	Error string `json:"error"`
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// requireStudentToken authenticates download-side student calls via the
// clientId query parameter and the token header.
func (a *API) requireStudentToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	clientID := r.URL.Query().Get("clientId")
	token := r.Header.Get(wire.HeaderStudentToken)
	if clientID == "" || token == "" || !a.store.ValidateToken(clientID, token, a.now()) {
		fail(w, http.StatusUnauthorized, "invalid or expired student token")
		return "", false
	}
	return clientID, true
}
