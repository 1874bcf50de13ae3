package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/detect"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/pairing"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/transfer"
	"github.com/controledu/backend/internal/wire"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if a.health != nil {
		resp := a.health.Check(r.Context())
		switch resp.Status {
		case observability.HealthStatusUnhealthy:
			status, code = "unhealthy", http.StatusServiceUnavailable
		case observability.HealthStatusDegraded:
			status = "degraded"
		}
	}
	writeJSON(w, code, wire.HealthResponse{Status: status, Utc: a.now()})
}

func (a *API) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.identity)
}

func (a *API) handlePairingPin(w http.ResponseWriter, _ *http.Request) {
	pin, err := a.pins.GeneratePin()
	if err != nil {
		fail(w, http.StatusInternalServerError, "failed to generate pin")
		return
	}
	if a.metrics != nil {
		a.metrics.PinsIssuedTotal.Inc()
	}
	_ = a.store.AppendAudit("pairing.pin_issued", "teacher", "")
	writeJSON(w, http.StatusOK, pin)
}

func (a *API) handlePairingComplete(w http.ResponseWriter, r *http.Request) {
	var req wire.PairingRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "malformed pairing request")
		return
	}
	resp, err := a.pairings.Complete(req)
	if errors.Is(err, pairing.ErrPinInvalid) {
		if a.metrics != nil {
			a.metrics.PairingsTotal.WithLabelValues("rejected").Inc()
		}
		fail(w, http.StatusUnauthorized, "invalid or expired pin")
		return
	} else if err != nil {
		fail(w, http.StatusInternalServerError, "pairing failed")
		return
	}
	if a.metrics != nil {
		a.metrics.PairingsTotal.WithLabelValues("completed").Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func takeParam(r *http.Request, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("take")); err == nil && v > 0 {
		return v
	}
	return fallback
}

func (a *API) handleAuditLatest(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.LatestAudit(takeParam(r, 100))
	if err != nil {
		fail(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	out := make([]wire.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.AuditEntry{
			ID: e.ID, TimestampUtc: e.TimestampUtc,
			Action: e.Action, Actor: e.Actor, Details: e.Details,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDetectionSettingsGet always returns the fixed production
// policy. Saved edits are deliberately ignored on the read path so a
// compromised console cannot weaken detection.
func (a *API) handleDetectionSettingsGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, detect.ProductionPolicy())
}

func (a *API) handleDetectionSettingsPut(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var policy wire.DetectionPolicy
	if err := readJSON(r, &policy); err != nil {
		fail(w, http.StatusBadRequest, "malformed policy")
		return
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		fail(w, http.StatusInternalServerError, "failed to encode policy")
		return
	}
	if err := a.store.SetSetting("detection.policy", string(raw)); err != nil {
		fail(w, http.StatusInternalServerError, "failed to persist policy")
		return
	}
	_ = a.store.AppendAudit("detection.settings_updated", "teacher", "")
	a.hub.NotifyPolicyUpdated()
	// Reads still serve the production policy.
	writeJSON(w, http.StatusOK, detect.ProductionPolicy())
}

func (a *API) handleDetectionEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.alerts.Latest(takeParam(r, 200)))
}

func (a *API) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req transfer.InitUploadRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "malformed upload request")
		return
	}
	manifest, err := a.transfers.InitUpload(req)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func chunkIndex(r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	return idx, err == nil
}

func (a *API) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	index, ok := chunkIndex(r)
	if !ok {
		fail(w, http.StatusBadRequest, "bad chunk index")
		return
	}
	body, err := readBody(r, wire.MaxHubMessageBytes)
	if err != nil {
		fail(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}
	err = a.transfers.UploadChunk(r.PathValue("transferId"), index, body,
		r.Header.Get(wire.HeaderChunkSha256))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fail(w, http.StatusNotFound, "unknown transfer")
	case errors.Is(err, transfer.ErrChunkOutOfRange):
		fail(w, http.StatusBadRequest, "chunk index out of range")
	case errors.Is(err, transfer.ErrChunkHashMismatch):
		fail(w, http.StatusUnprocessableEntity, "chunk hash mismatch")
	case err != nil:
		fail(w, http.StatusInternalServerError, "failed to store chunk")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetClientIDs []string `json:"targetClientIds"`
	}
	if err := readJSON(r, &req); err != nil || len(req.TargetClientIDs) == 0 {
		fail(w, http.StatusBadRequest, "targetClientIds required")
		return
	}
	manifest, err := a.transfers.Dispatch(r.PathValue("transferId"), req.TargetClientIDs)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fail(w, http.StatusNotFound, "unknown transfer")
		return
	case errors.Is(err, transfer.ErrTransferIncomplete):
		fail(w, http.StatusConflict, "transfer is not fully uploaded")
		return
	case err != nil:
		fail(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	online, offline := 0, 0
	for _, clientID := range req.TargetClientIDs {
		if a.hub.SendToStudent(clientID, wire.EventFileTransferAssigned, manifest) {
			online++
		} else {
			offline++
		}
	}
	a.log.TransferDispatched(manifest.TransferID, online, offline)
	_ = a.store.AppendAudit("transfer.dispatched", "teacher", manifest.FileName)
	writeJSON(w, http.StatusOK, map[string]any{
		"transferId": manifest.TransferID,
		"online":     online,
		"offline":    offline,
	})
}

func (a *API) handleMissing(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireStudentToken(w, r); !ok {
		return
	}
	var req struct {
		Existing []int `json:"existing"`
	}
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "malformed request")
		return
	}
	missing, err := a.transfers.Missing(r.PathValue("transferId"), req.Existing)
	if errors.Is(err, storage.ErrNotFound) {
		fail(w, http.StatusNotFound, "unknown transfer")
		return
	} else if err != nil {
		fail(w, http.StatusInternalServerError, "failed to compute missing chunks")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int{"missing": missing})
}

func (a *API) handleChunkDownload(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireStudentToken(w, r); !ok {
		return
	}
	index, ok := chunkIndex(r)
	if !ok {
		fail(w, http.StatusBadRequest, "bad chunk index")
		return
	}
	body, sha, err := a.transfers.Chunk(r.PathValue("transferId"), index)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, transfer.ErrChunkNotFound):
		fail(w, http.StatusNotFound, "chunk not available")
		return
	case errors.Is(err, transfer.ErrChunkOutOfRange):
		fail(w, http.StatusBadRequest, "chunk index out of range")
		return
	case err != nil:
		fail(w, http.StatusInternalServerError, "failed to read chunk")
		return
	}
	w.Header().Set(wire.HeaderChunkSha256, sha)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

func (a *API) handleStudentDelete(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	clientID := r.PathValue("clientId")
	if err := a.store.DeletePairedClient(clientID); errors.Is(err, storage.ErrClientUnknown) {
		fail(w, http.StatusNotFound, "unknown client")
		return
	} else if err != nil {
		fail(w, http.StatusInternalServerError, "failed to revoke client")
		return
	}
	a.hub.ForceUnpair(clientID)
	_ = a.store.AppendAudit("client.revoked", "teacher", "clientId="+clientID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStudentTts(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	var req wire.TtsRequest
	if err := readJSON(r, &req); err != nil || req.Text == "" {
		fail(w, http.StatusBadRequest, "text required")
		return
	}
	req.ClientID = clientID
	if !a.hub.SendToStudent(clientID, wire.EventTeacherTtsRequested, req) {
		fail(w, http.StatusConflict, "student is not connected")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleStudentChat(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	var msg wire.ChatMessage
	if err := readJSON(r, &msg); err != nil || msg.Text == "" {
		fail(w, http.StatusBadRequest, "text required")
		return
	}
	msg.ClientID = clientID
	msg.SenderRole = wire.RoleTeacher
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.TimestampUtc.IsZero() {
		msg.TimestampUtc = a.now()
	}
	a.chat.Append(msg)
	_ = a.store.AppendAudit("chat.teacher_message", "teacher", "clientId="+clientID)
	a.hub.Broadcaster().BroadcastTeachers(wire.EventChatMessageReceived, msg)
	if !a.hub.SendToStudent(clientID, wire.EventTeacherChatMessageRequested, msg) {
		fail(w, http.StatusConflict, "student is not connected")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleStudentExportRequest asks a connected student to upload its
// detection history. The student answers out of band via the exports
// upload endpoint, which broadcasts DetectionExportReady.
func (a *API) handleStudentExportRequest(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	req := wire.DetectionExportRequest{
		ClientID:     clientID,
		RequestID:    uuid.NewString(),
		TimestampUtc: a.now(),
	}
	if !a.hub.SendToStudent(clientID, wire.EventDetectionExportRequested, req) {
		fail(w, http.StatusConflict, "student is not connected")
		return
	}
	_ = a.store.AppendAudit("detection.export_requested", "teacher", "clientId="+clientID)
	writeJSON(w, http.StatusAccepted, req)
}

func (a *API) handleStudentAccessibility(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	var profile wire.AccessibilityProfile
	if err := readJSON(r, &profile); err != nil {
		fail(w, http.StatusBadRequest, "malformed profile")
		return
	}
	profile.ClientID = clientID
	if !a.hub.SendToStudent(clientID, wire.EventAccessibilityProfileAssigned, profile) {
		fail(w, http.StatusConflict, "student is not connected")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
