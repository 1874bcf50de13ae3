package httpapi

import (
	"errors"
	"net/http"

	"github.com/controledu/backend/internal/auth"
	"github.com/controledu/backend/internal/storage"
)

const consolePasswordKey = "console.passwordHash"

// HeaderAdminPassword carries the console passphrase on guarded calls.
const HeaderAdminPassword = "X-Controledu-Admin"

// requireAdmin gates destructive console endpoints behind the optional
// passphrase. With no passphrase configured every call passes, matching
// the single-classroom trust model.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	stored, err := a.store.GetSetting(consolePasswordKey)
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, "failed to read console settings")
		return false
	}
	if !auth.Verify(r.Header.Get(HeaderAdminPassword), stored) {
		fail(w, http.StatusUnauthorized, "console passphrase required")
		return false
	}
	return true
}

// handleConsolePassword sets or rotates the console passphrase. Rotation
// requires the current passphrase.
func (a *API) handleConsolePassword(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil || len(req.Password) < 8 {
		fail(w, http.StatusBadRequest, "password of at least 8 characters required")
		return
	}
	hash, err := auth.CreateHash(req.Password)
	if err != nil {
		fail(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := a.store.SetSetting(consolePasswordKey, hash); err != nil {
		fail(w, http.StatusInternalServerError, "failed to persist password")
		return
	}
	_ = a.store.AppendAudit("console.password_changed", "teacher", "")
	w.WriteHeader(http.StatusNoContent)
}
