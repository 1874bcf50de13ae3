package httpapi

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/wire"
)

const maxExportBytes = 256 << 20

// readBody reads at most limit bytes from the request body.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

// ExportInfo describes one stored detection export.
type ExportInfo struct {
	ExportID    string    `json:"exportId"`
	ClientID    string    `json:"clientId"`
	Name        string    `json:"name"`
	SizeBytes   int64     `json:"sizeBytes"`
	ModifiedUtc time.Time `json:"modifiedUtc"`
}

// exportID encodes the path relative to the exports root as URL-safe
// base64, the only identifier the download endpoint accepts.
func exportID(relPath string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(filepath.ToSlash(relPath)))
}

// resolveExport decodes an exportId and rejects anything escaping the
// exports root.
func (a *API) resolveExport(id string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("malformed export id")
	}
	rel := filepath.FromSlash(string(raw))
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid export path")
	}
	full := filepath.Join(a.exportsDir, rel)
	cleanRoot := filepath.Clean(a.exportsDir) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(full)+string(filepath.Separator), cleanRoot) ||
		filepath.Clean(full) == filepath.Clean(a.exportsDir) {
		return "", fmt.Errorf("export path escapes the exports root")
	}
	return full, nil
}

// handleExportUpload streams a detection export archive from a student
// into the exports tree.
func (a *API) handleExportUpload(w http.ResponseWriter, r *http.Request) {
	clientID, ok := a.requireStudentToken(w, r)
	if !ok {
		return
	}
	name := filepath.Base(r.URL.Query().Get("name"))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "export.zip"
	}

	dir := filepath.Join(a.exportsDir, "detection-exports", clientID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fail(w, http.StatusInternalServerError, "failed to create export directory")
		return
	}
	fileName := fmt.Sprintf("%s-%s-%s",
		a.now().Format("20060102T150405Z"), uuid.NewString(), name)
	full := filepath.Join(dir, fileName)

	f, err := os.Create(full)
	if err != nil {
		fail(w, http.StatusInternalServerError, "failed to create export file")
		return
	}
	defer r.Body.Close()
	written, err := io.Copy(f, io.LimitReader(r.Body, maxExportBytes))
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(full)
		fail(w, http.StatusInternalServerError, "failed to store export")
		return
	}

	rel, _ := filepath.Rel(a.exportsDir, full)
	info := ExportInfo{
		ExportID:    exportID(rel),
		ClientID:    clientID,
		Name:        name,
		SizeBytes:   written,
		ModifiedUtc: a.now(),
	}
	_ = a.store.AppendAudit("detection.export_uploaded", clientID, name)
	a.hub.Broadcaster().BroadcastTeachers(wire.EventDetectionExportReady, info)
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleExportList(w http.ResponseWriter, _ *http.Request) {
	var out []ExportInfo
	root := filepath.Join(a.exportsDir, "detection-exports")
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(a.exportsDir, path)
		if relErr != nil {
			return nil
		}
		clientID := ""
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) >= 3 {
			clientID = parts[1]
		}
		out = append(out, ExportInfo{
			ExportID:    exportID(rel),
			ClientID:    clientID,
			Name:        info.Name(),
			SizeBytes:   info.Size(),
			ModifiedUtc: info.ModTime().UTC(),
		})
		return nil
	})
	if out == nil {
		out = []ExportInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	full, err := a.resolveExport(r.PathValue("exportId"))
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := os.Open(full)
	if err != nil {
		fail(w, http.StatusNotFound, "export not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(full)))
	_, _ = io.Copy(w, f)
}
