package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/wire"
)

// detectionExport is the document uploaded in answer to a teacher's
// export request: the persisted detection state of this agent.
type detectionExport struct {
	ClientID        string                `json:"clientId"`
	RequestID       string                `json:"requestId"`
	GeneratedAtUtc  time.Time             `json:"generatedAtUtc"`
	LastCheckUtc    string                `json:"lastCheckUtc,omitempty"`
	LastResult      *wire.DetectionResult `json:"lastResult,omitempty"`
	EffectivePolicy *wire.DetectionPolicy `json:"effectivePolicy,omitempty"`
}

// uploadDetectionExport builds the export document from the durable
// detection state and posts it to the paired server.
func (a *Agent) uploadDetectionExport(ctx context.Context, req wire.DetectionExportRequest) {
	a.statusMu.Lock()
	server := a.server
	binding := a.binding
	a.statusMu.Unlock()
	if server == nil || binding == nil {
		return
	}

	doc := detectionExport{
		ClientID:       binding.ClientID,
		RequestID:      req.RequestID,
		GeneratedAtUtc: a.now(),
	}
	if v, err := a.store.GetAgentSetting("detection.lastCheckUtc"); err == nil {
		doc.LastCheckUtc = v
	} else if !errors.Is(err, storage.ErrNotFound) {
		a.log.Error(err, "failed to read detection state")
	}
	if v, err := a.store.GetAgentSetting("detection.lastResult"); err == nil {
		var result wire.DetectionResult
		if json.Unmarshal([]byte(v), &result) == nil {
			doc.LastResult = &result
		}
	}
	if v, err := a.store.GetAgentSetting("detection.effectivePolicy"); err == nil {
		var policy wire.DetectionPolicy
		if json.Unmarshal([]byte(v), &policy) == nil {
			doc.EffectivePolicy = &policy
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		a.log.Error(err, "failed to encode detection export")
		return
	}
	name := fmt.Sprintf("detection-history-%s.json", a.now().Format("20060102T150405Z"))
	if err := server.UploadExport(ctx, name, body); err != nil {
		a.log.Error(err, "detection export upload failed")
		return
	}
	a.log.WithClient(binding.ClientID).Info("detection export uploaded")
}
