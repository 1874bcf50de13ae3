// Package agent implements the student-side endpoint: a single
// cooperative loop driving hub connectivity, adaptive screen capture,
// the on-screen detection cadence, inbound command handling and file
// receipt, plus the loopback HTTP surface for the desktop shell.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/config"
	"github.com/controledu/backend/internal/detect"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/protect"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/transfer"
	"github.com/controledu/backend/internal/wire"
)

const (
	minLoopSleep = time.Millisecond
	maxLoopSleep = 50 * time.Millisecond
	idleSleep    = time.Second
)

// Agent owns all student-side state. Run mutates it from a single
// goroutine. Fields read by the local HTTP surface (hub, binding,
// connected, lastDetection, shellInbox) are written under statusMu so
// request goroutines can snapshot them safely.
type Agent struct {
	cfg       *config.AgentConfig
	store     *storage.AgentStore
	protector protect.Protector
	capture   Capturer
	injector  InputInjector
	pipeline  *detect.Pipeline
	log       *observability.Logger
	now       func() time.Time

	hub     *hubClient
	server  *serverClient
	tuner   *adaptiveTuner
	binding *storage.StudentBinding
	token   string
	backoff time.Duration

	heartbeatDue time.Time
	frameDue     time.Time
	detectDue    time.Time

	lastFrame Frame

	remoteMu      sync.Mutex
	remoteSession string

	transfersMu     sync.Mutex
	activeTransfers map[string]struct{}

	statusMu      sync.Mutex
	connected     bool
	lastDetection *wire.DetectionResult
	shellInbox    []ShellMessage
}

// ShellMessage is a teacher-initiated item queued for the desktop shell.
type ShellMessage struct {
	Kind         string                     `json:"kind"` // "chat", "tts", "accessibility"
	TimestampUtc time.Time                  `json:"timestampUtc"`
	Chat         *wire.ChatMessage          `json:"chat,omitempty"`
	Tts          *wire.TtsRequest           `json:"tts,omitempty"`
	Profile      *wire.AccessibilityProfile `json:"profile,omitempty"`
}

// New assembles an agent from its collaborators. detectors may be empty;
// the pipeline then runs on metadata alone.
func New(cfg *config.AgentConfig, store *storage.AgentStore, protector protect.Protector,
	capture Capturer, injector InputInjector, detectors []detect.Detector,
	log *observability.Logger) *Agent {
	return &Agent{
		cfg:             cfg,
		store:           store,
		protector:       protector,
		capture:         capture,
		injector:        injector,
		pipeline:        detect.NewPipeline(detect.ProductionPolicy(), detectors, log),
		log:             log.WithComponent("agent"),
		now:             func() time.Time { return time.Now().UTC() },
		tuner:           newAdaptiveTuner(cfg.MinFps, cfg.MaxFps, cfg.MinJpegQuality, cfg.MaxJpegQuality),
		backoff:         cfg.ReconnectMin,
		activeTransfers: make(map[string]struct{}),
	}
}

// Pair redeems a PIN against a discovered server and persists the
// binding with the token protected at rest.
func (a *Agent) Pair(ctx context.Context, baseURL, pin string) error {
	host, _ := os.Hostname()
	userName := ""
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	resp, err := completePairing(ctx, baseURL, wire.PairingRequest{
		Pin:           pin,
		HostName:      host,
		UserName:      userName,
		OsDescription: runtime.GOOS + "/" + runtime.GOARCH,
	})
	if err != nil {
		return err
	}
	protected, err := a.protector.Protect([]byte(resp.Token))
	if err != nil {
		return fmt.Errorf("failed to protect token: %w", err)
	}
	binding := &storage.StudentBinding{
		ServerID:          resp.ServerID,
		ServerName:        resp.ServerName,
		ServerBaseURL:     resp.BaseURL,
		ServerFingerprint: resp.Fingerprint,
		ClientID:          resp.ClientID,
		ProtectedToken:    protected,
		UpdatedAtUtc:      a.now(),
	}
	if err := a.store.SaveBinding(binding); err != nil {
		return fmt.Errorf("failed to persist binding: %w", err)
	}
	a.log.WithClient(resp.ClientID).Info("paired with " + resp.ServerName)
	return nil
}

// Run drives the cooperative loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	defer a.disconnect()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sleep := a.step(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// step runs one loop iteration and returns how long to sleep before the
// next one.
func (a *Agent) step(ctx context.Context) time.Duration {
	now := a.now()

	if a.binding == nil {
		if !a.loadBinding() {
			return idleSleep
		}
	}
	if a.hub == nil || a.hub.closed() {
		if !a.connect(ctx) {
			return a.nextBackoff()
		}
	}

	if !now.Before(a.heartbeatDue) {
		a.hub.notifyAsync(wire.MethodHeartbeat, wire.Heartbeat{
			ClientID: a.binding.ClientID, TimestampUtc: now,
		})
		a.heartbeatDue = now.Add(a.cfg.HeartbeatEvery)
	}
	if !now.Before(a.frameDue) {
		a.sendFrame(now)
	}
	if !now.Before(a.detectDue) {
		a.runDetection(ctx, now)
	}
	a.drainCommands(ctx)

	return a.sleepUntilNextDue(a.now())
}

func (a *Agent) loadBinding() bool {
	binding, err := a.store.LoadBinding()
	if errors.Is(err, storage.ErrNoBinding) {
		return false
	}
	if err != nil {
		a.log.Error(err, "failed to load binding")
		return false
	}
	token, err := a.protector.Unprotect(binding.ProtectedToken)
	if err != nil {
		a.log.Error(err, "failed to unprotect token, clearing binding")
		_ = a.store.ClearBinding()
		return false
	}
	a.statusMu.Lock()
	a.binding = binding
	a.token = string(token)
	a.server = newServerClient(binding.ServerBaseURL, binding.ClientID, string(token))
	a.statusMu.Unlock()
	return true
}

func (a *Agent) connect(ctx context.Context) bool {
	hub, err := dialHub(ctx, a.binding.ServerBaseURL, a.cfg.MaxInflightSends, a.log)
	if err != nil {
		a.log.Error(err, "hub connect failed")
		return false
	}
	host, _ := os.Hostname()
	userName := ""
	if u, userErr := user.Current(); userErr == nil {
		userName = u.Username
	}
	resp, err := hub.call(ctx, wire.MethodRegister, wire.StudentRegistration{
		ClientID:      a.binding.ClientID,
		Token:         a.token,
		HostName:      host,
		UserName:      userName,
		OsDescription: runtime.GOOS + "/" + runtime.GOARCH,
	})
	if err != nil {
		hub.close()
		a.log.Error(err, "hub register failed")
		if resp.Error != nil && resp.Error.Code == "unauthorized" {
			// Credentials were revoked server-side.
			a.clearBinding()
		}
		return false
	}
	a.statusMu.Lock()
	a.hub = hub
	a.connected = true
	a.statusMu.Unlock()
	a.backoff = a.cfg.ReconnectMin
	now := a.now()
	a.heartbeatDue = now
	a.frameDue = now
	a.detectDue = now.Add(time.Duration(a.pipeline.Policy().EvaluationIntervalSeconds) * time.Second)
	a.log.WithClient(a.binding.ClientID).Info("hub connected")
	a.resumePendingTransfers(ctx)
	return true
}

func (a *Agent) nextBackoff() time.Duration {
	d := a.backoff
	a.backoff *= 2
	if a.backoff > a.cfg.ReconnectMax {
		a.backoff = a.cfg.ReconnectMax
	}
	return d
}

func (a *Agent) disconnect() {
	a.statusMu.Lock()
	hub := a.hub
	a.hub = nil
	a.connected = false
	a.statusMu.Unlock()
	if hub != nil {
		hub.close()
	}
}

func (a *Agent) clearBinding() {
	_ = a.store.ClearBinding()
	a.statusMu.Lock()
	a.binding = nil
	a.token = ""
	a.server = nil
	a.statusMu.Unlock()
	a.disconnect()
	a.log.Info("binding cleared, idling until next pairing")
}

// session snapshots the live hub and binding for request goroutines.
func (a *Agent) session() (*hubClient, *storage.StudentBinding) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.hub, a.binding
}

// sendFrame captures, encodes and synchronously pushes one frame. The
// measured send duration feeds the adaptive tuner.
func (a *Agent) sendFrame(now time.Time) {
	frame, err := a.capture.CaptureFrame(a.tuner.quality)
	if err != nil {
		a.log.Error(err, "frame capture failed")
		a.frameDue = now.Add(a.tuner.interval())
		return
	}
	a.lastFrame = frame

	start := time.Now()
	err = a.hub.notify(wire.MethodSendFrame, wire.ScreenFrame{
		ClientID:     a.binding.ClientID,
		TimestampUtc: now,
		Width:        frame.Width,
		Height:       frame.Height,
		Jpeg:         frame.Jpeg,
	})
	if err != nil {
		a.log.Error(err, "frame send failed")
	} else {
		a.tuner.observe(time.Since(start))
	}
	a.frameDue = now.Add(a.tuner.interval())
}

// runDetection feeds the latest frame and window metadata through the
// pipeline and emits an alert when the smoother confirms one.
func (a *Agent) runDetection(ctx context.Context, now time.Time) {
	policy := a.pipeline.Policy()
	a.detectDue = now.Add(time.Duration(policy.EvaluationIntervalSeconds) * time.Second)
	if !policy.Enabled {
		return
	}

	outcome := a.pipeline.Analyze(ctx, wire.DetectionObservation{
		StudentID:         a.binding.ClientID,
		TimestampUtc:      now,
		ActiveProcessName: a.lastFrame.ActiveProcessName,
		ActiveWindowTitle: a.lastFrame.ActiveWindowTitle,
		BrowserHintURL:    a.lastFrame.BrowserHintURL,
		FrameBytes:        a.lastFrame.Jpeg,
	}, now)

	a.statusMu.Lock()
	result := outcome.Result
	a.lastDetection = &result
	a.statusMu.Unlock()
	a.persistDetectionState(now, outcome.Result, policy)

	if outcome.ShouldEmit {
		a.hub.notifyAsync(wire.MethodSendAlert, wire.AlertEvent{
			DetectionResult: outcome.Result,
			EventID:         uuid.NewString(),
			StudentID:       a.binding.ClientID,
			TimestampUtc:    now,
		})
	}
}

// persistDetectionState keeps last-check, last-result and the effective
// policy durable across restarts.
func (a *Agent) persistDetectionState(now time.Time, result wire.DetectionResult, policy wire.DetectionPolicy) {
	_ = a.store.SetAgentSetting("detection.lastCheckUtc", now.Format(time.RFC3339Nano))
	if raw, err := jsonMarshal(result); err == nil {
		_ = a.store.SetAgentSetting("detection.lastResult", raw)
	}
	if raw, err := jsonMarshal(policy); err == nil {
		_ = a.store.SetAgentSetting("detection.effectivePolicy", raw)
	}
}

func (a *Agent) sleepUntilNextDue(now time.Time) time.Duration {
	next := a.heartbeatDue
	if a.frameDue.Before(next) {
		next = a.frameDue
	}
	if a.detectDue.Before(next) {
		next = a.detectDue
	}
	d := next.Sub(now)
	if d < minLoopSleep {
		return minLoopSleep
	}
	if d > maxLoopSleep {
		return maxLoopSleep
	}
	return d
}

// resumePendingTransfers restarts every transfer with persisted resume
// state after a reconnect.
func (a *Agent) resumePendingTransfers(ctx context.Context) {
	states, err := a.store.ListResume()
	if err != nil {
		a.log.Error(err, "failed to list resume states")
		return
	}
	for _, st := range states {
		a.startTransfer(ctx, wire.FileTransferManifest{
			TransferID:  st.TransferID,
			FileName:    st.FileName,
			Sha256:      st.Sha256,
			ChunkSize:   st.ChunkSize,
			TotalChunks: st.TotalChunks,
		})
	}
}

// startTransfer launches one download in the background. A transfer
// already in flight is not started twice.
func (a *Agent) startTransfer(ctx context.Context, manifest wire.FileTransferManifest) {
	a.transfersMu.Lock()
	if _, busy := a.activeTransfers[manifest.TransferID]; busy {
		a.transfersMu.Unlock()
		return
	}
	a.activeTransfers[manifest.TransferID] = struct{}{}
	a.transfersMu.Unlock()

	hub := a.hub
	clientID := a.binding.ClientID
	dl := transfer.NewDownloader(a.store, a.server, a.log)
	go func() {
		defer func() {
			a.transfersMu.Lock()
			delete(a.activeTransfers, manifest.TransferID)
			a.transfersMu.Unlock()
		}()
		err := dl.Run(ctx, clientID, manifest, a.cfg.DownloadsDir, func(p wire.FileProgress) {
			hub.notifyAsync(wire.MethodReportFileProgress, p)
		})
		if err != nil {
			a.log.WithTransfer(manifest.TransferID).Error(err, "file download failed")
		}
	}()
}
