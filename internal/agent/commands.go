package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/controledu/backend/internal/wire"
)

const shellInboxCap = 100

// drainCommands handles every queued server command without blocking.
func (a *Agent) drainCommands(ctx context.Context) {
	for {
		env, ok := a.hub.nextCommand()
		if !ok {
			return
		}
		a.handleCommand(ctx, env)
		if a.hub == nil || a.hub.closed() {
			return
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, env wire.Envelope) {
	switch env.Method {
	case wire.EventForceUnpair:
		a.log.Warn("unpaired by teacher")
		a.clearBinding()

	case wire.EventDetectionPolicyUpdated:
		var policy wire.DetectionPolicy
		if json.Unmarshal(env.Payload, &policy) == nil {
			a.pipeline.SetPolicy(policy)
		}

	case wire.EventFileTransferAssigned:
		var manifest wire.FileTransferManifest
		if json.Unmarshal(env.Payload, &manifest) != nil {
			return
		}
		a.startTransfer(ctx, manifest)

	case wire.EventRemoteControlSessionCommand:
		var cmd wire.RemoteControlCommand
		if json.Unmarshal(env.Payload, &cmd) != nil {
			return
		}
		a.handleRemoteControl(cmd)

	case wire.EventRemoteControlInputCommand:
		var input wire.RemoteControlInput
		if json.Unmarshal(env.Payload, &input) != nil {
			return
		}
		a.handleRemoteInput(input)

	case wire.EventTeacherChatMessageRequested:
		var msg wire.ChatMessage
		if json.Unmarshal(env.Payload, &msg) != nil {
			return
		}
		a.queueShellMessage(ShellMessage{Kind: "chat", TimestampUtc: a.now(), Chat: &msg})

	case wire.EventTeacherTtsRequested:
		var req wire.TtsRequest
		if json.Unmarshal(env.Payload, &req) != nil {
			return
		}
		a.queueShellMessage(ShellMessage{Kind: "tts", TimestampUtc: a.now(), Tts: &req})

	case wire.EventDetectionExportRequested:
		var req wire.DetectionExportRequest
		if json.Unmarshal(env.Payload, &req) != nil {
			return
		}
		go a.uploadDetectionExport(ctx, req)

	case wire.EventAccessibilityProfileAssigned:
		var profile wire.AccessibilityProfile
		if json.Unmarshal(env.Payload, &profile) != nil {
			return
		}
		a.queueShellMessage(ShellMessage{Kind: "accessibility", TimestampUtc: a.now(), Profile: &profile})

	default:
		a.log.Debug(fmt.Sprintf("ignoring server command %s", env.Method))
	}
}

// handleRemoteControl runs the student side of the session lifecycle.
// Without a shell to prompt, start requests are approved immediately.
func (a *Agent) handleRemoteControl(cmd wire.RemoteControlCommand) {
	a.remoteMu.Lock()
	switch cmd.Action {
	case "start":
		a.remoteSession = cmd.SessionID
		a.remoteMu.Unlock()
		a.reportRemoteState(cmd.SessionID, "Approved", "")
	case "stop":
		active := a.remoteSession == cmd.SessionID
		if active {
			a.remoteSession = ""
		}
		a.remoteMu.Unlock()
		if active {
			a.reportRemoteState(cmd.SessionID, "Ended", "")
		}
	default:
		a.remoteMu.Unlock()
	}
}

func (a *Agent) handleRemoteInput(input wire.RemoteControlInput) {
	a.remoteMu.Lock()
	active := a.remoteSession != "" && a.remoteSession == input.SessionID
	a.remoteMu.Unlock()
	if !active {
		return
	}
	if err := a.injector.Inject(input); err != nil {
		a.log.Error(err, "input injection failed")
		a.reportRemoteState(input.SessionID, "Error", err.Error())
	}
}

func (a *Agent) reportRemoteState(sessionID, state, detail string) {
	if a.hub == nil || a.binding == nil {
		return
	}
	a.hub.notifyAsync(wire.MethodReportRemoteControlStatus, wire.RemoteControlStatus{
		ClientID:     a.binding.ClientID,
		SessionID:    sessionID,
		State:        state,
		Detail:       detail,
		TimestampUtc: a.now(),
	})
}

// queueShellMessage appends to the bounded shell inbox, dropping the
// oldest entry when full.
func (a *Agent) queueShellMessage(msg ShellMessage) {
	a.statusMu.Lock()
	a.shellInbox = append(a.shellInbox, msg)
	if len(a.shellInbox) > shellInboxCap {
		a.shellInbox = a.shellInbox[len(a.shellInbox)-shellInboxCap:]
	}
	a.statusMu.Unlock()
}

// drainShellInbox hands all queued shell messages to the local HTTP
// surface.
func (a *Agent) drainShellInbox() []ShellMessage {
	a.statusMu.Lock()
	out := a.shellInbox
	a.shellInbox = nil
	a.statusMu.Unlock()
	if out == nil {
		out = []ShellMessage{}
	}
	return out
}

func jsonMarshal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
