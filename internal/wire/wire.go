// Package wire defines the DTOs, hub method names and port constants shared
// between the ControlEdu server and the student agent.
package wire

import "time"

// Well-known ports. Discovery is UDP; both HTTP listeners are TCP.
const (
	DiscoveryPort    = 40555
	ServerPort       = 40556
	AgentLocalPort   = 40557
	DefaultChunkSize = 256 * 1024
)

// HTTP header names used by the chunk transfer and export endpoints.
const (
	HeaderChunkSha256  = "X-Chunk-Sha256"
	HeaderStudentToken = "X-Controledu-Token"
	HeaderLocalToken   = "X-Controledu-LocalToken"
)

// MaxHubMessageBytes caps a single hub envelope (frames included).
const MaxHubMessageBytes = 4 << 20

// ServerIdentity describes one ControlEdu server instance.
type ServerIdentity struct {
	ServerID    string `json:"serverId"`
	DisplayName string `json:"displayName"`
	Fingerprint string `json:"fingerprint"`
}

// PairingPin is a short-lived one-shot pairing secret.
type PairingPin struct {
	Pin          string    `json:"pin"`
	ExpiresAtUtc time.Time `json:"expiresAtUtc"`
}

// PairingRequest is sent by a student to redeem a PIN.
type PairingRequest struct {
	Pin           string `json:"pin"`
	HostName      string `json:"hostName"`
	UserName      string `json:"userName"`
	OsDescription string `json:"osDescription"`
	LocalIP       string `json:"localIp,omitempty"`
}

// PairingResponse carries the minted credentials back to the student.
type PairingResponse struct {
	ServerID     string    `json:"serverId"`
	ServerName   string    `json:"serverName"`
	BaseURL      string    `json:"baseUrl"`
	Fingerprint  string    `json:"fingerprint"`
	ClientID     string    `json:"clientId"`
	Token        string    `json:"token"`
	ExpiresAtUtc time.Time `json:"expiresAtUtc"`
}

// StudentRegistration opens a student hub session.
type StudentRegistration struct {
	ClientID      string `json:"clientId"`
	Token         string `json:"token"`
	HostName      string `json:"hostName"`
	UserName      string `json:"userName"`
	OsDescription string `json:"osDescription"`
	LocalIP       string `json:"localIp,omitempty"`
}

// RegisterAck acknowledges a successful Register call.
type RegisterAck struct {
	Accepted   bool   `json:"accepted"`
	ServerName string `json:"serverName,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Heartbeat is the periodic liveness signal from a student.
type Heartbeat struct {
	ClientID     string    `json:"clientId"`
	TimestampUtc time.Time `json:"timestampUtc"`
}

// ScreenFrame carries one JPEG frame from a student.
type ScreenFrame struct {
	ClientID     string    `json:"clientId"`
	TimestampUtc time.Time `json:"timestampUtc"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Jpeg         []byte    `json:"jpeg"`
}

// StudentSignal is an interactive student-raised event (e.g. hand raise).
type StudentSignal struct {
	ClientID     string    `json:"clientId"`
	SignalType   string    `json:"signalType"`
	Message      string    `json:"message,omitempty"`
	TimestampUtc time.Time `json:"timestampUtc"`
}

// ChatMessage is one message in the teacher/student chat channel.
type ChatMessage struct {
	ClientID          string    `json:"clientId"`
	MessageID         string    `json:"messageId"`
	TimestampUtc      time.Time `json:"timestampUtc"`
	SenderRole        string    `json:"senderRole"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Text              string    `json:"text"`
}

// SenderRole values for ChatMessage.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// StudentInfo is the presence projection of a student session.
type StudentInfo struct {
	ClientID           string          `json:"clientId"`
	ConnectionID       string          `json:"connectionId,omitempty"`
	HostName           string          `json:"hostName"`
	UserName           string          `json:"userName"`
	LocalIP            string          `json:"localIp,omitempty"`
	LastSeenUtc        time.Time       `json:"lastSeenUtc"`
	IsOnline           bool            `json:"isOnline"`
	DetectionEnabled   bool            `json:"detectionEnabled"`
	LastDetectionUtc   *time.Time      `json:"lastDetectionUtc,omitempty"`
	LastDetectionClass *DetectionClass `json:"lastDetectionClass,omitempty"`
}

// FileTransferManifest describes a dispatched file to a student.
type FileTransferManifest struct {
	TransferID   string    `json:"transferId"`
	FileName     string    `json:"fileName"`
	Sha256       string    `json:"sha256"`
	FileSize     int64     `json:"fileSize"`
	ChunkSize    int       `json:"chunkSize"`
	TotalChunks  int       `json:"totalChunks"`
	CreatedAtUtc time.Time `json:"createdAtUtc"`
}

// FileProgress reports a student's download progress to the teacher.
type FileProgress struct {
	ClientID        string    `json:"clientId"`
	TransferID      string    `json:"transferId"`
	CompletedChunks int       `json:"completedChunks"`
	TotalChunks     int       `json:"totalChunks"`
	Completed       bool      `json:"completed"`
	Error           string    `json:"error,omitempty"`
	TimestampUtc    time.Time `json:"timestampUtc"`
}

// RemoteControlCommand drives the session lifecycle on the student side.
type RemoteControlCommand struct {
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
	Action    string `json:"action"` // "start", "stop"
}

// RemoteControlStatus reports the student-side session state.
type RemoteControlStatus struct {
	ClientID     string    `json:"clientId"`
	SessionID    string    `json:"sessionId"`
	State        string    `json:"state"`
	Detail       string    `json:"detail,omitempty"`
	TimestampUtc time.Time `json:"timestampUtc"`
}

// RemoteControlInput is one forwarded input command. Coordinates are
// normalized to [0,1] over the rendered frame.
type RemoteControlInput struct {
	ClientID  string  `json:"clientId"`
	SessionID string  `json:"sessionId"`
	Kind      string  `json:"kind"` // "mouseMove", "mouseDown", "mouseUp", "wheel", "key"
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Button    string  `json:"button,omitempty"`
	Delta     int     `json:"delta,omitempty"`
	Key       string  `json:"key,omitempty"`
	Down      bool    `json:"down,omitempty"`
}

// AccessibilityProfile is pushed to a student to adjust its shell.
type AccessibilityProfile struct {
	ClientID     string  `json:"clientId"`
	ProfileName  string  `json:"profileName"`
	FontScale    float64 `json:"fontScale,omitempty"`
	HighContrast bool    `json:"highContrast,omitempty"`
	ReduceMotion bool    `json:"reduceMotion,omitempty"`
}

// TtsRequest asks the student shell to speak a text.
type TtsRequest struct {
	ClientID string `json:"clientId"`
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Rate     int    `json:"rate,omitempty"`
}

// DetectionExportRequest asks a student to upload its stored detection
// history to the exports endpoint.
type DetectionExportRequest struct {
	ClientID     string    `json:"clientId"`
	RequestID    string    `json:"requestId"`
	TimestampUtc time.Time `json:"timestampUtc"`
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID           int64     `json:"id"`
	TimestampUtc time.Time `json:"timestampUtc"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	Details      string    `json:"details"`
}

// HealthResponse is returned by GET /api/server/health.
type HealthResponse struct {
	Status string    `json:"status"`
	Utc    time.Time `json:"utc"`
}
