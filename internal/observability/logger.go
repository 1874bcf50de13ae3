package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *Logger {
	return &Logger{logger: zerolog.New(io.Discard)}
}

// WithComponent adds a component context to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", name).Logger()}
}

// WithClient adds client_id context to the logger.
func (l *Logger) WithClient(clientID string) *Logger {
	return &Logger{logger: l.logger.With().Str("client_id", clientID).Logger()}
}

// WithField adds an arbitrary string field to the logger context.
func (l *Logger) WithField(key, value string) *Logger {
	return &Logger{logger: l.logger.With().Str(key, value).Logger()}
}

// WithTransfer adds transfer_id context to the logger.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{logger: l.logger.With().Str("transfer_id", transferID).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// HubCallDropped logs a student-hub call rejected by the authorization rule.
func (l *Logger) HubCallDropped(method, clientID, connectionID, reason string) {
	l.logger.Warn().
		Str("method", method).
		Str("client_id", clientID).
		Str("connection_id", connectionID).
		Str("reason", reason).
		Msg("hub call dropped")
}

// StudentRegistered logs a successful student hub registration.
func (l *Logger) StudentRegistered(clientID, connectionID, hostName string) {
	l.logger.Info().
		Str("client_id", clientID).
		Str("connection_id", connectionID).
		Str("host_name", hostName).
		Msg("student registered")
}

// StudentDisconnected logs a student hub session ending.
func (l *Logger) StudentDisconnected(clientID, connectionID string) {
	l.logger.Info().
		Str("client_id", clientID).
		Str("connection_id", connectionID).
		Msg("student disconnected")
}

// TransferDispatched logs a file dispatch fan-out.
func (l *Logger) TransferDispatched(transferID string, online, offline int) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Int("online_targets", online).
		Int("offline_targets", offline).
		Msg("file transfer dispatched")
}

// ChunkRejected logs a chunk upload refused for integrity reasons.
func (l *Logger) ChunkRejected(transferID string, index int, reason string) {
	l.logger.Warn().
		Str("transfer_id", transferID).
		Int("chunk_index", index).
		Str("reason", reason).
		Msg("chunk rejected")
}

// AlertEmitted logs a stable detection alert.
func (l *Logger) AlertEmitted(studentID, class string, confidence float64) {
	l.logger.Info().
		Str("student_id", studentID).
		Str("class", class).
		Float64("confidence", confidence).
		Msg("detection alert emitted")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
