package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for security-relevant events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
// Pass zerolog.Nop() to silently discard all audit entries.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogAuth logs a shared-secret check on an incoming request.
// method: how the secret was presented (e.g., "header", "query")
// result: "allowed" or "denied"
// details: additional context (e.g., error message)
// sourceIP: source IP address of the request
func (l *Logger) LogAuth(method, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("method", method).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogUploadOp logs an upload protocol operation.
// operation: protocol operation (e.g., "CreateUpload", "AppendChunk", "QueryOffset", "CancelUpload")
// uploadID: session identifier (may be empty for create failures)
// fileName: target file name (may be empty when the session is unknown)
// result: "allowed" or "denied"
// details: additional context (e.g., error message)
// sourceIP: source IP address of the request
func (l *Logger) LogUploadOp(operation, uploadID, fileName, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "upload_operation").
		Str("component", "upload").
		Str("operation", operation).
		Str("result", result).
		Str("source_ip", sourceIP)

	if uploadID != "" {
		event = event.Str("upload_id", uploadID)
	}
	if fileName != "" {
		event = event.Str("file", fileName)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Upload operation")
}

// LogSecretChange logs a rotation of the pairing secret.
// source: what triggered the change (e.g., "config_reload", "cli")
func (l *Logger) LogSecretChange(source string, enabled bool) {
	l.logger.Info().
		Str("event_type", "secret_change").
		Str("source", source).
		Bool("enabled", enabled).
		Msg("Pairing secret changed")
}
