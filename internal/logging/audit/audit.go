// Package audit writes structured audit events for admin access and data
// egress.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Results recorded on audit events.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultFailed  = "failed"
)

// Logger provides structured audit logging for security-relevant events.
// Every event carries an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

func levelFor(result string) zerolog.Level {
	if result == ResultAllowed {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogAuth logs an admin authentication attempt.
// method: "bearer", "basic" or "none"
func (l *Logger) LogAuth(method, result, details, sourceIP string) {
	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("method", method).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogAdminOp logs an admin operation on a container or blob.
// id may be empty for container-level operations.
func (l *Logger) LogAdminOp(operation, container, id, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "admin_operation").
		Str("operation", operation).
		Str("container", container).
		Str("result", result).
		Str("source_ip", sourceIP)

	if id != "" {
		event = event.Str("id", id)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Admin operation")
}

// LogLinkIssued logs a capability link handed out for one blob.
func (l *Logger) LogLinkIssued(container, id string, validUntil time.Time, sourceIP string) {
	l.logger.Info().
		Str("event_type", "link_issued").
		Str("container", container).
		Str("id", id).
		Time("valid_until", validUntil).
		Str("source_ip", sourceIP).
		Msg("Capability link issued")
}

// LogArchive logs a bulk retrieval.
func (l *Logger) LogArchive(container string, requested, missing int, result, sourceIP string) {
	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "archive").
		Str("container", container).
		Int("requested", requested).
		Int("missing", missing).
		Str("result", result).
		Str("source_ip", sourceIP).
		Msg("Archive retrieval")
}
