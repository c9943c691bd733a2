package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/google/uuid"
)

// Entry represents an audit log entry for an operator action on the relay.
type Entry struct {
	ID            string
	Actor         string
	Role          string
	Action        string
	Topic         string
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// Digest computes a SHA256 hex digest for a payload.
func Digest(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LogLogger writes audit entries to a standard logger.
type LogLogger struct {
	logger *log.Logger
}

// NewLogLogger constructs a logger-backed audit sink.
func NewLogLogger(logger *log.Logger) *LogLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &LogLogger{logger: logger}
}

// Log prints the entry.
func (l *LogLogger) Log(_ context.Context, entry Entry) error {
	l.logger.Printf("audit: action=%s actor=%s role=%s topic=%s digest=%s ip=%s",
		entry.Action, entry.Actor, entry.Role, entry.Topic, entry.PayloadDigest, entry.IP)
	return nil
}
