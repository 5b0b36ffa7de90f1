package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuditLogger writes one JSON entry per destructive operation (restore, rollback,
// deduplication execute and undo, retention deletes).
type AuditLogger struct {
	logger *logrus.Logger
}

// AuditEntry is the shape of one audit record
type AuditEntry struct {
	CorrelationID string
	UserID        string
	Resource      string
	Action        string
	Result        string
	Details       map[string]interface{}
}

// NewAuditLogger opens path for appending. An empty path disables auditing.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return &AuditLogger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return NewAuditLoggerWithWriter(file), nil
}

// NewAuditLoggerWithWriter creates an audit logger writing JSON lines to w
func NewAuditLoggerWithWriter(w io.Writer) *AuditLogger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetLevel(logrus.InfoLevel)
	return &AuditLogger{logger: logger}
}

// NewCorrelationID returns a fresh correlation id
func NewCorrelationID() string {
	return uuid.New().String()
}

// Record writes entry. The correlation id falls back to the one carried by ctx.
func (a *AuditLogger) Record(ctx context.Context, entry AuditEntry) {
	if a == nil || a.logger == nil {
		return
	}

	if entry.CorrelationID == "" {
		entry.CorrelationID = CorrelationIDFromContext(ctx)
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = NewCorrelationID()
	}

	a.logger.WithFields(logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"user_id":        entry.UserID,
		"operation":      fmt.Sprintf("%s_%s", entry.Resource, entry.Action),
		"resource":       entry.Resource,
		"action":         entry.Action,
		"result":         entry.Result,
		"details":        entry.Details,
	}).Info("Audit log entry")
}
