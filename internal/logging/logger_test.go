package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{
			name:   "default config",
			config: Config{Level: LogLevelNormal, Format: "text"},
			want:   LogLevelNormal,
		},
		{
			name:   "verbose config",
			config: Config{Level: LogLevelVerbose, Format: "json"},
			want:   LogLevelVerbose,
		},
		{
			name:   "quiet config",
			config: Config{Level: LogLevelQuiet, Format: "text"},
			want:   LogLevelQuiet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Errorf("NewLogger() error = %v", err)
				return
			}

			if logger.GetLevel() != tt.want {
				t.Errorf("NewLogger() level = %v, want %v", logger.GetLevel(), tt.want)
			}
		})
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger := NewDefaultLogger()
	if logger == nil {
		t.Fatal("NewDefaultLogger() returned nil")
	}

	if logger.GetLevel() != LogLevelNormal {
		t.Errorf("NewDefaultLogger() level = %v, want %v", logger.GetLevel(), LogLevelNormal)
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelVerbose, Output: &buf, Format: "text"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.WithFields(map[string]interface{}{"backup_id": "b-1", "backend": "qdrant"}).Info("snapshot stored")

	output := buf.String()
	if !strings.Contains(output, "backup_id=b-1") || !strings.Contains(output, "backend=qdrant") {
		t.Errorf("Expected fields in output, got %s", output)
	}
}

func TestLogBackendOperation(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelVerbose, Output: &buf, Format: "json"})

	logger.LogBackendOperation("redis", "snapshot", 150*time.Millisecond, nil)
	logger.LogBackendOperation("postgres", "restore", time.Second, errors.New("copy failed"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	var failed map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &failed); err != nil {
		t.Fatalf("Expected JSON output: %v", err)
	}
	if failed["backend"] != "postgres" || failed["error"] != "copy failed" || failed["level"] != "warning" {
		t.Errorf("Unexpected failure entry: %v", failed)
	}
}

func TestLogRestoreValidation(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "text"})

	logger.LogRestoreValidation("r-1", "graph", true, 90, 100, true)
	if !strings.Contains(buf.String(), "drift") {
		t.Errorf("Expected drift warning, got %s", buf.String())
	}

	buf.Reset()
	logger.LogRestoreValidation("r-1", "redis", false, 0, 100, false)
	if !strings.Contains(buf.String(), "liveness") {
		t.Errorf("Expected liveness error, got %s", buf.String())
	}
}

func TestLogOperationStart(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "text"})

	done := logger.LogOperationStart("backup_create", map[string]interface{}{"backup_type": "daily"})
	done(nil)

	output := buf.String()
	if !strings.Contains(output, "Operation completed") || !strings.Contains(output, "backup_type=daily") {
		t.Errorf("Expected completion entry, got %s", output)
	}

	buf.Reset()
	done = logger.LogOperationStart("restore", nil)
	done(errors.New("validation failed"))
	if !strings.Contains(buf.String(), "Operation failed") {
		t.Errorf("Expected failure entry, got %s", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug to be suppressed at normal level")
	}

	logger.SetLevel(LogLevelVerbose)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected debug output after SetLevel, got %s", buf.String())
	}
}

func TestCorrelationIDContext(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "abc-123")
	if got := CorrelationIDFromContext(ctx); got != "abc-123" {
		t.Errorf("CorrelationIDFromContext() = %v, want abc-123", got)
	}

	if got := CorrelationIDFromContext(context.Background()); got != "" {
		t.Errorf("Expected empty correlation id, got %v", got)
	}

	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})
	logger.WithContext(ctx).Info("traced")
	if !strings.Contains(buf.String(), "correlation_id=abc-123") {
		t.Errorf("Expected correlation id in output, got %s", buf.String())
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLoggerWithWriter(&buf)

	ctx := ContextWithCorrelationID(context.Background(), "corr-1")
	audit.Record(ctx, AuditEntry{
		UserID:   "operator",
		Resource: "restore",
		Action:   "rollback",
		Result:   "rolled_back",
		Details:  map[string]interface{}{"restore_id": "r-9"},
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON audit entry: %v", err)
	}
	if entry["correlation_id"] != "corr-1" {
		t.Errorf("Expected correlation id from context, got %v", entry["correlation_id"])
	}
	if entry["operation"] != "restore_rollback" {
		t.Errorf("Expected operation restore_rollback, got %v", entry["operation"])
	}
}

func TestAuditLoggerDisabled(t *testing.T) {
	audit, err := NewAuditLogger("")
	if err != nil {
		t.Fatalf("NewAuditLogger() error = %v", err)
	}
	audit.Record(context.Background(), AuditEntry{Resource: "dedup", Action: "execute"})

	var nilAudit *AuditLogger
	nilAudit.Record(context.Background(), AuditEntry{Resource: "dedup", Action: "execute"})
}
