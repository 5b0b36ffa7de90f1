package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"memvault/internal/application"
	"memvault/internal/catalog"
	"memvault/internal/display"
	apperrors "memvault/internal/errors"
)

func TestRestoreOutcome(t *testing.T) {
	var out, errOut bytes.Buffer
	a := &application.Application{Printer: display.New(&display.Config{
		Format: display.FormatTable, Color: display.ColorNever, MaxTableWidth: 1000, Writer: &out, ErrWriter: &errOut,
	})}

	tests := []struct {
		name   string
		status catalog.RestoreStatus
		kind   apperrors.Kind
	}{
		{"success", catalog.RestoreSuccess, ""},
		{"rolled back", catalog.RestoreRolledBack, apperrors.KindValidationFailed},
		{"validation failed", catalog.RestoreValidationFailed, apperrors.KindValidationFailed},
		{"failed", catalog.RestoreFailed, apperrors.KindRestore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := restoreOutcome(a, &catalog.RestoreRecord{RestoreID: "r-1", Status: tt.status})
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperrors.Is(err, tt.kind))
		})
	}
	assert.Contains(t, out.String()+errOut.String(), "Restore r-1 succeeded")
}
