package confirmation

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/display"
	apperrors "memvault/internal/errors"
)

func newTestPrompter(input string, interactive bool) (*Prompter, *bytes.Buffer) {
	var out bytes.Buffer
	cfg := display.DefaultConfig()
	cfg.Color = display.ColorNever
	cfg.Writer = io.Discard
	cfg.ErrWriter = &out
	return newPrompter(strings.NewReader(input), display.New(cfg), interactive), &out
}

var restoreRequest = Request{
	Action:   "Restore backup b-1",
	Summary:  [][2]string{{"Databases", "postgres, redis"}},
	Warnings: []string{"redis will be flushed"},
	Details:  []string{"postgres: 120 rows", "redis: 40 keys"},
}

func TestConfirm_Answers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes", "y\n", true},
		{"long yes", "YES\n", true},
		{"no", "n\n", false},
		{"empty is no", "\n", false},
		{"eof is no", "", false},
		{"invalid then yes", "maybe\ny\n", true},
		{"details then yes", "d\ny\n", true},
		{"three invalid answers give up", "a\nb\nc\ny\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input, true)
			ok, err := p.Confirm(context.Background(), restoreRequest, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestConfirm_PrintsSummaryAndDetails(t *testing.T) {
	p, out := newTestPrompter("d\nn\n", true)
	_, err := p.Confirm(context.Background(), restoreRequest, false)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Restore backup b-1")
	assert.Contains(t, text, "postgres, redis")
	assert.Contains(t, text, "redis will be flushed")
	assert.Contains(t, text, "redis: 40 keys")
	assert.Contains(t, text, "[y/N/d]")
}

func TestConfirm_AutoApprove(t *testing.T) {
	p, _ := newTestPrompter("", false)
	ok, err := p.Confirm(context.Background(), restoreRequest, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfirm_NonInteractiveRefuses(t *testing.T) {
	p, _ := newTestPrompter("y\n", false)
	ok, err := p.Confirm(context.Background(), restoreRequest, false)
	assert.False(t, ok)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
	assert.Contains(t, err.Error(), "--yes")
}

func TestConfirm_CancelledContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	cfg := display.DefaultConfig()
	cfg.Color = display.ColorNever
	cfg.ErrWriter = &out
	p := newPrompter(pr, display.New(cfg), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := p.Confirm(ctx, Request{Action: "Execute deduplication d-1"}, false)
	assert.False(t, ok)
	assert.True(t, apperrors.Is(err, apperrors.KindInterruption))
	assert.Contains(t, out.String(), "[y/N]")
}
