package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/catalog"
)

func TestRestoreConfirmation(t *testing.T) {
	target := &catalog.BackupRecord{
		BackupID:          "b-1",
		BackupType:        catalog.BackupDaily,
		DatabasesBackedUp: []string{"postgres", "redis"},
		CreatedAt:         time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
		Artifacts: []catalog.Artifact{
			{Backend: "postgres", Path: "daily/b-1/postgres.tar.zst", ItemCount: 120, SizeBytes: 2048},
			{Backend: "qdrant", Error: "connection refused"},
		},
	}

	req := restoreConfirmation(target, nil, false)
	assert.Equal(t, "Restore backup b-1", req.Action)
	assert.Contains(t, req.Summary, [2]string{"Databases", "postgres, redis"})
	assert.Len(t, req.Warnings, 1)
	require.Len(t, req.Details, 2)
	assert.Contains(t, req.Details[1], "not in backup")

	req = restoreConfirmation(target, []string{"redis"}, true)
	assert.Contains(t, req.Summary, [2]string{"Databases", "redis"})
	assert.Len(t, req.Warnings, 2)
}

func TestExecuteConfirmation(t *testing.T) {
	run := &catalog.DedupRun{
		DeduplicationID: "d-1",
		AgentScope:      "agent-a",
		MergeStrategy:   "keep_newest",
		DuplicateGroups: []catalog.DuplicateGroup{
			{Members: []string{"m1", "m2", "m3"}, KeeperID: "m2", MatchBasis: catalog.MatchExactText, SimilarityScore: 1},
		},
	}

	req := executeConfirmation(run)
	assert.Equal(t, "Execute deduplication d-1", req.Action)
	assert.Contains(t, req.Summary, [2]string{"Duplicates", "2"})
	require.Len(t, req.Details, 1)
	assert.Contains(t, req.Details[0], "keep m2, merge m1, m3")
}

func TestUndoConfirmation(t *testing.T) {
	req := undoConfirmation(&catalog.UndoEntry{
		OperationID:   "u-1",
		OperationType: "merge",
		UserID:        "ops",
		CreatedAt:     time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "Undo merge operation u-1", req.Action)
	assert.Contains(t, req.Summary, [2]string{"User", "ops"})
}
