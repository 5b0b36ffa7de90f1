package catalog

import (
	"time"
)

// BackupType classifies a backup for retention
type BackupType string

const (
	BackupManual  BackupType = "manual"
	BackupDaily   BackupType = "daily"
	BackupWeekly  BackupType = "weekly"
	BackupMonthly BackupType = "monthly"
)

// Valid reports whether t is a known backup type
func (t BackupType) Valid() bool {
	switch t {
	case BackupManual, BackupDaily, BackupWeekly, BackupMonthly:
		return true
	}
	return false
}

// BackupStatus is the lifecycle state of a backup
type BackupStatus string

const (
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
	BackupExpired    BackupStatus = "expired"
)

// Artifact is one backend's entry in a backup. A failed backend has Error
// set and no Path.
type Artifact struct {
	Backend     string `json:"backend"`
	Path        string `json:"path,omitempty"`
	Format      string `json:"format,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum,omitempty"`
	ItemCount   int64  `json:"item_count"`
	Compression string `json:"compression,omitempty"`
	Encrypted   bool   `json:"encrypted"`
	Error       string `json:"error,omitempty"`
}

// Usable reports whether the artifact was written successfully
func (a Artifact) Usable() bool {
	return a.Path != "" && a.Error == ""
}

// BackupRecord is the catalog entry of one backup
type BackupRecord struct {
	BackupID           string            `json:"backup_id"`
	BackupType         BackupType        `json:"backup_type"`
	Status             BackupStatus      `json:"status"`
	Description        string            `json:"description,omitempty"`
	Location           string            `json:"location"`
	DatabasesRequested []string          `json:"databases_requested"`
	DatabasesBackedUp  []string          `json:"databases_backed_up"`
	TotalSizeBytes     int64             `json:"total_size_bytes"`
	Compressed         bool              `json:"compressed"`
	Compression        string            `json:"compression,omitempty"`
	Encrypted          bool              `json:"encrypted"`
	Checksum           string            `json:"checksum"`
	Artifacts          []Artifact        `json:"artifacts"`
	Errors             map[string]string `json:"errors,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

// Artifact returns the entry for backend
func (r *BackupRecord) Artifact(backend string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Backend == backend {
			return a, true
		}
	}
	return Artifact{}, false
}

// HasArtifact reports whether backend has a usable artifact
func (r *BackupRecord) HasArtifact(backend string) bool {
	a, ok := r.Artifact(backend)
	return ok && a.Usable()
}

// RestoreStatus is the outcome of a restore
type RestoreStatus string

const (
	RestorePending          RestoreStatus = "pending"
	RestoreSuccess          RestoreStatus = "success"
	RestoreValidationFailed RestoreStatus = "validation_failed"
	RestoreFailed           RestoreStatus = "failed"
	RestoreRolledBack       RestoreStatus = "rolled_back"
)

// ValidationResult is the post-restore check of one backend
type ValidationResult struct {
	Backend           string `json:"backend"`
	Valid             bool   `json:"valid"`
	Live              bool   `json:"live"`
	Count             int64  `json:"count"`
	ExpectedCount     int64  `json:"expected_count"`
	CountDriftWarning bool   `json:"count_drift_warning,omitempty"`
	Error             string `json:"error,omitempty"`
}

// RestoreRecord is the catalog entry of one restore attempt
type RestoreRecord struct {
	RestoreID         string                      `json:"restore_id"`
	BackupID          string                      `json:"backup_id"`
	Databases         []string                    `json:"databases"`
	Validate          bool                        `json:"validate"`
	Status            RestoreStatus               `json:"status"`
	ValidationResults map[string]ValidationResult `json:"validation_results,omitempty"`
	Errors            map[string]string           `json:"errors,omitempty"`
	Warnings          []string                    `json:"warnings,omitempty"`
	Message           string                      `json:"message,omitempty"`
	// RollbackOf is the restore this record rolled back; empty for ordinary restores
	RollbackOf        string     `json:"rollback_of,omitempty"`
	RollbackRestoreID string     `json:"rollback_restore_id,omitempty"`
	RollbackBackupID  string     `json:"rollback_backup_id,omitempty"`
	SafetyBackupID    string     `json:"safety_backup_id,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// DedupStatus is the state of a deduplication run
type DedupStatus string

const (
	DedupDryRun   DedupStatus = "dry_run"
	DedupApproved DedupStatus = "approved"
	DedupRejected DedupStatus = "rejected"
	DedupExecuted DedupStatus = "executed"
	DedupUndone   DedupStatus = "undone"
)

// MatchBasis names the grouping pass that found a group
type MatchBasis string

const (
	MatchExactText        MatchBasis = "exact_text"
	MatchContentHash      MatchBasis = "content_hash"
	MatchVectorSimilarity MatchBasis = "vector_similarity"
)

// DuplicateGroup is a set of memories judged to be the same
type DuplicateGroup struct {
	Members         []string   `json:"members"`
	MatchBasis      MatchBasis `json:"match_basis"`
	SimilarityScore float64    `json:"similarity_score"`
	KeeperID        string     `json:"keeper_id"`
	AgentID         string     `json:"agent_id,omitempty"`
	TokenEstimate   int64      `json:"token_estimate"`
}

// DedupRun is the catalog entry of one deduplication
type DedupRun struct {
	DeduplicationID      string           `json:"deduplication_id"`
	Status               DedupStatus      `json:"status"`
	AgentScope           string           `json:"agent_scope"`
	SimilarityThreshold  float64          `json:"similarity_threshold"`
	MergeStrategy        string           `json:"merge_strategy"`
	DuplicateGroups      []DuplicateGroup `json:"duplicate_groups"`
	MemoriesScanned      int              `json:"memories_scanned"`
	MergedCount          int              `json:"merged_count"`
	TokenSavingsEstimate int64            `json:"token_savings_estimate"`
	UndoOperationID      string           `json:"undo_operation_id,omitempty"`
	SafetyBackupID       string           `json:"safety_backup_id,omitempty"`
	DecidedBy            string           `json:"decided_by,omitempty"`
	StartedAt            time.Time        `json:"started_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// DuplicateCount is the number of memories that are not keepers
func (r *DedupRun) DuplicateCount() int {
	n := 0
	for _, g := range r.DuplicateGroups {
		n += len(g.Members) - 1
	}
	return n
}

// UndoEntry is one reversible operation. Payload is nil once purged.
type UndoEntry struct {
	OperationID   string     `json:"operation_id"`
	OperationType string     `json:"operation_type"`
	UserID        string     `json:"user_id"`
	Description   string     `json:"description,omitempty"`
	Payload       []byte     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	Consumed      bool       `json:"consumed"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
}

// HasPayload reports whether the entry can still be reversed
func (e *UndoEntry) HasPayload() bool {
	return len(e.Payload) > 0
}
