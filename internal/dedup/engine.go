// Package dedup finds duplicate memories and merges them under an approval
// workflow.
//
// A run moves through dry_run, then approved or rejected, then executed and
// finally undone. Every transition is a conditional catalog update, so two
// operators cannot both approve and execute the same run.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/config"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/memory"
	"memvault/internal/metrics"
	"memvault/internal/undo"
)

// Dependencies are the collaborators of an Engine. Backups is only needed
// when safety backups are enabled; Logger, Audit and Metrics are optional.
type Dependencies struct {
	Store   memory.Store
	Index   memory.Index
	Catalog *catalog.Catalog
	Ledger  *undo.Ledger
	Backups *backup.Manager
	// SafetyBackends are backed up before an execute, usually the relational
	// store and the vector index
	SafetyBackends []string
	Config         config.DedupConfig
	Logger         *logging.Logger
	Audit          *logging.AuditLogger
	Metrics        metrics.Recorder
}

// Engine runs deduplications
type Engine struct {
	store          memory.Store
	index          memory.Index
	catalog        *catalog.Catalog
	ledger         *undo.Ledger
	backups        *backup.Manager
	safetyBackends []string
	cfg            config.DedupConfig
	logger         *logging.Logger
	audit          *logging.AuditLogger
	metrics        metrics.Recorder

	// runMu serializes mutating runs; scheduled triggers skip when it is held
	runMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewEngine builds an engine and registers its reversers on the ledger
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Index == nil || deps.Catalog == nil || deps.Ledger == nil {
		return nil, apperrors.NewConfigurationError("dedup engine requires store, index, catalog and ledger", nil)
	}
	if deps.Config.SafetyBackup && deps.Backups == nil {
		return nil, apperrors.NewConfigurationError("dedup safety backups are enabled but no backup manager was provided", nil)
	}
	if deps.Config.SimilarityThreshold == 0 {
		deps.Config.SimilarityThreshold = 0.95
	}
	if deps.Config.MergeStrategy == "" {
		deps.Config.MergeStrategy = config.MergeKeepNewest
	}
	if deps.Config.ReportSampleSize <= 0 {
		deps.Config.ReportSampleSize = 5
	}
	if deps.Config.ScheduledScope == "" {
		deps.Config.ScheduledScope = ScopeAll
	}
	if len(deps.SafetyBackends) == 0 {
		deps.SafetyBackends = []string{config.BackendPostgres, config.BackendQdrant}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}

	e := &Engine{
		store:          deps.Store,
		index:          deps.Index,
		catalog:        deps.Catalog,
		ledger:         deps.Ledger,
		backups:        deps.Backups,
		safetyBackends: deps.SafetyBackends,
		cfg:            deps.Config,
		logger:         deps.Logger,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.New().String() },
	}

	e.ledger.Register(undo.OperationDelete, undo.ReverserFunc(e.reverse))
	e.ledger.Register(undo.OperationMerge, undo.ReverserFunc(e.reverse))
	return e, nil
}

// Request parameterizes a dry run. Zero values fall back to configuration.
type Request struct {
	// Scope is an agent id or ScopeAll
	Scope     string
	Threshold float64
	Strategy  string
}

// DryRunResult is what an operator reviews before approving
type DryRunResult struct {
	DeduplicationID       string                   `json:"deduplication_id"`
	Status                catalog.DedupStatus      `json:"status"`
	MemoriesScanned       int                      `json:"memories_scanned"`
	TotalGroups           int                      `json:"total_groups"`
	DuplicateCount        int                      `json:"duplicate_count"`
	DuplicateGroups       []catalog.DuplicateGroup `json:"duplicate_groups"`
	EstimatedTokenSavings int64                    `json:"estimated_token_savings"`
	ApprovalMessage       string                   `json:"approval_message"`
}

// DryRun groups duplicates and records the run without changing any memory
func (e *Engine) DryRun(ctx context.Context, req Request) (*DryRunResult, error) {
	if req.Scope == "" {
		return nil, apperrors.NewInvalidArgument(fmt.Sprintf("scope is required: an agent id or %q", ScopeAll), nil)
	}
	if req.Threshold == 0 {
		req.Threshold = e.cfg.SimilarityThreshold
	}
	if req.Threshold <= 0 || req.Threshold > 1 {
		return nil, apperrors.NewInvalidArgument(fmt.Sprintf("similarity threshold %v is outside (0, 1]", req.Threshold), nil)
	}
	if req.Strategy == "" {
		req.Strategy = e.cfg.MergeStrategy
	}
	if !validStrategy(req.Strategy) {
		return nil, apperrors.NewInvalidArgument(fmt.Sprintf("unknown merge strategy %q", req.Strategy), nil)
	}

	agent := req.Scope
	if agent == ScopeAll {
		agent = ""
	}
	mems, err := e.store.List(ctx, agent)
	if err != nil {
		return nil, err
	}

	groups, err := FindGroups(ctx, e.index, mems, req.Threshold, req.Scope == ScopeAll)
	if err != nil {
		return nil, err
	}

	now := e.now()
	run := &catalog.DedupRun{
		DeduplicationID:     e.newID(),
		Status:              catalog.DedupDryRun,
		AgentScope:          req.Scope,
		SimilarityThreshold: req.Threshold,
		MergeStrategy:       req.Strategy,
		DuplicateGroups:     groups,
		MemoriesScanned:     len(mems),
		StartedAt:           now,
		UpdatedAt:           now,
	}
	for _, g := range groups {
		run.TokenSavingsEstimate += g.TokenEstimate
	}
	if err := e.catalog.SaveDedupRun(ctx, run); err != nil {
		return nil, err
	}

	e.metrics.ObserveDedup("dry_run", string(run.Status), len(groups), run.TokenSavingsEstimate)
	e.logger.WithFields(map[string]interface{}{
		"deduplication_id": run.DeduplicationID,
		"scope":            run.AgentScope,
		"scanned":          run.MemoriesScanned,
		"groups":           len(groups),
	}).Info("Deduplication dry run completed")

	sample := groups
	if len(sample) > e.cfg.ReportSampleSize {
		sample = sample[:e.cfg.ReportSampleSize]
	}
	return &DryRunResult{
		DeduplicationID:       run.DeduplicationID,
		Status:                run.Status,
		MemoriesScanned:       run.MemoriesScanned,
		TotalGroups:           len(groups),
		DuplicateCount:        run.DuplicateCount(),
		DuplicateGroups:       sample,
		EstimatedTokenSavings: run.TokenSavingsEstimate,
		ApprovalMessage:       approvalMessage(run),
	}, nil
}

func approvalMessage(run *catalog.DedupRun) string {
	if len(run.DuplicateGroups) == 0 {
		return "No duplicates found; nothing to approve."
	}
	return fmt.Sprintf(
		"Found %d duplicate groups (%d memories would be merged with strategy %s, ~%d tokens saved). "+
			"Review, then run 'memvault dedup approve %s' or 'memvault dedup reject %s'.",
		len(run.DuplicateGroups), run.DuplicateCount(), run.MergeStrategy, run.TokenSavingsEstimate,
		run.DeduplicationID, run.DeduplicationID)
}

// Get returns one run
func (e *Engine) Get(ctx context.Context, id string) (*catalog.DedupRun, error) {
	return e.catalog.GetDedupRun(ctx, id)
}

// Approve moves a dry run to approved
func (e *Engine) Approve(ctx context.Context, id, user string) (*catalog.DedupRun, error) {
	return e.decide(ctx, id, user, catalog.DedupApproved)
}

// Reject moves a dry run to rejected. Rejected runs are terminal.
func (e *Engine) Reject(ctx context.Context, id, user string) (*catalog.DedupRun, error) {
	return e.decide(ctx, id, user, catalog.DedupRejected)
}

func (e *Engine) decide(ctx context.Context, id, user string, to catalog.DedupStatus) (*catalog.DedupRun, error) {
	run, err := e.catalog.GetDedupRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != catalog.DedupDryRun {
		return nil, apperrors.NewInvalidState(
			fmt.Sprintf("deduplication %s is %s; only dry runs can be approved or rejected", id, run.Status), nil)
	}

	run.Status = to
	run.DecidedBy = user
	run.UpdatedAt = e.now()
	if err := e.catalog.UpdateDedupRun(ctx, run, catalog.DedupDryRun); err != nil {
		return nil, err
	}

	e.metrics.ObserveDedup(string(to), string(to), len(run.DuplicateGroups), 0)
	e.logger.WithFields(map[string]interface{}{
		"deduplication_id": id,
		"status":           to,
		"user_id":          user,
	}).Info("Deduplication decided")
	return run, nil
}

// ScheduledResult reports one scheduled trigger
type ScheduledResult struct {
	Skipped  bool           `json:"skipped"`
	DryRun   *DryRunResult  `json:"dry_run,omitempty"`
	Executed *ExecuteResult `json:"executed,omitempty"`
}

// RunScheduled is the cron entry point. A trigger that arrives while another
// run holds the engine is skipped, not queued. The dry run is executed
// automatically only when auto_approve is configured; otherwise it waits for
// an operator.
func (e *Engine) RunScheduled(ctx context.Context) (*ScheduledResult, error) {
	if !e.runMu.TryLock() {
		e.logger.Info("Deduplication already running, skipping scheduled trigger")
		e.metrics.ObserveDedup("scheduled", "skipped", 0, 0)
		return &ScheduledResult{Skipped: true}, nil
	}
	defer e.runMu.Unlock()

	dry, err := e.DryRun(ctx, Request{Scope: e.cfg.ScheduledScope})
	if err != nil {
		return nil, err
	}
	result := &ScheduledResult{DryRun: dry}
	if !e.cfg.AutoApprove || dry.TotalGroups == 0 {
		return result, nil
	}

	if _, err := e.Approve(ctx, dry.DeduplicationID, "scheduler"); err != nil {
		return result, err
	}
	executed, err := e.execute(ctx, dry.DeduplicationID, "scheduler")
	result.Executed = executed
	return result, err
}

// RunOnce collapses dry run, approval and execution into one call. It is
// refused unless both require_approval and dry_run_first are disabled in
// configuration.
func (e *Engine) RunOnce(ctx context.Context, req Request, user string) (*ExecuteResult, error) {
	if e.cfg.RequireApproval || e.cfg.DryRunFirst {
		return nil, apperrors.NewInvalidState(
			"one-step deduplication is disabled; set dedup.require_approval and dedup.dry_run_first to false to allow it", nil)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	dry, err := e.DryRun(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := e.Approve(ctx, dry.DeduplicationID, user); err != nil {
		return nil, err
	}
	return e.execute(ctx, dry.DeduplicationID, user)
}
