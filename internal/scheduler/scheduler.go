// Package scheduler runs periodic backups, deduplication, retention sweeps
// and undo purges on cron schedules
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"memvault/internal/backend"
	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/config"
	"memvault/internal/dedup"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/metrics"
	"memvault/internal/undo"
)

// Job names, also used as metric labels
const (
	JobDailyBackup   = "backup_daily"
	JobWeeklyBackup  = "backup_weekly"
	JobMonthlyBackup = "backup_monthly"
	JobDedup         = "dedup"
	JobRetention     = "retention"
	JobUndoPurge     = "undo_purge"
)

// Dependencies of a Scheduler. Dedup and Ledger may be nil, which disables
// their jobs.
type Dependencies struct {
	Config   config.ScheduleConfig
	Backends *backend.Set
	Backups  *backup.Manager
	Dedup    *dedup.Engine
	Ledger   *undo.Ledger
	// Retry governs the pre-flight liveness checks before scheduled backups
	Retry   *apperrors.RetryHandler
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// JobInfo describes one registered job
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
}

// jobFunc runs one job and names its outcome for metrics
type jobFunc func(ctx context.Context) (string, error)

type jobSpec struct {
	name string
	expr string
	run  jobFunc
}

// Scheduler owns the cron runner
type Scheduler struct {
	cron     *cron.Cron
	backends *backend.Set
	backups  *backup.Manager
	dedup    *dedup.Engine
	ledger   *undo.Ledger
	retry    *apperrors.RetryHandler
	logger   *logging.Logger
	metrics  metrics.Recorder

	jobs      map[string]jobFunc
	schedules map[string]string
	entries   map[string]cron.EntryID

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

// ParseSchedule parses a standard five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// New validates every expression and registers the enabled jobs. An empty
// expression disables its job.
func New(deps Dependencies) (*Scheduler, error) {
	if deps.Backends == nil || deps.Backups == nil {
		return nil, apperrors.NewConfigurationError("scheduler requires backends and a backup manager", nil)
	}
	if deps.Retry == nil {
		deps.Retry = apperrors.NewRetryHandler(apperrors.DefaultRetryConfig())
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}

	s := &Scheduler{
		backends:  deps.Backends,
		backups:   deps.Backups,
		dedup:     deps.Dedup,
		ledger:    deps.Ledger,
		retry:     deps.Retry,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		jobs:      map[string]jobFunc{},
		schedules: map[string]string{},
		entries:   map[string]cron.EntryID{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	cl := cronLogger{logger: deps.Logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	cfg := deps.Config
	register := []jobSpec{
		{JobDailyBackup, cfg.Daily, s.backupJob(catalog.BackupDaily)},
		{JobWeeklyBackup, cfg.Weekly, s.backupJob(catalog.BackupWeekly)},
		{JobMonthlyBackup, cfg.Monthly, s.backupJob(catalog.BackupMonthly)},
		{JobRetention, cfg.Retention, s.retentionJob},
	}
	if s.dedup != nil {
		register = append(register, jobSpec{JobDedup, cfg.Dedup, s.dedupJob})
	}
	if s.ledger != nil {
		register = append(register, jobSpec{JobUndoPurge, cfg.UndoPurge, s.undoPurgeJob})
	}

	errs := &config.ValidationErrors{}
	for _, r := range register {
		if r.expr == "" {
			continue
		}
		if _, err := ParseSchedule(r.expr); err != nil {
			errs.Add("schedule."+r.name, err.Error())
			continue
		}

		name := r.name
		s.jobs[name] = r.run
		s.schedules[name] = r.expr
		id, err := s.cron.AddFunc(r.expr, func() { s.runJob(s.context(), name) })
		if err != nil {
			return nil, apperrors.NewConfigurationError(fmt.Sprintf("failed to register job %s", name), err)
		}
		s.entries[name] = id
	}
	if errs.HasErrors() {
		return nil, apperrors.NewConfigurationError("invalid cron schedule", errs)
	}
	return s, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins firing jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.entries)).Info("Scheduler started")
}

// Stop prevents new runs, cancels running ones and waits for them to return
// or for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return apperrors.New(apperrors.KindInterruption, "scheduler did not stop in time", ctx.Err())
	}
}

// Jobs lists the registered jobs by name with their next fire time. Next is
// zero until the scheduler is started.
func (s *Scheduler) Jobs() []JobInfo {
	var out []JobInfo
	for name, id := range s.entries {
		out = append(out, JobInfo{Name: name, Schedule: s.schedules[name], Next: s.cron.Entry(id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow runs a registered job synchronously
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	if _, ok := s.jobs[name]; !ok {
		return "", apperrors.NewNotFound(fmt.Sprintf("no scheduled job named %q", name), nil)
	}
	return s.runJob(ctx, name)
}

// runJob executes one job and records its outcome. Errors are logged here
// because cron has nowhere to return them.
func (s *Scheduler) runJob(ctx context.Context, name string) (string, error) {
	start := time.Now()
	entry := s.logger.WithField("job", name)
	entry.Debug("Scheduled job starting")

	result, err := s.jobs[name](ctx)
	if err != nil {
		result = "failed"
		entry.WithField("error", err.Error()).Error("Scheduled job failed")
	} else {
		entry.WithFields(map[string]interface{}{
			"result":   result,
			"duration": time.Since(start).String(),
		}).Info("Scheduled job finished")
	}
	s.metrics.ObserveScheduledJob(name, result)
	return result, err
}

func (s *Scheduler) backupJob(t catalog.BackupType) jobFunc {
	return func(ctx context.Context) (string, error) {
		if down := s.preflight(ctx); len(down) > 0 {
			s.logger.WithFields(map[string]interface{}{
				"backup_type": t,
				"unreachable": down,
			}).Warn("Backends unreachable before scheduled backup; their artifacts will be marked failed")
		}

		rec, err := s.backups.CreateBackup(ctx, backup.Request{
			Type:        t,
			Compress:    true,
			Description: fmt.Sprintf("scheduled %s backup", t),
		})
		if apperrors.Is(err, apperrors.KindConflict) {
			return "skipped", nil
		}
		if err != nil {
			return "", err
		}
		return string(rec.Status), nil
	}
}

// preflight checks every backend's liveness, retrying transient failures,
// and returns the names that stayed unreachable
func (s *Scheduler) preflight(ctx context.Context) []string {
	var down []string
	for _, name := range s.backends.Names() {
		b, ok := s.backends.Get(name)
		if !ok {
			continue
		}
		err := s.retry.Retry(ctx, func() error { return b.CheckLiveness(ctx) })
		if err != nil {
			down = append(down, name)
		}
	}
	return down
}

func (s *Scheduler) dedupJob(ctx context.Context) (string, error) {
	res, err := s.dedup.RunScheduled(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case res.Skipped:
		return "skipped", nil
	case res.Executed != nil:
		return string(res.Executed.Status), nil
	default:
		return string(res.DryRun.Status), nil
	}
}

func (s *Scheduler) retentionJob(ctx context.Context) (string, error) {
	res, err := s.backups.ApplyRetention(ctx, s.now(), false)
	if apperrors.Is(err, apperrors.KindConflict) {
		return "skipped", nil
	}
	if err != nil {
		return "", err
	}
	if len(res.Errors) > 0 {
		return "partial", nil
	}
	return "success", nil
}

func (s *Scheduler) undoPurgeJob(ctx context.Context) (string, error) {
	if _, err := s.ledger.PurgeExpired(ctx, s.now()); err != nil {
		return "", err
	}
	return "success", nil
}

// cronLogger routes cron's own messages through the application logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	l.logger.WithFields(fields).Error(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
