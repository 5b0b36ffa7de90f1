package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Backend names understood by the backend registry
const (
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"
	BackendGraph    = "graph"
	BackendRedis    = "redis"
)

// AllBackends lists the supported backends in their canonical order
var AllBackends = []string{BackendPostgres, BackendQdrant, BackendGraph, BackendRedis}

// Merge strategies
const (
	MergeKeepNewest = "keep_newest"
	MergeKeepBoth   = "keep_both"
	MergeAppend     = "append"
)

// Config is the root configuration of memvault
type Config struct {
	Logging          LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Backends         BackendsConfig    `mapstructure:"backends" yaml:"backends"`
	Catalog          CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	Storage          StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Compression      CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Encryption       EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
	Retention        RetentionConfig   `mapstructure:"retention" yaml:"retention"`
	Recovery         RecoveryConfig    `mapstructure:"recovery" yaml:"recovery"`
	Dedup            DedupConfig       `mapstructure:"dedup" yaml:"dedup"`
	Undo             UndoConfig        `mapstructure:"undo" yaml:"undo"`
	Schedule         ScheduleConfig    `mapstructure:"schedule" yaml:"schedule"`
	Server           ServerConfig      `mapstructure:"server" yaml:"server"`
	OperationTimeout time.Duration     `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	UserID           string            `mapstructure:"user_id" yaml:"user_id"`
}

// LoggingConfig controls the application and audit loggers
type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	File      string `mapstructure:"file" yaml:"file"`
	AuditFile string `mapstructure:"audit_file" yaml:"audit_file"`
}

// BackendsConfig holds connection settings for the four stores
type BackendsConfig struct {
	Enabled  []string       `mapstructure:"enabled" yaml:"enabled"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant" yaml:"qdrant"`
	Graph    GraphConfig    `mapstructure:"graph" yaml:"graph"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
}

// PostgresConfig is the relational+vector store
type PostgresConfig struct {
	DSN        string   `mapstructure:"dsn" yaml:"dsn"`
	Tables     []string `mapstructure:"tables" yaml:"tables"`
	CountTable string   `mapstructure:"count_table" yaml:"count_table"`
}

// QdrantConfig is the vector index
type QdrantConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	GRPCPort   int    `mapstructure:"grpc_port" yaml:"grpc_port"`
	HTTPPort   int    `mapstructure:"http_port" yaml:"http_port"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls" yaml:"use_tls"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// GraphConfig is the Apache AGE graph store
type GraphConfig struct {
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	GraphName string `mapstructure:"graph_name" yaml:"graph_name"`
}

// RedisConfig is the cache
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// CatalogConfig locates the SQLite catalog
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RecoveryConfig controls restore behavior
type RecoveryConfig struct {
	PreRestoreBackup bool    `mapstructure:"pre_restore_backup" yaml:"pre_restore_backup"`
	CountTolerance   float64 `mapstructure:"count_tolerance" yaml:"count_tolerance"`
}

// DedupConfig controls the deduplication engine
type DedupConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	MergeStrategy       string  `mapstructure:"merge_strategy" yaml:"merge_strategy"`
	RequireApproval     bool    `mapstructure:"require_approval" yaml:"require_approval"`
	DryRunFirst         bool    `mapstructure:"dry_run_first" yaml:"dry_run_first"`
	AutoApprove         bool    `mapstructure:"auto_approve" yaml:"auto_approve"`
	SafetyBackup        bool    `mapstructure:"safety_backup" yaml:"safety_backup"`
	ReportSampleSize    int     `mapstructure:"report_sample_size" yaml:"report_sample_size"`
	ScheduledScope      string  `mapstructure:"scheduled_scope" yaml:"scheduled_scope"`
}

// UndoConfig controls how long undo payloads are kept
type UndoConfig struct {
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

// ScheduleConfig holds cron expressions for the serve command
type ScheduleConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Daily     string `mapstructure:"daily" yaml:"daily"`
	Weekly    string `mapstructure:"weekly" yaml:"weekly"`
	Monthly   string `mapstructure:"monthly" yaml:"monthly"`
	Dedup     string `mapstructure:"dedup" yaml:"dedup"`
	Retention string `mapstructure:"retention" yaml:"retention"`
	UndoPurge string `mapstructure:"undo_purge" yaml:"undo_purge"`
}

// ServerConfig controls the HTTP surface of the serve command
type ServerConfig struct {
	Listen         string `mapstructure:"listen" yaml:"listen"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Recovery: RecoveryConfig{PreRestoreBackup: true},
		Dedup: DedupConfig{
			RequireApproval: true,
			DryRunFirst:     true,
			SafetyBackup:    true,
		},
		Server: ServerConfig{MetricsEnabled: true},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults. Booleans that default to true
// are set by Default, since a zero false cannot be told apart from an explicit one.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	c.Backends.SetDefaults()

	if c.Catalog.Path == "" {
		c.Catalog.Path = "./memvault.db"
	}

	c.Storage.SetDefaults()
	c.Compression.SetDefaults()
	c.Encryption.SetDefaults()
	c.Retention.SetDefaults()

	if c.Recovery.CountTolerance == 0 {
		c.Recovery.CountTolerance = 0.05
	}

	if c.Dedup.SimilarityThreshold == 0 {
		c.Dedup.SimilarityThreshold = 0.95
	}
	if c.Dedup.MergeStrategy == "" {
		c.Dedup.MergeStrategy = MergeKeepNewest
	}
	if c.Dedup.ReportSampleSize == 0 {
		c.Dedup.ReportSampleSize = 5
	}
	if c.Dedup.ScheduledScope == "" {
		c.Dedup.ScheduledScope = "all"
	}

	if c.Undo.RetentionDays == 0 {
		c.Undo.RetentionDays = 30
	}

	c.Schedule.SetDefaults()

	if c.Server.Listen == "" {
		c.Server.Listen = ":9464"
	}

	if c.OperationTimeout == 0 {
		c.OperationTimeout = 5 * time.Minute
	}
	if c.UserID == "" {
		c.UserID = os.Getenv("USER")
	}
	if c.UserID == "" {
		c.UserID = "operator"
	}
}

// SetDefaults sets default connection settings
func (bc *BackendsConfig) SetDefaults() {
	if len(bc.Enabled) == 0 {
		bc.Enabled = append([]string(nil), AllBackends...)
	}
	if len(bc.Postgres.Tables) == 0 {
		bc.Postgres.Tables = []string{"memories"}
	}
	if bc.Postgres.CountTable == "" {
		bc.Postgres.CountTable = bc.Postgres.Tables[0]
	}
	if bc.Qdrant.Host == "" {
		bc.Qdrant.Host = "localhost"
	}
	if bc.Qdrant.GRPCPort == 0 {
		bc.Qdrant.GRPCPort = 6334
	}
	if bc.Qdrant.HTTPPort == 0 {
		bc.Qdrant.HTTPPort = 6333
	}
	if bc.Qdrant.Collection == "" {
		bc.Qdrant.Collection = "memories"
	}
	if bc.Graph.GraphName == "" {
		bc.Graph.GraphName = "memory_graph"
	}
	if bc.Redis.Addr == "" {
		bc.Redis.Addr = "localhost:6379"
	}
}

// SetDefaults sets the default cron expressions
func (sc *ScheduleConfig) SetDefaults() {
	if sc.Daily == "" {
		sc.Daily = "0 2 * * *"
	}
	if sc.Weekly == "" {
		sc.Weekly = "0 3 * * 0"
	}
	if sc.Monthly == "" {
		sc.Monthly = "0 4 1 * *"
	}
	if sc.Dedup == "" {
		sc.Dedup = "0 5 * * 0"
	}
	if sc.Retention == "" {
		sc.Retention = "30 5 * * *"
	}
	if sc.UndoPurge == "" {
		sc.UndoPurge = "45 5 * * *"
	}
}

// LoadFromEnvironment applies MEMVAULT_* overrides, mostly secrets that
// should not live in the config file
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("MEMVAULT_POSTGRES_DSN"); val != "" {
		c.Backends.Postgres.DSN = val
	}
	if val := os.Getenv("MEMVAULT_GRAPH_DSN"); val != "" {
		c.Backends.Graph.DSN = val
	}
	if val := os.Getenv("MEMVAULT_QDRANT_API_KEY"); val != "" {
		c.Backends.Qdrant.APIKey = val
	}
	if val := os.Getenv("MEMVAULT_REDIS_PASSWORD"); val != "" {
		c.Backends.Redis.Password = val
	}
	if val := os.Getenv("MEMVAULT_CATALOG_PATH"); val != "" {
		c.Catalog.Path = val
	}
	if val := os.Getenv("MEMVAULT_USER_ID"); val != "" {
		c.UserID = val
	}
	if val := os.Getenv("MEMVAULT_DEDUP_AUTO_APPROVE"); val != "" {
		c.Dedup.AutoApprove = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MEMVAULT_UNDO_RETENTION_DAYS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.Undo.RetentionDays = parsed
		}
	}

	c.Storage.LoadFromEnvironment()
	c.Compression.LoadFromEnvironment()
	c.Encryption.LoadFromEnvironment()
	c.Retention.LoadFromEnvironment()
}

// Validate checks the whole configuration and returns every problem found
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	known := make(map[string]bool, len(AllBackends))
	for _, name := range AllBackends {
		known[name] = true
	}
	if len(c.Backends.Enabled) == 0 {
		errs.Add("backends.enabled", "at least one backend must be enabled")
	}
	for _, name := range c.Backends.Enabled {
		if !known[name] {
			errs.Add("backends.enabled", fmt.Sprintf("unknown backend %q", name))
		}
	}
	for _, name := range c.Backends.Enabled {
		switch name {
		case BackendPostgres:
			if c.Backends.Postgres.DSN == "" {
				errs.Add("backends.postgres.dsn", "dsn is required when postgres is enabled")
			}
		case BackendGraph:
			if c.Backends.Graph.DSN == "" {
				errs.Add("backends.graph.dsn", "dsn is required when graph is enabled")
			}
		}
	}

	if c.Catalog.Path == "" {
		errs.Add("catalog.path", "catalog path is required")
	}

	if err := c.Storage.Validate(); err != nil {
		errs.Add("storage", err.Error())
	}
	if err := c.Compression.Validate(); err != nil {
		errs.Add("compression", err.Error())
	}
	if err := c.Encryption.Validate(); err != nil {
		errs.Add("encryption", err.Error())
	}
	if err := c.Retention.Validate(); err != nil {
		errs.Add("retention", err.Error())
	}

	if c.Recovery.CountTolerance < 0 || c.Recovery.CountTolerance > 1 {
		errs.Add("recovery.count_tolerance", "must be between 0 and 1")
	}

	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		errs.Add("dedup.similarity_threshold", "must be in (0, 1]")
	}
	switch c.Dedup.MergeStrategy {
	case MergeKeepNewest, MergeKeepBoth, MergeAppend:
	default:
		errs.Add("dedup.merge_strategy", fmt.Sprintf("invalid merge strategy: %s", c.Dedup.MergeStrategy))
	}
	if c.Dedup.AutoApprove && c.Dedup.RequireApproval {
		errs.Add("dedup.auto_approve", "auto_approve requires require_approval to be false")
	}
	if c.Dedup.ReportSampleSize < 0 {
		errs.Add("dedup.report_sample_size", "cannot be negative")
	}

	if c.Undo.RetentionDays <= 0 {
		errs.Add("undo.retention_days", "must be positive")
	}

	if c.Schedule.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for field, expr := range c.Schedule.expressions() {
			if expr == "" {
				continue
			}
			if _, err := parser.Parse(expr); err != nil {
				errs.Add("schedule."+field, fmt.Sprintf("invalid cron expression %q: %v", expr, err))
			}
		}
	}

	if c.OperationTimeout <= 0 {
		errs.Add("operation_timeout", "must be positive")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (sc *ScheduleConfig) expressions() map[string]string {
	return map[string]string{
		"daily":      sc.Daily,
		"weekly":     sc.Weekly,
		"monthly":    sc.Monthly,
		"dedup":      sc.Dedup,
		"retention":  sc.Retention,
		"undo_purge": sc.UndoPurge,
	}
}

// BackendEnabled reports whether name is in the enabled list
func (c *Config) BackendEnabled(name string) bool {
	for _, n := range c.Backends.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// ValidationError is one invalid configuration field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every configuration problem
type ValidationErrors struct {
	Errors []ValidationError
}

// Add records a problem for field
func (ve *ValidationErrors) Add(field, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any problem was recorded
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "no validation errors"
	}
	if len(ve.Errors) == 1 {
		return ve.Errors[0].Error()
	}

	msgs := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(msgs, "; "))
}
