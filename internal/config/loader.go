package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file, applies defaults and environment
// overrides, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		}
	}

	return Finalize(cfg)
}

// LoadFromBytes parses YAML bytes into a validated configuration
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return Finalize(cfg)
}

// Finalize applies defaults and environment overrides to a decoded
// configuration and validates it
func Finalize(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	cfg.LoadFromEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefaultYAML returns a commented sample configuration
func GenerateDefaultYAML() []byte {
	return []byte(`# memvault configuration

logging:
  level: normal        # quiet, normal, verbose, debug
  format: text         # text or json
  # file: /var/log/memvault/memvault.log
  # audit_file: /var/log/memvault/audit.log

backends:
  enabled: [postgres, qdrant, graph, redis]
  postgres:
    dsn: "postgres://memvault@localhost:5432/memories"   # or MEMVAULT_POSTGRES_DSN
    tables: [memories]
    count_table: memories
  qdrant:
    host: localhost
    grpc_port: 6334
    http_port: 6333
    collection: memories
    use_tls: false
  graph:
    dsn: "postgres://memvault@localhost:5433/graph"      # or MEMVAULT_GRAPH_DSN
    graph_name: memory_graph
  redis:
    addr: localhost:6379
    db: 0

catalog:
  path: ./memvault.db

storage:
  local:
    base_path: ./backups
  # offsite:
  #   - provider: s3
  #     s3:
  #       bucket: my-memvault-backups
  #       region: us-east-1
  #   - provider: gcs
  #     gcs:
  #       bucket: my-memvault-backups
  #   - provider: azure
  #     azure:
  #       account_name: myaccount
  #       container_name: backups

compression:
  algorithm: zstd      # gzip, lz4, zstd
  level: 3

encryption:
  enabled: false
  mode: aes-gcm        # aes-gcm or age
  key_source: env      # env, file, passphrase
  key_env_var: MEMVAULT_ENCRYPTION_KEY
  # recipients: [age1...]
  # identity_path: ~/.config/memvault/age.key

retention:
  daily_days: 7
  weekly_days: 28
  monthly_days: 365

recovery:
  pre_restore_backup: true
  count_tolerance: 0.05

dedup:
  similarity_threshold: 0.95
  merge_strategy: keep_newest   # keep_newest, keep_both, append
  require_approval: true
  dry_run_first: true
  auto_approve: false
  safety_backup: true
  report_sample_size: 5
  scheduled_scope: all

undo:
  retention_days: 30

schedule:
  enabled: false
  daily: "0 2 * * *"
  weekly: "0 3 * * 0"
  monthly: "0 4 1 * *"
  dedup: "0 5 * * 0"
  retention: "30 5 * * *"
  undo_purge: "45 5 * * *"

server:
  listen: ":9464"
  metrics_enabled: true

operation_timeout: 5m
`)
}
