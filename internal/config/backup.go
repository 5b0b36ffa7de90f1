package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StorageConfig defines where artifacts are written. The local tree is the
// primary copy; offsite targets receive mirrored copies.
type StorageConfig struct {
	Local   LocalConfig     `mapstructure:"local" yaml:"local"`
	Offsite []OffsiteConfig `mapstructure:"offsite" yaml:"offsite,omitempty"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath    string `mapstructure:"base_path" yaml:"base_path"`
	Permissions string `mapstructure:"permissions" yaml:"permissions"`
}

// OffsiteConfig is one mirror target
type OffsiteConfig struct {
	Provider string       `mapstructure:"provider" yaml:"provider"`
	S3       *S3Config    `mapstructure:"s3,omitempty" yaml:"s3,omitempty"`
	Azure    *AzureConfig `mapstructure:"azure,omitempty" yaml:"azure,omitempty"`
	GCS      *GCSConfig   `mapstructure:"gcs,omitempty" yaml:"gcs,omitempty"`
}

// S3Config for Amazon S3 storage
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
}

// RetentionConfig is the age limit per backup type, in days. Manual backups never expire.
type RetentionConfig struct {
	DailyDays   int `mapstructure:"daily_days" yaml:"daily_days"`
	WeeklyDays  int `mapstructure:"weekly_days" yaml:"weekly_days"`
	MonthlyDays int `mapstructure:"monthly_days" yaml:"monthly_days"`
}

// CompressionConfig defines compression settings. Whether a backup is
// compressed is decided per request; this picks the algorithm.
type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int    `mapstructure:"level" yaml:"level"`
}

// EncryptionConfig defines artifact encryption
type EncryptionConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Mode         string   `mapstructure:"mode" yaml:"mode"`
	KeySource    string   `mapstructure:"key_source" yaml:"key_source"`
	KeyPath      string   `mapstructure:"key_path" yaml:"key_path"`
	KeyEnvVar    string   `mapstructure:"key_env_var" yaml:"key_env_var"`
	Recipients   []string `mapstructure:"recipients" yaml:"recipients,omitempty"`
	IdentityPath string   `mapstructure:"identity_path" yaml:"identity_path,omitempty"`
}

// Validate validates the storage configuration
func (sc *StorageConfig) Validate() error {
	if sc.Local.BasePath == "" {
		return errors.New("base path is required for local storage")
	}

	for i := range sc.Offsite {
		if err := sc.Offsite[i].Validate(); err != nil {
			return fmt.Errorf("offsite[%d]: %w", i, err)
		}
	}
	return nil
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Local.BasePath == "" {
		sc.Local.BasePath = "./backups"
	}
	if sc.Local.Permissions == "" {
		sc.Local.Permissions = "0755"
	}
	for i := range sc.Offsite {
		sc.Offsite[i].SetDefaults()
	}
}

// LoadFromEnvironment loads storage configuration from environment variables
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := os.Getenv("MEMVAULT_STORAGE_LOCAL_BASE_PATH"); val != "" {
		sc.Local.BasePath = val
	}
	for i := range sc.Offsite {
		sc.Offsite[i].LoadFromEnvironment()
	}
}

// Validate validates one offsite target
func (oc *OffsiteConfig) Validate() error {
	switch oc.Provider {
	case "s3":
		if oc.S3 == nil {
			return errors.New("S3 storage configuration is required when provider is 's3'")
		}
		return oc.S3.Validate()
	case "azure":
		if oc.Azure == nil {
			return errors.New("Azure storage configuration is required when provider is 'azure'")
		}
		return oc.Azure.Validate()
	case "gcs":
		if oc.GCS == nil {
			return errors.New("GCS storage configuration is required when provider is 'gcs'")
		}
		return oc.GCS.Validate()
	case "":
		return errors.New("offsite provider is required")
	default:
		return fmt.Errorf("invalid offsite provider: %s", oc.Provider)
	}
}

// SetDefaults sets provider defaults
func (oc *OffsiteConfig) SetDefaults() {
	oc.Provider = strings.ToLower(oc.Provider)
	switch oc.Provider {
	case "s3":
		if oc.S3 == nil {
			oc.S3 = &S3Config{}
		}
		if oc.S3.Region == "" {
			oc.S3.Region = "us-east-1"
		}
	case "gcs":
		if oc.GCS == nil {
			oc.GCS = &GCSConfig{}
		}
		if oc.GCS.CredentialsPath == "" {
			oc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	case "azure":
		if oc.Azure == nil {
			oc.Azure = &AzureConfig{}
		}
	}
}

// LoadFromEnvironment fills provider credentials from the environment
func (oc *OffsiteConfig) LoadFromEnvironment() {
	switch oc.Provider {
	case "s3":
		if oc.S3 == nil {
			return
		}
		if val := os.Getenv("MEMVAULT_S3_ACCESS_KEY"); val != "" {
			oc.S3.AccessKey = val
		}
		if val := os.Getenv("MEMVAULT_S3_SECRET_KEY"); val != "" {
			oc.S3.SecretKey = val
		}
	case "azure":
		if oc.Azure == nil {
			return
		}
		if val := os.Getenv("MEMVAULT_AZURE_ACCOUNT_KEY"); val != "" {
			oc.Azure.AccountKey = val
		}
	case "gcs":
		if oc.GCS == nil {
			return
		}
		if val := os.Getenv("MEMVAULT_GCS_CREDENTIALS_PATH"); val != "" {
			oc.GCS.CredentialsPath = val
		}
	}
}

// Validate validates the S3 storage configuration
func (s3c *S3Config) Validate() error {
	if s3c.Bucket == "" {
		return errors.New("bucket is required for S3 storage")
	}
	if s3c.Region == "" {
		return errors.New("region is required for S3 storage")
	}
	return nil
}

// Validate validates the Azure storage configuration
func (ac *AzureConfig) Validate() error {
	if ac.AccountName == "" {
		return errors.New("account name is required for Azure storage")
	}
	if ac.AccountKey == "" {
		return errors.New("account key is required for Azure storage")
	}
	if ac.ContainerName == "" {
		return errors.New("container name is required for Azure storage")
	}
	return nil
}

// Validate validates the GCS storage configuration
func (gc *GCSConfig) Validate() error {
	if gc.Bucket == "" {
		return errors.New("bucket is required for GCS storage")
	}
	return nil
}

// Validate validates the retention configuration
func (rc *RetentionConfig) Validate() error {
	var errs []string
	if rc.DailyDays <= 0 {
		errs = append(errs, "daily_days must be positive")
	}
	if rc.WeeklyDays <= 0 {
		errs = append(errs, "weekly_days must be positive")
	}
	if rc.MonthlyDays <= 0 {
		errs = append(errs, "monthly_days must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, ", "))
	}
	return nil
}

// SetDefaults sets default values for retention configuration
func (rc *RetentionConfig) SetDefaults() {
	if rc.DailyDays == 0 {
		rc.DailyDays = 7
	}
	if rc.WeeklyDays == 0 {
		rc.WeeklyDays = 28
	}
	if rc.MonthlyDays == 0 {
		rc.MonthlyDays = 365
	}
}

// LoadFromEnvironment loads retention configuration from environment variables
func (rc *RetentionConfig) LoadFromEnvironment() {
	if val := os.Getenv("MEMVAULT_RETENTION_DAILY_DAYS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			rc.DailyDays = parsed
		}
	}
	if val := os.Getenv("MEMVAULT_RETENTION_WEEKLY_DAYS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			rc.WeeklyDays = parsed
		}
	}
	if val := os.Getenv("MEMVAULT_RETENTION_MONTHLY_DAYS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			rc.MonthlyDays = parsed
		}
	}
}

// Validate validates the compression configuration
func (cc *CompressionConfig) Validate() error {
	switch strings.ToLower(cc.Algorithm) {
	case "gzip":
		if cc.Level < 1 || cc.Level > 9 {
			return errors.New("gzip compression level must be between 1 and 9")
		}
	case "lz4":
		if cc.Level < 1 || cc.Level > 12 {
			return errors.New("lz4 compression level must be between 1 and 12")
		}
	case "zstd":
		if cc.Level < 1 || cc.Level > 22 {
			return errors.New("zstd compression level must be between 1 and 22")
		}
	default:
		return fmt.Errorf("invalid compression algorithm: %s", cc.Algorithm)
	}
	return nil
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = "zstd"
	}
	cc.Algorithm = strings.ToLower(cc.Algorithm)

	if cc.Level == 0 {
		switch cc.Algorithm {
		case "gzip":
			cc.Level = 6
		case "lz4":
			cc.Level = 1
		case "zstd":
			cc.Level = 3
		}
	}
}

// LoadFromEnvironment loads compression configuration from environment variables
func (cc *CompressionConfig) LoadFromEnvironment() {
	if val := os.Getenv("MEMVAULT_COMPRESSION_ALGORITHM"); val != "" {
		cc.Algorithm = strings.ToLower(val)
	}
	if val := os.Getenv("MEMVAULT_COMPRESSION_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cc.Level = parsed
		}
	}
}

// Validate validates the encryption configuration
func (ec *EncryptionConfig) Validate() error {
	if !ec.Enabled {
		return nil
	}

	switch ec.Mode {
	case "aes-gcm":
		switch ec.KeySource {
		case "env":
			if ec.KeyEnvVar == "" {
				return errors.New("key environment variable name is required for env key source")
			}
		case "file":
			if ec.KeyPath == "" {
				return errors.New("key file path is required for file key source")
			}
		case "passphrase":
			if ec.KeyEnvVar == "" {
				return errors.New("passphrase environment variable name is required for passphrase key source")
			}
		default:
			return fmt.Errorf("invalid key source: %s", ec.KeySource)
		}
	case "age":
		if len(ec.Recipients) == 0 {
			return errors.New("at least one age recipient is required")
		}
	default:
		return fmt.Errorf("invalid encryption mode: %s", ec.Mode)
	}
	return nil
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.Mode == "" {
		ec.Mode = "aes-gcm"
	}
	if ec.Mode == "aes-gcm" && ec.KeySource == "" {
		ec.KeySource = "env"
	}
	if ec.KeyEnvVar == "" {
		ec.KeyEnvVar = "MEMVAULT_ENCRYPTION_KEY"
	}
}

// LoadFromEnvironment loads encryption configuration from environment variables
func (ec *EncryptionConfig) LoadFromEnvironment() {
	if val := os.Getenv("MEMVAULT_ENCRYPTION_ENABLED"); val != "" {
		ec.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MEMVAULT_ENCRYPTION_KEY_PATH"); val != "" {
		ec.KeyPath = val
	}
	if val := os.Getenv("MEMVAULT_AGE_IDENTITY_PATH"); val != "" {
		ec.IdentityPath = val
	}
}
