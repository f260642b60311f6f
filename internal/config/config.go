// Package config loads and validates the chunked transcription service's
// TOML configuration (spec.md §6, SPEC_FULL.md §A.3).
package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/book-expert/configurator"
)

// Static errors, one per validation rule, mirroring the teacher's
// one-sentinel-per-rule convention.
var (
	ErrListenAddrEmpty       = errors.New("listen_addr cannot be empty")
	ErrMaxConcurrentUploads  = errors.New("max_concurrent_uploads must be positive")
	ErrChunkSizeRange        = errors.New("default_chunk_size_mb must be within min/max_chunk_size_mb")
	ErrChunkSizeBoundsOrder  = errors.New("min_chunk_size_mb must not exceed max_chunk_size_mb")
	ErrTotalSizeBoundsOrder  = errors.New("min_total_size_mb must not exceed max_total_size_gb*1024")
	ErrPresignedExpiryRange  = errors.New("presigned_url_expiry_seconds must be positive")
	ErrJobTTLPositive        = errors.New("job_ttl_seconds must be positive")
	ErrCompletedTTLPositive  = errors.New("completed_job_ttl_seconds must be positive")
	ErrNATSURLEmpty          = errors.New("url cannot be empty")
	ErrObjectBucketEmpty     = errors.New("object_store_bucket cannot be empty")
	ErrKVBucketEmpty         = errors.New("kv_bucket cannot be empty")
	ErrProcessingSubjectEmpty = errors.New("chunk_processing_subject cannot be empty")
	ErrTranscriptionURLEmpty = errors.New("base_url cannot be empty")
	ErrTranscriptionModelEmpty = errors.New("model cannot be empty")
	ErrTranscriptionTimeout  = errors.New("timeout_seconds must be positive")
	ErrLLMURLEmpty           = errors.New("base_url cannot be empty")
	ErrLLMModelEmpty         = errors.New("model cannot be empty")
	ErrLLMTemperatureRange   = errors.New("temperature must be between 0 and 2")
	ErrLogDirEmpty           = errors.New("log_dir cannot be empty")
	ErrInvalidLevel          = errors.New("level must be one of the valid options")
	ErrMaxFileSizePositive   = errors.New("max_file_size_mb must be positive")
	ErrMaxFilesPositive      = errors.New("max_files must be positive")
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig       `toml:"service"`
	Limits        LimitsConfig        `toml:"limits"`
	NATS          NATSConfig          `toml:"nats"`
	Transcription TranscriptionConfig `toml:"transcription"`
	LLM           LLMConfig           `toml:"llm"`
	Logging       LoggingConfig       `toml:"logging"`
}

// ServiceConfig holds the HTTP listener settings (SPEC_FULL.md §A.3).
type ServiceConfig struct {
	ListenAddr           string `toml:"listen_addr"`
	MaxConcurrentUploads int    `toml:"max_concurrent_uploads"`
}

// LimitsConfig holds the chunk-size and TTL bounds (spec.md §6, SPEC_FULL.md
// §A.3).
type LimitsConfig struct {
	DefaultChunkSizeMB        int `toml:"default_chunk_size_mb"`
	MinChunkSizeMB            int `toml:"min_chunk_size_mb"`
	MaxChunkSizeMB            int `toml:"max_chunk_size_mb"`
	MinTotalSizeMB            int `toml:"min_total_size_mb"`
	MaxTotalSizeGB            int `toml:"max_total_size_gb"`
	PresignedURLExpirySeconds int `toml:"presigned_url_expiry_seconds"`
	JobTTLSeconds             int `toml:"job_ttl_seconds"`
	CompletedJobTTLSeconds    int `toml:"completed_job_ttl_seconds"`
}

// NATSConfig holds the JetStream connection and bucket/subject names
// (SPEC_FULL.md §A.3).
type NATSConfig struct {
	URL                    string `toml:"url"`
	ObjectStoreBucket      string `toml:"object_store_bucket"`
	KVBucket               string `toml:"kv_bucket"`
	ChunkProcessingSubject string `toml:"chunk_processing_subject"`
	UseQueue               bool   `toml:"use_queue"`
}

// TranscriptionConfig holds the external STT API settings (spec.md §6).
type TranscriptionConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKeyEnv      string `toml:"api_key_env"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LLMConfig holds the external correction-model settings (spec.md §6).
type LLMConfig struct {
	BaseURL        string  `toml:"base_url"`
	APIKeyEnv      string  `toml:"api_key_env"`
	Model          string  `toml:"model"`
	Temperature    float64 `toml:"temperature"`
	EnabledDefault bool    `toml:"enabled_default"`
}

// LoggingConfig mirrors the teacher's logging section shape unchanged.
type LoggingConfig struct {
	Level         string `toml:"level"`
	LogDir        string `toml:"log_dir"`
	MaxFileSizeMB int    `toml:"max_file_size_mb"`
	MaxFiles      int    `toml:"max_files"`
}

// Load loads and validates the project configuration from project.toml
// starting from startDir, as the teacher's config.Load does.
func Load(startDir string) (*Config, string, error) {
	var cfg Config

	projectRoot, err := configurator.LoadFromProject(startDir, &cfg)
	if err != nil {
		return nil, "", fmt.Errorf("config: load project config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, projectRoot, nil
}

// Validate validates every section, wrapping each with a context line
// naming the section, matching the teacher's Config.Validate pattern.
func (c *Config) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return fmt.Errorf("service config: %w", err)
	}

	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}

	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the service section.
func (c *ServiceConfig) Validate() error {
	if c.ListenAddr == "" {
		return ErrListenAddrEmpty
	}

	if c.MaxConcurrentUploads <= 0 {
		return ErrMaxConcurrentUploads
	}

	return nil
}

// Validate validates the limits section, including the chunk-size and
// total-size bound orderings spec.md §6 requires.
func (c *LimitsConfig) Validate() error {
	if c.MinChunkSizeMB <= 0 || c.MinChunkSizeMB > c.MaxChunkSizeMB {
		return ErrChunkSizeBoundsOrder
	}

	if c.DefaultChunkSizeMB < c.MinChunkSizeMB || c.DefaultChunkSizeMB > c.MaxChunkSizeMB {
		return ErrChunkSizeRange
	}

	if c.MinTotalSizeMB <= 0 || int64(c.MinTotalSizeMB) > int64(c.MaxTotalSizeGB)*1024 {
		return ErrTotalSizeBoundsOrder
	}

	if c.PresignedURLExpirySeconds <= 0 {
		return ErrPresignedExpiryRange
	}

	if c.JobTTLSeconds <= 0 {
		return ErrJobTTLPositive
	}

	if c.CompletedJobTTLSeconds <= 0 {
		return ErrCompletedTTLPositive
	}

	return nil
}

// Validate validates the nats section.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return ErrNATSURLEmpty
	}

	if c.ObjectStoreBucket == "" {
		return ErrObjectBucketEmpty
	}

	if c.KVBucket == "" {
		return ErrKVBucketEmpty
	}

	if c.ChunkProcessingSubject == "" {
		return ErrProcessingSubjectEmpty
	}

	return nil
}

// Validate validates the transcription section.
func (c *TranscriptionConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrTranscriptionURLEmpty
	}

	if c.Model == "" {
		return ErrTranscriptionModelEmpty
	}

	if c.TimeoutSeconds <= 0 {
		return ErrTranscriptionTimeout
	}

	return nil
}

// Validate validates the llm section.
func (c *LLMConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrLLMURLEmpty
	}

	if c.Model == "" {
		return ErrLLMModelEmpty
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return ErrLLMTemperatureRange
	}

	return nil
}

// Validate validates the logging section, unchanged from the teacher's
// LoggingConfig.Validate.
func (c *LoggingConfig) Validate() error {
	if c.LogDir == "" {
		return ErrLogDirEmpty
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Level) {
		return ErrInvalidLevel
	}

	if c.MaxFileSizeMB <= 0 {
		return ErrMaxFileSizePositive
	}

	if c.MaxFiles <= 0 {
		return ErrMaxFilesPositive
	}

	return nil
}
