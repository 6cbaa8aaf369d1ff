package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the feed harvester
type Config struct {
	// Session input and API identity
	Session SessionConfig `yaml:"session" json:"session"`

	// Rate limiting for API calls
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Pagination behaviour
	Pagination PaginationConfig `yaml:"pagination" json:"pagination"`

	// Download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Output layout
	Output OutputConfig `yaml:"output" json:"output"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// SessionConfig points at the credential bundle produced by the login
// collaborator and carries the request identity headers.
type SessionConfig struct {
	BundlePath   string `yaml:"bundle_path" json:"bundle_path"`
	Account      string `yaml:"account" json:"account"`
	UserAgent    string `yaml:"user_agent" json:"user_agent"`
	AppID        string `yaml:"app_id" json:"app_id"`
	WebSessionID string `yaml:"web_session_id" json:"web_session_id"`
}

// RateLimitConfig holds API pacing configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// PaginationConfig drives the page loop
type PaginationConfig struct {
	PageSize       int           `yaml:"page_size" json:"page_size"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max" json:"backoff_max"`
	PageDelayMin   time.Duration `yaml:"page_delay_min" json:"page_delay_min"`
	PageDelayMax   time.Duration `yaml:"page_delay_max" json:"page_delay_max"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	Concurrency      int           `yaml:"concurrency" json:"concurrency"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts    int           `yaml:"retry_attempts" json:"retry_attempts"`
	DispatchInterval time.Duration `yaml:"dispatch_interval" json:"dispatch_interval"`
}

// OutputConfig holds the persisted-state layout
type OutputConfig struct {
	BaseDirectory  string `yaml:"base_directory" json:"base_directory"`
	MediaDir       string `yaml:"media_dir" json:"media_dir"`
	RawDocumentDir string `yaml:"raw_document_dir" json:"raw_document_dir"`
	ManifestFile   string `yaml:"manifest_file" json:"manifest_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultAppID is the well-known Instagram web application id sent as
// X-Ig-App-Id on every API request.
const DefaultAppID = "936619743392459"

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			BundlePath: "session_data.json",
			UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
			AppID:      DefaultAppID,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
			MaxRetries:        3,
			RetryDelay:        5 * time.Second,
		},
		Pagination: PaginationConfig{
			PageSize:       12,
			MaxAttempts:    5,
			BackoffBase:    2 * time.Second,
			BackoffMax:     5 * time.Minute,
			PageDelayMin:   800 * time.Millisecond,
			PageDelayMax:   2500 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
		},
		Download: DownloadConfig{
			Concurrency:      3,
			Timeout:          30 * time.Second,
			RetryAttempts:    3,
			DispatchInterval: 500 * time.Millisecond,
		},
		Output: OutputConfig{
			BaseDirectory:  "./harvest",
			MediaDir:       "media",
			RawDocumentDir: "media_info",
			ManifestFile:   "manifest.json",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if bundle := os.Getenv("IGHARVEST_SESSION_BUNDLE"); bundle != "" {
		c.Session.BundlePath = bundle
	}
	if account := os.Getenv("IGHARVEST_ACCOUNT"); account != "" {
		c.Session.Account = account
	}
	if userAgent := os.Getenv("IGHARVEST_USER_AGENT"); userAgent != "" {
		c.Session.UserAgent = userAgent
	}
	if appID := os.Getenv("IGHARVEST_APP_ID"); appID != "" {
		c.Session.AppID = appID
	}

	if rpm := os.Getenv("IGHARVEST_REQUESTS_PER_MINUTE"); rpm != "" {
		var val int
		fmt.Sscanf(rpm, "%d", &val)
		if val > 0 {
			c.RateLimit.RequestsPerMinute = val
		}
	}

	if outputDir := os.Getenv("IGHARVEST_OUTPUT_DIR"); outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}

	if concurrent := os.Getenv("IGHARVEST_CONCURRENCY"); concurrent != "" {
		var val int
		fmt.Sscanf(concurrent, "%d", &val)
		if val > 0 {
			c.Download.Concurrency = val
		}
	}

	if logLevel := os.Getenv("IGHARVEST_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".igharvest.yaml",
		".igharvest.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "igharvest", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "igharvest", "config.yml"),
		filepath.Join(os.Getenv("HOME"), ".igharvest.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Session.AppID == "" {
		errs = append(errs, errors.New("app id is required"))
	}
	if c.Session.UserAgent == "" {
		errs = append(errs, errors.New("user agent is required"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.BurstSize <= 0 {
		errs = append(errs, errors.New("burst size must be positive"))
	}

	if c.Pagination.PageSize <= 0 {
		errs = append(errs, errors.New("page size must be positive"))
	}
	if c.Pagination.MaxAttempts <= 0 {
		errs = append(errs, errors.New("pagination max attempts must be positive"))
	}
	if c.Pagination.PageDelayMax < c.Pagination.PageDelayMin {
		errs = append(errs, errors.New("page delay max must not be below page delay min"))
	}

	if c.Download.Concurrency <= 0 {
		errs = append(errs, errors.New("download concurrency must be positive"))
	}
	if c.Download.Concurrency > 10 {
		errs = append(errs, errors.New("download concurrency should not exceed 10"))
	}
	if c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.Download.RetryAttempts < 0 {
		errs = append(errs, errors.New("download retry attempts cannot be negative"))
	}

	if c.Output.BaseDirectory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Output.ManifestFile == "" {
		errs = append(errs, errors.New("manifest file name is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if bundle, ok := flags["session-bundle"].(string); ok && bundle != "" {
		c.Session.BundlePath = bundle
	}
	if account, ok := flags["account"].(string); ok && account != "" {
		c.Session.Account = account
	}
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}
	if concurrent, ok := flags["concurrency"].(int); ok && concurrent > 0 {
		c.Download.Concurrency = concurrent
	}
	if rpm, ok := flags["requests-per-minute"].(int); ok && rpm > 0 {
		c.RateLimit.RequestsPerMinute = rpm
	}
	if pageSize, ok := flags["page-size"].(int); ok && pageSize > 0 {
		c.Pagination.PageSize = pageSize
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence order: flags > environment variables > .env file > config file > defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".igharvest.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
