// Package config provides configuration management for the smartsheet-attachments application
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the configuration file looked up when --config is not given
const DefaultConfigFile = "config.yaml"

// SmartsheetConfig holds platform API authentication and connection settings
type SmartsheetConfig struct {
	AccessToken    string `yaml:"access_token" toml:"access_token" json:"access_token" validate:"required"`
	BaseURL        string `yaml:"base_url" toml:"base_url" json:"base_url" validate:"required,url"`
	UsersPageSize  int    `yaml:"users_page_size" toml:"users_page_size" json:"users_page_size" validate:"gte=1,lte=10000"`
	SheetsPageSize int    `yaml:"sheets_page_size" toml:"sheets_page_size" json:"sheets_page_size" validate:"gte=1,lte=10000"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" validate:"gt=0"`
	MaxRetries     int    `yaml:"max_retries" toml:"max_retries" json:"max_retries" validate:"gte=0,lte=10"`
}

// TimeoutDuration returns the API request timeout as a time.Duration
func (s SmartsheetConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ExportConfig holds download and on-disk layout settings
type ExportConfig struct {
	OutputDir      string `yaml:"output_dir" toml:"output_dir" json:"output_dir" validate:"required"`
	RetryAttempts  int    `yaml:"retry_attempts" toml:"retry_attempts" json:"retry_attempts" validate:"gte=0,lte=5"`
	RetryDelayMS   int    `yaml:"retry_delay_ms" toml:"retry_delay_ms" json:"retry_delay_ms" validate:"gte=0"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" validate:"gt=0"`
	Concurrency    int    `yaml:"concurrency" toml:"concurrency" json:"concurrency" validate:"gte=1,lte=16"`
	MaxPathLength  int    `yaml:"max_path_length" toml:"max_path_length" json:"max_path_length" validate:"gte=0"`
}

// TimeoutDuration returns the download timeout as a time.Duration
func (e ExportConfig) TimeoutDuration() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay between download attempts
func (e ExportConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelayMS) * time.Millisecond
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" json:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Dir        string `yaml:"dir" toml:"dir" json:"dir"`
	Console    bool   `yaml:"console" toml:"console" json:"console"`
	JSONFormat bool   `yaml:"json_format" toml:"json_format" json:"json_format"`
}

// DeleteConfig holds settings for remote attachment deletion
type DeleteConfig struct {
	ExcludedOwners     []string `yaml:"excluded_owners" toml:"excluded_owners" json:"excluded_owners" validate:"dive,email"`
	ExcludedOwnersFile string   `yaml:"excluded_owners_file" toml:"excluded_owners_file" json:"excluded_owners_file"`
	WatchFile          bool     `yaml:"watch_file" toml:"watch_file" json:"watch_file"`
}

// Config represents the complete application configuration
type Config struct {
	Smartsheet SmartsheetConfig `yaml:"smartsheet" toml:"smartsheet" json:"smartsheet"`
	Export     ExportConfig     `yaml:"export" toml:"export" json:"export"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging" json:"logging"`
	Delete     DeleteConfig     `yaml:"delete" toml:"delete" json:"delete"`
}

// Default returns a configuration populated with default values
func Default() *Config {
	return &Config{
		Smartsheet: SmartsheetConfig{
			BaseURL:        "https://api.smartsheet.com/2.0",
			UsersPageSize:  100,
			SheetsPageSize: 1000,
			TimeoutSeconds: 60,
			MaxRetries:     3,
		},
		Export: ExportConfig{
			OutputDir:      "./smartsheet_attachments",
			RetryAttempts:  1,
			RetryDelayMS:   500,
			TimeoutSeconds: 300,
			Concurrency:    1,
			MaxPathLength:  4096,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Dir:     "./logs",
			Console: true,
		},
	}
}

// LoadConfig loads configuration from a YAML or TOML file with defaults and environment variable overrides.
// An empty configPath skips the file and uses defaults plus environment only.
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes the file over the defaults, so keys missing from the file keep their default
func (c *Config) loadFromFile(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return nil
}

// loadFromEnvironment overrides configuration with environment variables
func (c *Config) loadFromEnvironment() {
	if val := os.Getenv("SMARTSHEET_ACCESS_TOKEN"); val != "" {
		c.Smartsheet.AccessToken = val
	}
	if val := os.Getenv("SMARTSHEET_BASE_URL"); val != "" {
		c.Smartsheet.BaseURL = val
	}
	if val := os.Getenv("EXPORT_OUTPUT_DIR"); val != "" {
		c.Export.OutputDir = val
	}
	if val := os.Getenv("LOG_DIR"); val != "" {
		c.Logging.Dir = val
	}
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			return describeFieldError(validationErrs[0])
		}
		return err
	}

	if c.Delete.WatchFile && c.Delete.ExcludedOwnersFile == "" {
		return fmt.Errorf("delete.watch_file requires delete.excluded_owners_file")
	}

	return nil
}

// describeFieldError turns a validator field error into a config-key oriented message
func describeFieldError(fe validator.FieldError) error {
	key := strings.TrimPrefix(fe.Namespace(), "Config.")

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", key)
	case "oneof":
		return fmt.Errorf("%s must be one of: debug, info, warn, error", key)
	case "url":
		return fmt.Errorf("%s must be a valid URL, got %q", key, fe.Value())
	case "email":
		return fmt.Errorf("%s must be a valid email address, got %q", key, fe.Value())
	case "gte", "gt", "lte":
		return fmt.Errorf("%s must be %s %s, got %v", key, comparison(fe.Tag()), fe.Param(), fe.Value())
	default:
		return fmt.Errorf("%s failed %q validation", key, fe.Tag())
	}
}

func comparison(tag string) string {
	switch tag {
	case "gte":
		return ">="
	case "gt":
		return ">"
	case "lte":
		return "<="
	}
	return tag
}
