// Package config loads the layered configuration described in spec.md §6:
// CLI flags override environment variables, which override the config
// file, which overrides built-in defaults. The resulting Config is built
// once at startup and passed by reference — there is no mutable global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputMode selects where the writer sends records.
type OutputMode string

const (
	OutputFile   OutputMode = "file"
	OutputStdout OutputMode = "stdout"
)

// Polaris holds the GraphQL-WS endpoint and credential configuration.
type Polaris struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`

	InstanceID string `yaml:"instance_id"`

	InitialDelayMS    int     `yaml:"initial_delay_ms"`
	MaxDelayMS        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterPct         float64 `yaml:"jitter_pct"`
}

// FileOutput holds writer configuration for --output file mode.
type FileOutput struct {
	OutputDir      string `yaml:"output_dir"`
	FilePrefix     string `yaml:"file_prefix"`
	IntervalSec    int    `yaml:"interval_seconds"`
	MaxSizeBytes   int64  `yaml:"max_size_bytes"`
	FlushEveryN    int    `yaml:"flush_every_n_events"`
	FlushIntervalM int    `yaml:"flush_interval_ms"`
}

// Output wraps the writer's mode and file-mode settings.
type Output struct {
	Mode OutputMode `yaml:"mode"`
	File FileOutput `yaml:"file"`
}

// Logging holds logger configuration.
type Logging struct {
	Level string `yaml:"level"`
}

// Filter holds the Filter stage's deny/allow lists and the redaction
// pattern set (spec.md §4.3, §7).
type Filter struct {
	DropStates     []string `yaml:"drop_states"`
	DropDeviceIDs  []string `yaml:"drop_device_ids"`
	KeepDeviceIDs  []string `yaml:"keep_device_ids"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// Config is the fully resolved, immutable configuration for one run.
type Config struct {
	Polaris Polaris `yaml:"polaris"`
	Output  Output  `yaml:"output"`
	Logging Logging `yaml:"logging"`
	Filter  Filter  `yaml:"filter"`

	// QueueCapacity is the bounded raw-message queue size between the
	// connection task and the pipeline (spec.md §5, default 1024).
	QueueCapacity int `yaml:"queue_capacity"`

	// Warnings collects non-fatal validation findings (unknown nested
	// keys) discovered while loading, for the caller to log.
	Warnings []string `yaml:"-"`
}

// Overrides carries CLI-flag values, which take precedence over
// environment variables and the config file (spec.md §6).
type Overrides struct {
	APIKey     *string
	APIURL     *string
	Output     *string
	OutputDir  *string
	LogLevel   *string
	ConfigPath *string
}

// Defaults returns the built-in configuration defaults.
func Defaults() *Config {
	return &Config{
		Polaris: Polaris{
			InstanceID:        "default",
			InitialDelayMS:    1000,
			MaxDelayMS:        30000,
			BackoffMultiplier: 2.0,
			JitterPct:         20,
		},
		Output: Output{
			Mode: OutputFile,
			File: FileOutput{
				OutputDir:      ".",
				FilePrefix:     "polaris-device-subclient",
				IntervalSec:    3600,
				MaxSizeBytes:   100 * 1024 * 1024,
				FlushEveryN:    50,
				FlushIntervalM: 1000,
			},
		},
		Logging:       Logging{Level: "info"},
		Filter:        Filter{},
		QueueCapacity: 1024,
	}
}

// knownTopLevelKeys lists the only top-level config-file keys accepted.
// Any other top-level key is a hard validation error (spec.md §6).
var knownTopLevelKeys = map[string]bool{
	"polaris": true, "output": true, "logging": true, "filter": true,
	"queue_capacity": true,
}

// Load builds the final Config from defaults, an optional file, the
// process environment, and CLI overrides, in that precedence order
// (lowest to highest — later layers win).
func Load(overrides Overrides) (*Config, error) {
	cfg := Defaults()

	path := resolveConfigPath(overrides)
	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()
	cfg.applyOverrides(overrides)

	return cfg, nil
}

func resolveConfigPath(o Overrides) string {
	if o.ConfigPath != nil && *o.ConfigPath != "" {
		return *o.ConfigPath
	}
	if p := os.Getenv("POLARIS_CONFIG"); p != "" {
		return p
	}
	return ""
}

func (c *Config) loadFromFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	interpolated, err := Interpolate(string(raw))
	if err != nil {
		return fmt.Errorf("interpolate: %w", err)
	}

	if err := validateTopLevelKeys(interpolated); err != nil {
		return err
	}

	if err := yaml.Unmarshal([]byte(interpolated), c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	c.Warnings = append(c.Warnings, collectNestedWarnings(interpolated)...)

	return nil
}

// validateTopLevelKeys rejects any top-level key the schema doesn't know.
func validateTopLevelKeys(doc string) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		return fmt.Errorf("parse yaml for key validation: %w", err)
	}
	for key := range raw {
		if !knownTopLevelKeys[key] {
			return fmt.Errorf("unknown top-level config key: %q", key)
		}
	}
	return nil
}

// nestedKnownKeys lists accepted keys per known nested section.
var nestedKnownKeys = map[string]map[string]bool{
	"polaris": {
		"api_url": true, "api_key": true, "instance_id": true,
		"initial_delay_ms": true, "max_delay_ms": true,
		"backoff_multiplier": true, "jitter_pct": true,
	},
	"output": {"mode": true, "file": true},
	"logging": {"level": true},
	"filter": {
		"drop_states": true, "drop_device_ids": true,
		"keep_device_ids": true, "redact_patterns": true,
	},
}

// collectNestedWarnings returns warnings (not errors) for unknown keys
// nested under polaris/output/logging/filter (spec.md §6).
func collectNestedWarnings(doc string) []string {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil
	}

	var warnings []string
	for section, known := range nestedKnownKeys {
		node, ok := raw[section]
		if !ok {
			continue
		}
		var keys map[string]yaml.Node
		if err := node.Decode(&keys); err != nil {
			continue
		}
		for key := range keys {
			if !known[key] {
				warnings = append(warnings, fmt.Sprintf("unknown key %q under %q is ignored", key, section))
			}
		}
	}
	return warnings
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("POLARIS_API_KEY"); v != "" {
		c.Polaris.APIKey = v
	}
	if v := os.Getenv("POLARIS_API_URL"); v != "" {
		c.Polaris.APIURL = v
	}
	if v := os.Getenv("POLARIS_OUTPUT"); v != "" {
		c.Output.Mode = OutputMode(v)
	}
	if v := os.Getenv("POLARIS_OUTPUT_DIR"); v != "" {
		c.Output.File.OutputDir = v
	}
	if v := os.Getenv("POLARIS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("POLARIS_KEY_FILE"); v != "" {
		if data, err := os.ReadFile(v); err == nil {
			c.Polaris.APIKey = trimNewline(string(data))
		}
	}
}

func (c *Config) applyOverrides(o Overrides) {
	if o.APIKey != nil && *o.APIKey != "" {
		c.Polaris.APIKey = *o.APIKey
	}
	if o.APIURL != nil && *o.APIURL != "" {
		c.Polaris.APIURL = *o.APIURL
	}
	if o.Output != nil && *o.Output != "" {
		c.Output.Mode = OutputMode(*o.Output)
	}
	if o.OutputDir != nil && *o.OutputDir != "" {
		c.Output.File.OutputDir = *o.OutputDir
	}
	if o.LogLevel != nil && *o.LogLevel != "" {
		c.Logging.Level = *o.LogLevel
	}
}

// Validate checks the fully-resolved config for fatal problems. It is
// called before any network I/O, per spec.md §6 exit code 2.
func (c *Config) Validate() error {
	if c.Polaris.APIURL == "" {
		return fmt.Errorf("polaris.api_url is required")
	}
	if c.Polaris.APIKey == "" {
		return fmt.Errorf("polaris.api_key is required")
	}
	if c.Output.Mode != OutputFile && c.Output.Mode != OutputStdout {
		return fmt.Errorf("output.mode must be %q or %q, got %q", OutputFile, OutputStdout, c.Output.Mode)
	}
	if c.Output.Mode == OutputFile && c.Output.File.OutputDir == "" {
		return fmt.Errorf("output.file.output_dir is required in file mode")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	if c.Polaris.BackoffMultiplier <= 1.0 {
		return fmt.Errorf("polaris.backoff_multiplier must be > 1.0")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	return nil
}

// BackoffSettings returns the reconnect backoff parameters as typed
// durations for internal/gqlws.
func (c *Config) BackoffSettings() (initial, max time.Duration, multiplier, jitterPct float64) {
	return time.Duration(c.Polaris.InitialDelayMS) * time.Millisecond,
		time.Duration(c.Polaris.MaxDelayMS) * time.Millisecond,
		c.Polaris.BackoffMultiplier,
		c.Polaris.JitterPct
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
