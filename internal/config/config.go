// Package config loads qbcorrelate settings from YAML, applies environment
// overrides, and validates them before a run starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all qbcorrelate configuration.
type Config struct {
	Name string `yaml:"name"`

	// Input log files
	Input InputConfig `yaml:"input"`

	// QueryFilterRegex keeps only records whose full text matches. Empty keeps all.
	QueryFilterRegex string `yaml:"query_filter_regex"`

	Parse     ParseConfig     `yaml:"parse"`
	Extract   ExtractConfig   `yaml:"extract"`
	Correlate CorrelateConfig `yaml:"correlate"`
	Output    OutputConfig    `yaml:"output"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// InputConfig names the two log files of a run.
type InputConfig struct {
	Assessment string `yaml:"assessment"`
	Subject    string `yaml:"subject"`
}

// OutputConfig configures where results go.
type OutputConfig struct {
	CSV         string `yaml:"csv"`          // report path
	SQLite      string `yaml:"sqlite"`       // optional review database
	SnapshotDir string `yaml:"snapshot_dir"` // optional annotated-record dumps
	Compress    bool   `yaml:"compress"`     // zstd-compress snapshots
	LineEnding  string `yaml:"line_ending"`  // "", "lf", "crlf"; empty = platform
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "qbcorrelate",

		Parse: ParseConfig{
			Timezone:      "Local",
			Granularity:   "1h",
			ProgressEvery: 5000,
			MaxLineBytes:  16 * 1024 * 1024,
		},

		Extract: DefaultExtractConfig(),

		Correlate: CorrelateConfig{
			Lookback: "8h",
			Key:      "subject-id",
		},

		Output: OutputConfig{
			CSV:      "temp/queries.csv",
			Compress: true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QBC_ASSESSMENT_LOG"); v != "" {
		c.Input.Assessment = v
	}
	if v := os.Getenv("QBC_SUBJECT_LOG"); v != "" {
		c.Input.Subject = v
	}
	if v := os.Getenv("QBC_FILTER_REGEX"); v != "" {
		c.QueryFilterRegex = v
	}
	if v := os.Getenv("QBC_OUTPUT_CSV"); v != "" {
		c.Output.CSV = v
	}
	if v := os.Getenv("QBC_SQLITE_PATH"); v != "" {
		c.Output.SQLite = v
	}
	if v := os.Getenv("QBC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// FilterRegexp compiles QueryFilterRegex. An empty pattern returns nil.
func (c *Config) FilterRegexp() (*regexp.Regexp, error) {
	if c.QueryFilterRegex == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.QueryFilterRegex)
	if err != nil {
		return nil, fmt.Errorf("invalid query_filter_regex: %w", err)
	}
	return re, nil
}

// EOL returns the configured report line terminator, or "" for the platform default.
func (c *Config) EOL() string {
	switch c.Output.LineEnding {
	case "lf":
		return "\n"
	case "crlf":
		return "\r\n"
	default:
		return ""
	}
}

// Validate checks that a run can start with this configuration.
func (c *Config) Validate() error {
	if c.Input.Assessment == "" {
		return fmt.Errorf("assessment log not configured (set input.assessment or QBC_ASSESSMENT_LOG)")
	}
	if c.Input.Subject == "" {
		return fmt.Errorf("subject log not configured (set input.subject or QBC_SUBJECT_LOG)")
	}
	return c.ValidateSettings()
}

// ValidateSettings checks everything Validate does except the input log
// paths, for runs that read snapshots instead of logs.
func (c *Config) ValidateSettings() error {
	if c.Output.CSV == "" && c.Output.SQLite == "" {
		return fmt.Errorf("no output configured (set output.csv or output.sqlite)")
	}
	switch c.Output.LineEnding {
	case "", "lf", "crlf":
	default:
		return fmt.Errorf("invalid output.line_ending: %q (valid: lf, crlf)", c.Output.LineEnding)
	}
	if _, err := c.FilterRegexp(); err != nil {
		return err
	}
	if err := c.Parse.validate(); err != nil {
		return err
	}
	if err := c.Extract.validate(); err != nil {
		return err
	}
	if err := c.Correlate.validate(); err != nil {
		return err
	}
	// Dedup signatures are built from subject identifiers of the key kind.
	key := c.Correlate.GetKey()
	if !slices.Contains(c.Extract.Subject, key) {
		return fmt.Errorf("correlate.key %q is not extracted from the subject log (extract.subject: %v)", key, c.Extract.Subject)
	}
	return nil
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
