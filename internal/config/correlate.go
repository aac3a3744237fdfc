package config

import (
	"fmt"
	"time"
)

// CorrelateConfig tunes the correlation phase.
type CorrelateConfig struct {
	Lookback string `yaml:"lookback"` // prior-record window, default 8h
	Key      string `yaml:"key"`      // identifier kind used for dedup
	Workers  int    `yaml:"workers"`  // 0 = NumCPU

	// MaxSubjectRecords caps the in-memory subject sequence; 0 = unlimited.
	// Correlation needs the whole subject log resident, so this is the
	// run's memory ceiling.
	MaxSubjectRecords int `yaml:"max_subject_records"`
}

// GetLookback returns the lookback window as a duration.
func (c CorrelateConfig) GetLookback() time.Duration {
	return parseDuration(c.Lookback, 8*time.Hour)
}

// GetKey returns the dedup identifier kind, defaulting to subject-id.
func (c CorrelateConfig) GetKey() string {
	if c.Key == "" {
		return "subject-id"
	}
	return c.Key
}

func (c CorrelateConfig) validate() error {
	if c.Lookback != "" {
		if d, err := time.ParseDuration(c.Lookback); err != nil || d <= 0 {
			return fmt.Errorf("invalid correlate.lookback: %q", c.Lookback)
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("correlate.workers must be >= 0")
	}
	if c.MaxSubjectRecords < 0 {
		return fmt.Errorf("correlate.max_subject_records must be >= 0")
	}
	return nil
}
