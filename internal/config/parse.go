package config

import (
	"fmt"
	"time"
)

// ParseConfig tunes the log reassembly pass.
type ParseConfig struct {
	Timezone         string `yaml:"timezone"`          // IANA name or "Local"
	Granularity      string `yaml:"granularity"`       // timestamp truncation, default 1h
	ProgressEvery    int    `yaml:"progress_every"`    // records between progress lines
	ProgressInterval string `yaml:"progress_interval"` // also log progress this often; empty disables
	MaxLineBytes     int    `yaml:"max_line_bytes"`
}

// Location resolves Timezone.
func (p ParseConfig) Location() (*time.Location, error) {
	if p.Timezone == "" || p.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid parse.timezone: %w", err)
	}
	return loc, nil
}

// GetGranularity returns the truncation granularity as a duration.
func (p ParseConfig) GetGranularity() time.Duration {
	return parseDuration(p.Granularity, time.Hour)
}

// GetProgressInterval returns the time-based progress cadence, zero when disabled.
func (p ParseConfig) GetProgressInterval() time.Duration {
	return parseDuration(p.ProgressInterval, 0)
}

func (p ParseConfig) validate() error {
	if _, err := p.Location(); err != nil {
		return err
	}
	if p.Granularity != "" {
		d, err := time.ParseDuration(p.Granularity)
		if err != nil || d <= 0 || d > 24*time.Hour {
			return fmt.Errorf("invalid parse.granularity: %q", p.Granularity)
		}
	}
	if p.ProgressEvery < 0 {
		return fmt.Errorf("parse.progress_every must be >= 0")
	}
	if p.MaxLineBytes < 0 {
		return fmt.Errorf("parse.max_line_bytes must be >= 0")
	}
	return nil
}
