package config

import (
	"fmt"
	"regexp"
)

// ExtractConfig selects which identifier kinds are extracted from each log
// and the patterns used for them.
type ExtractConfig struct {
	Assessment []string     `yaml:"assessment"`
	Subject    []string     `yaml:"subject"`
	Rules      []RuleConfig `yaml:"rules"`
}

// RuleConfig is one extraction pattern. Numeric rules parse the first
// capture group as an integer.
type RuleConfig struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
	Numeric bool   `yaml:"numeric"`
}

// DefaultExtractConfig matches the query-builder log formats.
func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{
		Assessment: []string{"study-id", "instrument-id"},
		Subject:    []string{"subject-id"},
		Rules: []RuleConfig{
			{Kind: "subject-id", Pattern: `M\d{8}`},
			{Kind: "instrument-id", Pattern: `instrument_id ?= ?(\d+)`, Numeric: true},
			{Kind: "study-id", Pattern: `study_id ?= ?(\d+)`, Numeric: true},
		},
	}
}

func (e ExtractConfig) validate() error {
	known := make(map[string]bool, len(e.Rules))
	for _, r := range e.Rules {
		if r.Kind == "" {
			return fmt.Errorf("extract rule without kind")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid extract pattern for %s: %w", r.Kind, err)
		}
		known[r.Kind] = true
	}
	for _, k := range append(append([]string{}, e.Assessment...), e.Subject...) {
		if !known[k] {
			return fmt.Errorf("no extract rule for kind %q", k)
		}
	}
	return nil
}
