package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings are the named engine settings shared by every workflow component.
// Construct once per process and pass by value.
type Settings struct {
	MaxContentGroupSize             int `yaml:"max_content_group_size"`
	CompactionMaximumRecursionDepth int `yaml:"compaction_maximum_recursion_depth"`
	MaxVectorStoreSearchGroupSize   int `yaml:"max_vector_store_search_group_size"`
	DefaultMaxEntries               int `yaml:"default_max_entries"`
	DefaultInclusiveSampleSize      int `yaml:"default_inclusive_sample_size"`
	ResultsPerVectorStore           int `yaml:"results_per_vector_store"`

	CompactionModelID string `yaml:"compaction_model_id"`
	ResponseModelID   string `yaml:"response_model_id"`
	QueryModelID      string `yaml:"query_model_id"`
	MaxOutputTokens   int    `yaml:"max_output_tokens"`

	// ProcessingRecoverySeconds is how long a request stays PROCESSING
	// before a redelivered start event dispatches its outstanding work again.
	ProcessingRecoverySeconds int `yaml:"processing_recovery_seconds"`
}

// DefaultSettings returns the settings used when no overrides are supplied.
func DefaultSettings() Settings {
	return Settings{
		MaxContentGroupSize:             5,
		CompactionMaximumRecursionDepth: 4,
		MaxVectorStoreSearchGroupSize:   5,
		DefaultMaxEntries:               20,
		DefaultInclusiveSampleSize:      100,
		ResultsPerVectorStore:           30,
		MaxOutputTokens:                 8000,
		ProcessingRecoverySeconds:       300,
	}
}

// LoadSettings returns DefaultSettings overlaid with the YAML file at path.
// An empty path yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the numeric settings are usable.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxContentGroupSize < 2 {
		errs = append(errs, fmt.Errorf("max_content_group_size must be at least 2, got %d", s.MaxContentGroupSize))
	}
	positive := []struct {
		name string
		val  int
	}{
		{"compaction_maximum_recursion_depth", s.CompactionMaximumRecursionDepth},
		{"max_vector_store_search_group_size", s.MaxVectorStoreSearchGroupSize},
		{"default_max_entries", s.DefaultMaxEntries},
		{"default_inclusive_sample_size", s.DefaultInclusiveSampleSize},
		{"results_per_vector_store", s.ResultsPerVectorStore},
		{"max_output_tokens", s.MaxOutputTokens},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.val))
		}
	}
	if s.ProcessingRecoverySeconds < 0 {
		errs = append(errs, fmt.Errorf("processing_recovery_seconds must not be negative, got %d", s.ProcessingRecoverySeconds))
	}
	if s.DefaultInclusiveSampleSize > 100 {
		errs = append(errs, fmt.Errorf("default_inclusive_sample_size must be at most 100, got %d", s.DefaultInclusiveSampleSize))
	}
	return errors.Join(errs...)
}
