package lettermatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/humananalog/lettermatch/llm"
)

// Config holds all configuration for the matching pipeline. It is a plain
// value handed to New; nothing reads the process environment after startup.
type Config struct {
	// LetterDBPath is the SQLite database holding letters and all
	// pipeline-owned tables.
	LetterDBPath string `json:"letter_db_path" yaml:"letter_db_path"`

	// CatalogDBPath is the pre-built, read-only product master database.
	CatalogDBPath string `json:"catalog_db_path" yaml:"catalog_db_path"`

	// OutputRoot is the base directory for versioned JSON artifact bundles.
	// Empty disables artifact output.
	OutputRoot string `json:"output_root" yaml:"output_root"`

	// LLM configures the metadata extractor / match validator endpoint.
	LLM llm.Config `json:"llm" yaml:"llm"`

	// MaxRetries bounds attempts per LLM invocation.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RequestTimeout bounds each individual LLM attempt.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// MaxLLMInFlight caps concurrent LLM requests across all workers.
	// Size it to the provider's rate limit. 0 means unlimited.
	MaxLLMInFlight int `json:"max_llm_in_flight" yaml:"max_llm_in_flight"`

	// Workers is the number of documents processed concurrently by
	// ProcessBatch.
	Workers int `json:"workers" yaml:"workers"`

	// MaxCandidates is the per-range discovery limit.
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates"`

	// MaxRerankCandidates caps how many candidates are embedded in the
	// rerank prompt. 0 means no cap; large candidate sets may overflow the
	// model's context window.
	MaxRerankCandidates int `json:"max_rerank_candidates" yaml:"max_rerank_candidates"`

	// SkipConfidence is the minimum stored confidence for a prior letter to
	// short-circuit reprocessing. Letters below it are processed again.
	SkipConfidence float64 `json:"skip_confidence" yaml:"skip_confidence"`

	// PipelineVersion tags each letter's processing_method column.
	PipelineVersion string `json:"pipeline_version" yaml:"pipeline_version"`

	// CodeVersion is recorded on every LLM call row for reproducibility,
	// typically the git commit the binary was built from.
	CodeVersion string `json:"code_version" yaml:"code_version"`

	// CostPer1KTokens estimates LLM call cost from total token usage.
	CostPer1KTokens float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`

	// Prompts is the active prompt configuration. Its hash decides whether a
	// previously processed document is reprocessed.
	Prompts PromptConfig `json:"prompts" yaml:"prompts"`

	// Output retention: versions kept per document and maximum age in days.
	// Whichever rule is stricter wins.
	MaxOutputVersions   int `json:"max_output_versions" yaml:"max_output_versions"`
	OutputRetentionDays int `json:"output_retention_days" yaml:"output_retention_days"`
}

// PromptTemplate is one externally owned prompt pair.
type PromptTemplate struct {
	Name         string `json:"name" yaml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	UserTemplate string `json:"user_prompt_template" yaml:"user_prompt_template"`
}

// PromptConfig carries the active prompt templates and their version string.
// The canonical hash of this whole value is the prompt-config hash.
type PromptConfig struct {
	Version    string         `json:"version" yaml:"version"`
	Extraction PromptTemplate `json:"metadata_extraction" yaml:"metadata_extraction"`
	Rerank     PromptTemplate `json:"intelligent_product_matching" yaml:"intelligent_product_matching"`
}

// LoadPromptConfig reads a prompt configuration from a YAML file.
func LoadPromptConfig(path string) (PromptConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PromptConfig{}, fmt.Errorf("reading prompt config: %w", err)
	}
	var cfg PromptConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PromptConfig{}, fmt.Errorf("parsing prompt config: %w", err)
	}
	if cfg.Version == "" {
		return PromptConfig{}, fmt.Errorf("%w: prompt config has no version", ErrInvalidConfig)
	}
	return cfg, nil
}

// DefaultConfig returns a Config with production defaults. Database paths and
// prompts must still be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		LLM: llm.Config{
			Provider: "xai",
			Model:    "grok-3-latest",
		},
		MaxRetries:          3,
		RequestTimeout:      30 * time.Second,
		MaxLLMInFlight:      4,
		Workers:             4,
		MaxCandidates:       1000,
		SkipConfidence:      0.95,
		PipelineVersion:     "pipeline-v2.3",
		CostPer1KTokens:     0.002,
		MaxOutputVersions:   10,
		OutputRetentionDays: 30,
	}
}

// validate checks the handful of values with hard requirements.
func (c *Config) validate() error {
	if c.LetterDBPath == "" {
		return fmt.Errorf("%w: letter_db_path is required", ErrInvalidConfig)
	}
	if c.CatalogDBPath == "" {
		return fmt.Errorf("%w: catalog_db_path is required", ErrInvalidConfig)
	}
	if c.Prompts.Version == "" {
		return fmt.Errorf("%w: prompt config version is required", ErrInvalidConfig)
	}
	return nil
}
