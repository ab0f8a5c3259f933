// Package application holds the services that ground, score and publish
// generated Q&A pairs, together with the configuration that wires them.
package application

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// Default dataset names of the review store.
const (
	DefaultReviewDataset  = "qa-review"
	DefaultArchiveDataset = "qa-review-archive-superseded"
)

// Config is the complete runtime configuration of the extraction pipeline.
// It is assembled from defaults, an optional YAML file and the environment,
// in that order, and validated once at the end.
type Config struct {
	// OutputDir receives JSONL corpora and the incremental cache file.
	OutputDir string `yaml:"output_dir" validate:"required"`
	// Servers maps each catalog domain to the MCP server that serves it.
	Servers map[string]ServerConfig `yaml:"servers" validate:"required,min=1,dive,keys,domainname,endkeys"`
	// Extraction bounds how much work one extract run performs.
	Extraction ExtractionConfig `yaml:"extraction"`
	// LLM selects the generation and judge backend.
	LLM LLMSettings `yaml:"llm"`
	// Judge tunes the batched quality evaluation.
	Judge JudgeConfig `yaml:"judge"`
	// Review configures the review store used by push.
	Review ReviewConfig `yaml:"review"`
	// Embedding selects how question vectors are computed for review records.
	Embedding EmbeddingConfig `yaml:"embedding"`
	// Logging controls the zap logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig locates one MCP server.
type ServerConfig struct {
	URL            string  `yaml:"url" validate:"required,url"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"min=0,max=600"`
	RequestsPerSec float64 `yaml:"requests_per_second" validate:"min=0,max=1000"`
}

// ExtractionConfig limits an extract run.
type ExtractionConfig struct {
	// MaxEntities caps how many entities per domain are sent to the LLM.
	// Zero means no limit.
	MaxEntities int `yaml:"max_entities" validate:"min=0"`
	// MaxTokens is the generation budget of one per-entity LLM call.
	MaxTokens int `yaml:"max_tokens" validate:"min=1,max=100000"`
	// Concurrency bounds how many entities are processed at once.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=64"`
	// DedupeRatio is the normalized edit distance below which two questions
	// of one entity count as duplicates. Zero disables the filter.
	DedupeRatio float64 `yaml:"dedupe_ratio" validate:"min=0,max=1"`
	// EntityIDs restricts a run to the listed entity ids when non-empty.
	EntityIDs []string `yaml:"entity_ids" validate:"dive,required"`
}

// LLMSettings selects the LLM backend. API keys are normally supplied
// through the environment.
type LLMSettings struct {
	Backend           string  `yaml:"backend" validate:"required,oneof=anthropic openai local google"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" validate:"min=0,max=600"`
	MaxRetries        int     `yaml:"max_retries" validate:"min=0,max=10"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0,max=1000"`
	Burst             int     `yaml:"burst" validate:"min=0,max=1000"`
	// TokenBudget caps input plus output tokens across one run. Zero means
	// no limit.
	TokenBudget int64 `yaml:"token_budget" validate:"min=0"`
	// CallBudget caps the number of LLM calls in one run. Zero means no limit.
	CallBudget int64 `yaml:"call_budget" validate:"min=0"`
}

// ReviewConfig locates the review store.
type ReviewConfig struct {
	URL            string `yaml:"url" validate:"required,url"`
	APIKey         string `yaml:"api_key"`
	Dataset        string `yaml:"dataset" validate:"required,nefield=ArchiveDataset"`
	ArchiveDataset string `yaml:"archive_dataset" validate:"required"`
	Concurrency    int    `yaml:"concurrency" validate:"min=1,max=32"`
}

// EmbeddingConfig selects the question embedder.
type EmbeddingConfig struct {
	Backend    string `yaml:"backend" validate:"required,oneof=openai hashing"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions" validate:"min=8,max=4096"`
}

// LoggingConfig controls log verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// serverEnv names the environment variable that overrides each server URL.
var serverEnv = map[string]string{
	domain.DomainComputeResources:  "MCP_COMPUTE_RESOURCES_URL",
	domain.DomainSoftwareDiscovery: "MCP_SOFTWARE_DISCOVERY_URL",
	domain.DomainAllocations:       "MCP_ALLOCATIONS_URL",
	domain.DomainNSFAwards:         "MCP_NSF_AWARDS_URL",
	domain.DomainAffinityGroups:    "MCP_AFFINITY_GROUPS_URL",
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		OutputDir: "data/output",
		Servers: map[string]ServerConfig{
			domain.DomainComputeResources:  {URL: "http://localhost:3002", TimeoutSeconds: 30},
			domain.DomainSoftwareDiscovery: {URL: "http://localhost:3004", TimeoutSeconds: 30},
			domain.DomainAllocations:       {URL: "http://localhost:3006", TimeoutSeconds: 30},
			domain.DomainNSFAwards:         {URL: "http://localhost:3007", TimeoutSeconds: 30},
			domain.DomainAffinityGroups:    {URL: "http://localhost:3011", TimeoutSeconds: 30},
		},
		Extraction: ExtractionConfig{
			MaxTokens:   2048,
			Concurrency: 4,
			DedupeRatio: 0.15,
		},
		LLM: LLMSettings{
			Backend:        "anthropic",
			TimeoutSeconds: 120,
			MaxRetries:     3,
		},
		Judge: DefaultJudgeConfig(),
		Review: ReviewConfig{
			URL:            "http://localhost:8080",
			Dataset:        DefaultReviewDataset,
			ArchiveDataset: DefaultArchiveDataset,
			Concurrency:    4,
		},
		Embedding: EmbeddingConfig{
			Backend:    "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 384,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig builds a Config from defaults, the YAML file at path (skipped
// when path is empty) and the process environment, then validates it.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ports.NewConfigError(path, fmt.Errorf("%w: %w", ports.ErrConfigNotFound, err))
		}
		if err != nil {
			return nil, ports.NewConfigError(path, err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, ports.NewConfigError(path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML overlays a YAML document on cfg. Unknown fields are rejected so
// typos do not silently fall back to defaults.
func (c *Config) decodeYAML(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("YAML decode failed: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for name, key := range serverEnv {
		if v, ok := lookup(key); ok && v != "" {
			server := c.Servers[name]
			server.URL = v
			c.Servers[name] = server
		}
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("QA_OUTPUT_DIR", &c.OutputDir)
	str("LLM_BACKEND", &c.LLM.Backend)
	str("QA_EXTRACTION_MODEL", &c.LLM.Model)
	str("LLM_MODEL", &c.LLM.Model)
	str("WEAVIATE_URL", &c.Review.URL)
	str("WEAVIATE_API_KEY", &c.Review.APIKey)
	str("EMBEDDING_BACKEND", &c.Embedding.Backend)
	str("QA_LOG_LEVEL", &c.Logging.Level)
	str("QA_LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("EXTRACT_MAX_ENTITIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ports.NewConfigError("EXTRACT_MAX_ENTITIES", err)
		}
		c.Extraction.MaxEntities = n
	}
	if v, ok := lookup("QA_JUDGE_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return ports.NewConfigError("QA_JUDGE_THRESHOLD", err)
		}
		c.Judge.Threshold = f
	}
	for name, dst := range map[string]*int64{
		"QA_TOKEN_BUDGET": &c.LLM.TokenBudget,
		"QA_CALL_BUDGET":  &c.LLM.CallBudget,
	} {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ports.NewConfigError(name, err)
			}
			*dst = n
		}
	}

	// Backend-specific settings depend on the backend chosen above.
	switch c.LLM.Backend {
	case "anthropic":
		str("ANTHROPIC_API_KEY", &c.LLM.APIKey)
	case "openai":
		str("OPENAI_API_KEY", &c.LLM.APIKey)
	case "google":
		str("GOOGLE_API_KEY", &c.LLM.APIKey)
	case "local":
		str("LOCAL_LLM_URL", &c.LLM.BaseURL)
		str("LOCAL_LLM_MODEL", &c.LLM.Model)
		str("OPENAI_API_KEY", &c.LLM.APIKey)
	}
	if c.Embedding.Backend == "openai" {
		str("OPENAI_API_KEY", &c.Embedding.APIKey)
	}
	return nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	return nil
}

// ServerNames returns the configured domains in catalog order, followed by
// any extra domains in lexical order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	seen := make(map[string]bool, len(c.Servers))
	for _, d := range domain.CatalogDomains {
		if _, ok := c.Servers[d]; ok {
			names = append(names, d)
			seen[d] = true
		}
	}
	var extra []string
	for name := range c.Servers {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	if err := registerCustomValidators(v); err != nil {
		panic(err)
	}
	return v
}

// registerCustomValidators adds the tags used by Config beyond the built-ins.
func registerCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("domainname", validateDomainName); err != nil {
		return fmt.Errorf("failed to register domainname validator: %w", err)
	}
	return nil
}

var domainNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// validateDomainName accepts lowercase dash-separated names such as
// "compute-resources". Citation markers use the domain verbatim, so it must
// not contain ':' or '>'.
func validateDomainName(fl validator.FieldLevel) bool {
	return domainNamePattern.MatchString(fl.Field().String())
}

// IsConfigError reports whether err came from loading or validating config.
func IsConfigError(err error) bool {
	var cerr *ports.ConfigError
	return errors.As(err, &cerr) || errors.Is(err, domain.ErrInvalidConfiguration)
}
