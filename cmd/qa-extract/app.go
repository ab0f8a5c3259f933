package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/access-ci/qa-extraction/infrastructure/embedding"
	"github.com/access-ci/qa-extraction/infrastructure/llm"
	"github.com/access-ci/qa-extraction/infrastructure/logging"
	"github.com/access-ci/qa-extraction/infrastructure/mcp"
	"github.com/access-ci/qa-extraction/infrastructure/middleware"
	"github.com/access-ci/qa-extraction/infrastructure/weaviate"
	"github.com/access-ci/qa-extraction/internal/application"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// sourceRouter resolves a catalog domain to the MCP server serving it.
type sourceRouter interface {
	application.SourceResolver
	Domains() []string
}

// deps builds the infrastructure a command needs. Tests swap in fakes.
type deps struct {
	loadConfig  func(path string) (*application.Config, error)
	newSources  func(cfg *application.Config, logger *zap.Logger, metrics ports.MetricsCollector) (sourceRouter, error)
	newLLM      func(cfg application.LLMSettings, metrics ports.MetricsCollector) (ports.LLMClient, error)
	newReview   func(cfg application.ReviewConfig, logger *zap.Logger) (ports.ReviewBackend, error)
	newEmbedder func(cfg application.EmbeddingConfig) (ports.Embedder, error)

	// logWriter receives log output; nil means stderr.
	logWriter io.Writer
}

func defaultDeps() deps {
	return deps{
		loadConfig:  application.LoadConfig,
		newSources:  newMCPRouter,
		newLLM:      newLLMClient,
		newReview:   newReviewBackend,
		newEmbedder: newEmbedder,
	}
}

func newMCPRouter(cfg *application.Config, logger *zap.Logger, metrics ports.MetricsCollector) (sourceRouter, error) {
	servers := make(map[string]mcp.ServerConfig, len(cfg.Servers))
	for name, s := range cfg.Servers {
		servers[name] = mcp.ServerConfig{
			Name:              name,
			URL:               s.URL,
			Timeout:           time.Duration(s.TimeoutSeconds) * time.Second,
			RequestsPerSecond: s.RequestsPerSec,
		}
	}
	router, err := mcp.NewRouter(servers, mcp.WithLogger(logger), mcp.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	return router, nil
}

func newLLMClient(s application.LLMSettings, metrics ports.MetricsCollector) (ports.LLMClient, error) {
	client, err := llm.NewFromConfig(llm.LLMConfig{
		Backend:           s.Backend,
		Model:             s.Model,
		APIKey:            s.APIKey,
		BaseURL:           s.BaseURL,
		Timeout:           time.Duration(s.TimeoutSeconds) * time.Second,
		MaxRetries:        s.MaxRetries,
		RequestsPerSecond: s.RequestsPerSecond,
		Burst:             s.Burst,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s LLM client: %w", s.Backend, err)
	}
	return client, nil
}

func newReviewBackend(cfg application.ReviewConfig, logger *zap.Logger) (ports.ReviewBackend, error) {
	backend, err := weaviate.New(weaviate.Config{URL: cfg.URL, APIKey: cfg.APIKey}, weaviate.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func newEmbedder(cfg application.EmbeddingConfig) (ports.Embedder, error) {
	switch cfg.Backend {
	case "hashing":
		return embedding.NewHashingEmbedder(cfg.Dimensions), nil
	case "openai":
		e, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, ports.NewConfigError("embedding.backend", fmt.Errorf("unknown embedding backend %q", cfg.Backend))
	}
}

// app holds the state shared by every subcommand. It is filled in by the
// root command's PersistentPreRunE.
type app struct {
	deps deps

	configPath  string
	outputDir   string
	logLevel    string
	envFile     string
	metricsFile string
	tokenBudget int64
	callBudget  int64

	cfg      *application.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  ports.MetricsCollector
}

func newRootCmd(d deps) *cobra.Command {
	a := &app{deps: d}
	root := &cobra.Command{
		Use:   "qa-extract",
		Short: "Extract, validate and publish ACCESS-CI Q&A pairs",
		Long: `qa-extract builds citation-grounded Q&A pairs from the ACCESS-CI MCP servers.

Generated answers cite catalog entities with <<SRC:domain:id>> markers. The
validate command checks those markers against live entity data, judge scores
pairs for review routing, and push publishes them to the review store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.StringVarP(&a.outputDir, "output-dir", "o", "", "directory for JSONL output and the incremental cache")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.envFile, "env-file", "", "load environment variables from this file instead of ./.env")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	flags.Int64Var(&a.tokenBudget, "token-budget", 0, "maximum LLM tokens for the run (0 keeps the configured value)")
	flags.Int64Var(&a.callBudget, "call-budget", 0, "maximum LLM calls for the run (0 keeps the configured value)")

	root.AddCommand(
		newExtractCmd(a),
		newReportCmd(a),
		newValidateCmd(a),
		newJudgeCmd(a),
		newPushCmd(a),
		newListServersCmd(a),
		newStatsCmd(a),
	)
	return root
}

func (a *app) setup() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", a.envFile, err)
		}
	} else {
		// A missing .env is normal.
		_ = godotenv.Load()
	}

	cfg, err := a.deps.loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.outputDir != "" {
		cfg.OutputDir = a.outputDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.tokenBudget > 0 {
		cfg.LLM.TokenBudget = a.tokenBudget
	}
	if a.callBudget > 0 {
		cfg.LLM.CallBudget = a.callBudget
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: a.deps.logWriter,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.registry = prometheus.NewRegistry()
	a.metrics = middleware.NewPrometheusMetrics(a.registry)
	return nil
}

func (a *app) teardown() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.metricsFile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

// resolveDomains returns the requested domains, or every configured one
// when none are named.
func (a *app) resolveDomains(args []string) ([]string, error) {
	if len(args) == 0 {
		return a.cfg.ServerNames(), nil
	}
	for _, d := range args {
		if _, ok := a.cfg.Servers[d]; !ok {
			return nil, fmt.Errorf("unknown server %q (configured: %s): %w", d, strings.Join(a.cfg.ServerNames(), ", "), ports.ErrUnknownDomain)
		}
	}
	return args, nil
}

func (a *app) sources() (sourceRouter, error) {
	r, err := a.deps.newSources(a.cfg, a.logger, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP clients: %w", err)
	}
	return r, nil
}

// llmClient builds the configured LLM client for one stage. When a run
// budget is configured the client is wrapped in a BudgetManager, which is
// also returned; otherwise the manager is nil.
func (a *app) llmClient(stage string) (ports.LLMClient, *middleware.BudgetManager, error) {
	client, err := a.deps.newLLM(a.cfg.LLM, a.metrics)
	if err != nil {
		return nil, nil, err
	}
	budget := middleware.Budget{MaxTokens: a.cfg.LLM.TokenBudget, MaxCalls: a.cfg.LLM.CallBudget}
	if !budget.Enabled() {
		return client, nil, nil
	}
	manager := middleware.NewBudgetManager(budget, client, middleware.NewOTelBudgetObserver(a.metrics, stage))
	return manager, manager, nil
}

func printBudget(p *printer, m *middleware.BudgetManager) {
	if m == nil {
		return
	}
	usage, budget := m.Usage(), m.Budget()
	p.Muted("LLM budget: %s calls, %s tokens", usedOf(usage.Calls, budget.MaxCalls), usedOf(usage.Tokens, budget.MaxTokens))
	if m.Exhausted() {
		p.Warn("LLM budget exhausted, later requests were refused")
	}
}

func usedOf(used, limit int64) string {
	if limit <= 0 {
		return fmt.Sprintf("%d", used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}
