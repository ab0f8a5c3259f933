package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/access-ci/qa-extraction/infrastructure/jsonl"
	"github.com/access-ci/qa-extraction/infrastructure/middleware"
	"github.com/access-ci/qa-extraction/internal/application"
	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

type extractOptions struct {
	noJudge     bool
	incremental bool
	combined    bool
	factoids    bool
	maxEntities int
}

func newExtractCmd(a *app) *cobra.Command {
	var opts extractOptions
	cmd := &cobra.Command{
		Use:   "extract [domains...]",
		Short: "Generate Q&A pairs from the MCP servers",
		Long: `Fetch entities from each named domain (all configured domains by default),
generate Q&A pairs for every entity, drop near-duplicate questions and score
the rest with the judge. One JSONL file is written per domain.

With --factoids, single-fact pairs rendered from per-domain templates are
added ahead of the LLM pairs for each entity.

With --incremental, entities whose data hash matches the cache reuse their
previous pairs instead of calling the LLM again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-entities") {
				a.cfg.Extraction.MaxEntities = opts.maxEntities
			}
			return a.runExtract(cmd.Context(), cmd.OutOrStdout(), args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.noJudge, "no-judge", false, "skip judge scoring")
	cmd.Flags().BoolVar(&opts.incremental, "incremental", false, "reuse cached pairs for unchanged entities")
	cmd.Flags().BoolVar(&opts.combined, "combined", false, "also write every pair to "+jsonl.DefaultCombinedFile)
	cmd.Flags().BoolVar(&opts.factoids, "factoids", false, "also generate template-based factoid pairs")
	cmd.Flags().IntVar(&opts.maxEntities, "max-entities", 0, "maximum entities per domain (0 means no limit)")
	return cmd
}

type domainResult struct {
	name     string
	entities int
	report   application.RunReport
	err      error
}

func (a *app) runExtract(ctx context.Context, out io.Writer, args []string, opts extractOptions) error {
	domains, err := a.resolveDomains(args)
	if err != nil {
		return err
	}
	sources, err := a.sources()
	if err != nil {
		return err
	}
	client, budget, err := a.llmClient("extract")
	if err != nil {
		return err
	}
	pipeline, err := a.buildPipeline(client, opts)
	if err != nil {
		return err
	}

	results := make([]domainResult, 0, len(domains))
	for _, name := range domains {
		res := a.extractDomain(ctx, sources, pipeline, name)
		if res.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			a.logger.Warn("domain extraction failed", zap.String("domain", name), zap.Error(res.err))
		}
		results = append(results, res)
	}

	return a.writeExtraction(out, results, opts.combined, budget)
}

func (a *app) buildPipeline(client ports.LLMClient, opts extractOptions) (*application.Pipeline, error) {
	var generator application.PairGenerator = application.NewLLMPairGenerator(client, a.cfg.Extraction.MaxTokens, a.logger)
	if opts.factoids {
		generator = application.GeneratorChain{application.NewTemplatePairGenerator(), generator}
	}
	pipelineOpts := []application.PipelineOption{
		application.WithPipelineConcurrency(a.cfg.Extraction.Concurrency),
		application.WithDedupeRatio(a.cfg.Extraction.DedupeRatio),
		application.WithPipelineLogger(a.logger),
		application.WithPipelineMetrics(a.metrics),
	}
	if !opts.noJudge {
		judge, err := application.NewJudgeEvaluator(client, a.cfg.Judge,
			application.WithJudgeLogger(a.logger),
			application.WithJudgeMetrics(a.metrics))
		if err != nil {
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, application.WithJudge(judge))
	}
	if opts.incremental {
		cache := application.NewIncrementalCache(a.cfg.OutputDir,
			application.WithCacheLogger(a.logger),
			application.WithCacheMetrics(a.metrics))
		pipelineOpts = append(pipelineOpts, application.WithCache(cache))
	}
	return application.NewPipeline(generator, pipelineOpts...)
}

func (a *app) extractDomain(ctx context.Context, sources sourceRouter, pipeline *application.Pipeline, name string) domainResult {
	res := domainResult{name: name}
	spec, ok := application.SpecFor(name)
	if !ok {
		res.err = fmt.Errorf("no extraction rules for domain %q", name)
		return res
	}
	src, ok := sources.SourceFor(name)
	if !ok {
		res.err = fmt.Errorf("no MCP server for domain %q", name)
		return res
	}

	limit := a.cfg.Extraction.MaxEntities
	if len(a.cfg.Extraction.EntityIDs) > 0 {
		limit = 0
	}
	entities, err := application.FetchEntities(ctx, src, spec, limit)
	if err != nil {
		res.err = err
		return res
	}
	entities = selectEntities(entities, a.cfg.Extraction.EntityIDs, a.cfg.Extraction.MaxEntities)
	res.entities = len(entities)

	a.logger.Info("extracting domain", zap.String("domain", name), zap.Int("entities", len(entities)))
	res.report, res.err = pipeline.Run(ctx, entities)
	return res
}

// selectEntities keeps the entities named in ids, when any are given, and
// then applies the max cap.
func selectEntities(entities []domain.Entity, ids []string, maxEntities int) []domain.Entity {
	if len(ids) > 0 {
		kept := entities[:0:0]
		for _, e := range entities {
			if slices.Contains(ids, e.Ref.ID) {
				kept = append(kept, e)
			}
		}
		entities = kept
	}
	if maxEntities > 0 && len(entities) > maxEntities {
		entities = entities[:maxEntities]
	}
	return entities
}

func (a *app) writeExtraction(out io.Writer, results []domainResult, combined bool, budget *middleware.BudgetManager) error {
	p := newPrinter(out)
	byDomain := make(map[string][]domain.QAPair, len(results))
	var all []domain.QAPair
	rows := make([][]string, 0, len(results)+1)
	var totalPairs, totalEntities, failedDomains int

	for _, r := range results {
		if r.err != nil && len(r.report.Pairs) == 0 {
			failedDomains++
			rows = append(rows, []string{r.name, strconv.Itoa(r.entities), "-", "-", "-", "error"})
			continue
		}
		pairs := r.report.Pairs
		byDomain[r.name] = pairs
		all = append(all, pairs...)
		totalPairs += len(pairs)
		totalEntities += r.entities
		rows = append(rows, []string{
			r.name,
			strconv.Itoa(r.entities),
			strconv.Itoa(len(pairs)),
			strconv.Itoa(r.report.Reused),
			strconv.Itoa(r.report.Failed),
			"ok",
		})
	}
	rows = append(rows, []string{"Total", strconv.Itoa(totalEntities), strconv.Itoa(totalPairs), "", "", ""})

	p.Title("Extraction summary")
	p.Table([]string{"Server", "Entities", "Q&A Pairs", "Reused", "Failed", "Status"}, rows)
	printBudget(p, budget)

	for _, r := range results {
		if r.err != nil {
			p.Fail("%s: %v", r.name, r.err)
		}
	}
	if failedDomains == len(results) {
		return errors.New("no domain could be extracted")
	}

	writer := jsonl.NewWriter(a.cfg.OutputDir)
	paths, err := writer.WriteAll(byDomain)
	if err != nil {
		return err
	}
	if len(paths) > 0 || combined {
		p.Line("")
		p.Title("Written files")
	}
	for _, r := range results {
		if path, ok := paths[r.name]; ok {
			p.Success("%s", path)
		}
	}
	if combined {
		path, err := writer.WriteCombined(all, jsonl.DefaultCombinedFile)
		if err != nil {
			return err
		}
		p.Success("%s", path)
	}
	return nil
}
