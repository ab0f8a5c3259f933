package main

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/access-ci/qa-extraction/infrastructure/jsonl"
	"github.com/access-ci/qa-extraction/internal/application"
	"github.com/access-ci/qa-extraction/internal/domain"
)

func newJudgeCmd(a *app) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "judge <file.jsonl>",
		Short: "Score an existing corpus with the judge",
		Long: `Group the pairs of a corpus by source_ref and score each group with one
judge call, using the source_data stored on the pairs as ground truth. The
scored corpus is written to --out, or next to the input as
<name>_judged.jsonl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runJudge(cmd.Context(), cmd.OutOrStdout(), args[0], outPath)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default <input>_judged.jsonl)")
	return cmd
}

func (a *app) runJudge(ctx context.Context, out io.Writer, path, outPath string) error {
	pairs, err := jsonl.Load(path)
	if err != nil {
		return err
	}
	if outPath == "" {
		outPath = strings.TrimSuffix(path, filepath.Ext(path)) + "_judged.jsonl"
	}

	client, budget, err := a.llmClient("judge")
	if err != nil {
		return err
	}
	judge, err := application.NewJudgeEvaluator(client, a.cfg.Judge,
		application.WithJudgeLogger(a.logger),
		application.WithJudgeMetrics(a.metrics))
	if err != nil {
		return err
	}

	batches := batchBySourceRef(pairs)
	missing := 0
	for _, b := range batches {
		if len(b.SourceData) == 0 {
			missing++
		}
	}
	if missing > 0 {
		a.logger.Warn("groups without source data are judged against an empty record",
			zap.Int("groups", missing))
	}

	var judged []domain.QAPair
	for _, batch := range judge.EvaluateBatches(ctx, batches) {
		judged = append(judged, batch...)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	written, err := jsonl.NewWriter(filepath.Dir(outPath)).WriteCombined(judged, filepath.Base(outPath))
	if err != nil {
		return err
	}

	var scored, approved, review int
	for _, p := range judged {
		if !p.Metadata.Scored() {
			continue
		}
		scored++
		if p.Metadata.SuggestedDecision != nil && *p.Metadata.SuggestedDecision == domain.DecisionApproved {
			approved++
		} else {
			review++
		}
	}

	p := newPrinter(out)
	p.Title("Judge results")
	p.Table([]string{"Outcome", "Pairs", "Share"}, [][]string{
		{"Approved", strconv.Itoa(approved), percent(approved, len(judged))},
		{"Needs review", strconv.Itoa(review), percent(review, len(judged))},
		{"Unscored", strconv.Itoa(len(judged) - scored), percent(len(judged)-scored, len(judged))},
		{"Total", strconv.Itoa(len(judged)), ""},
	})
	printBudget(p, budget)
	p.Success("%s", written)
	return nil
}

// batchBySourceRef groups pairs by source_ref in order of first appearance.
// Each batch carries the first source_data found among its pairs.
func batchBySourceRef(pairs []domain.QAPair) []application.EntityBatch {
	index := map[string]int{}
	var batches []application.EntityBatch
	for _, p := range pairs {
		i, ok := index[p.SourceRef]
		if !ok {
			i = len(batches)
			index[p.SourceRef] = i
			batches = append(batches, application.EntityBatch{})
		}
		batches[i].Pairs = append(batches[i].Pairs, p)
		if batches[i].SourceData == nil && len(p.Metadata.SourceData) > 0 {
			batches[i].SourceData = p.Metadata.SourceData
		}
	}
	return batches
}
