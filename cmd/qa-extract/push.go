package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/access-ci/qa-extraction/infrastructure/jsonl"
	"github.com/access-ci/qa-extraction/internal/application"
)

func newPushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "push <file.jsonl>",
		Short: "Publish a corpus to the review store",
		Long: `Replace the live review records of every entity in the corpus with the
corpus pairs. Records that already carry reviewer responses are copied to
the archive dataset first; an entity whose archive step fails is left
untouched. The command exits with status 1 when any entity failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPush(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func (a *app) runPush(ctx context.Context, out io.Writer, path string) error {
	backend, err := a.deps.newReview(a.cfg.Review, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create review backend: %w", err)
	}
	embedder, err := a.deps.newEmbedder(a.cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	reconciler, err := application.NewReviewReconciler(backend, embedder,
		application.WithDatasets(a.cfg.Review.Dataset, a.cfg.Review.ArchiveDataset),
		application.WithReviewConcurrency(a.cfg.Review.Concurrency),
		application.WithCorpusLoader(jsonl.Load),
		application.WithReviewLogger(a.logger),
		application.WithReviewMetrics(a.metrics))
	if err != nil {
		return err
	}

	res, err := reconciler.PushFromJSONL(ctx, path)
	if err != nil {
		return err
	}

	p := newPrinter(out)
	p.Title(fmt.Sprintf("Review push: %s -> %s", path, a.cfg.Review.Dataset))
	p.Table([]string{"Entities", "Pushed", "Archived", "Deleted", "Failed"}, [][]string{{
		strconv.Itoa(res.Groups),
		strconv.Itoa(res.Pushed),
		strconv.Itoa(res.Archived),
		strconv.Itoa(res.Deleted),
		strconv.Itoa(len(res.Failed)),
	}})

	if len(res.Failed) == 0 {
		p.Success("pushed %d pairs", res.Pushed)
		return nil
	}
	for _, ref := range sortedKeys(res.Failed) {
		p.Fail("%s: %v", ref, res.Failed[ref])
	}
	return &exitError{code: 1, msg: fmt.Sprintf("%d entities failed to push", len(res.Failed))}
}
