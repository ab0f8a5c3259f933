package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/access-ci/qa-extraction/infrastructure/jsonl"
	"github.com/access-ci/qa-extraction/internal/application"
)

const (
	maxInvalidShown = 10
	questionPreview = 80
	invalidExitCode = 1
)

func newValidateCmd(a *app) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "validate <file.jsonl>",
		Short: "Check the citations of a corpus against the MCP servers",
		Long: `Load the entity ids of every configured domain and check each
<<SRC:domain:id>> marker in the corpus against them.

With --offline no server is contacted: every cited id is taken as known,
which only checks that the markers parse. The command exits with status 1
when any pair has an invalid citation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runValidate(cmd.Context(), cmd.OutOrStdout(), args[0], offline)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "treat cited ids as known instead of loading them")
	return cmd
}

func (a *app) runValidate(ctx context.Context, out io.Writer, path string, offline bool) error {
	pairs, err := jsonl.Load(path)
	if err != nil {
		return err
	}

	opts := []application.ValidatorOption{
		application.WithValidatorLogger(a.logger),
		application.WithValidatorMetrics(a.metrics),
	}
	p := newPrinter(out)

	var v *application.CitationValidator
	if offline {
		v = application.NewCitationValidator(nil, opts...)
		v.LoadEntitiesFromPairs(pairs)
	} else {
		sources, err := a.sources()
		if err != nil {
			return err
		}
		v = application.NewCitationValidator(sources, opts...)
		load := v.LoadEntities(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, name := range sortedKeys(load.Loaded) {
			p.Muted("loaded %d ids from %s", load.Loaded[name], name)
		}
		for _, name := range load.Skipped {
			p.Warn("no server configured for %s", name)
		}
	}

	report := v.ValidatePairs(pairs)

	p.Title(fmt.Sprintf("Citation validation: %s", path))
	p.Table([]string{"Result", "Pairs", "Share"}, [][]string{
		{"Valid", strconv.Itoa(report.Valid), percent(report.Valid, report.Total)},
		{"Invalid", strconv.Itoa(report.Invalid), percent(report.Invalid, report.Total)},
		{"No citations", strconv.Itoa(report.NoCitations), percent(report.NoCitations, report.Total)},
		{"Total", strconv.Itoa(report.Total), ""},
	})

	failed := v.FailedDomains()
	for _, name := range sortedKeys(failed) {
		p.Warn("domain %s failed to load, its citations are reported invalid: %v", name, failed[name])
	}
	for _, name := range v.UnconfiguredDomains() {
		p.Warn("citations to unconfigured domain %s were not checked", name)
	}

	if report.Invalid == 0 {
		p.Success("all cited entities exist")
		return nil
	}

	questions := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		questions[pair.ID] = pair.Question()
	}
	p.Line("")
	p.Title("Invalid citations")
	for _, ip := range report.InvalidPairs[:min(len(report.InvalidPairs), maxInvalidShown)] {
		p.Line("%s  %s", ip.PairID, truncate(questions[ip.PairID], questionPreview))
		for _, c := range ip.Invalid {
			p.Fail("  %s: %s", c.Citation, c.Error)
		}
	}
	if n := len(report.InvalidPairs) - maxInvalidShown; n > 0 {
		p.Muted("... and %d more", n)
	}
	return &exitError{code: invalidExitCode, msg: fmt.Sprintf("%d pairs have invalid citations", report.Invalid)}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
