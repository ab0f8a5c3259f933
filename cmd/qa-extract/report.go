package main

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/access-ci/qa-extraction/internal/application"
)

const reportSampleSize = 5

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report [domains...]",
		Short: "Show how many entities each server returns",
		Long: `Call the listing tool of each named domain without generating anything and
report how many records came back, how many distinct entity ids they carry
and a few sample ids.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReport(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func (a *app) runReport(ctx context.Context, out io.Writer, args []string) error {
	domains, err := a.resolveDomains(args)
	if err != nil {
		return err
	}
	sources, err := a.sources()
	if err != nil {
		return err
	}

	p := newPrinter(out)
	rows := make([][]string, 0, len(domains))
	var failures []string
	for _, name := range domains {
		spec, ok := application.SpecFor(name)
		if !ok {
			rows = append(rows, []string{name, "-", "-", "no listing rules"})
			continue
		}
		src, ok := sources.SourceFor(name)
		if !ok {
			rows = append(rows, []string{name, "-", "-", "no server"})
			continue
		}
		cov, err := application.FetchCoverage(ctx, src, spec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("coverage fetch failed", zap.String("domain", name), zap.Error(err))
			rows = append(rows, []string{name, "-", "-", "error"})
			failures = append(failures, err.Error())
			continue
		}
		rows = append(rows, []string{
			name,
			strconv.Itoa(cov.Fetched),
			strconv.Itoa(len(cov.IDs)),
			strings.Join(cov.Sample(reportSampleSize), ", "),
		})
	}

	p.Title("Entity coverage")
	p.Table([]string{"Server", "Fetched", "Unique", "Sample IDs"}, rows)
	for _, f := range failures {
		p.Fail("%s", f)
	}
	return nil
}
