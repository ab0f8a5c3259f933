package main

import (
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/access-ci/qa-extraction/infrastructure/jsonl"
	"github.com/access-ci/qa-extraction/internal/domain"
)

const unscored = "unscored"

// corpusStats tallies a corpus along the metadata dimensions.
type corpusStats struct {
	Total         int
	WithCitations int
	ByDomain      map[string]int
	ByComplexity  map[string]int
	ByGranularity map[string]int
	ByDecision    map[string]int
}

func computeStats(pairs []domain.QAPair) corpusStats {
	s := corpusStats{
		Total:         len(pairs),
		ByDomain:      map[string]int{},
		ByComplexity:  map[string]int{},
		ByGranularity: map[string]int{},
		ByDecision:    map[string]int{},
	}
	for _, p := range pairs {
		if p.Metadata.HasCitation {
			s.WithCitations++
		}
		s.ByDomain[p.Domain]++
		s.ByComplexity[orUnknown(string(p.Metadata.Complexity))]++
		s.ByGranularity[orUnknown(string(p.Metadata.Granularity))]++
		decision := unscored
		if p.Metadata.SuggestedDecision != nil {
			decision = string(*p.Metadata.SuggestedDecision)
		}
		s.ByDecision[decision]++
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func newStatsCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file.jsonl>",
		Short: "Summarize a corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := jsonl.Load(args[0])
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), args[0], computeStats(pairs))
			return nil
		},
	}
}

func printStats(out io.Writer, path string, s corpusStats) {
	p := newPrinter(out)
	p.Title("Corpus statistics")
	p.Line("File: %s", path)
	p.Line("Total pairs: %d", s.Total)
	p.Line("With citations: %d (%s)", s.WithCitations, percent(s.WithCitations, s.Total))

	for _, section := range []struct {
		title  string
		counts map[string]int
	}{
		{"By domain", s.ByDomain},
		{"By complexity", s.ByComplexity},
		{"By granularity", s.ByGranularity},
		{"By suggested decision", s.ByDecision},
	} {
		rows := make([][]string, 0, len(section.counts))
		for _, c := range sortedCounts(section.counts) {
			rows = append(rows, []string{c.key, strconv.Itoa(c.n), percent(c.n, s.Total)})
		}
		p.Line("")
		p.Title(section.title)
		p.Table([]string{"Value", "Pairs", "Share"}, rows)
	}
}
