package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/official-monty/montytest/pkg/config"
	"github.com/official-monty/montytest/pkg/stats"
	"github.com/spf13/cobra"
)

var sprtOpts struct {
	params   stats.SPRTParams
	minPairs int
}

var sprtCmd = &cobra.Command{
	Use:   "sprt LL,LD,DD,DW,WW",
	Short: "Evaluate pentanomial counts offline",
	Long: `Compute the log-likelihood ratio, its bounds, the Elo estimate with a
95% confidence interval, the likelihood of superiority and the SPRT verdict
for the given pentanomial game pair counts.`,
	Example: `  montytest sprt --elo0 0 --elo1 5 40,200,420,230,110`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parsePentanomial(args[0])
		if err != nil {
			return err
		}

		if sprtOpts.params.Elo1 <= sprtOpts.params.Elo0 {
			return fmt.Errorf("elo1 must be greater than elo0")
		}

		summary := stats.Summarize(p, &sprtOpts.params, sprtOpts.minPairs)

		return printSummary(cmd.OutOrStdout(), summary)
	},
}

func init() {
	f := sprtCmd.Flags()
	f.Float64Var(&sprtOpts.params.Elo0, "elo0", 0, "null hypothesis Elo")
	f.Float64Var(&sprtOpts.params.Elo1, "elo1", 5, "alternative hypothesis Elo")
	f.Float64Var(&sprtOpts.params.Alpha, "alpha", config.DefaultAlpha, "type I error rate")
	f.Float64Var(&sprtOpts.params.Beta, "beta", config.DefaultBeta, "type II error rate")
	f.IntVar(&sprtOpts.minPairs, "min-pairs", config.DefaultMinPairs,
		"pairs required before the test may stop")

	rootCmd.AddCommand(sprtCmd)
}

// parsePentanomial parses five comma separated non-negative pair counts.
func parsePentanomial(s string) (stats.Pentanomial, error) {
	var p stats.Pentanomial

	fields := strings.Split(s, ",")
	if len(fields) != len(p) {
		return p, fmt.Errorf("expected %d comma separated counts, got %d", len(p), len(fields))
	}

	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid count %q", f)
		}

		p[i] = n
	}

	return p, nil
}

func printSummary(w io.Writer, s stats.Summary) error {
	_, err := fmt.Fprintf(w,
		"Pairs:   %d\nLLR:     %.2f (%.2f, %.2f)\nElo:     %.2f [%.2f, %.2f]\nLOS:     %.1f%%\nVerdict: %s\n",
		s.Pairs, s.LLR, s.LowerBound, s.UpperBound,
		s.Elo.Elo, s.Elo.Lower, s.Elo.Upper,
		s.LOS*100, s.Verdict,
	)

	return err
}
