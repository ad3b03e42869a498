package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// sourceStats aggregates ledger rows per fix source.
type sourceStats struct {
	runs       int
	suitePass  int
	timedOut   int
	stageFails int
}

// newReportCommand summarizes a run ledger: per-source pass rates over the
// latest row of each (bug, source) pair.
func newReportCommand() *cobra.Command {
	var ledgerPath string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize pass rates from a run ledger.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ledgerPath == "" {
				ledgerPath = configFrom(cmd.Context()).Ledger().Path
			}
			stats, err := summarize(ledgerPath)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), stats)
			return nil
		},
	}

	reportCmd.Flags().StringVar(&ledgerPath, "ledger", "", "CSV ledger to summarize (defaults to configured path)")
	return reportCmd
}

// summarize reads the ledger and keeps the last row per (bug, source): rows
// are append-only, so the newest row supersedes older replays of the pair.
func summarize(path string) (map[string]*sourceStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading ledger header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"bug_id", "fix_source", "state", "suite_passed", "timed_out"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("ledger %s missing column %q", path, required)
		}
	}

	type rowData struct {
		source   string
		state    string
		pass     bool
		timedOut bool
	}
	latest := make(map[string]rowData)

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ledger row: %w", err)
		}
		pass, _ := strconv.ParseBool(row[col["suite_passed"]])
		timedOut, _ := strconv.ParseBool(row[col["timed_out"]])
		key := row[col["bug_id"]] + "|" + row[col["fix_source"]]
		latest[key] = rowData{
			source:   row[col["fix_source"]],
			state:    row[col["state"]],
			pass:     pass,
			timedOut: timedOut,
		}
	}

	stats := make(map[string]*sourceStats)
	for _, d := range latest {
		s, ok := stats[d.source]
		if !ok {
			s = &sourceStats{}
			stats[d.source] = s
		}
		s.runs++
		switch {
		case d.state != "RECORDED":
			s.stageFails++
		case d.pass:
			s.suitePass++
		}
		if d.timedOut {
			s.timedOut++
		}
	}
	return stats, nil
}

func printReport(w io.Writer, stats map[string]*sourceStats) {
	sources := make([]string, 0, len(stats))
	for s := range stats {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	fmt.Fprintf(w, "%-30s %6s %10s %10s %10s\n", "fix source", "runs", "suite ok", "timeouts", "infra err")
	for _, src := range sources {
		s := stats[src]
		rate := 0.0
		if s.runs > 0 {
			rate = 100 * float64(s.suitePass) / float64(s.runs)
		}
		fmt.Fprintf(w, "%-30s %6d %9d (%.0f%%) %8d %10d\n",
			src, s.runs, s.suitePass, rate, s.timedOut, s.stageFails)
	}
}
