package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/corpus"
	"github.com/fixbench/fixbench/internal/environment"
	"github.com/fixbench/fixbench/internal/ledger"
	"github.com/fixbench/fixbench/internal/metrics"
	"github.com/fixbench/fixbench/internal/observability"
	"github.com/fixbench/fixbench/internal/orchestrator"
	"github.com/fixbench/fixbench/internal/patch"
	"github.com/fixbench/fixbench/internal/snapshot"
	"github.com/fixbench/fixbench/internal/testrunner"
)

// newRunCommand builds the primary subcommand: drain a corpus of bug records
// through the evaluation pipeline.
func newRunCommand() *cobra.Command {
	var (
		corpusPath  string
		patchesPath string
		concurrency int
		skipLLM     bool
		noBaseline  bool
		testTimeout time.Duration
		ledgerPath  string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate every candidate fix in a corpus against its project's test suite.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFrom(ctx)
			logger := observability.GetLogger()
			defer observability.Sync()

			// CLI flags override the file-backed configuration.
			if concurrency > 0 {
				cfg.SetOrchestratorConcurrency(concurrency)
			}
			if testTimeout > 0 {
				cfg.SetRunnerTestTimeout(testTimeout)
			}
			if ledgerPath != "" {
				cfg.SetLedgerPath(ledgerPath)
			}
			ocfg := cfg.Orchestrator()
			ocfg.SkipLLM = ocfg.SkipLLM || skipLLM
			ocfg.Baseline = ocfg.Baseline && !noBaseline
			cfg.SetOrchestrator(ocfg)

			csvLedger, err := ledger.NewCSVLedger(cfg.Ledger().Path, logger)
			if err != nil {
				return err
			}
			if url := cfg.Ledger().PostgresURL; url != "" {
				mirror, merr := ledger.NewPostgresMirror(ctx, url, logger)
				if merr != nil {
					logger.Warn("Postgres mirror unavailable, CSV only", zap.Error(merr))
				} else {
					csvLedger.AttachMirror(mirror)
					defer mirror.Close(ctx)
				}
			}

			exclusions, err := testrunner.LoadExclusions(cfg.Runner().ExclusionsFile)
			if err != nil {
				return err
			}

			deps := orchestrator.Deps{
				Corpus:     corpus.NewFileSource(corpusPath, logger),
				Snapshots:  snapshot.New(cfg.Cache(), logger),
				Envs:       environment.NewManager(cfg.Cache(), cfg.Environment(), logger),
				Applicator: patch.NewApplicator(logger),
				Runner:     testrunner.NewRunner(cfg.Runner(), logger),
				Ledger:     csvLedger,
				Metrics:    metrics.NewCollector(logger),
				ExclusionsFor: func(repository string) schemas.Exclusions {
					return exclusions.For(repository)
				},
			}
			if patchesPath != "" {
				provider, perr := corpus.NewFilePatchSource(patchesPath, logger)
				if perr != nil {
					return perr
				}
				deps.Patches = provider
			}

			orch, err := orchestrator.New(cfg, logger, deps)
			if err != nil {
				return err
			}

			summary, err := orch.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("recorded %d/%d runs (%d failed, %d skipped)\nledger: %s\n",
				summary.Recorded, summary.Total, summary.Failed, summary.Skipped, csvLedger.Path())
			return nil
		},
	}

	runCmd.Flags().StringVar(&corpusPath, "corpus", "", "JSON corpus of bug records (required)")
	runCmd.Flags().StringVar(&patchesPath, "patches", "", "JSON file of externally generated candidate patches")
	runCmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel pipeline workers (overrides config)")
	runCmd.Flags().BoolVar(&skipLLM, "skip-llm", false, "evaluate only the human fix for each bug")
	runCmd.Flags().BoolVar(&noBaseline, "no-baseline", false, "skip the unpatched baseline suite run")
	runCmd.Flags().DurationVar(&testTimeout, "test-timeout", 0, "per-suite hard timeout (overrides config)")
	runCmd.Flags().StringVar(&ledgerPath, "ledger", "", "CSV ledger path (overrides config)")
	_ = runCmd.MarkFlagRequired("corpus")

	return runCmd
}
