package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/llamabatch/internal/batch"
	"github.com/kalambet/llamabatch/internal/engine"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run declarative task documents",
}

var batchRunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Execute a batch document",
	Long: `Execute a batch document.

Model tasks run first in declaration order, then inference tasks.

Examples:
  llamabatch batch run tasks.yaml
  llamabatch batch run tasks.yaml --dry-run
  llamabatch batch run tasks.yaml --include "Creative Writing" --continue-on-error`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		include, _ := cmd.Flags().GetString("include")
		exclude, _ := cmd.Flags().GetString("exclude")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
		cacheDir, _ := cmd.Flags().GetString("cache-dir")

		cfg, err := batch.Load(args[0])
		if err != nil {
			return err
		}

		s, err := loadStack(cacheDir)
		if err != nil {
			return err
		}
		store := openHistory(s.cfg)
		if store != nil {
			defer store.Close()
		}

		runner := &batch.Runner{
			Hub:     s.hub,
			Cache:   s.cache,
			Engine:  engine.NewLlamaCpp(s.cfg.Engine.Binary),
			History: store,
			Out:     os.Stdout,
		}

		report, runErr := runner.Run(cmd.Context(), cfg, batch.Options{
			Filter:          batch.ParseFilter(include, exclude),
			DryRun:          dryRun,
			ContinueOnError: continueOnError,
		})
		if report != nil {
			printSummary(report, dryRun)
		}
		if runErr != nil {
			return runErr
		}
		if report.Failed() > 0 {
			return fmt.Errorf("%d task(s) failed", report.Failed())
		}
		return nil
	},
}

func printSummary(report *batch.Report, dryRun bool) {
	if dryRun {
		printStatus("Planned", "%d", report.Planned())
		return
	}
	printStatus("Run", "%s", report.RunID)
	printStatus("Succeeded", "%d", report.Succeeded())
	printStatus("Failed", "%d", report.Failed())
	printStatus("Skipped", "%d", report.Skipped())
	if report.Aborted {
		printWarning("Run aborted before completing all tasks")
	}
}

var batchValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a batch document without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := batch.Load(args[0])
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		printSuccess("%s is valid (%d model tasks, %d inference tasks)", args[0], len(cfg.Models), len(cfg.Tasks))
		return nil
	},
}

var batchInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a starter batch document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "llamabatch.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		data, err := yaml.Marshal(batch.Sample())
		if err != nil {
			return fmt.Errorf("encoding sample document: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}

		printSuccess("Wrote %s", path)
		return nil
	},
}

func init() {
	batchRunCmd.Flags().String("include", "", "comma-separated task names to run")
	batchRunCmd.Flags().String("exclude", "", "comma-separated task names to skip")
	batchRunCmd.Flags().Bool("dry-run", false, "report what would run without executing")
	batchRunCmd.Flags().Bool("continue-on-error", false, "keep going after a task fails")
	batchRunCmd.Flags().String("cache-dir", "", "cache directory override")

	batchCmd.AddCommand(batchRunCmd)
	batchCmd.AddCommand(batchValidateCmd)
	batchCmd.AddCommand(batchInitCmd)
}
