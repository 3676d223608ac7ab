package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/llamabatch/internal/config"
	"github.com/kalambet/llamabatch/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the download and run audit log",
}

func init() {
	var downloadsLimit int
	downloadsCmd := &cobra.Command{
		Use:   "downloads",
		Short: "List recent model downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistoryStrict()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.RecentDownloads(downloadsLimit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No downloads recorded.")
				return nil
			}
			for _, d := range records {
				line := fmt.Sprintf("%s  %-7s  %s/%s  %s",
					d.CreatedAt.Format("2006-01-02 15:04:05"), d.Status, d.RepoID, d.Filename, humanBytes(d.SizeBytes))
				if d.Error != "" {
					line += "  (" + d.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	downloadsCmd.Flags().IntVar(&downloadsLimit, "limit", 20, "maximum records to show")

	var runsLimit int
	var batchID string
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent inference runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistoryStrict()
			if err != nil {
				return err
			}
			defer store.Close()

			var records []history.Run
			if batchID != "" {
				records, err = store.RunsForBatch(batchID)
			} else {
				records, err = store.RecentRuns(runsLimit)
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			for _, r := range records {
				name := r.TaskName
				if name == "" {
					name = "-"
				}
				line := fmt.Sprintf("%s  %-6s  %-20s  %4d tok  %s",
					r.CreatedAt.Format("2006-01-02 15:04:05"), r.Status, name, r.TokensGenerated, r.Duration.Round(10*time.Millisecond))
				if r.Error != "" {
					line += "  (" + r.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum records to show")
	runsCmd.Flags().StringVar(&batchID, "batch", "", "show all runs for a batch run ID")

	historyCmd.AddCommand(downloadsCmd, runsCmd)
}

// openHistoryStrict opens the audit log, failing loudly. The history
// commands are useless without it, unlike pull/run which degrade.
func openHistoryStrict() (*history.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := history.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return store, nil
}
