package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/llamabatch/internal/cache"
	"github.com/kalambet/llamabatch/internal/config"
	"github.com/kalambet/llamabatch/internal/history"
	"github.com/kalambet/llamabatch/internal/hub"
)

// stack bundles the pieces most commands need.
type stack struct {
	cfg   config.Config
	hub   *hub.Client
	cache *cache.Cache
}

// loadStack loads config and opens the cache. An explicit cacheDir (from
// a --cache-dir flag) overrides the configured one.
func loadStack(cacheDir string) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	hubClient := hub.New(cfg.Hub.BaseURL, cfg.Hub.Token)

	if cacheDir == "" {
		cacheDir = cfg.Cache.Dir
	}
	c, err := cache.Open(cacheDir, hubClient)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	return &stack{cfg: cfg, hub: hubClient, cache: c}, nil
}

// openHistory opens the audit log. A failure is not fatal for CLI
// commands; they run without recording.
func openHistory(cfg config.Config) *history.Store {
	store, err := history.Open(cfg.Storage.DataDir)
	if err != nil {
		printWarning("history disabled: %v", err)
		return nil
	}
	return store
}

// progressPrinter renders transfer progress on stderr, overwriting the
// same line.
func progressPrinter() func(transferred, total int64) {
	lastPct := -1
	return func(transferred, total int64) {
		if total <= 0 {
			return
		}
		pct := int(transferred * 100 / total)
		if pct == lastPct {
			return
		}
		lastPct = pct
		fmt.Fprintf(os.Stderr, "\r  downloading... %3d%% (%s / %s)", pct, humanBytes(transferred), humanBytes(total))
		if pct == 100 {
			fmt.Fprintln(os.Stderr)
		}
	}
}

// pullModel resolves the filename when omitted, downloads through the
// cache, and records the attempt. Shared by model pull and run.
func pullModel(ctx context.Context, s *stack, store *history.Store, repoID, filename, sha256 string, force bool) (string, error) {
	if filename == "" {
		files, err := s.hub.ListFiles(ctx, repoID, ".gguf")
		if err != nil {
			return "", err
		}
		if len(files) == 0 {
			return "", fmt.Errorf("no gguf files in %s: %w", repoID, cache.ErrNotFound)
		}
		filename = files[0]
		printStep("Selected %s", filename)
	}

	ref, err := cache.ParseRef(repoID, filename)
	if err != nil {
		return "", err
	}

	if s.cache.Exists(ref) && !force {
		printSuccess("%s already cached", ref)
		recordPull(store, ref, s.cache.Path(ref), true, 0, nil)
		return s.cache.Path(ref), nil
	}

	printStep("Pulling %s", ref)
	start := time.Now()
	path, err := s.cache.Ensure(ctx, ref, cache.EnsureOptions{
		Force:    force,
		SHA256:   sha256,
		Progress: progressPrinter(),
	})
	recordPull(store, ref, path, false, time.Since(start), err)
	if err != nil {
		return "", err
	}
	printSuccess("Pulled %s", ref)
	return path, nil
}

func recordPull(store *history.Store, ref cache.Ref, path string, cached bool, d time.Duration, pullErr error) {
	if store == nil {
		return
	}
	rec := history.Download{
		ID:       uuid.New().String(),
		RepoID:   ref.RepoID,
		Filename: ref.Filename,
		Duration: d,
	}
	switch {
	case pullErr != nil:
		rec.Status = history.StatusFailed
		rec.Error = pullErr.Error()
	case cached:
		rec.Status = history.StatusCached
	default:
		rec.Status = history.StatusOK
	}
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			rec.SizeBytes = info.Size()
		}
	}
	_ = store.RecordDownload(rec)
}

// --- model ---

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the local model cache",
}

var modelPullCmd = &cobra.Command{
	Use:   "pull <repo_id>",
	Short: "Download a model file into the cache",
	Long: `Download a model file into the cache.

Examples:
  llamabatch model pull TheBloke/Llama-2-7B-Chat-GGUF --filename llama-2-7b-chat.Q4_K_M.gguf
  llamabatch model pull TheBloke/Llama-2-7B-Chat-GGUF --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("filename")
		force, _ := cmd.Flags().GetBool("force")
		sha256, _ := cmd.Flags().GetString("sha256")
		cacheDir, _ := cmd.Flags().GetString("cache-dir")

		s, err := loadStack(cacheDir)
		if err != nil {
			return err
		}
		store := openHistory(s.cfg)
		if store != nil {
			defer store.Close()
		}

		_, err = pullModel(cmd.Context(), s, store, args[0], filename, sha256, force)
		return err
	},
}

var modelRemoveCmd = &cobra.Command{
	Use:   "remove <repo_id|all>",
	Short: "Remove a cached model, or all of them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cacheDir, _ := cmd.Flags().GetString("cache-dir")
		confirm, _ := cmd.Flags().GetBool("confirm")

		s, err := loadStack(cacheDir)
		if err != nil {
			return err
		}

		if args[0] == "all" {
			if !confirm {
				printWarning("This will delete ALL cached models. Use --confirm to proceed.")
				return nil
			}
			if err := s.cache.RemoveAll(); err != nil {
				return err
			}
			printSuccess("Removed all cached models")
			return nil
		}

		if err := s.cache.Remove(args[0]); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return fmt.Errorf("model %s is not cached", args[0])
			}
			return err
		}
		printSuccess("Removed %s", args[0])
		return nil
	},
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cacheDir, _ := cmd.Flags().GetString("cache-dir")

		s, err := loadStack(cacheDir)
		if err != nil {
			return err
		}

		entries, err := s.cache.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No models cached.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s\n", colorize(colorCyan, e.Name), humanBytes(e.SizeBytes))
		}
		return nil
	},
}

var modelUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show cache disk usage, largest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cacheDir, _ := cmd.Flags().GetString("cache-dir")

		s, err := loadStack(cacheDir)
		if err != nil {
			return err
		}

		report, err := s.cache.Usage()
		if err != nil {
			return err
		}
		for _, e := range report.Entries {
			fmt.Printf("%10s  %s\n", humanBytes(e.SizeBytes), e.Name)
		}
		fmt.Printf("%10s  %s\n", humanBytes(report.TotalBytes), colorize(colorBold, "total"))
		printStatus("Cache dir", "%s", s.cache.Dir())
		return nil
	},
}

var modelFilesCmd = &cobra.Command{
	Use:   "files <repo_id>",
	Short: "List files available in a hub repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		suffix, _ := cmd.Flags().GetString("suffix")

		s, err := loadStack("")
		if err != nil {
			return err
		}

		info, err := s.hub.GetModelInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		matched := 0
		for _, f := range info.Siblings {
			if suffix != "" && !strings.HasSuffix(f.Rfilename, suffix) {
				continue
			}
			matched++
			if f.Size > 0 {
				fmt.Printf("%10s  %s\n", humanBytes(f.Size), f.Rfilename)
			} else {
				fmt.Printf("%10s  %s\n", "-", f.Rfilename)
			}
		}
		if matched == 0 {
			fmt.Println("No matching files.")
		}
		return nil
	},
}

func init() {
	modelPullCmd.Flags().String("filename", "", "file within the repository (first .gguf file when omitted)")
	modelPullCmd.Flags().Bool("force", false, "redownload even if cached")
	modelPullCmd.Flags().String("sha256", "", "expected sha256 digest; verified after download")
	modelPullCmd.Flags().String("cache-dir", "", "cache directory override")
	modelRemoveCmd.Flags().String("cache-dir", "", "cache directory override")
	modelRemoveCmd.Flags().Bool("confirm", false, "confirm removal of all cached models")
	modelListCmd.Flags().String("cache-dir", "", "cache directory override")
	modelUsageCmd.Flags().String("cache-dir", "", "cache directory override")
	modelFilesCmd.Flags().String("suffix", "", "only list files with this suffix (e.g. .gguf)")

	modelCmd.AddCommand(modelPullCmd)
	modelCmd.AddCommand(modelRemoveCmd)
	modelCmd.AddCommand(modelListCmd)
	modelCmd.AddCommand(modelUsageCmd)
	modelCmd.AddCommand(modelFilesCmd)
}
