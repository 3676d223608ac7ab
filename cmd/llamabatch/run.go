package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/llamabatch/internal/cache"
	"github.com/kalambet/llamabatch/internal/engine"
	"github.com/kalambet/llamabatch/internal/history"
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run a single prompt through a local model",
	Long: `Run a single prompt through a local model.

The --model flag accepts either a hub repository id or a path to a
local gguf file.

Examples:
  llamabatch run --model TheBloke/Llama-2-7B-Chat-GGUF "Write a haiku about autumn"
  llamabatch run --model ./models/llama.gguf --max-tokens 256 --stats "Explain RAID levels"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")

		model, _ := cmd.Flags().GetString("model")
		hfFilename, _ := cmd.Flags().GetString("hf-filename")
		cacheDir, _ := cmd.Flags().GetString("cache-dir")
		sha256, _ := cmd.Flags().GetString("sha256")
		forceDownload, _ := cmd.Flags().GetBool("force-download")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		temperature, _ := cmd.Flags().GetFloat32("temperature")
		topK, _ := cmd.Flags().GetInt("top-k")
		topP, _ := cmd.Flags().GetFloat32("top-p")
		ctxSize, _ := cmd.Flags().GetInt("ctx-size")
		threads, _ := cmd.Flags().GetInt("threads")
		stats, _ := cmd.Flags().GetBool("stats")
		output, _ := cmd.Flags().GetString("output")

		s, err := loadStack(cacheDir)
		if err != nil {
			return err
		}
		store := openHistory(s.cfg)
		if store != nil {
			defer store.Close()
		}

		art := cache.ParseArtifact(model, hfFilename)
		var modelPath string
		if art.IsRemote() {
			modelPath, err = pullModel(cmd.Context(), s, store, art.Remote.RepoID, art.Remote.Filename, sha256, forceDownload)
			if err != nil {
				return err
			}
		} else {
			if _, err := os.Stat(art.LocalPath); err != nil {
				return fmt.Errorf("model file %s: %w", art.LocalPath, err)
			}
			modelPath = art.LocalPath
		}

		eng := engine.NewLlamaCpp(s.cfg.Engine.Binary)
		printStep("Generating with %s", modelPath)

		result, runErr := eng.Run(cmd.Context(), engine.Request{
			ModelPath:   modelPath,
			Prompt:      prompt,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			TopK:        topK,
			TopP:        topP,
			CtxSize:     ctxSize,
			Threads:     threads,
		})
		if store != nil {
			rec := history.Run{
				ID:              uuid.New().String(),
				TaskName:        "run",
				ModelPath:       modelPath,
				Prompt:          prompt,
				TokensGenerated: result.TokensGenerated,
				Duration:        result.Duration,
				Status:          history.StatusOK,
			}
			if runErr != nil {
				rec.Status = history.StatusFailed
				rec.Error = runErr.Error()
			}
			_ = store.RecordRun(rec)
		}
		if runErr != nil {
			return runErr
		}

		if output != "" {
			if err := os.WriteFile(output, []byte(result.Text), 0o644); err != nil {
				return fmt.Errorf("writing output file %s: %w", output, err)
			}
			printSuccess("Output written to %s", output)
		} else {
			fmt.Println(result.Text)
		}

		if stats {
			printStatus("Tokens", "%d", result.TokensGenerated)
			printStatus("Duration", "%s", result.Duration.Round(10*time.Millisecond))
			printStatus("Speed", "%.1f tok/s", result.TokensPerSecond())
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("model", "", "hub repository id or local gguf path (required)")
	runCmd.Flags().String("hf-filename", "model.gguf", "file within the hub repository")
	runCmd.Flags().String("cache-dir", "", "cache directory override")
	runCmd.Flags().String("sha256", "", "expected sha256 digest for the download")
	runCmd.Flags().Bool("force-download", false, "redownload the model even if cached")
	runCmd.Flags().Int("max-tokens", engine.DefaultMaxTokens, "maximum tokens to generate")
	runCmd.Flags().Float32("temperature", engine.DefaultTemperature, "sampling temperature")
	runCmd.Flags().Int("top-k", engine.DefaultTopK, "top-k sampling")
	runCmd.Flags().Float32("top-p", engine.DefaultTopP, "top-p (nucleus) sampling")
	runCmd.Flags().Int("ctx-size", 0, "context window size (engine default when 0)")
	runCmd.Flags().Int("threads", 0, "threads to use (engine default when 0)")
	runCmd.Flags().Bool("stats", false, "print generation statistics")
	runCmd.Flags().String("output", "", "write generated text to a file instead of stdout")
	runCmd.MarkFlagRequired("model")
}
