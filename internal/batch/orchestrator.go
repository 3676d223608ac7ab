package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/llamabatch/internal/cache"
	"github.com/kalambet/llamabatch/internal/engine"
	"github.com/kalambet/llamabatch/internal/history"
	"github.com/kalambet/llamabatch/internal/hub"
)

// defaultHFFilename is assumed when a remote model reference does not
// name a file.
const defaultHFFilename = "model.gguf"

// Runner executes a validated batch document. Model tasks run first in
// declaration order, then inference tasks.
type Runner struct {
	Hub     *hub.Client
	Cache   *cache.Cache
	Engine  engine.Runner
	History *history.Store // optional audit log
	Out     io.Writer      // optional, defaults to io.Discard
}

// Options control a single batch run.
type Options struct {
	Filter          Filter
	DryRun          bool
	ContinueOnError bool
}

// Run validates cfg and executes it. The returned report is non-nil
// whenever execution started, including aborted runs; the error is
// non-nil when validation failed or a task failure aborted the run.
func (r *Runner) Run(ctx context.Context, cfg *Config, opts Options) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	report := &Report{RunID: uuid.NewString()}
	out := r.Out
	if out == nil {
		out = io.Discard
	}

	if len(cfg.Environment) > 0 && !opts.DryRun {
		if err := applyEnvironment(cfg.Environment); err != nil {
			return report, err
		}
	}

	for i, m := range cfg.Models {
		res := r.runModelTask(ctx, i, m, opts, out)
		report.Results = append(report.Results, res)
		if res.Status == StatusFailed && !opts.ContinueOnError {
			report.Aborted = true
			return report, fmt.Errorf("model task %d (%s %s) failed: %s", i, m.Action, m.ModelID, res.Error)
		}
	}

	for i, task := range cfg.Tasks {
		merged := task
		cfg.ApplyDefaults(&merged)

		if !opts.Filter.Allows(task.Name) {
			fmt.Fprintf(out, "skipping task %q\n", task.Name)
			report.Results = append(report.Results, TaskResult{
				Index: i, Name: task.Name, Kind: "inference", Status: StatusSkipped,
			})
			continue
		}

		res := r.runInferenceTask(ctx, i, merged, report.RunID, opts, out)
		report.Results = append(report.Results, res)
		if res.Status == StatusFailed && !continueAfter(merged, opts) {
			report.Aborted = true
			return report, fmt.Errorf("task %q failed: %s", task.Name, res.Error)
		}
	}

	return report, nil
}

// applyEnvironment sets variables in sorted key order so failures are
// deterministic.
func applyEnvironment(env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := os.Setenv(k, env[k]); err != nil {
			return fmt.Errorf("setting environment variable %s: %w", k, err)
		}
	}
	return nil
}

// continueAfter resolves the effective continue-on-error flag for one
// task: the task's own field wins over the run option.
func continueAfter(task InferenceTask, opts Options) bool {
	if task.ContinueOnError != nil {
		return *task.ContinueOnError
	}
	return opts.ContinueOnError
}

func (r *Runner) runModelTask(ctx context.Context, index int, m ModelTask, opts Options, out io.Writer) TaskResult {
	name := m.Action
	if m.ModelID != "" {
		name += " " + m.ModelID
	}
	res := TaskResult{Index: index, Name: name, Kind: "model"}

	if opts.DryRun {
		fmt.Fprintf(out, "would run model task: %s\n", name)
		res.Status = StatusPlanned
		return res
	}

	start := time.Now()
	err := r.execModelAction(ctx, m, out)
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		fmt.Fprintf(out, "model task %s failed: %v\n", name, err)
		return res
	}
	res.Status = StatusOK
	return res
}

func (r *Runner) execModelAction(ctx context.Context, m ModelTask, out io.Writer) error {
	switch m.Action {
	case ActionPull:
		_, err := r.pull(ctx, m.ModelID, m.Filename, m.CacheDir, cache.EnsureOptions{
			Force:  m.Force,
			SHA256: m.SHA256,
		}, out)
		return err

	case ActionRemove:
		c, err := r.cacheFor(m.CacheDir)
		if err != nil {
			return err
		}
		if m.ModelID == "all" {
			return c.RemoveAll()
		}
		return c.Remove(m.ModelID)

	case ActionList:
		c, err := r.cacheFor(m.CacheDir)
		if err != nil {
			return err
		}
		entries, err := c.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s\t%d\n", e.Name, e.SizeBytes)
		}
		return nil

	case ActionUsage:
		c, err := r.cacheFor(m.CacheDir)
		if err != nil {
			return err
		}
		report, err := c.Usage()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "total\t%d\n", report.TotalBytes)
		return nil

	default:
		// Validate rejects unknown actions before execution starts.
		return fmt.Errorf("unknown action %q", m.Action)
	}
}

// pull resolves the filename if needed, ensures the artifact is cached,
// and records the attempt in history. Returns the local path.
func (r *Runner) pull(ctx context.Context, repoID, filename, cacheDir string, opts cache.EnsureOptions, out io.Writer) (string, error) {
	c, err := r.cacheFor(cacheDir)
	if err != nil {
		return "", err
	}

	if filename == "" {
		files, err := r.Hub.ListFiles(ctx, repoID, ".gguf")
		if err != nil {
			return "", err
		}
		if len(files) == 0 {
			return "", fmt.Errorf("no gguf files in %s: %w", repoID, cache.ErrNotFound)
		}
		filename = files[0]
	}

	ref, err := cache.ParseRef(repoID, filename)
	if err != nil {
		return "", err
	}

	cached := c.Exists(ref) && !opts.Force

	start := time.Now()
	path, err := c.Ensure(ctx, ref, opts)
	r.recordDownload(ref, path, cached, time.Since(start), err)
	if err != nil {
		return "", err
	}
	if cached {
		fmt.Fprintf(out, "%s already cached\n", ref)
	} else {
		fmt.Fprintf(out, "pulled %s\n", ref)
	}
	return path, nil
}

func (r *Runner) recordDownload(ref cache.Ref, path string, cached bool, d time.Duration, runErr error) {
	if r.History == nil {
		return
	}
	rec := history.Download{
		ID:       uuid.NewString(),
		RepoID:   ref.RepoID,
		Filename: ref.Filename,
		Duration: d,
	}
	switch {
	case runErr != nil:
		rec.Status = history.StatusFailed
		rec.Error = runErr.Error()
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
	// Best effort: a full history database must not fail the batch.
	_ = r.History.RecordDownload(rec)
}

func (r *Runner) runInferenceTask(ctx context.Context, index int, task InferenceTask, batchID string, opts Options, out io.Writer) TaskResult {
	res := TaskResult{Index: index, Name: task.Name, Kind: "inference"}

	if opts.DryRun {
		fmt.Fprintf(out, "would run task %q (model %s, output %s)\n", task.Name, task.Model, orDash(task.OutputFile))
		res.Status = StatusPlanned
		return res
	}

	fmt.Fprintf(out, "running task %q\n", task.Name)

	start := time.Now()
	err := r.execInference(ctx, task, batchID)
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		fmt.Fprintf(out, "task %q failed: %v\n", task.Name, err)
		return res
	}
	res.Status = StatusOK
	return res
}

func (r *Runner) execInference(ctx context.Context, task InferenceTask, batchID string) error {
	modelPath, err := r.resolveModel(ctx, task)
	if err != nil {
		return err
	}

	req := engine.Request{
		ModelPath:   modelPath,
		Prompt:      task.Prompt,
		MaxTokens:   intOr(task.MaxTokens, engine.DefaultMaxTokens),
		Temperature: floatOr(task.Temperature, engine.DefaultTemperature),
		TopK:        intOr(task.TopK, engine.DefaultTopK),
		TopP:        floatOr(task.TopP, engine.DefaultTopP),
		CtxSize:     intValue(task.CtxSize),
		Threads:     intValue(task.Threads),
	}

	result, runErr := r.Engine.Run(ctx, req)
	r.recordRun(task, batchID, modelPath, result, runErr)
	if runErr != nil {
		return runErr
	}

	if task.OutputFile != "" {
		if err := os.WriteFile(task.OutputFile, []byte(result.Text), 0o644); err != nil {
			return fmt.Errorf("writing output file %s: %w", task.OutputFile, err)
		}
	} else if r.Out != nil {
		fmt.Fprintln(r.Out, result.Text)
	}
	return nil
}

// resolveModel turns the task's model field into a path on disk,
// downloading through the cache when it is a remote reference.
func (r *Runner) resolveModel(ctx context.Context, task InferenceTask) (string, error) {
	if task.Model == "" {
		return "", errors.New("no model specified (set task model or defaults.model)")
	}

	filename := task.HFFilename
	if filename == "" {
		filename = defaultHFFilename
	}

	art := cache.ParseArtifact(task.Model, filename)
	if !art.IsRemote() {
		if _, err := os.Stat(art.LocalPath); err != nil {
			return "", fmt.Errorf("model file %s: %w", art.LocalPath, err)
		}
		return art.LocalPath, nil
	}

	out := r.Out
	if out == nil {
		out = io.Discard
	}
	return r.pull(ctx, art.Remote.RepoID, art.Remote.Filename, task.CacheDir, cache.EnsureOptions{
		Force:  task.ForceDownload,
		SHA256: task.SHA256,
	}, out)
}

func (r *Runner) recordRun(task InferenceTask, batchID, modelPath string, result engine.Result, runErr error) {
	if r.History == nil {
		return
	}
	rec := history.Run{
		ID:              uuid.NewString(),
		BatchID:         batchID,
		TaskName:        task.Name,
		ModelPath:       modelPath,
		Prompt:          task.Prompt,
		TokensGenerated: result.TokensGenerated,
		Duration:        result.Duration,
	}
	if runErr != nil {
		rec.Status = history.StatusFailed
		rec.Error = runErr.Error()
	} else {
		rec.Status = history.StatusOK
	}
	_ = r.History.RecordRun(rec)
}

// cacheFor returns the runner's cache, or opens one rooted at dir when a
// task overrides cache_dir.
func (r *Runner) cacheFor(dir string) (*cache.Cache, error) {
	if dir == "" || (r.Cache != nil && dir == r.Cache.Dir()) {
		return r.Cache, nil
	}
	return cache.Open(dir, r.Hub)
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float32, def float32) float32 {
	if p == nil {
		return def
	}
	return *p
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
