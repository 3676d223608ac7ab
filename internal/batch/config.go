// Package batch parses declarative task documents and executes them
// against the artifact cache and the inference engine.
package batch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Valid model task actions.
const (
	ActionPull   = "pull"
	ActionRemove = "remove"
	ActionList   = "list"
	ActionUsage  = "usage"
)

// Config is the root batch document.
type Config struct {
	Version     string            `yaml:"version"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Defaults    *Defaults         `yaml:"defaults,omitempty"`
	Models      []ModelTask       `yaml:"models,omitempty"`
	Tasks       []InferenceTask   `yaml:"tasks,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// Defaults holds fallback values merged into each inference task.
// Pointer fields distinguish "unset" from a legitimate zero (a default
// temperature of 0 is valid and must still be applied).
type Defaults struct {
	Model       string   `yaml:"model,omitempty"`
	HFFilename  string   `yaml:"hf_filename,omitempty"`
	CacheDir    string   `yaml:"cache_dir,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
	Temperature *float32 `yaml:"temperature,omitempty"`
	TopK        *int     `yaml:"top_k,omitempty"`
	TopP        *float32 `yaml:"top_p,omitempty"`
	CtxSize     *int     `yaml:"ctx_size,omitempty"`
	Threads     *int     `yaml:"threads,omitempty"`
	Verbose     bool     `yaml:"verbose,omitempty"`
	NoColor     bool     `yaml:"no_color,omitempty"`
	Stats       bool     `yaml:"stats,omitempty"`
}

// ModelTask is one artifact management operation.
type ModelTask struct {
	Action      string `yaml:"action"`
	ModelID     string `yaml:"model_id,omitempty"`
	Filename    string `yaml:"filename,omitempty"`
	CacheDir    string `yaml:"cache_dir,omitempty"`
	SHA256      string `yaml:"sha256,omitempty"`
	Force       bool   `yaml:"force,omitempty"`
	Verbose     bool   `yaml:"verbose,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// InferenceTask is one generation request. Parsed once, merged with
// Defaults once, then treated as immutable during execution.
type InferenceTask struct {
	Name            string   `yaml:"name"`
	Prompt          string   `yaml:"prompt"`
	Model           string   `yaml:"model,omitempty"`
	HFFilename      string   `yaml:"hf_filename,omitempty"`
	CacheDir        string   `yaml:"cache_dir,omitempty"`
	SHA256          string   `yaml:"sha256,omitempty"`
	ForceDownload   bool     `yaml:"force_download,omitempty"`
	MaxTokens       *int     `yaml:"max_tokens,omitempty"`
	Temperature     *float32 `yaml:"temperature,omitempty"`
	TopK            *int     `yaml:"top_k,omitempty"`
	TopP            *float32 `yaml:"top_p,omitempty"`
	CtxSize         *int     `yaml:"ctx_size,omitempty"`
	Threads         *int     `yaml:"threads,omitempty"`
	NoColor         bool     `yaml:"no_color,omitempty"`
	Stats           bool     `yaml:"stats,omitempty"`
	Verbose         bool     `yaml:"verbose,omitempty"`
	OutputFile      string   `yaml:"output_file,omitempty"`
	Description     string   `yaml:"description,omitempty"`
	ContinueOnError *bool    `yaml:"continue_on_error,omitempty"`
}

// Load reads and parses a batch document from disk. The document is not
// validated; call Validate before executing it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes batch document bytes. Unknown keys are ignored.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing batch document: %w", err)
	}
	return &cfg, nil
}

// Validate checks the whole document before anything executes. It fails
// on the first violation found, naming the offending task.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("batch document: version is required")
	}

	for i, m := range c.Models {
		switch m.Action {
		case ActionPull, ActionRemove, ActionList, ActionUsage:
		default:
			return fmt.Errorf("model task %d: invalid action %q (want pull, remove, list, or usage)", i, m.Action)
		}
		if (m.Action == ActionPull || m.Action == ActionRemove) && m.ModelID == "" {
			return fmt.Errorf("model task %d: action %q requires model_id", i, m.Action)
		}
	}

	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d: name is required", i)
		}
		if t.Prompt == "" {
			return fmt.Errorf("task %q: prompt is required", t.Name)
		}
		if t.Temperature != nil && (*t.Temperature < 0 || *t.Temperature > 2) {
			return fmt.Errorf("task %q: temperature must be between 0.0 and 2.0", t.Name)
		}
		if t.TopP != nil && (*t.TopP < 0 || *t.TopP > 1) {
			return fmt.Errorf("task %q: top_p must be between 0.0 and 1.0", t.Name)
		}
		if t.MaxTokens != nil && *t.MaxTokens <= 0 {
			return fmt.Errorf("task %q: max_tokens must be greater than 0", t.Name)
		}
	}

	return nil
}

// ApplyDefaults merges the document's defaults into task. Value fields
// already set are never overwritten; boolean flags are OR'd, so a task
// that turned a flag on keeps it on. Idempotent.
func (c *Config) ApplyDefaults(task *InferenceTask) {
	d := c.Defaults
	if d == nil {
		return
	}

	if task.Model == "" {
		task.Model = d.Model
	}
	if task.HFFilename == "" {
		task.HFFilename = d.HFFilename
	}
	if task.CacheDir == "" {
		task.CacheDir = d.CacheDir
	}
	if task.MaxTokens == nil {
		task.MaxTokens = d.MaxTokens
	}
	if task.Temperature == nil {
		task.Temperature = d.Temperature
	}
	if task.TopK == nil {
		task.TopK = d.TopK
	}
	if task.TopP == nil {
		task.TopP = d.TopP
	}
	if task.CtxSize == nil {
		task.CtxSize = d.CtxSize
	}
	if task.Threads == nil {
		task.Threads = d.Threads
	}
	task.Verbose = task.Verbose || d.Verbose
	task.NoColor = task.NoColor || d.NoColor
	task.Stats = task.Stats || d.Stats
}

// Sample returns the starter document written by `batch init`.
func Sample() *Config {
	maxTokens := 512
	temperature := float32(1.0)
	topK := 40
	topP := float32(0.9)
	defMaxTokens := 1024
	defTemperature := float32(0.8)

	return &Config{
		Version:     "1.0",
		Name:        "llamabatch tasks",
		Description: "Batch inference and model management",
		Defaults: &Defaults{
			Model:       "TheBloke/Llama-2-7B-Chat-GGUF",
			MaxTokens:   &defMaxTokens,
			Temperature: &defTemperature,
		},
		Models: []ModelTask{
			{
				Action:      ActionPull,
				ModelID:     "TheBloke/Llama-2-7B-Chat-GGUF",
				Filename:    "llama-2-7b-chat.Q4_K_M.gguf",
				Description: "Download Llama 2 7B Chat",
			},
		},
		Tasks: []InferenceTask{
			{
				Name:        "Creative Writing",
				Prompt:      "Write a short story about space exploration",
				MaxTokens:   &maxTokens,
				Temperature: &temperature,
				TopK:        &topK,
				TopP:        &topP,
				Stats:       true,
				OutputFile:  "creative_story.txt",
			},
		},
		Environment: map[string]string{
			"LLAMABATCH_VERBOSE": "true",
		},
	}
}
