package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultBinary is the llama.cpp CLI probed when no binary is configured.
const DefaultBinary = "llama-cli"

// LlamaCpp runs generation by executing a llama.cpp-compatible CLI as a
// subprocess. Stdout is taken verbatim as the generated text.
type LlamaCpp struct {
	binary string
}

// NewLlamaCpp creates a LlamaCpp runner for the given binary. An empty
// binary selects DefaultBinary.
func NewLlamaCpp(binary string) *LlamaCpp {
	if binary == "" {
		binary = DefaultBinary
	}
	return &LlamaCpp{binary: binary}
}

// Detect resolves the configured binary on PATH and returns a Runner
// backed by it. Fails when no usable binary is found.
func Detect(binary string) (Runner, error) {
	r := NewLlamaCpp(binary)
	if _, err := exec.LookPath(r.binary); err != nil {
		return nil, fmt.Errorf("inference binary %q not found on PATH: %w", r.binary, err)
	}
	return r, nil
}

func (l *LlamaCpp) Run(ctx context.Context, req Request) (Result, error) {
	args := buildArgs(req)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, l.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Result{}, fmt.Errorf("inference failed: %v: %s", err, msg)
		}
		return Result{}, fmt.Errorf("inference failed: %w", err)
	}
	elapsed := time.Since(start)

	text := stdout.String()
	return Result{
		Text:            text,
		TokensGenerated: approxTokens(text),
		Duration:        elapsed,
	}, nil
}

// buildArgs maps a Request onto llama.cpp CLI flags. Zero-valued
// parameters are omitted so the binary's own defaults apply.
func buildArgs(req Request) []string {
	args := []string{
		"--model", req.ModelPath,
		"--prompt", req.Prompt,
		"--no-display-prompt",
	}
	if req.MaxTokens > 0 {
		args = append(args, "--n-predict", strconv.Itoa(req.MaxTokens))
	}
	if req.Temperature > 0 {
		args = append(args, "--temp", formatFloat(req.Temperature))
	}
	if req.TopK > 0 {
		args = append(args, "--top-k", strconv.Itoa(req.TopK))
	}
	if req.TopP > 0 {
		args = append(args, "--top-p", formatFloat(req.TopP))
	}
	if req.CtxSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(req.CtxSize))
	}
	if req.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(req.Threads))
	}
	return args
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', -1, 32)
}

// approxTokens estimates token count from whitespace-separated words.
// The subprocess contract gives us text only, so the stats output is an
// approximation rather than the backend's own count.
func approxTokens(text string) int {
	return len(strings.Fields(text))
}
