package engine

import (
	"context"
	"time"
)

// Runner abstracts the inference backend. The orchestrator hands it a
// resolved local model path and treats any failure as an opaque task
// failure; nothing in this repo inspects how text is actually generated.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Default sampling parameters, shared by the CLI flags and the batch
// runner so ad-hoc and batch inference behave the same.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = float32(0.8)
	DefaultTopK        = 40
	DefaultTopP        = float32(0.95)
)

// Request carries one generation request.
type Request struct {
	ModelPath   string
	Prompt      string
	MaxTokens   int
	Temperature float32
	TopK        int
	TopP        float32
	CtxSize     int
	Threads     int
}

// Result is the outcome of a generation request.
type Result struct {
	Text            string
	TokensGenerated int
	Duration        time.Duration
}

// TokensPerSecond returns the generation speed, or 0 for a zero duration.
func (r Result) TokensPerSecond() float64 {
	secs := r.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.TokensGenerated) / secs
}
