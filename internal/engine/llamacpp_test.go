package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"
)

func TestBuildArgs_AllParams(t *testing.T) {
	args := buildArgs(Request{
		ModelPath:   "/models/weights.gguf",
		Prompt:      "hello",
		MaxTokens:   512,
		Temperature: 0.8,
		TopK:        40,
		TopP:        0.95,
		CtxSize:     2048,
		Threads:     4,
	})

	pairs := map[string]string{
		"--model":     "/models/weights.gguf",
		"--prompt":    "hello",
		"--n-predict": "512",
		"--temp":      "0.8",
		"--top-k":     "40",
		"--top-p":     "0.95",
		"--ctx-size":  "2048",
		"--threads":   "4",
	}
	for flag, want := range pairs {
		i := slices.Index(args, flag)
		if i < 0 || i+1 >= len(args) {
			t.Errorf("flag %s missing from args %v", flag, args)
			continue
		}
		if args[i+1] != want {
			t.Errorf("%s = %q, want %q", flag, args[i+1], want)
		}
	}
}

func TestBuildArgs_ZeroValuesOmitted(t *testing.T) {
	args := buildArgs(Request{ModelPath: "m.gguf", Prompt: "p"})

	for _, flag := range []string{"--n-predict", "--temp", "--top-k", "--top-p", "--ctx-size", "--threads"} {
		if slices.Contains(args, flag) {
			t.Errorf("args %v contain %s for a zero-valued request", args, flag)
		}
	}
}

func TestDetect_MissingBinary(t *testing.T) {
	if _, err := Detect("definitely-not-a-real-binary-xyz"); err == nil {
		t.Error("Detect should fail for an absent binary")
	}
}

func TestRun_Subprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake binary")
	}

	// Fake inference binary that echoes fixed text.
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-llama")
	script := "#!/bin/sh\nprintf 'generated text here'\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewLlamaCpp(bin)
	res, err := r.Run(context.Background(), Request{ModelPath: "m.gguf", Prompt: "p"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Text != "generated text here" {
		t.Errorf("text = %q, want %q", res.Text, "generated text here")
	}
	if res.TokensGenerated != 3 {
		t.Errorf("tokens = %d, want 3", res.TokensGenerated)
	}
	if res.Duration <= 0 {
		t.Errorf("duration = %v, want > 0", res.Duration)
	}
}

func TestRun_FailureIncludesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake binary")
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-llama")
	script := "#!/bin/sh\necho 'model load failed' >&2\nexit 1\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewLlamaCpp(bin)
	_, err := r.Run(context.Background(), Request{ModelPath: "m.gguf", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}

	if got := err.Error(); !containsStr(got, "model load failed") {
		t.Errorf("error = %q, want it to include stderr", got)
	}
}

func TestTokensPerSecond(t *testing.T) {
	r := Result{TokensGenerated: 100, Duration: 2 * time.Second}
	if got := r.TokensPerSecond(); got != 50 {
		t.Errorf("TokensPerSecond = %v, want 50", got)
	}

	zero := Result{TokensGenerated: 10}
	if got := zero.TokensPerSecond(); got != 0 {
		t.Errorf("TokensPerSecond with zero duration = %v, want 0", got)
	}
}

func containsStr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
