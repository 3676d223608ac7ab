package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRef_Valid(t *testing.T) {
	valid := []string{
		"TheBloke/Llama-2-7B-Chat-GGUF",
		"microsoft/DialoGPT-medium",
		"meta-llama/Llama-2-7b-hf",
		"user/repo",
	}
	for _, id := range valid {
		if _, err := ParseRef(id, "model.gguf"); err != nil {
			t.Errorf("ParseRef(%q) = %v, want nil", id, err)
		}
	}
}

func TestParseRef_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"single_name",
		"user/",
		"/repo",
		"a/b/c",
	}
	for _, id := range invalid {
		if _, err := ParseRef(id, "model.gguf"); err == nil {
			t.Errorf("ParseRef(%q) = nil, want error", id)
		}
	}
}

func TestParseRef_EmptyFilename(t *testing.T) {
	if _, err := ParseRef("user/repo", ""); err == nil {
		t.Error("ParseRef with empty filename should fail")
	}
}

func TestParseArtifact_Remote(t *testing.T) {
	remote := []string{
		"TheBloke/Llama-2-7B-Chat-GGUF",
		"google/flan-t5-large",
	}
	for _, m := range remote {
		a := ParseArtifact(m, "model.gguf")
		if !a.IsRemote() {
			t.Errorf("ParseArtifact(%q) classified local, want remote", m)
		}
		if a.Remote.RepoID != m {
			t.Errorf("RepoID = %q, want %q", a.Remote.RepoID, m)
		}
	}
}

func TestParseArtifact_Local(t *testing.T) {
	local := []string{
		"model.gguf",
		"/path/to/model.gguf",
		"./models/llama.gguf",
		"../models/model.gguf",
		"~/models/model.gguf",
		`C:\Windows\model.gguf`,
		"",
		"single_name",
		"user/",
		"/repo",
	}
	for _, m := range local {
		if a := ParseArtifact(m, "model.gguf"); a.IsRemote() {
			t.Errorf("ParseArtifact(%q) classified remote, want local", m)
		}
	}
}

func TestParseArtifact_ExistingPathWithOneSlash(t *testing.T) {
	// A real file whose relative path happens to look like owner/name
	// must still resolve locally.
	dir := t.TempDir()
	sub := filepath.Join(dir, "someorg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(sub, "weights")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	a := ParseArtifact("someorg/weights", "model.gguf")
	if a.IsRemote() {
		t.Error("existing local file classified as remote reference")
	}
}
