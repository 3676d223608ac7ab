package cache

import (
	"fmt"
	"os"
	"strings"
)

// Ref identifies one downloadable file inside a hub repository.
type Ref struct {
	RepoID   string
	Filename string
}

func (r Ref) String() string {
	return r.RepoID + "/" + r.Filename
}

// ParseRef validates a repository id in "owner/name" form. Both halves
// must be non-empty and exactly one separator is allowed, so inputs like
// "owner/" or "a/b/c" are rejected.
func ParseRef(repoID, filename string) (Ref, error) {
	owner, name, ok := strings.Cut(repoID, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Ref{}, fmt.Errorf("invalid repository id %q: want owner/name", repoID)
	}
	if filename == "" {
		return Ref{}, fmt.Errorf("repository %s: filename is required", repoID)
	}
	return Ref{RepoID: repoID, Filename: filename}, nil
}

// Artifact is a tagged reference to a model file: either a path on the
// local filesystem or a remote hub reference. Exactly one side is set.
type Artifact struct {
	LocalPath string
	Remote    Ref
}

// IsRemote reports whether the artifact must be resolved through the cache.
func (a Artifact) IsRemote() bool { return a.LocalPath == "" }

// ParseArtifact classifies a model input from a flag or batch document.
// A string that exists on disk, contains path markers, or fails strict
// repository-id validation is treated as a local path; otherwise it is a
// remote reference paired with filename.
func ParseArtifact(model, filename string) Artifact {
	if looksLocal(model) {
		return Artifact{LocalPath: model}
	}
	ref, err := ParseRef(model, filename)
	if err != nil {
		return Artifact{LocalPath: model}
	}
	return Artifact{Remote: ref}
}

func looksLocal(model string) bool {
	if model == "" {
		return true
	}
	if strings.HasPrefix(model, "/") || strings.HasPrefix(model, ".") || strings.HasPrefix(model, "~") {
		return true
	}
	if strings.Contains(model, `\`) || strings.HasSuffix(model, ".gguf") {
		return true
	}
	if _, err := os.Stat(model); err == nil {
		return true
	}
	return false
}
