// Package cache owns the on-disk model artifact cache. The directory
// tree is the only authority: an artifact exists iff its final path
// exists, and partial downloads never occupy a final path.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kalambet/llamabatch/internal/hub"
)

// ErrNotFound is returned when a referenced artifact, file, or cached
// repository does not exist.
var ErrNotFound = errors.New("not found")

// IntegrityError reports a digest mismatch after a completed download.
// The final path is never written when this occurs.
type IntegrityError struct {
	Ref  Ref
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sha256 mismatch for %s: want %s, got %s", e.Ref, e.Want, e.Got)
}

// repoSeparator replaces "/" in repository ids on disk so that one
// repository maps to one directory. External consumers locating files
// by hand must apply the same substitution.
const repoSeparator = "--"

// Entry is one cached repository with its total size on disk.
type Entry struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// UsageReport aggregates cache consumption per repository.
type UsageReport struct {
	Entries    []Entry `json:"entries"` // sorted by size, largest first
	TotalBytes int64   `json:"total_bytes"`
}

// EnsureOptions tunes a single Ensure call.
type EnsureOptions struct {
	// Force re-downloads even when the artifact is already cached.
	Force bool
	// SHA256, when set, is the trusted hex digest the downloaded bytes
	// must match. Left empty, no digest is computed.
	SHA256 string
	// Progress, when non-nil, receives (transferred, declared total)
	// as bytes arrive. Total is -1 when the hub did not declare one.
	Progress func(transferred, total int64)
}

// Cache maps hub references to files under a single local directory.
// All mutations of the tree go through this type.
type Cache struct {
	dir string
	hub *hub.Client
}

// Open creates a Cache rooted at dir, creating the directory if needed.
// An empty dir resolves to the platform cache root (e.g.
// ~/.cache/llamabatch on Linux).
func Open(dir string, hubClient *hub.Client) (*Cache, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user cache directory: %w", err)
		}
		dir = filepath.Join(base, "llamabatch")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir, hub: hubClient}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Path returns the deterministic local path for ref. Pure path
// arithmetic; no filesystem access.
func (c *Cache) Path(ref Ref) string {
	safe := strings.ReplaceAll(ref.RepoID, "/", repoSeparator)
	return filepath.Join(c.dir, "models", safe, ref.Filename)
}

// Exists reports whether ref is fully cached.
func (c *Cache) Exists(ref Ref) bool {
	_, err := os.Stat(c.Path(ref))
	return err == nil
}

// Ensure returns the local path for ref, downloading it on a cache miss.
// A cached artifact short-circuits without touching the network. The
// download streams to a temporary sibling and is renamed into place only
// after full completion, so a concurrent reader of the final path sees
// either nothing or the complete file.
func (c *Cache) Ensure(ctx context.Context, ref Ref, opts EnsureOptions) (string, error) {
	local := c.Path(ref)

	if !opts.Force {
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
	}

	info, err := c.hub.GetModelInfo(ctx, ref.RepoID)
	if err != nil {
		return "", err
	}

	found := false
	for _, f := range info.Siblings {
		if f.Rfilename == ref.Filename {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("file %q in repository %s: %w", ref.Filename, ref.RepoID, ErrNotFound)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", fmt.Errorf("creating model directory: %w", err)
	}

	if err := c.download(ctx, ref, local, opts); err != nil {
		return "", err
	}
	return local, nil
}

func (c *Cache) download(ctx context.Context, ref Ref, local string, opts EnsureOptions) (err error) {
	body, total, err := c.hub.OpenDownload(ctx, ref.RepoID, ref.Filename)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := local + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	var digest hash.Hash
	var w io.Writer = f
	if opts.SHA256 != "" {
		digest = sha256.New()
		w = io.MultiWriter(f, digest)
	}

	buf := make([]byte, 1<<20)
	var transferred int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("writing artifact: %w", writeErr)
			}
			transferred += int64(n)
			if opts.Progress != nil {
				opts.Progress(transferred, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &hub.RemoteError{Op: "download", Repo: ref.RepoID, File: ref.Filename, Err: readErr}
		}
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("finalizing temporary file: %w", err)
	}

	if digest != nil {
		got := hex.EncodeToString(digest.Sum(nil))
		if !strings.EqualFold(got, opts.SHA256) {
			os.Remove(tmp)
			return &IntegrityError{Ref: ref, Want: strings.ToLower(opts.SHA256), Got: got}
		}
	}

	if err = os.Rename(tmp, local); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing download: %w", err)
	}
	return nil
}

// List walks the cache tree and returns one entry per repository in
// directory order. No index is consulted or maintained.
func (c *Cache) List() ([]Entry, error) {
	modelsDir := filepath.Join(c.dir, "models")

	dirs, err := os.ReadDir(modelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		size, err := dirSize(filepath.Join(modelsDir, d.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Name:      strings.ReplaceAll(d.Name(), repoSeparator, "/"),
			SizeBytes: size,
		})
	}
	return entries, nil
}

// Usage returns per-repository sizes sorted largest first, plus the
// grand total.
func (c *Cache) Usage() (UsageReport, error) {
	entries, err := c.List()
	if err != nil {
		return UsageReport{}, err
	}

	var report UsageReport
	report.Entries = entries
	for _, e := range entries {
		report.TotalBytes += e.SizeBytes
	}
	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].SizeBytes > report.Entries[j].SizeBytes
	})
	return report, nil
}

// Remove deletes all cached files of one repository. It performs the
// deletion unconditionally; confirmation prompts belong to the caller.
func (c *Cache) Remove(repoID string) error {
	safe := strings.ReplaceAll(repoID, "/", repoSeparator)
	dir := filepath.Join(c.dir, "models", safe)

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("repository %s is not cached: %w", repoID, ErrNotFound)
		}
		return fmt.Errorf("checking cached repository: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing cached repository %s: %w", repoID, err)
	}
	return nil
}

// RemoveAll deletes and recreates the entire cache root. Irreversible.
func (c *Cache) RemoveAll() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("removing cache directory: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("recreating cache directory: %w", err)
	}
	return nil
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", dir, err)
	}
	return size, nil
}
