package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBaseURL is the public Hugging Face hub.
const DefaultBaseURL = "https://huggingface.co"

// ModelInfo is the hub's metadata response for a model repository.
type ModelInfo struct {
	ID       string     `json:"id"`
	Siblings []FileInfo `json:"siblings"`
}

// FileInfo describes one file inside a model repository.
type FileInfo struct {
	Rfilename string `json:"rfilename"`
	Size      int64  `json:"size"`
}

// Client issues metadata and download requests against a model hub.
// It is stateless apart from the underlying connection pool; a single
// failed call fails immediately with no retries.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for the hub at baseURL. An empty baseURL selects
// the public hub. token, when non-empty, is sent as a bearer token on
// every request (needed for gated repositories).
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			// Model files are large; deadlines come from the caller's ctx.
			Timeout: 0,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// GetModelInfo fetches repository metadata from GET /api/models/{repoID}.
func (c *Client) GetModelInfo(ctx context.Context, repoID string) (ModelInfo, error) {
	url := c.baseURL + "/api/models/" + repoID

	req, err := c.newRequest(ctx, url)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("creating metadata request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ModelInfo{}, &RemoteError{Op: "fetch model info", Repo: repoID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ModelInfo{}, &RemoteError{Op: "fetch model info", Repo: repoID, Status: resp.StatusCode}
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ModelInfo{}, &DecodeError{Repo: repoID, Err: err}
	}
	return info, nil
}

// OpenDownload starts a streaming download of one repository file via
// GET /{repoID}/resolve/main/{filename}. The declared size is the
// Content-Length header, or -1 when the hub does not report one.
// The caller owns the returned body and must close it.
func (c *Client) OpenDownload(ctx context.Context, repoID, filename string) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repoID, filename)

	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, 0, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &RemoteError{Op: "download", Repo: repoID, File: filename, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &RemoteError{Op: "download", Repo: repoID, File: filename, Status: resp.StatusCode}
	}

	return resp.Body, resp.ContentLength, nil
}

// ListFiles returns the repository's filenames, optionally filtered by
// suffix (e.g. ".gguf"). Pass an empty suffix for all files.
func (c *Client) ListFiles(ctx context.Context, repoID, suffix string) ([]string, error) {
	info, err := c.GetModelInfo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, f := range info.Siblings {
		if suffix == "" || strings.HasSuffix(f.Rfilename, suffix) {
			names = append(names, f.Rfilename)
		}
	}
	return names, nil
}
