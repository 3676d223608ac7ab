// Package api exposes cache and inference operations over HTTP and MCP
// for the serve command.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/llamabatch/internal/cache"
	"github.com/kalambet/llamabatch/internal/engine"
	"github.com/kalambet/llamabatch/internal/history"
	"github.com/kalambet/llamabatch/internal/hub"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds dependencies for the HTTP and MCP handlers.
type Deps struct {
	Cache   *cache.Cache
	Hub     *hub.Client
	Engine  engine.Runner
	History *history.Store // optional
	Token   string         // empty disables auth
}

// NewHandler returns the REST handler for the serve command.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/health", handleHealth)
	r.Get("/v1/models", handleListModels(deps))
	r.Get("/v1/usage", handleUsage(deps))
	r.Post("/v1/models/pull", handlePull(deps))
	r.Delete("/v1/models/*", handleRemove(deps))
	r.Post("/v1/generate", handleGenerate(deps))
	r.Get("/v1/history/downloads", handleHistoryDownloads(deps))
	r.Get("/v1/history/runs", handleHistoryRuns(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Cache.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list models: %v", err)
			return
		}
		if entries == nil {
			entries = []cache.Entry{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   entries,
		})
	}
}

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Cache.Usage()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute usage: %v", err)
			return
		}
		if report.Entries == nil {
			report.Entries = []cache.Entry{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

type pullRequest struct {
	ModelID  string `json:"model_id"`
	Filename string `json:"filename"`
	Force    bool   `json:"force"`
	SHA256   string `json:"sha256"`
}

func handlePull(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req pullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ModelID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model_id is required")
			return
		}

		filename := req.Filename
		if filename == "" {
			files, err := deps.Hub.ListFiles(r.Context(), req.ModelID, ".gguf")
			if err != nil {
				hubError(w, err)
				return
			}
			if len(files) == 0 {
				httpError(w, http.StatusNotFound, "not_found", "no gguf files in %s", req.ModelID)
				return
			}
			filename = files[0]
		}

		ref, err := cache.ParseRef(req.ModelID, filename)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		cached := deps.Cache.Exists(ref) && !req.Force
		start := time.Now()
		path, err := deps.Cache.Ensure(r.Context(), ref, cache.EnsureOptions{
			Force:  req.Force,
			SHA256: req.SHA256,
		})
		recordDownload(deps.History, ref, path, cached, time.Since(start), err)
		if err != nil {
			var integrity *cache.IntegrityError
			switch {
			case errors.As(err, &integrity):
				httpError(w, http.StatusUnprocessableEntity, "integrity_error", "%v", err)
			case errors.Is(err, cache.ErrNotFound):
				httpError(w, http.StatusNotFound, "not_found", "%v", err)
			default:
				hubError(w, err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"repo_id":  ref.RepoID,
			"filename": ref.Filename,
			"path":     path,
			"cached":   cached,
		})
	}
}

func handleRemove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repoID := chi.URLParam(r, "*")
		if repoID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "repository id is required")
			return
		}

		var err error
		if repoID == "all" {
			err = deps.Cache.RemoveAll()
		} else {
			err = deps.Cache.Remove(repoID)
		}
		if errors.Is(err, cache.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "model %s is not cached", repoID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "removed"})
	}
}

type generateRequest struct {
	Model       string  `json:"model"`
	Filename    string  `json:"filename"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float32 `json:"top_p"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		filename := req.Filename
		if filename == "" {
			filename = "model.gguf"
		}
		art := cache.ParseArtifact(req.Model, filename)

		modelPath := art.LocalPath
		if art.IsRemote() {
			path, err := deps.Cache.Ensure(r.Context(), art.Remote, cache.EnsureOptions{})
			if errors.Is(err, cache.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "%v", err)
				return
			}
			if err != nil {
				hubError(w, err)
				return
			}
			modelPath = path
		}

		engReq := engine.Request{
			ModelPath:   modelPath,
			Prompt:      req.Prompt,
			MaxTokens:   orInt(req.MaxTokens, engine.DefaultMaxTokens),
			Temperature: orFloat(req.Temperature, engine.DefaultTemperature),
			TopK:        orInt(req.TopK, engine.DefaultTopK),
			TopP:        orFloat(req.TopP, engine.DefaultTopP),
		}
		result, err := deps.Engine.Run(r.Context(), engReq)
		recordRun(deps.History, req.Prompt, modelPath, result, err)
		if err != nil {
			httpError(w, http.StatusBadGateway, "inference_error", "inference failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"text":              result.Text,
			"tokens_generated":  result.TokensGenerated,
			"duration_ms":       result.Duration.Milliseconds(),
			"tokens_per_second": result.TokensPerSecond(),
		})
	}
}

func handleHistoryDownloads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusNotFound, "not_found", "history is not enabled")
			return
		}
		records, err := deps.History.RecentDownloads(parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list downloads: %v", err)
			return
		}
		writeHistory(w, records)
	}
}

func handleHistoryRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusNotFound, "not_found", "history is not enabled")
			return
		}
		records, err := deps.History.RecentRuns(parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		writeHistory(w, records)
	}
}

func writeHistory[T any](w http.ResponseWriter, records []T) {
	if records == nil {
		records = []T{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func recordDownload(store *history.Store, ref cache.Ref, path string, cached bool, d time.Duration, runErr error) {
	if store == nil {
		return
	}
	rec := history.Download{
		ID:       uuid.New().String(),
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
	_ = store.RecordDownload(rec)
}

func recordRun(store *history.Store, prompt, modelPath string, result engine.Result, runErr error) {
	if store == nil {
		return
	}
	rec := history.Run{
		ID:              uuid.New().String(),
		TaskName:        "api",
		ModelPath:       modelPath,
		Prompt:          prompt,
		TokensGenerated: result.TokensGenerated,
		Duration:        result.Duration,
	}
	if runErr != nil {
		rec.Status = history.StatusFailed
		rec.Error = runErr.Error()
	} else {
		rec.Status = history.StatusOK
	}
	_ = store.RecordRun(rec)
}

// hubError maps upstream failures to gateway statuses, passing through
// the remote status for auth and missing-repo cases.
func hubError(w http.ResponseWriter, err error) {
	var remote *hub.RemoteError
	if errors.As(err, &remote) {
		switch remote.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			httpError(w, remote.Status, "authentication_error", "%v", err)
			return
		case http.StatusNotFound:
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
	}
	httpError(w, http.StatusBadGateway, "api_error", "%v", err)
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float32) float32 {
	if v == 0 {
		return def
	}
	return v
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
