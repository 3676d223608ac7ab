package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/llamabatch/internal/cache"
	"github.com/kalambet/llamabatch/internal/engine"
	"github.com/kalambet/llamabatch/internal/history"
	"github.com/kalambet/llamabatch/internal/hub"
)

// --- mocks ---

type mockEngine struct {
	result engine.Result
	err    error
	last   engine.Request
}

func (m *mockEngine) Run(_ context.Context, req engine.Request) (engine.Result, error) {
	m.last = req
	return m.result, m.err
}

// newHubServer serves repo metadata and file downloads for a single repo.
func newHubServer(t *testing.T, repo string, files map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/"+repo, func(w http.ResponseWriter, r *http.Request) {
		type sibling struct {
			Rfilename string `json:"rfilename"`
			Size      int64  `json:"size"`
		}
		info := struct {
			ID       string    `json:"id"`
			Siblings []sibling `json:"siblings"`
		}{ID: repo}
		for name, content := range files {
			info.Siblings = append(info.Siblings, sibling{Rfilename: name, Size: int64(len(content))})
		}
		json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("/"+repo+"/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		content, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, content)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestDeps(t *testing.T, repo string, files map[string]string) (Deps, *mockEngine) {
	t.Helper()
	srv := newHubServer(t, repo, files)
	client := hub.New(srv.URL, "")

	c, err := cache.Open(t.TempDir(), client)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}

	store, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := &mockEngine{result: engine.Result{Text: "generated", TokensGenerated: 3}}
	return Deps{Cache: c, Hub: client, Engine: eng, History: store}, eng
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return m
}

// --- tests ---

func TestHealth(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", nil)
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v, want ok", got)
	}
}

func TestPullAndList(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", map[string]string{"model.gguf": "weights"})
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodPost, "/v1/models/pull", `{"model_id":"org/model","filename":"model.gguf"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["cached"] != false {
		t.Error("first pull reported as cached")
	}
	if body["path"] == "" {
		t.Error("pull response missing path")
	}

	// Second pull is a cache hit.
	rec = doJSON(t, h, http.MethodPost, "/v1/models/pull", `{"model_id":"org/model","filename":"model.gguf"}`)
	if decodeBody(t, rec)["cached"] != true {
		t.Error("second pull not reported as cached")
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Data []cache.Entry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].Name != "org/model" {
		t.Errorf("list = %+v, want one entry org/model", list.Data)
	}
}

func TestPullWithoutFilenamePicksGGUF(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", map[string]string{"weights.gguf": "data"})
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodPost, "/v1/models/pull", `{"model_id":"org/model"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["filename"]; got != "weights.gguf" {
		t.Errorf("filename = %v, want weights.gguf", got)
	}
}

func TestPullValidation(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", nil)
	h := NewHandler(deps)

	tests := []struct {
		body string
		code int
	}{
		{`{}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"model_id":"no-slash","filename":"f.gguf"}`, http.StatusBadRequest},
		{`{"model_id":"org/model","filename":"absent.gguf"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := doJSON(t, h, http.MethodPost, "/v1/models/pull", tt.body)
		if rec.Code != tt.code {
			t.Errorf("pull %q: status = %d, want %d", tt.body, rec.Code, tt.code)
		}
	}
}

func TestRemoveModel(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", map[string]string{"model.gguf": "weights"})
	h := NewHandler(deps)

	doJSON(t, h, http.MethodPost, "/v1/models/pull", `{"model_id":"org/model","filename":"model.gguf"}`)

	rec := doJSON(t, h, http.MethodDelete, "/v1/models/org/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/models/org/model", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", map[string]string{"model.gguf": "weights"})
	h := NewHandler(deps)

	doJSON(t, h, http.MethodPost, "/v1/models/pull", `{"model_id":"org/model","filename":"model.gguf"}`)

	rec := doJSON(t, h, http.MethodGet, "/v1/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage status = %d", rec.Code)
	}
	var report cache.UsageReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.TotalBytes != int64(len("weights")) {
		t.Errorf("total = %d, want %d", report.TotalBytes, len("weights"))
	}
}

func TestGenerate(t *testing.T) {
	deps, eng := newTestDeps(t, "org/model", map[string]string{"model.gguf": "weights"})
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodPost, "/v1/generate", `{"model":"org/model","prompt":"hello","temperature":0.2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["text"] != "generated" {
		t.Errorf("text = %v", body["text"])
	}
	if eng.last.Prompt != "hello" {
		t.Errorf("engine prompt = %q", eng.last.Prompt)
	}
	if eng.last.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", eng.last.Temperature)
	}
	if eng.last.MaxTokens != engine.DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want default", eng.last.MaxTokens)
	}
}

func TestGenerateInferenceFailure(t *testing.T) {
	deps, eng := newTestDeps(t, "org/model", map[string]string{"model.gguf": "weights"})
	eng.err = errors.New("backend crashed")
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodPost, "/v1/generate", `{"model":"org/model","prompt":"hello"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestGenerateValidation(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", nil)
	h := NewHandler(deps)

	for _, body := range []string{`{}`, `{"model":"org/model"}`, `{"prompt":"hi"}`} {
		rec := doJSON(t, h, http.MethodPost, "/v1/generate", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("generate %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestHistoryEndpoints(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", map[string]string{"model.gguf": "weights"})
	h := NewHandler(deps)

	doJSON(t, h, http.MethodPost, "/v1/models/pull", `{"model_id":"org/model","filename":"model.gguf"}`)
	doJSON(t, h, http.MethodPost, "/v1/generate", `{"model":"org/model","prompt":"hello"}`)

	rec := doJSON(t, h, http.MethodGet, "/v1/history/downloads", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("downloads status = %d", rec.Code)
	}
	var downloads []history.Download
	if err := json.Unmarshal(rec.Body.Bytes(), &downloads); err != nil {
		t.Fatal(err)
	}
	if len(downloads) == 0 {
		t.Error("no download records")
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/history/runs", "")
	var runs []history.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Prompt != "hello" {
		t.Errorf("runs = %+v, want one record for prompt hello", runs)
	}
}

func TestBearerAuth(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", nil)
	deps.Token = "secret"
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestNoAuthWhenTokenEmpty(t *testing.T) {
	deps, _ := newTestDeps(t, "org/model", nil)
	h := NewHandler(deps)

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without auth configured", rec.Code)
	}
}
