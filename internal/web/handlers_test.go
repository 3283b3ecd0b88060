package web

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpungsan/taskmem/internal/config"
	"github.com/hpungsan/taskmem/internal/lifecycle"
	"github.com/hpungsan/taskmem/internal/ops"
)

const seedContent = `# Task AUTH-1

## Summary
Build login with **JWT**.

## Decisions
- store refresh tokens server side

<script>alert(1)</script>
`

func setupTest(t *testing.T) *Handlers {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LockTimeout = "200ms"
	env, err := ops.Open(filepath.Join(t.TempDir(), config.DirName), cfg, nil)
	if err != nil {
		t.Fatalf("ops.Open: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		t.Fatalf("template sub-FS: %v", err)
	}
	return &Handlers{
		env:      env,
		renderer: NewRenderer(templateSub, "test", nil),
	}
}

// seedMemory starts taskID and optionally finishes it.
func seedMemory(t *testing.T, h *Handlers, taskID, content string, done bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := ops.Transition(ctx, h.env, lifecycle.Event{TaskID: taskID, OldStatus: "To Do", NewStatus: "In Progress", Content: content}); err != nil {
		t.Fatalf("seed %s: %v", taskID, err)
	}
	if done {
		if _, err := ops.Transition(ctx, h.env, lifecycle.Event{TaskID: taskID, OldStatus: "In Progress", NewStatus: "Done"}); err != nil {
			t.Fatalf("finish %s: %v", taskID, err)
		}
	}
}

func get(h http.HandlerFunc, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	if strings.HasPrefix(target, "/memories/") {
		rest := strings.TrimPrefix(target, "/memories/")
		if i := strings.IndexAny(rest, "?/"); i >= 0 {
			rest = rest[:i]
		}
		req.SetPathValue("task_id", rest)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

// --- HandleList ---

func TestHandleList_Default(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", seedContent, false)
	seedMemory(t, h, "DB-2", "", true)

	rec := get(h.HandleList, "/memories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"<!DOCTYPE html>", "AUTH-1", "DB-2", "Memories", `href="/memories/AUTH-1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in response", want)
		}
	}
}

func TestHandleList_StateFilter(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", "", false)
	seedMemory(t, h, "DB-2", "", true)

	rec := get(h.HandleList, "/memories?state=archived", nil)
	body := rec.Body.String()
	if !strings.Contains(body, "DB-2") {
		t.Error("expected archived memory DB-2")
	}
	if strings.Contains(body, ">AUTH-1<") {
		t.Error("did not expect active memory AUTH-1")
	}
}

func TestHandleList_Empty(t *testing.T) {
	h := setupTest(t)

	rec := get(h.HandleList, "/memories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No memories found.") {
		t.Error("expected empty-state message")
	}
}

func TestHandleList_JSON(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", "", false)

	rec := get(h.HandleList, "/memories", map[string]string{"Accept": "application/json"})
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var out ops.ListOutput
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].TaskID != "AUTH-1" {
		t.Errorf("items = %+v, want AUTH-1", out.Items)
	}
}

func TestHandleList_InvalidMatch(t *testing.T) {
	h := setupTest(t)

	rec := get(h.HandleList, "/memories?match=%5B", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// --- HandleDetail ---

func TestHandleDetail_Found(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", seedContent, false)

	rec := get(h.HandleDetail, "/memories/AUTH-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<strong>JWT</strong>") {
		t.Error("expected markdown rendered to HTML")
	}
	if !strings.Contains(body, "Decisions") {
		t.Error("expected section names")
	}
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("raw HTML in memory content must not be rendered")
	}
}

func TestHandleDetail_NotFound(t *testing.T) {
	h := setupTest(t)

	rec := get(h.HandleDetail, "/memories/NOPE", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<!DOCTYPE html>") || !strings.Contains(body, "404") {
		t.Error("expected full error page with status code")
	}
}

func TestHandleDetail_InvalidID(t *testing.T) {
	h := setupTest(t)

	req := httptest.NewRequest("GET", "/memories/x", nil)
	req.SetPathValue("task_id", "..")
	rec := httptest.NewRecorder()
	h.HandleDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// --- HandleSearch ---

func TestHandleSearch_EmptyQuery(t *testing.T) {
	h := setupTest(t)

	rec := get(h.HandleSearch, "/memories/search", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `name="q"`) {
		t.Error("expected search form")
	}
}

func TestHandleSearch_WithQuery(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", seedContent, false)
	seedMemory(t, h, "DB-2", "migrate the schema", true)

	rec := get(h.HandleSearch, "/memories/search?q=refresh+tokens", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "AUTH-1") {
		t.Error("expected AUTH-1 in results")
	}
	if strings.Contains(body, `href="/memories/DB-2"`) {
		t.Error("did not expect DB-2 in results")
	}
	if !strings.Contains(body, "store refresh tokens server side") {
		t.Error("expected snippet")
	}
}

func TestHandleSearch_NoResults(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", seedContent, false)

	rec := get(h.HandleSearch, "/memories/search?q=kubernetes", nil)
	if !strings.Contains(rec.Body.String(), "No matches") {
		t.Error("expected no-match message")
	}
}

func TestHandleSearch_JSONError(t *testing.T) {
	h := setupTest(t)

	rec := get(h.HandleSearch, "/memories/search?q=x&state=closed", map[string]string{"Accept": "application/json"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatal("expected error object in JSON response")
	}
	if errObj["code"] != "INVALID_REQUEST" || errObj["status"] != float64(400) {
		t.Errorf("error = %v, want INVALID_REQUEST/400", errObj)
	}
}

// --- HandleStats ---

func TestHandleStats(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", seedContent, false)
	seedMemory(t, h, "DB-2", "", true)

	rec := get(h.HandleStats, "/memories/stats", map[string]string{"Accept": "application/json"})
	var stats map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if stats["total_memories"] != float64(2) || stats["active"] != float64(1) || stats["archived"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}

	rec = get(h.HandleStats, "/memories/stats", nil)
	if !strings.Contains(rec.Body.String(), "Token estimate") {
		t.Error("expected stats page")
	}
}

// --- Server ---

func TestNewServer_Routes(t *testing.T) {
	h := setupTest(t)
	seedMemory(t, h, "AUTH-1", "", false)

	srv, err := NewServer(h.env, "test", "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	tests := []struct {
		target string
		status int
	}{
		{"/", http.StatusFound},
		{"/memories", http.StatusOK},
		{"/memories/AUTH-1", http.StatusOK},
		{"/memories/search?q=task", http.StatusOK},
		{"/memories/stats", http.StatusOK},
		{"/static/style.css", http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", tt.target, nil))
		if rec.Code != tt.status {
			t.Errorf("GET %s status = %d, want %d", tt.target, rec.Code, tt.status)
		}
		if rec.Header().Get("X-Frame-Options") != "DENY" {
			t.Errorf("GET %s missing security headers", tt.target)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("POST", "/memories", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /memories status = %d, want 405", rec.Code)
	}
}

// --- Helper functions ---

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query    string
		name     string
		def      int
		expected int
	}{
		{"", "limit", 20, 20},
		{"limit=50", "limit", 20, 50},
		{"limit=bad", "limit", 20, 20},
		{"offset=10", "offset", 0, 10},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/?"+tt.query, nil)
		if got := parseIntParam(req, tt.name, tt.def); got != tt.expected {
			t.Errorf("parseIntParam(%q, %q, %d) = %d, want %d", tt.query, tt.name, tt.def, got, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int]string{0: "0", 999: "999", 1000: "1,000", 25600: "25,600", 1234567: "1,234,567", -1500: "-1,500"}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
