package sessionfiles

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	cwd    string
	auth   string
	body   string
}

// storageStub plays a scripted storage service and records what it saw.
func storageStub(t *testing.T, status int, respBody string) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.cwd = r.Header.Get("X-Session-Cwd")
		rec.auth = r.Header.Get("Authorization")
		rec.body = string(data)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "tok-1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, rec
}

func testSession() *models.Session {
	return &models.Session{ID: "sess-1", CWD: "/work"}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestReadBuildsRequest(t *testing.T) {
	client, rec := storageStub(t, http.StatusOK, "file body")
	content, err := client.Read(context.Background(), testSession(), "notes/today.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "file body" {
		t.Fatalf("content = %q", content)
	}
	if rec.method != http.MethodGet {
		t.Fatalf("method = %s", rec.method)
	}
	if rec.path != "/v1/sessions/sess-1/files" {
		t.Fatalf("path = %s", rec.path)
	}
	if rec.query != "path=notes%2Ftoday.md" {
		t.Fatalf("query = %s", rec.query)
	}
	if rec.cwd != "/work" {
		t.Fatalf("cwd header = %q", rec.cwd)
	}
	if rec.auth != "Bearer tok-1" {
		t.Fatalf("auth header = %q", rec.auth)
	}
}

func TestReadNotFound(t *testing.T) {
	client, _ := storageStub(t, http.StatusNotFound, "")
	_, err := client.Read(context.Background(), testSession(), "missing.txt")
	if err == nil || !strings.Contains(err.Error(), "file not found: missing.txt") {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteSendsBody(t *testing.T) {
	client, rec := storageStub(t, http.StatusNoContent, "")
	if err := client.Write(context.Background(), testSession(), "a.txt", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.method != http.MethodPut || rec.body != "hello" {
		t.Fatalf("method=%s body=%q", rec.method, rec.body)
	}
}

func TestListDecodesEnvelope(t *testing.T) {
	listing, _ := json.Marshal(map[string]any{
		"files": []FileInfo{{Path: "a.txt", Size: 3}, {Path: "b/c.txt", Size: 12}},
	})
	client, rec := storageStub(t, http.StatusOK, string(listing))
	files, err := client.List(context.Background(), testSession())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[1].Path != "b/c.txt" {
		t.Fatalf("files = %+v", files)
	}
	if rec.query != "" {
		t.Fatalf("list should not send a path, got %q", rec.query)
	}
}

func TestDelete(t *testing.T) {
	client, rec := storageStub(t, http.StatusOK, "")
	if err := client.Delete(context.Background(), testSession(), "a.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.method != http.MethodDelete {
		t.Fatalf("method = %s", rec.method)
	}
}

func TestServerErrorIsQuoted(t *testing.T) {
	client, _ := storageStub(t, http.StatusInternalServerError, "disk on fire")
	err := client.Write(context.Background(), testSession(), "a.txt", "x")
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("err = %v", err)
	}
}

func TestRequiresSession(t *testing.T) {
	client, _ := storageStub(t, http.StatusOK, "")
	if _, err := client.Read(context.Background(), nil, "a.txt"); err == nil {
		t.Fatal("expected error without session")
	}
}

func TestToolsRoundTrip(t *testing.T) {
	client, rec := storageStub(t, http.StatusOK, "content here")
	ctx := tools.WithSession(context.Background(), testSession())

	all := Tools(client)
	if len(all) != 4 {
		t.Fatalf("tools = %d, want 4", len(all))
	}
	byName := map[string]tools.Tool{}
	for _, tool := range all {
		byName[tool.Name()] = tool
	}
	for _, name := range ToolNames() {
		if _, ok := byName[name]; !ok {
			t.Fatalf("missing tool %s", name)
		}
	}

	res, err := byName[ReadFileName].Execute(ctx, json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("read tool: %v", err)
	}
	if res.IsError || res.Content != "content here" {
		t.Fatalf("read result = %+v", res)
	}

	res, err = byName[WriteFileName].Execute(ctx, json.RawMessage(`{"path":"a.txt","content":"hello"}`))
	if err != nil {
		t.Fatalf("write tool: %v", err)
	}
	if res.IsError || !strings.Contains(res.Content, "Wrote 5 bytes") {
		t.Fatalf("write result = %+v", res)
	}
	if rec.body != "hello" {
		t.Fatalf("body = %q", rec.body)
	}

	res, err = byName[DeleteFileName].Execute(ctx, json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("delete tool: %v", err)
	}
	if res.IsError || res.Content != "Deleted a.txt." {
		t.Fatalf("delete result = %+v", res)
	}
}

func TestListToolRendersListing(t *testing.T) {
	listing, _ := json.Marshal(map[string]any{
		"files": []FileInfo{{Path: "a.txt", Size: 3}},
	})
	client, _ := storageStub(t, http.StatusOK, string(listing))
	ctx := tools.WithSession(context.Background(), testSession())

	tool := &ListTool{client: client}
	res, err := tool.Execute(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("list tool: %v", err)
	}
	if res.Content != "a.txt (3 bytes)" {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestToolsRejectMissingPath(t *testing.T) {
	client, _ := storageStub(t, http.StatusOK, "")
	ctx := tools.WithSession(context.Background(), testSession())

	for _, tool := range []tools.Tool{&ReadTool{client: client}, &DeleteTool{client: client}} {
		res, err := tool.Execute(ctx, json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("%s: %v", tool.Name(), err)
		}
		if !res.IsError || !strings.Contains(res.Content, "path is required") {
			t.Fatalf("%s result = %+v", tool.Name(), res)
		}
	}
}
