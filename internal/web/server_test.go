package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/charts"
	"github.com/haasonsaas/datachat/internal/mcp"
	"github.com/haasonsaas/datachat/internal/prompts"
	"github.com/haasonsaas/datachat/internal/session"
)

type fakeTurns struct {
	fn    func(ctx context.Context, st agent.TurnState, systemPrompt, userText string) (*agent.TurnResult, error)
	calls int
}

func (f *fakeTurns) ProcessTurn(ctx context.Context, st agent.TurnState, systemPrompt, userText string) (*agent.TurnResult, error) {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx, st, systemPrompt, userText)
	}
	return &agent.TurnResult{Text: "done"}, nil
}

type fakeDirectory struct {
	tools    []*mcp.ToolSchema
	err      error
	connects int
}

func (f *fakeDirectory) Connect(ctx context.Context) ([]*mcp.ToolSchema, error) {
	f.connects++
	if f.err != nil {
		return nil, f.err
	}
	return f.tools, nil
}

func (f *fakeDirectory) Info() mcp.ConnectionInfo {
	return mcp.ConnectionInfo{
		Connected:   true,
		ToolCount:   len(f.tools),
		ConnectedAt: time.Now(),
		ServerURL:   "http://analysis.test/sse",
	}
}

func testTools() []*mcp.ToolSchema {
	load := &mcp.ToolSchema{Name: "load_csv_tool", Description: "Load a CSV file"}
	info := &mcp.ToolSchema{Name: "get_dataframe_info", Description: "Describe a dataframe"}
	load.Normalize()
	info.Normalize()
	return []*mcp.ToolSchema{load, info}
}

func newTestServer(t *testing.T, turns TurnProcessor, tools ToolDirectory) (*Server, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := session.NewManager(session.Limits{}, logger, nil)
	renderer, err := prompts.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	srv, err := NewServer(&Config{
		Sessions:      manager,
		Turns:         turns,
		Tools:         tools,
		Prompts:       renderer,
		Model:         "gpt-4o-mini",
		ToolsCacheTTL: time.Minute,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, manager
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestSessionLifecycle(t *testing.T) {
	srv, manager := newTestServer(t, &fakeTurns{}, &fakeDirectory{})
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatal("create returned no session_id")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	// The snapshot shortens the id for display.
	if short, _ := body["session_id"].(string); len(short) != 8 {
		t.Errorf("snapshot session_id = %q", short)
	}

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if manager.Len() != 0 {
		t.Errorf("manager still holds %d sessions", manager.Len())
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/sessions/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestChatTurn(t *testing.T) {
	var gotPrompt, gotText string
	turns := &fakeTurns{fn: func(ctx context.Context, st agent.TurnState, systemPrompt, userText string) (*agent.TurnResult, error) {
		gotPrompt = systemPrompt
		gotText = userText
		return &agent.TurnResult{
			Text:         "sales has 42 rows",
			ChartIndices: []int{0},
			ToolCalls:    2,
			ToolLog:      []agent.ToolLogEntry{{Tool: "get_dataframe_info", Result: "ok"}},
			Usage:        agent.Usage{TotalTokens: 55},
		}, nil
	}}
	srv, manager := newTestServer(t, turns, &fakeDirectory{})
	h := srv.Handler()

	st := manager.Create()
	rec, body := doJSON(t, h, http.MethodPost, "/api/sessions/"+st.ID()+"/chat", chatRequest{Message: "how many rows?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d body = %s", rec.Code, rec.Body.String())
	}
	if body["reply"] != "sales has 42 rows" {
		t.Errorf("reply = %v", body["reply"])
	}
	if gotText != "how many rows?" {
		t.Errorf("userText = %q", gotText)
	}
	if !strings.Contains(gotPrompt, "data analyst") && !strings.Contains(gotPrompt, "analysis") {
		t.Errorf("system prompt looks wrong: %.80q", gotPrompt)
	}

	msgs := st.Messages()
	if len(msgs) != 2 || msgs[0].Role != agent.RoleUser || msgs[1].Role != agent.RoleAssistant {
		t.Fatalf("history = %+v", msgs)
	}
	if len(msgs[1].ChartIndices) != 1 {
		t.Errorf("assistant chart indices = %v", msgs[1].ChartIndices)
	}
	if len(st.ToolLog()) != 1 {
		t.Errorf("tool log = %+v", st.ToolLog())
	}
}

func TestChatModelErrorRendersInline(t *testing.T) {
	turns := &fakeTurns{fn: func(ctx context.Context, st agent.TurnState, systemPrompt, userText string) (*agent.TurnResult, error) {
		return nil, &agent.ModelCallError{Provider: "openai", Model: "gpt-4o-mini", Err: context.DeadlineExceeded}
	}}
	srv, manager := newTestServer(t, turns, &fakeDirectory{})
	st := manager.Create()

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+st.ID()+"/chat", chatRequest{Message: "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, model errors should render inline", rec.Code)
	}
	reply, _ := body["reply"].(string)
	if !strings.HasPrefix(reply, "Error processing request:") {
		t.Errorf("reply = %q", reply)
	}
	// The failed turn still lands in the conversation so the user sees it.
	if msgs := st.Messages(); len(msgs) != 2 {
		t.Errorf("history = %+v", msgs)
	}
}

func TestChatValidation(t *testing.T) {
	srv, manager := newTestServer(t, &fakeTurns{}, &fakeDirectory{})
	st := manager.Create()
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/api/sessions/"+st.ID()+"/chat", chatRequest{Message: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank message status = %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodGet, "/api/sessions/"+st.ID()+"/chat", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET chat status = %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/api/sessions/missing/chat", chatRequest{Message: "hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
}

func uploadRequest(t *testing.T, path, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestFileUploadListDelete(t *testing.T) {
	srv, manager := newTestServer(t, &fakeTurns{}, &fakeDirectory{})
	st := manager.Create()
	h := srv.Handler()
	base := "/api/sessions/" + st.ID() + "/files"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, base, "sales.csv", []byte("a,b\n1,2\n")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body = %s", rec.Code, rec.Body.String())
	}

	if _, ok := st.FileBytes("sales.csv"); !ok {
		t.Fatal("uploaded file not in session")
	}

	_, body := doJSON(t, h, http.MethodGet, base, nil)
	if count, _ := body["count"].(float64); count != 1 {
		t.Errorf("list count = %v", body["count"])
	}

	rec, _ = doJSON(t, h, http.MethodDelete, base+"/sales.csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, ok := st.FileBytes("sales.csv"); ok {
		t.Error("file survived delete")
	}

	rec, _ = doJSON(t, h, http.MethodDelete, base+"/sales.csv", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete status = %d", rec.Code)
	}
}

func TestFileUploadRejectsBadType(t *testing.T) {
	srv, manager := newTestServer(t, &fakeTurns{}, &fakeDirectory{})
	st := manager.Create()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, uploadRequest(t, "/api/sessions/"+st.ID()+"/files", "payload.exe", []byte("MZ")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestConnectStoresTools(t *testing.T) {
	dir := &fakeDirectory{tools: testTools()}
	srv, manager := newTestServer(t, &fakeTurns{}, dir)
	st := manager.Create()

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+st.ID()+"/connect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d body = %s", rec.Code, rec.Body.String())
	}
	if count, _ := body["tool_count"].(float64); count != 2 {
		t.Errorf("tool_count = %v", body["tool_count"])
	}
	if len(st.ToolSchemas()) != 2 || !st.Connected() {
		t.Errorf("session tools = %d connected = %v", len(st.ToolSchemas()), st.Connected())
	}
}

func TestToolsListingCached(t *testing.T) {
	dir := &fakeDirectory{tools: testTools()}
	srv, _ := newTestServer(t, &fakeTurns{}, dir)
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		rec, _ := doJSON(t, h, http.MethodGet, "/api/tools", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if dir.connects != 1 {
		t.Errorf("connects = %d, listing should be cached", dir.connects)
	}

	rec, body := doJSON(t, h, http.MethodGet, "/api/tools?refresh=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}
	if dir.connects != 2 {
		t.Errorf("connects after refresh = %d", dir.connects)
	}
	if count, _ := body["count"].(float64); count != 2 {
		t.Errorf("count = %v", body["count"])
	}
}

func TestChartsListExportClear(t *testing.T) {
	srv, manager := newTestServer(t, &fakeTurns{}, &fakeDirectory{})
	st := manager.Create()
	h := srv.Handler()
	base := "/api/sessions/" + st.ID() + "/charts"

	st.ChartStore().Add(charts.Info{Filename: "revenue.html", ChartType: "bar", Dataframe: "sales", Tool: "create_chart_tool"}, "<div>plot</div>")

	_, body := doJSON(t, h, http.MethodGet, base, nil)
	items, _ := body["charts"].([]any)
	if len(items) != 1 {
		t.Fatalf("charts = %v", body["charts"])
	}
	first, _ := items[0].(map[string]any)
	if first["chart_type"] != "bar" {
		t.Errorf("chart item = %v", first)
	}
	if _, hasHTML := first["html"]; hasHTML {
		t.Error("listing should omit HTML payloads")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("export content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<div>plot</div>") {
		t.Error("export missing chart HTML")
	}

	rec, _ = doJSON(t, h, http.MethodDelete, base, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/export", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("export after clear status = %d", rec.Code)
	}
}

func TestResetPreservesToolList(t *testing.T) {
	srv, manager := newTestServer(t, &fakeTurns{}, &fakeDirectory{})
	st := manager.Create()
	st.SetTools(testTools())
	st.AddMessage(agent.RoleUser, "hello", nil)

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+st.ID()+"/reset",
		resetRequest{Preserve: []string{string(session.KeyTools)}})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(st.Messages()) != 0 {
		t.Errorf("messages survived reset: %+v", st.Messages())
	}
	if len(st.ToolSchemas()) != 2 {
		t.Errorf("preserved tools = %d", len(st.ToolSchemas()))
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTurns{}, &fakeDirectory{})
	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestPathLabel(t *testing.T) {
	cases := map[string]string{
		"/api/tools":                  "/api/tools",
		"/api/sessions":               "/api/sessions",
		"/api/sessions/abc123":        "/api/sessions/{id}",
		"/api/sessions/abc123/chat":   "/api/sessions/{id}/chat",
		"/api/sessions/abc/files/a.c": "/api/sessions/{id}/files/a.c",
	}
	for in, want := range cases {
		if got := pathLabel(in); got != want {
			t.Errorf("pathLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
