package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/bridge"
	"github.com/haasonsaas/datachat/internal/mcp"
	"github.com/haasonsaas/datachat/internal/prompts"
	"github.com/haasonsaas/datachat/internal/session"
)

const toolsCacheKey = "tools/list"

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply        string               `json:"reply"`
	ChartIndices []int                `json:"chart_indices"`
	ToolCalls    int                  `json:"tool_calls"`
	ToolLog      []agent.ToolLogEntry `json:"tool_log"`
	Usage        agent.Usage          `json:"usage"`
}

type fileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Type         string    `json:"type"`
	UploadedAt   time.Time `json:"uploaded_at"`
	SentToServer bool      `json:"sent_to_server"`
}

type connectResponse struct {
	Connected   bool                `json:"connected"`
	ToolCount   int                 `json:"tool_count"`
	ConnectedAt time.Time           `json:"connected_at"`
	ServerURL   string              `json:"server_url"`
	Categories  map[string][]string `json:"categories"`
}

type resetRequest struct {
	Preserve []string `json:"preserve"`
}

// handleSessions handles POST /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.cfg.Sessions.Create()
	s.writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: st.ID(),
		CreatedAt: st.CreatedAt(),
	})
}

// handleSession dispatches /api/sessions/{id} and its sub-resources.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 3)
	id := parts[0]
	if id == "" {
		s.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}

	st, ok := s.cfg.Sessions.Get(id)
	if !ok {
		s.jsonError(w, "session not found", http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.writeJSON(w, http.StatusOK, st.Export())
		case http.MethodDelete:
			s.cfg.Sessions.Remove(id)
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	sub := parts[1]
	var tail string
	if len(parts) == 3 {
		tail = parts[2]
	}

	switch {
	case sub == "chat" && tail == "":
		s.handleChat(w, r, st)
	case sub == "files" && tail == "":
		s.handleFiles(w, r, st)
	case sub == "files":
		s.handleFile(w, r, st, tail)
	case sub == "connect" && tail == "":
		s.handleConnect(w, r, st)
	case sub == "charts" && tail == "":
		s.handleCharts(w, r, st)
	case sub == "charts" && tail == "export":
		s.handleChartsExport(w, r, st)
	case sub == "reset" && tail == "":
		s.handleReset(w, r, id)
	case sub == "stats" && tail == "":
		s.writeJSON(w, http.StatusOK, st.SessionStats())
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

// handleChat runs one conversation turn. Model failures are reported in the
// reply body with HTTP 200 so the client renders them inline in the chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, st *session.State) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	prompt, err := s.cfg.Prompts.Render(prompts.TurnContext{
		Files:     st.FileNames(),
		Model:     s.cfg.Model,
		ToolCount: len(st.ToolSchemas()),
	})
	if err != nil {
		s.jsonError(w, "prompt rendering failed", http.StatusInternalServerError)
		return
	}

	res, err := s.cfg.Turns.ProcessTurn(r.Context(), st, prompt, req.Message)
	if err != nil {
		var mce *agent.ModelCallError
		if !errors.As(err, &mce) {
			s.cfg.Logger.Error("turn failed", "session", st.ID(), "error", err)
			s.jsonError(w, "turn processing failed", http.StatusInternalServerError)
			return
		}
		reply := "Error processing request: " + mce.Error()
		st.AddMessage(agent.RoleUser, req.Message, nil)
		st.AddMessage(agent.RoleAssistant, reply, nil)
		s.writeJSON(w, http.StatusOK, chatResponse{Reply: reply, ChartIndices: []int{}, ToolLog: []agent.ToolLogEntry{}})
		return
	}

	st.AddMessage(agent.RoleUser, req.Message, nil)
	st.AddMessage(agent.RoleAssistant, res.Text, res.ChartIndices)
	st.SetToolLog(res.ToolLog)

	resp := chatResponse{
		Reply:        res.Text,
		ChartIndices: res.ChartIndices,
		ToolCalls:    res.ToolCalls,
		ToolLog:      res.ToolLog,
		Usage:        res.Usage,
	}
	if resp.ChartIndices == nil {
		resp.ChartIndices = []int{}
	}
	if resp.ToolLog == nil {
		resp.ToolLog = []agent.ToolLogEntry{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleFiles handles GET (list) and POST (multipart upload) on
// /api/sessions/{id}/files.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, st *session.State) {
	switch r.Method {
	case http.MethodGet:
		files := st.Files()
		out := make([]fileInfo, 0, len(files))
		for _, f := range files {
			out = append(out, fileInfo{
				Name:         f.Name,
				Size:         f.Size,
				Type:         f.Type,
				UploadedAt:   f.UploadedAt,
				SentToServer: f.SentToServer,
			})
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"files": out, "count": len(out)})

	case http.MethodPost:
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			s.jsonError(w, "invalid multipart form", http.StatusBadRequest)
			return
		}
		part, header, err := r.FormFile("file")
		if err != nil {
			s.jsonError(w, "file field is required", http.StatusBadRequest)
			return
		}
		defer part.Close()

		content, err := io.ReadAll(part)
		if err != nil {
			s.jsonError(w, "reading upload failed", http.StatusInternalServerError)
			return
		}

		stored, err := st.AddFile(header.Filename, content, header.Header.Get("Content-Type"))
		if err != nil {
			var ve *agent.ValidationError
			if errors.As(err, &ve) {
				s.jsonError(w, ve.Error(), http.StatusBadRequest)
				return
			}
			s.jsonError(w, "storing upload failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusCreated, fileInfo{
			Name:       stored.Name,
			Size:       stored.Size,
			Type:       stored.Type,
			UploadedAt: stored.UploadedAt,
		})

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFile handles DELETE /api/sessions/{id}/files/{name}.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, st *session.State, name string) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !st.RemoveFile(name) {
		s.jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleConnect refreshes the session's tool list from the analysis server.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, st *session.State) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Tools == nil {
		s.jsonError(w, "analysis server not configured", http.StatusServiceUnavailable)
		return
	}
	tools, err := s.cfg.Tools.Connect(r.Context())
	if err != nil {
		cerr := &agent.ConnectionError{Server: s.cfg.Tools.Info().ServerURL, Err: err}
		s.jsonError(w, cerr.Error(), http.StatusBadGateway)
		return
	}
	st.SetTools(tools)
	s.cache.Remove(toolsCacheKey)

	info := s.cfg.Tools.Info()
	s.writeJSON(w, http.StatusOK, connectResponse{
		Connected:   true,
		ToolCount:   len(tools),
		ConnectedAt: info.ConnectedAt,
		ServerURL:   info.ServerURL,
		Categories:  mcp.Categorize(tools),
	})
}

type chartListItem struct {
	Index     int       `json:"index"`
	Filename  string    `json:"filename"`
	ChartType string    `json:"chart_type"`
	Dataframe string    `json:"dataframe"`
	Tool      string    `json:"tool"`
	CreatedAt time.Time `json:"created_at"`
}

// handleCharts handles GET (list) and DELETE (clear) on
// /api/sessions/{id}/charts. Listing omits the HTML payloads.
func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request, st *session.State) {
	switch r.Method {
	case http.MethodGet:
		store := st.ChartStore()
		artifacts := store.All()
		items := make([]chartListItem, len(artifacts))
		for i, a := range artifacts {
			items[i] = chartListItem{
				Index:     i,
				Filename:  a.Filename,
				ChartType: a.ChartType,
				Dataframe: a.Dataframe,
				Tool:      a.Tool,
				CreatedAt: a.CreatedAt,
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"charts":  items,
			"summary": store.Summarize(),
		})

	case http.MethodDelete:
		st.ClearCharts()
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleChartsExport serves all charts as one self-contained HTML document.
func (s *Server) handleChartsExport(w http.ResponseWriter, r *http.Request, st *session.State) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	html, ok := st.ChartStore().ExportHTML()
	if !ok {
		s.jsonError(w, "no charts to export", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="charts.html"`)
	if _, err := io.WriteString(w, html); err != nil {
		s.cfg.Logger.Warn("chart export write failed", "error", err)
	}
}

// handleReset clears session state. Preserved keys come from the request
// body; credentials are never preserved.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resetRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	keys := make([]session.Key, len(req.Preserve))
	for i, p := range req.Preserve {
		keys[i] = session.Key(p)
	}
	if !s.cfg.Sessions.Reset(id, keys...) {
		s.jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "preserved": req.Preserve})
}

type toolListItem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleTools serves the analysis server's tool listing, cached for the
// configured TTL. ?refresh=true bypasses the cache.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Tools == nil {
		s.jsonError(w, "analysis server not configured", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		s.cache.Remove(toolsCacheKey)
	}

	tools, err := bridge.Cached(r.Context(), s.cache, toolsCacheKey, s.cfg.ToolsCacheTTL, s.cfg.Tools.Connect)
	if err != nil {
		cerr := &agent.ConnectionError{Server: s.cfg.Tools.Info().ServerURL, Err: err}
		s.jsonError(w, cerr.Error(), http.StatusBadGateway)
		return
	}

	items := make([]toolListItem, len(tools))
	for i, t := range tools {
		items[i] = toolListItem{Name: t.Name, Description: t.Description}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tools":      items,
		"count":      len(items),
		"categories": mcp.Categorize(tools),
	})
}

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.start).String(),
		"sessions":   s.cfg.Sessions.Len(),
		"go_version": runtime.Version(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
