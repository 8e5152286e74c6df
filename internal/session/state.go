// Package session holds per-conversation state: messages, uploaded files,
// the tool list from the last server connect, and chart artifacts. There are
// no ambient globals; every consumer receives an explicit *State.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/charts"
	"github.com/haasonsaas/datachat/internal/mcp"
)

// Key names a clearable slice of session state, for ClearAll preserve lists.
type Key string

const (
	KeyMessages Key = "messages"
	KeyFiles    Key = "uploaded_files"
	KeyCharts   Key = "generated_charts"
	KeyTools    Key = "mcp_tools"
	KeyToolLog  Key = "tool_logs"
)

// Limits bounds per-session resource growth.
type Limits struct {
	// HistoryLimit caps stored conversation messages (default 50).
	HistoryLimit int

	// MaxFileBytes caps one uploaded file's size (default 100 MiB).
	MaxFileBytes int64

	// AllowedTypes are accepted upload extensions without the dot.
	AllowedTypes []string

	// MaxCharts caps the chart store (default 20).
	MaxCharts int
}

func (l Limits) normalize() Limits {
	if l.HistoryLimit <= 0 {
		l.HistoryLimit = 50
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = 100 << 20
	}
	if len(l.AllowedTypes) == 0 {
		l.AllowedTypes = DefaultAllowedTypes
	}
	if l.MaxCharts <= 0 {
		l.MaxCharts = charts.DefaultMaxStored
	}
	return l
}

// Message is one stored conversation entry. ChartIndices attaches charts
// created during the assistant's turn.
type Message struct {
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	ChartIndices []int     `json:"chart_indices,omitempty"`
	At           time.Time `json:"timestamp"`
}

// State is one conversation's complete server-side state. All methods are
// safe for concurrent use; turn processing within a session is expected to
// be serial, but the HTTP server is not.
type State struct {
	mu          sync.Mutex
	id          string
	createdAt   time.Time
	lastActive  time.Time
	messages    []Message
	files       map[string]*UploadedFile
	tools       []*mcp.ToolSchema
	connectedAt time.Time
	charts      *charts.Store
	toolLog     []agent.ToolLogEntry
	limits      Limits
}

// NewState creates a session with a fresh id and defaults applied.
func NewState(limits Limits) *State {
	s := &State{limits: limits.normalize()}
	s.initDefaultsLocked()
	return s
}

// InitDefaults populates every recognized field only if absent. Idempotent;
// safe to call on every request.
func (s *State) InitDefaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initDefaultsLocked()
}

func (s *State) initDefaultsLocked() {
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.createdAt.IsZero() {
		s.createdAt = time.Now()
	}
	if s.lastActive.IsZero() {
		s.lastActive = s.createdAt
	}
	if s.files == nil {
		s.files = make(map[string]*UploadedFile)
	}
	if s.charts == nil {
		s.charts = charts.NewStore(s.limits.MaxCharts)
	}
}

// ID returns the session identifier.
func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// CreatedAt returns when the session was first initialized.
func (s *State) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastActive returns the time of the last mutating access.
func (s *State) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch records activity for idle eviction.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// AddMessage appends one conversation entry, trimming to the history limit.
func (s *State) AddMessage(role, content string, chartIndices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{
		Role:         role,
		Content:      content,
		ChartIndices: chartIndices,
		At:           time.Now(),
	})
	if len(s.messages) > s.limits.HistoryLimit {
		s.messages = s.messages[len(s.messages)-s.limits.HistoryLimit:]
	}
	s.lastActive = time.Now()
}

// Messages returns a copy of the stored conversation.
func (s *State) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// RecentMessages returns up to limit trailing messages in the shape the
// model consumes.
func (s *State) RecentMessages(limit int) []agent.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]agent.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = agent.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// AddFile validates, sanitizes, and stores an uploaded file. The returned
// file's Name may differ from the input when sanitization or collision
// renaming applied.
func (s *State) AddFile(name string, content []byte, mimeType string) (*UploadedFile, error) {
	clean := sanitizeFilename(name)
	if err := validateFile(clean, int64(len(content)), s.limits.MaxFileBytes, s.limits.AllowedTypes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clean = uniqueName(clean, s.files)
	file := &UploadedFile{
		Name:       clean,
		Size:       int64(len(content)),
		Type:       mimeType,
		Content:    content,
		UploadedAt: time.Now(),
	}
	s.files[clean] = file
	s.lastActive = time.Now()
	return file, nil
}

// RemoveFile deletes a file and its content together.
func (s *State) RemoveFile(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return false
	}
	delete(s.files, name)
	s.lastActive = time.Now()
	return true
}

// FileBytes returns the raw content of an uploaded file.
func (s *State) FileBytes(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[name]
	if !ok {
		return nil, false
	}
	return file.Content, true
}

// Files returns the uploaded files keyed by name. The map is a copy; the
// *UploadedFile values are shared.
func (s *State) Files() map[string]*UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*UploadedFile, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out
}

// FileNames returns uploaded file names in map order.
func (s *State) FileNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	return names
}

// MarkFileSent flags a file as uploaded to the analysis server.
func (s *State) MarkFileSent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file, ok := s.files[name]; ok {
		file.SentToServer = true
	}
}

// SetTools replaces the tool list and records the connect time.
func (s *State) SetTools(tools []*mcp.ToolSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
	s.connectedAt = time.Now()
	s.lastActive = time.Now()
}

// ToolSchemas returns the tool list from the last server connect.
func (s *State) ToolSchemas() []*mcp.ToolSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// Connected reports whether a tool list is present.
func (s *State) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tools) > 0
}

// ConnectedAt returns when tools were last refreshed.
func (s *State) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// ChartStore returns the session's chart artifacts.
func (s *State) ChartStore() *charts.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charts
}

// SetToolLog replaces the stored per-turn tool log.
func (s *State) SetToolLog(entries []agent.ToolLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolLog = entries
}

// ToolLog returns a copy of the last turn's tool log.
func (s *State) ToolLog() []agent.ToolLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.ToolLogEntry, len(s.toolLog))
	copy(out, s.toolLog)
	return out
}

// ClearMessages drops the conversation.
func (s *State) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// ClearFiles drops all uploaded files, content and metadata together.
func (s *State) ClearFiles() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string]*UploadedFile)
}

// ClearCharts drops all chart artifacts.
func (s *State) ClearCharts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charts.Clear()
}

// ClearAll wipes the session and regenerates its id, restoring exactly the
// preserved keys' prior values before defaults are re-applied. Credentials
// are never session state, so nothing secret can survive a clear.
func (s *State) ClearAll(preserve ...Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[Key]bool, len(preserve))
	for _, k := range preserve {
		keep[k] = true
	}

	var (
		tools       []*mcp.ToolSchema
		connectedAt time.Time
		messages    []Message
		files       map[string]*UploadedFile
		chartStore  *charts.Store
		toolLog     []agent.ToolLogEntry
	)
	if keep[KeyTools] {
		tools, connectedAt = s.tools, s.connectedAt
	}
	if keep[KeyMessages] {
		messages = s.messages
	}
	if keep[KeyFiles] {
		files = s.files
	}
	if keep[KeyCharts] {
		chartStore = s.charts
	}
	if keep[KeyToolLog] {
		toolLog = s.toolLog
	}

	s.id = ""
	s.createdAt = time.Time{}
	s.lastActive = time.Time{}
	s.tools = tools
	s.connectedAt = connectedAt
	s.messages = messages
	s.files = files
	s.charts = chartStore
	s.toolLog = toolLog
	s.initDefaultsLocked()
}

// Reset wipes the session completely.
func (s *State) Reset() {
	s.ClearAll()
}

// Snapshot is a redacted view of the session for export and debugging.
// File contents and credentials never appear.
type Snapshot struct {
	SessionID   string    `json:"session_id"`
	Messages    []Message `json:"messages"`
	Files       []string  `json:"uploaded_files"`
	ChartsCount int       `json:"charts_count"`
	ToolsCount  int       `json:"tools_count"`
	Connected   bool      `json:"connected"`
	CreatedAt   time.Time `json:"created_at"`
	ExportedAt  time.Time `json:"timestamp"`
}

// Export returns a redacted snapshot. The session id is shortened to its
// first eight characters.
func (s *State) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id
	if len(id) > 8 {
		id = id[:8]
	}
	files := make([]string, 0, len(s.files))
	for name := range s.files {
		files = append(files, name)
	}
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)

	return Snapshot{
		SessionID:   id,
		Messages:    messages,
		Files:       files,
		ChartsCount: s.charts.Len(),
		ToolsCount:  len(s.tools),
		Connected:   len(s.tools) > 0,
		CreatedAt:   s.createdAt,
		ExportedAt:  time.Now(),
	}
}

// Stats summarizes session size for the UI sidebar.
type Stats struct {
	Messages  int `json:"messages"`
	Files     int `json:"files"`
	Charts    int `json:"charts"`
	Tools     int `json:"tools"`
	ToolCalls int `json:"tool_calls"`
}

// SessionStats returns current counts.
func (s *State) SessionStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Messages:  len(s.messages),
		Files:     len(s.files),
		Charts:    s.charts.Len(),
		Tools:     len(s.tools),
		ToolCalls: len(s.toolLog),
	}
}
