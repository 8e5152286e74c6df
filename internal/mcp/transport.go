package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport carries JSON-RPC traffic to the analysis server.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

const defaultTimeout = 30 * time.Second

// SSETransport implements the MCP HTTP+SSE transport. The initial GET opens a
// server-sent-event stream; the first "endpoint" event names the URL requests
// are POSTed to, and responses are delivered back on the event stream,
// correlated by JSON-RPC id.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	endpoint  atomic.Value // string, set once the endpoint event arrives
	connected atomic.Bool

	mu      sync.Mutex
	pending map[string]chan *JSONRPCResponse

	stream   io.ReadCloser
	cancel   context.CancelFunc
	readDone chan struct{}
}

// NewSSETransport creates a transport for the configured server.
func NewSSETransport(cfg *ServerConfig, logger *slog.Logger) *SSETransport {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &SSETransport{
		config: cfg,
		logger: logger.With("transport", "sse"),
		// The POST client gets the timeout; the SSE stream itself must
		// outlive individual calls, so the GET uses the request context.
		client:  &http.Client{Timeout: timeout},
		pending: make(map[string]chan *JSONRPCResponse),
	}
}

// Connect opens the SSE stream and waits for the endpoint event.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}

	// The stream must outlive the Connect call, so its context stays
	// detached from the caller's; the handshake phases below are bounded
	// by a shared timer and the caller's ctx instead.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	timeout := t.config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Streaming GET bypasses the POST client's timeout, so the header
	// phase is watched here: cancelling streamCtx unblocks Do.
	type streamResult struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan streamResult, 1)
	go func() {
		resp, err := (&http.Client{}).Do(req)
		resCh <- streamResult{resp: resp, err: err}
	}()

	var resp *http.Response
	select {
	case r := <-resCh:
		if r.err != nil {
			cancel()
			return fmt.Errorf("open event stream: %w", r.err)
		}
		resp = r.resp
	case <-timer.C:
		cancel()
		if r := <-resCh; r.resp != nil {
			r.resp.Body.Close()
		}
		return fmt.Errorf("timed out opening event stream")
	case <-ctx.Done():
		cancel()
		if r := <-resCh; r.resp != nil {
			r.resp.Body.Close()
		}
		return ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("event stream HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t.stream = resp.Body
	t.cancel = cancel
	t.readDone = make(chan struct{})

	endpointReady := make(chan error, 1)
	go t.readLoop(endpointReady)

	// The timer keeps running from before the GET, so the whole handshake
	// shares one budget.
	select {
	case err := <-endpointReady:
		if err != nil {
			t.Close()
			return err
		}
	case <-timer.C:
		t.Close()
		return fmt.Errorf("timed out waiting for endpoint event")
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}

	t.connected.Store(true)
	return nil
}

// Close tears down the stream and fails all pending calls.
func (t *SSETransport) Close() error {
	t.connected.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	if t.stream != nil {
		t.stream.Close()
	}
	if t.readDone != nil {
		<-t.readDone
	}

	t.mu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	return nil
}

// Connected reports whether the transport is usable.
func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

// Call POSTs a request and waits for the correlated response on the stream.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	endpoint, ok := t.endpoint.Load().(string)
	if !ok || !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respCh := make(chan *JSONRPCResponse, 1)
	t.mu.Lock()
	t.pending[req.ID] = respCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.post(ctx, endpoint, req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return nil, fmt.Errorf("connection closed before response")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify POSTs a notification without waiting for a response.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	endpoint, ok := t.endpoint.Load().(string)
	if !ok || !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	return t.post(ctx, endpoint, notif)
}

func (t *SSETransport) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// readLoop consumes the SSE stream, resolving the endpoint event and routing
// response events to their waiting callers.
func (t *SSETransport) readLoop(endpointReady chan<- error) {
	defer close(t.readDone)

	scanner := bufio.NewScanner(t.stream)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var event, data string
	endpointSent := false

	flush := func() {
		defer func() { event, data = "", "" }()
		if data == "" {
			return
		}
		switch event {
		case "endpoint":
			resolved, err := t.resolveEndpoint(data)
			if err != nil {
				if !endpointSent {
					endpointSent = true
					endpointReady <- err
				}
				return
			}
			t.endpoint.Store(resolved)
			if !endpointSent {
				endpointSent = true
				endpointReady <- nil
			}
		case "message", "":
			t.dispatch([]byte(data))
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if data != "" {
				data += "\n"
			}
			data += chunk
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}
	flush()

	if !endpointSent {
		endpointReady <- fmt.Errorf("event stream closed before endpoint event")
	}
	t.connected.Store(false)
}

func (t *SSETransport) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *SSETransport) dispatch(data []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
		// Server notification or unparseable frame; neither has a waiter.
		t.logger.Debug("ignoring non-response frame", "size", len(data))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("response with no pending call", "id", resp.ID)
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}
