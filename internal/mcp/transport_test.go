package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// sseTestServer is a minimal analysis-server stand-in: it hands out an
// endpoint over the event stream and answers POSTed JSON-RPC requests by
// writing responses back onto the stream.
type sseTestServer struct {
	*httptest.Server
	respond func(req *JSONRPCRequest) *JSONRPCResponse
	frames  chan string
}

func newSSETestServer(t *testing.T, respond func(req *JSONRPCRequest) *JSONRPCResponse) *sseTestServer {
	t.Helper()
	s := &sseTestServer{
		respond: respond,
		frames:  make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		for {
			select {
			case frame := <-s.frames:
				fmt.Fprint(w, frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		if req.ID == "" {
			return // notification
		}
		if resp := s.respond(&req); resp != nil {
			resp.JSONRPC = "2.0"
			resp.ID = req.ID
			body, _ := json.Marshal(resp)
			s.frames <- fmt.Sprintf("event: message\ndata: %s\n\n", body)
		}
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *sseTestServer) config() *ServerConfig {
	return &ServerConfig{URL: s.URL + "/sse", Timeout: 5 * time.Second}
}

func TestSSETransport(t *testing.T) {
	t.Run("resolves endpoint and round-trips a call", func(t *testing.T) {
		server := newSSETestServer(t, func(req *JSONRPCRequest) *JSONRPCResponse {
			if req.Method != "ping" {
				t.Errorf("unexpected method %q", req.Method)
			}
			return &JSONRPCResponse{Result: json.RawMessage(`{"pong":true}`)}
		})

		transport := NewSSETransport(server.config(), nil)
		if err := transport.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer transport.Close()

		result, err := transport.Call(context.Background(), "ping", nil)
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if string(result) != `{"pong":true}` {
			t.Errorf("unexpected result: %s", result)
		}
	})

	t.Run("surfaces rpc errors", func(t *testing.T) {
		server := newSSETestServer(t, func(req *JSONRPCRequest) *JSONRPCResponse {
			return &JSONRPCResponse{Error: &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "no such method"}}
		})

		transport := NewSSETransport(server.config(), nil)
		if err := transport.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer transport.Close()

		if _, err := transport.Call(context.Background(), "nope", nil); err == nil {
			t.Fatal("expected rpc error")
		}
	})

	t.Run("call fails when not connected", func(t *testing.T) {
		transport := NewSSETransport(&ServerConfig{URL: "http://127.0.0.1:9"}, nil)
		if _, err := transport.Call(context.Background(), "ping", nil); err == nil {
			t.Fatal("expected error on unconnected transport")
		}
	})

	t.Run("connect fails against unreachable server", func(t *testing.T) {
		transport := NewSSETransport(&ServerConfig{URL: "http://127.0.0.1:9/sse", Timeout: time.Second}, nil)
		if err := transport.Connect(context.Background()); err == nil {
			transport.Close()
			t.Fatal("expected connect error")
		}
	})
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid http", ServerConfig{URL: "http://localhost:8000/sse"}, false},
		{"valid https", ServerConfig{URL: "https://example.com/sse", Timeout: time.Second}, false},
		{"empty url", ServerConfig{}, true},
		{"bad scheme", ServerConfig{URL: "ftp://example.com"}, true},
		{"negative timeout", ServerConfig{URL: "http://x", Timeout: -1}, true},
		{"negative retries", ServerConfig{URL: "http://x", MaxRetries: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSSEConnectHandshakeBounds(t *testing.T) {
	t.Run("config timeout bounds a server that never sends headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Accept the connection, write nothing.
			<-r.Context().Done()
		}))
		defer server.Close()

		transport := NewSSETransport(&ServerConfig{URL: server.URL, Timeout: 200 * time.Millisecond}, nil)
		start := time.Now()
		err := transport.Connect(context.Background())
		if err == nil {
			transport.Close()
			t.Fatal("expected connect to time out")
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Fatalf("connect blocked %v past the 200ms timeout", elapsed)
		}
	})

	t.Run("caller context bounds the header phase", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		transport := NewSSETransport(&ServerConfig{URL: server.URL, Timeout: 30 * time.Second}, nil)
		start := time.Now()
		err := transport.Connect(ctx)
		if err == nil {
			transport.Close()
			t.Fatal("expected connect to fail on context deadline")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want context deadline", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Fatalf("connect blocked %v past the 100ms context deadline", elapsed)
		}
	})

	t.Run("config timeout bounds a stream with no endpoint event", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				t.Error("response writer does not support flushing")
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()
			<-r.Context().Done()
		}))
		defer server.Close()

		transport := NewSSETransport(&ServerConfig{URL: server.URL, Timeout: 200 * time.Millisecond}, nil)
		start := time.Now()
		err := transport.Connect(context.Background())
		if err == nil {
			transport.Close()
			t.Fatal("expected connect to time out waiting for the endpoint event")
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Fatalf("connect blocked %v past the 200ms timeout", elapsed)
		}
	})
}
