package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func newTestSession(makeTransport func() *fakeTransport) (*ToolSession, *[]int) {
	cfg := &ServerConfig{URL: "http://test", MaxRetries: 2}
	s := NewToolSession(cfg, nil)
	s.retryCfg.InitialDelay = time.Millisecond
	counter := []int{0}
	s.newClient = func() *Client {
		counter[0]++
		return newClientWithTransport(cfg, makeTransport(), nil)
	}
	return s, &counter
}

func TestToolSessionConnect(t *testing.T) {
	t.Run("returns tool schemas", func(t *testing.T) {
		s, _ := newTestSession(func() *fakeTransport {
			ft := newFakeTransport()
			ft.responses = handshakeResponses()
			return ft
		})
		tools, err := s.Connect(context.Background())
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if len(tools) != 2 {
			t.Fatalf("expected 2 tools, got %d", len(tools))
		}
		info := s.Info()
		if !info.Connected || info.ToolCount != 2 {
			t.Errorf("unexpected info: %+v", info)
		}
	})

	t.Run("retries handshake failures", func(t *testing.T) {
		attempts := 0
		s, _ := newTestSession(func() *fakeTransport {
			attempts++
			ft := newFakeTransport()
			if attempts == 1 {
				ft.connectErr = fmt.Errorf("connection refused")
			} else {
				ft.responses = handshakeResponses()
			}
			return ft
		})
		tools, err := s.Connect(context.Background())
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if len(tools) != 2 {
			t.Fatalf("expected 2 tools, got %d", len(tools))
		}
		if attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", attempts)
		}
	})

	t.Run("propagates persistent handshake failure", func(t *testing.T) {
		s, _ := newTestSession(func() *fakeTransport {
			ft := newFakeTransport()
			ft.connectErr = fmt.Errorf("connection refused")
			return ft
		})
		if _, err := s.Connect(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestToolSessionCall(t *testing.T) {
	t.Run("opens a fresh session per call", func(t *testing.T) {
		s, connects := newTestSession(func() *fakeTransport {
			ft := newFakeTransport()
			ft.responses = handshakeResponses()
			ft.responses["tools/call"] = json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`)
			return ft
		})
		for i := 0; i < 3; i++ {
			inv := s.Call(context.Background(), "get_dataframe_info", nil)
			if !inv.OK {
				t.Fatalf("call %d failed: %s", i, inv.Err)
			}
			if inv.Output != "ok" {
				t.Errorf("unexpected output %q", inv.Output)
			}
		}
		if (*connects)[0] != 3 {
			t.Errorf("expected 3 sessions, got %d", (*connects)[0])
		}
	})

	t.Run("setup failure becomes failure-tagged result", func(t *testing.T) {
		s, _ := newTestSession(func() *fakeTransport {
			ft := newFakeTransport()
			ft.connectErr = fmt.Errorf("server down")
			return ft
		})
		inv := s.Call(context.Background(), "get_dataframe_info", nil)
		if inv.OK {
			t.Fatal("expected failure")
		}
		if inv.Err == "" {
			t.Error("expected error description")
		}
		if inv.Text() == "" {
			t.Error("Text() must carry the error for the model")
		}
	})

	t.Run("isError payload becomes failure", func(t *testing.T) {
		s, _ := newTestSession(func() *fakeTransport {
			ft := newFakeTransport()
			ft.responses = handshakeResponses()
			ft.responses["tools/call"] = json.RawMessage(`{"isError":true,"content":[{"type":"text","text":"no such dataframe"}]}`)
			return ft
		})
		inv := s.Call(context.Background(), "get_dataframe_info", nil)
		if inv.OK {
			t.Fatal("expected failure")
		}
		if inv.Err != "no such dataframe" {
			t.Errorf("unexpected error %q", inv.Err)
		}
	})
}
