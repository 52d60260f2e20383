package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPool_AcquireReusesByOrigin(t *testing.T) {
	p := NewPool(Config{})
	ctx := context.Background()

	a, err := p.Acquire(ctx, "https://api.anthropic.com/v1/messages", "", ProtocolAuto)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(ctx, "https://API.anthropic.com/v1/models?x=1", "", ProtocolAuto)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same origin must share a handle")
	}

	c, _ := p.Acquire(ctx, "https://api.anthropic.com", "", ProtocolHTTP1)
	d, _ := p.Acquire(ctx, "https://api.anthropic.com", "socks5://127.0.0.1:1080", ProtocolAuto)
	if c == a || d == a || c == d {
		t.Error("protocol and proxy must be part of the key")
	}
	if p.Len() != 3 {
		t.Errorf("Len = %d, want 3", p.Len())
	}
}

func TestPool_MarkUnhealthyRecreates(t *testing.T) {
	p := NewPool(Config{})
	ctx := context.Background()

	a, _ := p.Acquire(ctx, "https://example.com", "", ProtocolAuto)
	p.MarkUnhealthy(a)
	if a.Healthy() {
		t.Fatal("handle still healthy")
	}
	b, _ := p.Acquire(ctx, "https://example.com", "", ProtocolAuto)
	if a == b {
		t.Error("unhealthy handle must be replaced")
	}
	if p.Created() != 2 {
		t.Errorf("Created = %d, want 2", p.Created())
	}
}

func TestPool_Errors(t *testing.T) {
	p := NewPool(Config{})
	if _, err := p.Acquire(context.Background(), "/relative", "", ProtocolAuto); err == nil {
		t.Error("expected error for a url without origin")
	}
	if _, err := p.Acquire(context.Background(), "https://x", "ftp://proxy", ProtocolAuto); err == nil {
		t.Error("expected error for an unsupported proxy scheme")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx, "https://x", "", ProtocolAuto); err == nil {
		t.Error("expected error for a cancelled context")
	}
}

func TestPool_HandleServesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewPool(Config{})
	defer p.Close()
	h, err := p.Acquire(context.Background(), srv.URL+"/v1/messages", "", ProtocolHTTP1)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := h.Client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestParseProtocol(t *testing.T) {
	if ParseProtocol("HTTP2") != ProtocolHTTP2 || ParseProtocol("http1") != ProtocolHTTP1 || ParseProtocol("") != ProtocolAuto {
		t.Error("ParseProtocol mapping wrong")
	}
}
