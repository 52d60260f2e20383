package proxy

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func okHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok")
}

// --- recovery ----------------------------------------------------------------

func TestRecovery(t *testing.T) {
	g := &Gateway{log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	t.Run("passes through", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		g.recovery(okHandler)(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
		}
	})

	t.Run("panic becomes 500 envelope", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		g.recovery(func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("X-Partial", "1")
			ctx.SetBodyString("half written")
			panic("boom")
		})(ctx)

		if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
			t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
		}
		body := string(ctx.Response.Body())
		if !strings.Contains(body, `"code":"internal_error"`) || strings.Contains(body, "half written") {
			t.Errorf("body = %s", body)
		}
		if len(ctx.Response.Header.Peek("X-Partial")) != 0 {
			t.Error("headers from the panicking handler should be discarded")
		}
	})
}

// --- requestID ---------------------------------------------------------------

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"missing", "", false},
		{"kept", "req-123_abc.def:1", true},
		{"uuid", "9b2f6c1e-8a53-4c1a-bf1e-2a1d44d0c0de", true},
		{"spaces", "has spaces", false},
		{"newline", "a\nb", false},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"max length", strings.Repeat("a", maxRequestIDLen), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := requestID(func(ctx *fasthttp.RequestCtx) {
				seen, _ = ctx.UserValue(requestIDKey).(string)
			})

			ctx := &fasthttp.RequestCtx{}
			if tt.header != "" {
				ctx.Request.Header.Set("X-Request-ID", tt.header)
			}
			h(ctx)

			if seen == "" {
				t.Fatal("no request id stored")
			}
			if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
				t.Errorf("response id %q != stored %q", got, seen)
			}
			if (seen == tt.header) != tt.keep {
				t.Errorf("id = %q, keep client id = %v", seen, tt.keep)
			}
		})
	}
}

// --- timing and securityHeaders ------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	timing(okHandler)(ctx)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time header should be set")
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		wantAccel   bool
	}{
		{"json", "application/json", false},
		{"event stream", "text/event-stream; charset=utf-8", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			securityHeaders(func(ctx *fasthttp.RequestCtx) {
				ctx.SetContentType(tt.contentType)
			})(ctx)

			h := &ctx.Response.Header
			if string(h.Peek("X-Content-Type-Options")) != "nosniff" {
				t.Error("nosniff missing")
			}
			if string(h.Peek("Content-Security-Policy")) != "default-src 'none'" {
				t.Error("CSP missing")
			}
			if got := string(h.Peek("X-Accel-Buffering")) == "no"; got != tt.wantAccel {
				t.Errorf("X-Accel-Buffering set = %v, want %v", got, tt.wantAccel)
			}
		})
	}
}

// --- corsHandler ---------------------------------------------------------------

func TestCORS_Origins(t *testing.T) {
	allow := []string{"https://app.nulpoint.com", "https://dashboard.nulpoint.com"}
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"nil is wildcard", nil, "https://x.example", "*"},
		{"explicit wildcard", []string{"*"}, "", "*"},
		{"listed origin echoed", allow, "https://dashboard.nulpoint.com", "https://dashboard.nulpoint.com"},
		{"unlisted origin", allow, "https://evil.example", ""},
		{"no origin", allow, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(fasthttp.MethodPost)
			if tt.origin != "" {
				ctx.Request.Header.Set("Origin", tt.origin)
			}
			corsHandler(tt.origins)(okHandler)(ctx)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
			if ctx.Response.StatusCode() != fasthttp.StatusOK {
				t.Errorf("status = %d", ctx.Response.StatusCode())
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	corsHandler(nil)(okHandler)(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have empty body")
	}
	h := &ctx.Response.Header
	for _, want := range []string{"X-Api-Key", "X-Goog-Api-Key", "Anthropic-Version", "X-Session-Id"} {
		if !strings.Contains(string(h.Peek("Access-Control-Allow-Headers")), want) {
			t.Errorf("Allow-Headers lacks %q", want)
		}
	}
	if string(h.Peek("Access-Control-Max-Age")) == "" {
		t.Error("Max-Age missing on preflight")
	}
}

// --- chain -----------------------------------------------------------------------

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-before")
				next(ctx)
				order = append(order, name+"-after")
			}
		}
	}

	h := chain(func(*fasthttp.RequestCtx) { order = append(order, "handler") }, mw("a"), mw("b"))
	h(&fasthttp.RequestCtx{})

	want := []string{"a-before", "b-before", "handler", "b-after", "a-after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	chain(func(*fasthttp.RequestCtx) { called = true })(&fasthttp.RequestCtx{})
	if !called {
		t.Error("handler should be called with no middleware")
	}
}
