package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// requestIDKey is the user value holding the request id.
const requestIDKey = "request_id"

// maxRequestIDLen caps client-supplied request ids; longer ones are replaced.
const maxRequestIDLen = 128

// recovery turns a handler panic into a 500 in the relay error envelope.
// A panic inside a body stream writer is outside its reach; the stream is
// cut and fasthttp logs it.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				id, _ := ctx.UserValue(requestIDKey).(string)
				g.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("request_id", id),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.Response.Reset()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// requestID assigns every request an id, echoed in X-Request-ID. A client
// id is kept only when it is short and made of URL-safe characters, since it
// ends up in logs and audit rows.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// timing reports the time to response headers in X-Response-Time. For
// streamed replies that is the time to the upstream's first byte, not the
// length of the stream.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens responses. The relay serves only JSON and event
// streams, so no content is allowed to load.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		// Event streams must not be buffered by an intermediate proxy.
		if strings.HasPrefix(string(h.ContentType()), "text/event-stream") {
			h.Set("X-Accel-Buffering", "no")
		}
	}
}

// allowedHeaders covers the credential, version and session headers of
// every supported vendor client.
const allowedHeaders = "Authorization, Content-Type, X-Request-ID, X-Api-Key, X-Goog-Api-Key, " +
	"Anthropic-Version, Anthropic-Beta, X-Session-Id, Session_id, Conversation_id"

// exposedHeaders are readable by browser clients.
const exposedHeaders = "X-Request-ID, X-Response-Time"

// corsHandler answers preflights and tags responses for the allowed origins.
// nil or ["*"] allows any origin. With an allowlist the request's Origin is
// echoed back when listed and no CORS headers are sent otherwise.
func corsHandler(origins []string) middleware {
	wildcard := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			origin := string(ctx.Request.Header.Peek("Origin"))
			switch {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			h.Set("Access-Control-Expose-Headers", exposedHeaders)

			if string(ctx.Method()) == fasthttp.MethodOptions {
				h.Set("Access-Control-Max-Age", "600")
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// chain wraps h so that the first middleware runs outermost:
//
//	chain(h, a, b) == a(b(h))
func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
