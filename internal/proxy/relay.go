package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/forwarder"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	// settleTimeout bounds billing work after the response is complete.
	settleTimeout = 10 * time.Second

	// maxUsageCapture caps the SSE bytes retained for usage extraction.
	maxUsageCapture = 1 << 20
)

// errClientClosed is the forward context's cancel cause when the inbound
// connection goes away.
var errClientClosed = errors.New("proxy: client closed connection")

// hopHeaders are not copied from the upstream response.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// inbound describes where a request came in and how to read it.
type inbound struct {
	format providers.Format
	route  string
	// model and action come from the path for Gemini routes.
	model  string
	action string
}

// relay is the shared handler body for every vendor route.
func (g *Gateway) relay(ctx *fasthttp.RequestCtx, in inbound) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(in.route, ctx.Response.StatusCode(), time.Since(start), reqBytes)
	}()

	reqID, _ := ctx.UserValue(requestIDKey).(string)
	if reqID == "" {
		reqID = uuid.New().String()
	}

	s := session.New(reqID, in.format, inboundHeaders(ctx), append([]byte(nil), ctx.PostBody()...))
	s.Method = string(ctx.Method())
	s.Path = string(ctx.Path())
	s.RawQuery = string(ctx.QueryArgs().QueryString())
	if in.action != "" {
		s.Action = in.action
		s.Stream = strings.HasPrefix(in.action, "stream")
	}
	if in.model != "" {
		s.SetOriginalModel(in.model)
	}

	if s.Payload() == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"request body must be a JSON object", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if s.OriginalModel() == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"model is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	rawKey := clientKey(ctx)
	if !g.authenticate(s, rawKey) {
		apierr.WriteUnauthorized(ctx)
		return
	}

	if !g.admit(ctx, s) {
		return
	}

	g.applyHeaderOverrides(s)
	if id, vendor := session.DeriveID(s.Format, s.Headers, s.Payload(), rawKey); id != "" {
		s.SetSessionID(id, vendor)
	}

	// The forward context outlives the handler for streams, so it hangs off
	// baseCtx; a client hang-up before the response starts cancels it.
	fctx, cancel := context.WithCancelCause(g.baseCtx)
	stop := watchDisconnect(ctx, func() { cancel(errClientClosed) })
	res, err := g.fwd.Forward(fctx, s)
	if err != nil {
		stop()
		cancel(nil)
		g.writeForwardError(ctx, s, err)
		return
	}

	resp := res.Response
	if isEventStream(resp.Header) {
		stop()
		s.Stream = true
		copyResponseHeaders(&ctx.Response.Header, resp.Header)
		ctx.SetStatusCode(resp.StatusCode)
		g.stream(ctx, s, res, func() { cancel(nil) })
		return
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	stop()
	cancel(nil)
	if err != nil && errors.Is(context.Cause(fctx), errClientClosed) {
		apierr.WriteClientClosed(ctx)
		g.fail(s, ctx.Response.StatusCode(), errClientClosed)
		return
	}
	if err != nil {
		g.log.WarnContext(ctx, "upstream_body_read_failed",
			slog.String("request_id", s.RequestID),
			slog.String("error", err.Error()),
		)
		apierr.WriteGateway(ctx, false, "upstream response interrupted")
		g.fail(s, fasthttp.StatusBadGateway, err)
		return
	}
	s.Stream = false
	copyResponseHeaders(&ctx.Response.Header, resp.Header)
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetBody(body)
	g.settle(s, res.Handler, resp.StatusCode, body)
}

// authenticate resolves the client key. Without a key store every request
// is accepted anonymously.
func (g *Gateway) authenticate(s *session.Session, raw string) bool {
	if g.keys == nil {
		s.SetAuthState(session.AuthState{Success: true})
		return true
	}
	key, ok := g.keys.LookupKey(raw)
	if raw == "" || !ok {
		s.SetAuthState(session.AuthState{})
		return false
	}
	s.SetAuthState(session.AuthState{Success: true, Key: key})
	return true
}

// admit applies the per-key RPM and cost-window limits. Limiter failures
// allow the request.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, s *session.Session) bool {
	key := s.Auth().Key

	if g.rpm != nil {
		limit := 0
		if key != nil {
			limit = key.RPM
		}
		allowed, err := g.rpm.Allow(ctx, s.Auth().KeyID(), limit)
		switch {
		case err != nil:
			g.metrics.RecordRateLimit("error")
			g.log.WarnContext(ctx, "rate_limit_check_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		case !allowed:
			g.metrics.RecordRateLimit("rejected")
			apierr.WriteRateLimit(ctx)
			g.fail(s, fasthttp.StatusTooManyRequests, errors.New("rpm limit exceeded"))
			return false
		default:
			g.metrics.RecordRateLimit("allowed")
		}
	}

	if g.costs == nil || key == nil {
		return true
	}
	if window := g.exceededWindow(ctx, s, key); window != "" {
		apierr.WriteCostLimit(ctx, window)
		g.fail(s, fasthttp.StatusTooManyRequests, errors.New("cost limit exceeded: "+window))
		return false
	}
	return true
}

func (g *Gateway) exceededWindow(ctx context.Context, s *session.Session, key *providers.ClientKey) string {
	if key.Limits.HasWindowLimits() {
		res, err := g.costs.CheckLimits(ctx, ratelimit.ScopeKey, key.ID, key.Limits)
		if err != nil {
			g.log.WarnContext(ctx, "cost_limit_check_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		} else if !res.Allowed {
			return res.Reason
		}
	}
	if key.Limits.TotalUSD > 0 {
		res, err := g.costs.CheckTotalLimit(ctx, ratelimit.ScopeKey, key.ID, key.Limits.TotalUSD, key.Limits.TotalResetAt)
		if err != nil {
			g.log.WarnContext(ctx, "cost_limit_check_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		} else if !res.Allowed {
			return "total"
		}
	}
	return ""
}

// writeForwardError maps a forwarder failure onto the client response.
func (g *Gateway) writeForwardError(ctx *fasthttp.RequestCtx, s *session.Session, err error) {
	var ferr *forwarder.Error
	if !errors.As(err, &ferr) {
		ferr = &forwarder.Error{Kind: forwarder.KindSystemError, Err: err}
	}

	switch ferr.Kind {
	case forwarder.KindNoCandidate:
		apierr.WriteNoCandidate(ctx, "no available provider for model "+s.OriginalModel())
	case forwarder.KindProviderError:
		if v := ferr.Header.Get("Retry-After"); v != "" {
			ctx.Response.Header.Set("Retry-After", v)
		}
		apierr.WriteUpstream(ctx, ferr.Status, ferr.Header.Get("Content-Type"), ferr.Body)
	case forwarder.KindClientAbort:
		apierr.WriteClientClosed(ctx)
	default:
		apierr.WriteGateway(ctx, ferr.Timeout, "all upstream attempts failed")
	}

	g.log.WarnContext(ctx, "relay_failed",
		slog.String("request_id", s.RequestID),
		slog.String("kind", ferr.Kind.String()),
		slog.Int("status", ctx.Response.StatusCode()),
		slog.Int("attempts", len(s.Chain())),
	)
	g.fail(s, ctx.Response.StatusCode(), err)
}

// stream relays an SSE response. The writer runs after the handler returns,
// so billing happens once the upstream stream drains.
func (g *Gateway) stream(ctx *fasthttp.RequestCtx, s *session.Session, res *forwarder.Result, cancel context.CancelFunc) {
	resp := res.Response
	ctx.Response.Header.Set("Cache-Control", "no-cache")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer resp.Body.Close()

		capture := &usageCapture{limit: maxUsageCapture}
		r := bufio.NewReaderSize(resp.Body, 32*1024)
		var readErr, writeErr error
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				capture.observe(line)
				if _, writeErr = w.Write(line); writeErr == nil && len(bytes.TrimSpace(line)) == 0 {
					writeErr = w.Flush()
				}
				if writeErr != nil {
					break
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				break
			}
		}
		if writeErr == nil {
			writeErr = w.Flush()
		}

		switch {
		case writeErr != nil:
			g.log.Info("stream_client_closed",
				slog.String("request_id", s.RequestID),
				slog.String("error", writeErr.Error()),
			)
		case readErr != nil:
			g.log.Warn("stream_upstream_interrupted",
				slog.String("request_id", s.RequestID),
				slog.String("error", readErr.Error()),
			)
		}
		g.settle(s, res.Handler, resp.StatusCode, capture.Bytes())
	})
}

func (g *Gateway) settle(s *session.Session, h providers.Handler, status int, body []byte) {
	if g.biller == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.baseCtx), settleTimeout)
	defer cancel()
	out := g.biller.Settle(ctx, s, h, status, body)
	g.log.Debug("relay_completed",
		slog.String("request_id", s.RequestID),
		slog.String("model", out.Model),
		slog.Int64("input_tokens", out.Usage.InputTokens),
		slog.Int64("output_tokens", out.Usage.OutputTokens),
		slog.Float64("cost_usd", out.Cost),
		slog.Int64("duration_ms", time.Since(s.StartedAt).Milliseconds()),
	)
}

func (g *Gateway) fail(s *session.Session, status int, err error) {
	if g.biller != nil {
		g.biller.Fail(s, status, err)
	}
}

// usageCapture keeps the SSE data lines that can carry token usage. The
// first such line is always kept (Claude reports input usage there); later
// lines are trimmed from the front once limit is reached.
type usageCapture struct {
	limit int
	first []byte
	lines [][]byte
	size  int
}

func (c *usageCapture) observe(line []byte) {
	if !bytes.HasPrefix(bytes.TrimSpace(line), []byte("data:")) || !bytes.Contains(line, []byte("usage")) {
		return
	}
	cp := append([]byte(nil), line...)
	if c.first == nil {
		c.first = cp
		return
	}
	c.lines = append(c.lines, cp)
	c.size += len(cp)
	for c.size > c.limit && len(c.lines) > 1 {
		c.size -= len(c.lines[0])
		c.lines = c.lines[1:]
	}
}

// Bytes returns the retained lines as an SSE body.
func (c *usageCapture) Bytes() []byte {
	var b bytes.Buffer
	for _, l := range append([][]byte{c.first}, c.lines...) {
		if l == nil {
			continue
		}
		b.Write(bytes.TrimRight(l, "\r\n"))
		b.WriteString("\n\n")
	}
	return b.Bytes()
}

// inboundHeaders copies the fasthttp request headers.
func inboundHeaders(ctx *fasthttp.RequestCtx) http.Header {
	h := make(http.Header)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		h.Add(string(k), string(v))
	})
	return h
}

func copyResponseHeaders(dst *fasthttp.ResponseHeader, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for i, v := range vs {
			if i == 0 {
				dst.Set(k, v)
			} else {
				dst.Add(k, v)
			}
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// clientKey extracts the relay API key in order of precedence: x-api-key,
// Authorization bearer, x-goog-api-key, then the key query parameter.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if v := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key"))); v != "" {
		return v
	}
	if v := parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))); v != "" {
		return v
	}
	if v := strings.TrimSpace(string(ctx.Request.Header.Peek("x-goog-api-key"))); v != "" {
		return v
	}
	return strings.TrimSpace(string(ctx.QueryArgs().Peek("key")))
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
