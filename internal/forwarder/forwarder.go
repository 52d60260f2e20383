// Package forwarder runs the attempt loop of one relayed request: it asks the
// selector for a provider, builds the outbound request, sends it through the
// pooled transport and classifies failures into retry, rectify or give-up
// decisions, recording every attempt on the session's provider chain and in
// the circuit breakers.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/breaker"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/selector"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/transport"
)

const (
	// DefaultMaxAttempts caps upstream attempts per request, including
	// endpoint retries and provider switches.
	DefaultMaxAttempts = 3

	// DefaultFirstByteTimeout bounds the wait for upstream response headers.
	DefaultFirstByteTimeout = 60 * time.Second

	defaultAcquireTimeout = 5 * time.Second

	// maxErrorBody caps how much of an upstream error reply is buffered.
	maxErrorBody = 1 << 20
)

var errEndpointPoolExhausted = errors.New("forwarder: no endpoint could be claimed")

// Selector chooses providers. *selector.Selector satisfies it.
type Selector interface {
	Select(ctx context.Context, req selector.Request) (*selector.Candidate, error)
	Release(c *selector.Candidate)
}

// Transport hands out pooled upstream clients. *transport.Pool satisfies it.
type Transport interface {
	Acquire(ctx context.Context, rawURL, proxyURL string, proto transport.Protocol) (*transport.Handle, error)
	MarkUnhealthy(h *transport.Handle)
}

// Credentials resolves upstream credentials. *credentials.Resolver
// satisfies it.
type Credentials interface {
	Resolve(ctx context.Context, p *providers.Provider) (providers.Credential, error)
	Invalidate(providerID int64)
}

// Config tunes a Forwarder. Zero values use the package defaults.
type Config struct {
	MaxAttempts      int
	FirstByteTimeout time.Duration
	AcquireTimeout   time.Duration
	// UserAgentFallback is sent when the client supplied no User-Agent.
	UserAgentFallback string
	// InjectStreamUsage asks OpenAI-compatible upstreams to include usage
	// in streamed responses.
	InjectStreamUsage bool

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Forwarder implements the attempt loop.
type Forwarder struct {
	sel      Selector
	breakers *breaker.Set
	pool     Transport
	creds    Credentials
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Registry
}

// New returns a Forwarder.
func New(sel Selector, breakers *breaker.Set, pool Transport, creds Credentials, cfg Config) *Forwarder {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.FirstByteTimeout <= 0 {
		cfg.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.UserAgentFallback == "" {
		cfg.UserAgentFallback = DefaultUserAgent
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if breakers == nil {
		breakers = breaker.NewSet(breaker.SetConfig{})
	}
	return &Forwarder{
		sel:      sel,
		breakers: breakers,
		pool:     pool,
		creds:    creds,
		cfg:      cfg,
		log:      log,
		metrics:  cfg.Metrics,
	}
}

// Result is a successful upstream response. The caller owns Response.Body
// and must close it; closing releases the attempt's resources.
type Result struct {
	Response   *http.Response
	Provider   *providers.Provider
	Handler    providers.Handler
	EndpointID *int64
	// URL is the redacted upstream URL.
	URL string
}

// attemptState is shared by every candidate of one Forward call.
type attemptState struct {
	attempts  int
	rectified bool
	tried     map[int64]struct{}
	route     string
}

// Forward sends s upstream, retrying and failing over until an attempt
// succeeds, a terminal error occurs, or the attempt budget is spent.
// Failures are returned as *Error.
func (f *Forwarder) Forward(ctx context.Context, s *session.Session) (*Result, error) {
	f.prepareBody(s)

	st := &attemptState{tried: s.AttemptedProviders(), route: string(s.Format)}
	var (
		last *Error
		prev *providers.Provider
	)
	for st.attempts < f.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindClientAbort, Err: err}
		}
		cand, err := f.sel.Select(ctx, selector.Request{
			RequestID:     s.RequestID,
			Format:        s.Format,
			OriginalModel: s.OriginalModel(),
			CurrentModel:  s.CurrentModel(),
			SessionID:     s.SessionID(),
			Exclude:       st.tried,
		})
		if err != nil {
			if last != nil {
				break
			}
			if errors.Is(err, selector.ErrNoEligibleCandidate) {
				return nil, &Error{Kind: KindNoCandidate, Err: err}
			}
			return nil, &Error{Kind: KindSystemError, Err: err}
		}
		st.tried[cand.Provider.ID] = struct{}{}
		if prev != nil && last != nil {
			f.metrics.RecordFailover(prev.Name, cand.Provider.Name, last.Kind.String())
		}

		res, ferr, terminal := f.tryCandidate(ctx, s, cand, st)
		if ferr == nil {
			return res, nil
		}
		if terminal {
			return nil, ferr
		}
		last, prev = ferr, cand.Provider
	}

	f.metrics.RecordFailoverExhausted(st.route)
	f.log.WarnContext(ctx, "attempts_exhausted",
		slog.String("request_id", s.RequestID),
		slog.Int("attempts", st.attempts),
		slog.String("kind", last.Kind.String()),
	)
	return nil, last
}

// prepareBody applies request-wide body changes once, before any attempt.
func (f *Forwarder) prepareBody(s *session.Session) {
	if !f.cfg.InjectStreamUsage || s.Format != providers.FormatOpenAI || !s.Stream {
		return
	}
	payload := s.Payload()
	if payload == nil {
		return
	}
	opts, _ := payload["stream_options"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	if v, _ := opts["include_usage"].(bool); v {
		return
	}
	opts["include_usage"] = true
	payload["stream_options"] = opts
	s.MarkBodyModified()
	s.AddSpecialSetting(session.SpecialSetting{
		Type:  session.SettingStreamUsage,
		Scope: "request",
		Hit:   true,
	})
}

// applyRedirect resets the outbound model and applies p's redirect rule.
func applyRedirect(s *session.Session, p *providers.Provider) {
	s.ResetModel()
	to, ok := p.RedirectModel(s.OriginalModel())
	if !ok {
		return
	}
	s.SetCurrentModel(to)
	s.AddSpecialSetting(session.SpecialSetting{
		Type:  session.SettingModelRedirect,
		Scope: "provider",
		Hit:   true,
		Fields: map[string]string{
			"provider_id": strconv.FormatInt(p.ID, 10),
			"from":        s.OriginalModel(),
			"to":          to,
		},
	})
}

// tryCandidate walks the routes of one provider. terminal reports that no
// other provider may be tried.
func (f *Forwarder) tryCandidate(ctx context.Context, s *session.Session, cand *selector.Candidate, st *attemptState) (*Result, *Error, bool) {
	p := cand.Provider
	h, err := HandlerFor(p.Type)
	if err != nil {
		f.sel.Release(cand)
		return nil, &Error{Kind: KindSystemError, Err: err}, false
	}
	applyRedirect(s, p)
	s.SetProvider(p, nil)

	entry := func(route selector.Route, url string) session.ChainEntry {
		if url == "" {
			url = route.URL
		}
		return session.ChainEntry{
			ProviderID:   p.ID,
			ProviderName: p.Name,
			ProviderType: p.Type,
			VendorID:     p.VendorID,
			EndpointID:   route.EndpointID,
			EndpointURL:  url,
			Model:        s.CurrentModel(),
			Selection:    cand.Selection,
		}
	}

	cred, err := f.creds.Resolve(ctx, p)
	if err != nil {
		f.sel.Release(cand)
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindClientAbort, Err: ctx.Err()}, true
		}
		f.breakers.Providers.RecordFailure(breaker.ProviderKey(p.ID), "credential_error")
		e := entry(firstRoute(cand), "")
		e.Reason = session.ReasonSystemError
		e.Error = err.Error()
		s.AppendChainEntry(e)
		f.log.WarnContext(ctx, "credential_resolve_failed",
			slog.String("request_id", s.RequestID),
			slog.Int64("provider_id", p.ID),
			slog.String("error", err.Error()),
		)
		return nil, &Error{Kind: KindSystemError, Err: err}, false
	}

	var (
		last       *Error
		tried      bool
		forceRetry bool
	)
	for i := 0; i < len(cand.Routes); i++ {
		route := cand.Routes[i]
		if st.attempts >= f.cfg.MaxAttempts && !forceRetry {
			break
		}
		if route.EndpointID != nil && !forceRetry && !f.breakers.Endpoints.IsEligible(breaker.EndpointKey(*route.EndpointID)) {
			f.metrics.RecordBreakerRejection(breaker.TierEndpoint)
			continue
		}
		forceRetry = false
		tried = true
		st.attempts++

		start := time.Now()
		resp, url, ferr := f.send(ctx, s, p, h, route, cred)
		dur := time.Since(start)
		e := entry(route, url)
		e.DurationMs = dur.Milliseconds()

		if ferr == nil {
			f.recordSuccess(p, route)
			s.SetProvider(p, route.EndpointID)
			switch {
			case st.attempts > 1:
				e.Reason = session.ReasonRetrySuccess
			case cand.Selection == session.SelectionAffinity:
				e.Reason = session.ReasonSessionReuse
			default:
				e.Reason = session.ReasonRequestSuccess
			}
			e.StatusCode = resp.StatusCode
			stored := s.AppendChainEntry(e)
			f.metrics.ObserveUpstreamAttempt(string(p.Type), st.route, "success", dur)
			return &Result{
				Response:   resp,
				Provider:   p,
				Handler:    h,
				EndpointID: route.EndpointID,
				URL:        stored.EndpointURL,
			}, nil, false
		}

		last = ferr
		e.StatusCode = ferr.Status
		e.Error = ferr.Error()
		f.metrics.ObserveUpstreamAttempt(string(p.Type), st.route, ferr.Kind.String(), dur)
		f.metrics.RecordError(string(p.Type), ferr.Kind.String())

		switch ferr.Kind {
		case KindClientAbort:
			f.releaseEndpoint(route)
			f.sel.Release(cand)
			e.Reason = session.ReasonClientAbort
			s.AppendChainEntry(e)
			return nil, ferr, true

		case KindSystemError:
			reason := "connect_error"
			if ferr.Timeout {
				reason = "timeout"
			}
			f.breakers.Providers.RecordFailure(breaker.ProviderKey(p.ID), reason)
			tripped := false
			if route.EndpointID != nil {
				f.breakers.Endpoints.RecordFailure(breaker.EndpointKey(*route.EndpointID), reason)
				if ferr.Timeout {
					tripped = f.breakers.RecordEndpointTimeout(p.VendorID, string(p.Type), *route.EndpointID, cand.EnabledEndpoints)
				}
			}
			e.Reason = session.ReasonSystemError
			if tripped {
				e.Reason = session.ReasonVendorTypeAllTimeout
			}
			s.AppendChainEntry(e)
			f.logAttempt(ctx, s, p, route, ferr)
			if tripped {
				f.sel.Release(cand)
				return nil, ferr, false
			}
			continue

		case KindProviderError:
			f.releaseEndpoint(route)
			if ferr.Status == http.StatusUnauthorized {
				f.creds.Invalidate(p.ID)
			}

			if trigger := f.rectifierTrigger(s, p, ferr); trigger != "" && !st.rectified {
				st.rectified = true
				res := Rectify(s.Payload())
				s.AddSpecialSetting(session.SpecialSetting{
					Type:  session.SettingRectifier,
					Scope: "request",
					Hit:   res.Applied(),
					Fields: map[string]string{
						"trigger":     trigger,
						"provider_id": strconv.FormatInt(p.ID, 10),
					},
				})
				f.metrics.RecordRectification(res.Applied())
				if res.Applied() {
					s.MarkBodyModified()
					e.Reason = session.ReasonRectifiedRetry
					s.AppendChainEntry(e)
					f.log.InfoContext(ctx, "rectifier_applied",
						slog.String("request_id", s.RequestID),
						slog.Int64("provider_id", p.ID),
						slog.String("trigger", trigger),
						slog.Int("removed_blocks", res.RemovedBlocks),
						slog.Int("removed_signatures", res.RemovedSignatures),
						slog.Bool("thinking_disabled", res.ThinkingDisabled),
					)
					// The endpoint slot was released above; the retry
					// reuses the same route without claiming again.
					forceRetry = true
					i--
					continue
				}
				f.sel.Release(cand)
				e.Reason = session.ReasonClientErrorNonRetryable
				s.AppendChainEntry(e)
				return nil, ferr, true
			}

			if (st.rectified && DetectRectifierTrigger(ferr.Body) != "") || clientError(ferr.Status, ferr.Body) {
				f.sel.Release(cand)
				e.Reason = session.ReasonClientErrorNonRetryable
				s.AppendChainEntry(e)
				f.logAttempt(ctx, s, p, route, ferr)
				return nil, ferr, true
			}

			f.breakers.Providers.RecordFailure(breaker.ProviderKey(p.ID), "http_"+strconv.Itoa(ferr.Status))
			f.sel.Release(cand)
			e.Reason = session.ReasonRetryFailed
			s.AppendChainEntry(e)
			f.logAttempt(ctx, s, p, route, ferr)
			return nil, ferr, false
		}
	}

	f.sel.Release(cand)
	if !tried {
		e := entry(firstRoute(cand), "")
		e.Reason = session.ReasonEndpointPoolExhausted
		s.AppendChainEntry(e)
		return nil, &Error{Kind: KindSystemError, Err: errEndpointPoolExhausted}, false
	}
	return nil, last, false
}

func firstRoute(c *selector.Candidate) selector.Route {
	if len(c.Routes) == 0 {
		return selector.Route{URL: c.Provider.URL}
	}
	return c.Routes[0]
}

// rectifierTrigger returns the trigger for a rectifiable Claude error.
func (f *Forwarder) rectifierTrigger(s *session.Session, p *providers.Provider, ferr *Error) string {
	if s.Format != providers.FormatClaude || s.Payload() == nil {
		return ""
	}
	if p.Type != providers.TypeClaude && p.Type != providers.TypeClaudeAuth {
		return ""
	}
	if ferr.Status != http.StatusBadRequest {
		return ""
	}
	return DetectRectifierTrigger(ferr.Body)
}

func (f *Forwarder) recordSuccess(p *providers.Provider, route selector.Route) {
	f.breakers.Providers.RecordSuccess(breaker.ProviderKey(p.ID))
	if route.EndpointID != nil {
		f.breakers.Endpoints.RecordSuccess(breaker.EndpointKey(*route.EndpointID))
	}
	f.breakers.RecordEndpointSuccess(p.VendorID, string(p.Type))
}

func (f *Forwarder) releaseEndpoint(route selector.Route) {
	if route.EndpointID != nil {
		f.breakers.Endpoints.Release(breaker.EndpointKey(*route.EndpointID))
	}
}

func (f *Forwarder) logAttempt(ctx context.Context, s *session.Session, p *providers.Provider, route selector.Route, ferr *Error) {
	attrs := []any{
		slog.String("request_id", s.RequestID),
		slog.Int64("provider_id", p.ID),
		slog.String("provider", p.Name),
		slog.String("kind", ferr.Kind.String()),
		slog.Int("status", ferr.Status),
		slog.String("url", session.RedactURL(route.URL)),
		slog.Bool("body_modified", s.BodyModified()),
	}
	if route.EndpointID != nil {
		attrs = append(attrs, slog.Int64("endpoint_id", *route.EndpointID))
	}
	if ferr.Err != nil {
		attrs = append(attrs, slog.String("error", ferr.Err.Error()))
	}
	f.log.WarnContext(ctx, "provider_attempt_failed", attrs...)
}

// send performs one upstream request. On success the response body stays
// open and is tied to the attempt context.
func (f *Forwarder) send(ctx context.Context, s *session.Session, p *providers.Provider, h providers.Handler, route selector.Route, cred providers.Credential) (*http.Response, string, *Error) {
	target := providers.Target{
		Path:     s.Path,
		RawQuery: outboundQuery(s.RawQuery),
		Model:    s.CurrentModel(),
		Action:   s.Action,
		Stream:   s.Stream,
	}
	url, err := h.RequestURL(route.URL, target)
	if err != nil {
		return nil, route.URL, &Error{Kind: KindSystemError, Err: err}
	}
	body, err := s.OutboundBody()
	if err != nil {
		return nil, url, &Error{Kind: KindSystemError, Err: fmt.Errorf("forwarder: encode body: %w", err)}
	}

	acqCtx, cancelAcq := context.WithTimeout(ctx, f.cfg.AcquireTimeout)
	handle, err := f.pool.Acquire(acqCtx, url, p.ProxyURL, transport.ParseProtocol(p.Protocol))
	cancelAcq()
	if err != nil {
		if ctx.Err() != nil {
			return nil, url, &Error{Kind: KindClientAbort, Err: ctx.Err()}
		}
		return nil, url, &Error{Kind: KindSystemError, Err: err}
	}

	method := s.Method
	if method == "" {
		method = http.MethodPost
	}
	actx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(actx, method, url, bytes.NewReader(body))
	if err != nil {
		cancel(nil)
		return nil, url, &Error{Kind: KindSystemError, Err: err}
	}
	req.Header = BuildHeaders(s, h, p, cred, f.cfg.UserAgentFallback)
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	timeout := f.cfg.FirstByteTimeout
	if p.FirstByteTimeout > 0 {
		timeout = p.FirstByteTimeout
	}
	timer := time.AfterFunc(timeout, func() { cancel(errFirstByteTimeout) })

	resp, err := handle.Client.Do(req)
	stopped := timer.Stop()
	if err != nil {
		ferr := classifyTransport(ctx, actx, err)
		cancel(nil)
		if ferr.Kind == KindSystemError {
			f.pool.MarkUnhealthy(handle)
		}
		return nil, url, ferr
	}
	if !stopped && errors.Is(context.Cause(actx), errFirstByteTimeout) {
		_ = resp.Body.Close()
		return nil, url, &Error{Kind: KindSystemError, Timeout: true, Err: errFirstByteTimeout}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel(nil)
		return nil, url, &Error{
			Kind:   KindProviderError,
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   b,
		}
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, url, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
