// Package apierr provides structured API error types and HTTP status mapping
// for errors the relay itself produces. Upstream provider errors are passed
// through verbatim with WriteUpstream.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeCostLimitExceeded   = "cost_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeNoAvailableProvider = "no_available_provider"
	CodeClientClosed        = "client_closed_request"
)

// StatusClientClosedRequest is the non-standard status logged when the
// client went away before a response was produced.
const StatusClientClosedRequest = 499

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUpstream relays an upstream error response unchanged. An empty
// content type defaults to JSON.
func WriteUpstream(ctx *fasthttp.RequestCtx, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json"
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType(contentType)
	ctx.SetBody(body)
}

// WriteGateway writes the error for exhausted attempts that never got an
// upstream response: 504 when the last attempt timed out, otherwise 502.
func WriteGateway(ctx *fasthttp.RequestCtx, timeout bool, msg string) {
	if timeout {
		WriteTimeout(ctx)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
}

// WriteNoCandidate writes a 503 when no provider can serve the request.
func WriteNoCandidate(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeProviderError, CodeNoAvailableProvider)
}

// WriteClientClosed records a 499 for a request the client abandoned.
func WriteClientClosed(ctx *fasthttp.RequestCtx) {
	Write(ctx, StatusClientClosedRequest, "client closed request", TypeInvalidRequest, CodeClientClosed)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteCostLimit writes a 429 for a client key over its spend window.
func WriteCostLimit(ctx *fasthttp.RequestCtx, window string) {
	Write(ctx, fasthttp.StatusTooManyRequests, "cost limit exceeded: "+window, TypeRateLimitError, CodeCostLimitExceeded)
}

// WriteUnauthorized writes a 401 for a missing or unknown client key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing api key", TypeAuthenticationErr, CodeInvalidAPIKey)
}
