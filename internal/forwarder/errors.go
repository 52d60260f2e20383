package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a failed attempt.
type Kind int

const (
	// KindClientAbort means the inbound client went away.
	KindClientAbort Kind = iota + 1
	// KindSystemError covers transport failures: dial errors, resets,
	// timeouts before the first byte.
	KindSystemError
	// KindProviderError is a non-2xx reply from the upstream.
	KindProviderError
	// KindNoCandidate means no provider was eligible.
	KindNoCandidate
)

func (k Kind) String() string {
	switch k {
	case KindClientAbort:
		return "client_abort"
	case KindSystemError:
		return "system_error"
	case KindProviderError:
		return "provider_error"
	case KindNoCandidate:
		return "no_candidate"
	}
	return "unknown"
}

// errFirstByteTimeout is the cancel cause used when response headers do not
// arrive in time.
var errFirstByteTimeout = errors.New("forwarder: first byte timeout")

// Error is the terminal failure of Forward.
type Error struct {
	Kind Kind
	// Status is the upstream status for provider errors.
	Status int
	// Header and Body hold the upstream reply for provider errors.
	Header http.Header
	Body   []byte
	// Timeout is set for system errors caused by a deadline.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindProviderError:
		return fmt.Sprintf("forwarder: upstream status %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("forwarder: %s: %v", e.Kind, e.Err)
	}
	return "forwarder: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements providers.StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }

// classifyTransport maps an error from sending a request. parent is the
// inbound request context and attempt the per-attempt context.
func classifyTransport(parent, attempt context.Context, err error) *Error {
	if parent.Err() != nil {
		return &Error{Kind: KindClientAbort, Err: parent.Err()}
	}
	if errors.Is(context.Cause(attempt), errFirstByteTimeout) {
		return &Error{Kind: KindSystemError, Timeout: true, Err: errFirstByteTimeout}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindSystemError, Timeout: true, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindSystemError, Timeout: true, Err: err}
	}
	return &Error{Kind: KindSystemError, Err: err}
}

// retryableStatus reports whether an upstream status should move the
// request to another provider.
func retryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden,
		http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return false
}

// nonRetryablePatterns are upstream messages caused by the request itself;
// another provider would reject it the same way.
var nonRetryablePatterns = []string{
	"prompt is too long",
	"context_length_exceeded",
	"maximum context length",
	"content_policy_violation",
	"invalid_request_error",
	"invalid model",
	"model_not_found",
}

// clientError reports whether a provider error must be surfaced verbatim
// instead of trying another provider.
func clientError(status int, body []byte) bool {
	if status >= 400 && status < 500 && !retryableStatus(status) {
		return true
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, p := range nonRetryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
