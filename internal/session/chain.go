package session

import (
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Reason is the fixed vocabulary recorded on every provider chain entry.
type Reason string

const (
	ReasonRequestSuccess          Reason = "request_success"
	ReasonRetrySuccess            Reason = "retry_success"
	ReasonSystemError             Reason = "system_error"
	ReasonRetryFailed             Reason = "retry_failed"
	ReasonRectifiedRetry          Reason = "rectified_retry"
	ReasonClientAbort             Reason = "client_abort"
	ReasonClientErrorNonRetryable Reason = "client_error_non_retryable"
	ReasonEndpointPoolExhausted   Reason = "endpoint_pool_exhausted"
	ReasonVendorTypeAllTimeout    Reason = "vendor_type_all_timeout"
	ReasonSessionReuse            Reason = "session_reuse"
)

// Selection methods recorded on chain entries.
const (
	SelectionAffinity = "session_reuse"
	SelectionWeighted = "weighted_random"
)

// ChainEntry is one attempt in the provider chain. Entries are persisted
// verbatim on the audit record.
type ChainEntry struct {
	Attempt      int            `json:"attempt"`
	ProviderID   int64          `json:"provider_id"`
	ProviderName string         `json:"provider_name"`
	ProviderType providers.Type `json:"provider_type"`
	VendorID     int64          `json:"vendor_id"`
	// EndpointID is nil when the provider's legacy URL was used.
	EndpointID  *int64    `json:"endpoint_id"`
	EndpointURL string    `json:"endpoint_url"`
	Model       string    `json:"model,omitempty"`
	Selection   string    `json:"selection,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Reason      Reason    `json:"reason"`
	DurationMs  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

// AppendChainEntry numbers e after the last entry, redacts its endpoint URL
// and appends it. The stored copy is returned.
func (s *Session) AppendChainEntry(e ChainEntry) ChainEntry {
	e.Attempt = len(s.chain) + 1
	e.EndpointURL = RedactURL(e.EndpointURL)
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.chain = append(s.chain, e)
	return e
}

// Chain returns a copy of the provider chain.
func (s *Session) Chain() []ChainEntry {
	out := make([]ChainEntry, len(s.chain))
	copy(out, s.chain)
	return out
}

// AttemptedProviders returns the ids of providers tried so far.
func (s *Session) AttemptedProviders() map[int64]struct{} {
	out := make(map[int64]struct{}, len(s.chain))
	for _, e := range s.chain {
		out[e.ProviderID] = struct{}{}
	}
	return out
}
