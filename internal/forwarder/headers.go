package forwarder

import (
	"net/http"
	"net/url"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// DefaultUserAgent is sent when the client supplied none.
const DefaultUserAgent = "llm-relay/1.0"

// strippedHeaders never travel upstream: inbound credentials, hop-by-hop
// headers and values the transport sets itself.
var strippedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"X-Goog-Api-Key",
	"Proxy-Authorization",
	"Cookie",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Real-Ip",
}

// BuildHeaders derives the outbound header set for one attempt.
func BuildHeaders(s *session.Session, h providers.Handler, p *providers.Provider, cred providers.Credential, fallbackUA string) http.Header {
	out := s.Headers.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range strippedHeaders {
		out.Del(name)
	}

	// An explicitly empty value is kept; net/http then omits the header
	// instead of sending its own default. A removed header gets the
	// fallback, never the client's original.
	ua, ok := s.OriginalHeader("User-Agent")
	if s.IsHeaderModified("User-Agent") {
		ua, ok = s.Header("User-Agent")
	}
	if !ok {
		ua = fallbackUA
		if ua == "" {
			ua = DefaultUserAgent
		}
	}
	out["User-Agent"] = []string{ua}

	h.ApplyCredential(out, cred)
	h.ApplyVendorHeaders(out, p)
	return out
}

// outboundQuery drops credential parameters from the inbound query.
func outboundQuery(raw string) string {
	if raw == "" {
		return ""
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	for k := range q {
		if session.IsCredentialParam(k) {
			q.Del(k)
		}
	}
	return q.Encode()
}
