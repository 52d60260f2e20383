package session

import (
	"net/url"
	"strings"
)

// Redacted replaces credential values in stored URLs.
const Redacted = "[REDACTED]"

var credentialParams = map[string]struct{}{
	"key":            {},
	"api_key":        {},
	"apikey":         {},
	"api-key":        {},
	"token":          {},
	"access_token":   {},
	"refresh_token":  {},
	"auth":           {},
	"authorization":  {},
	"secret":         {},
	"client_secret":  {},
	"password":       {},
	"sig":            {},
	"signature":      {},
	"x-goog-api-key": {},
}

// IsCredentialParam reports whether a query parameter carries a credential.
func IsCredentialParam(name string) bool {
	n := strings.ToLower(name)
	if _, ok := credentialParams[n]; ok {
		return true
	}
	return strings.HasSuffix(n, "_token") || strings.HasSuffix(n, "_key") || strings.HasSuffix(n, "secret")
}

// RedactURL replaces credential query values and userinfo with Redacted. An
// unparsable URL has its whole query dropped. Parameter order and the
// encoding of untouched parameters are kept, and the placeholder is written
// unescaped.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			return raw[:i] + "?" + Redacted
		}
		return raw
	}
	hadUser := u.User != nil
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = redactQuery(u.RawQuery)
	}
	out := u.String()
	if hadUser {
		if i := strings.Index(out, "://"); i >= 0 {
			out = out[:i+3] + Redacted + "@" + out[i+3:]
		}
	}
	return out
}

func redactQuery(raw string) string {
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		if part == "" {
			continue
		}
		name, _, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(name)
		switch {
		case err != nil:
			parts[i] = Redacted
		case IsCredentialParam(key):
			parts[i] = name + "=" + Redacted
		}
	}
	return strings.Join(parts, "&")
}
