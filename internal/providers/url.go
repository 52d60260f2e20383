package providers

import (
	"fmt"
	"net/url"
	"strings"
)

// JoinURL appends path and rawQuery to base. When base already ends with
// the first segment of path (for example "/v1"), that segment is not
// repeated.
func JoinURL(base, path, rawQuery string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("providers: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("providers: base url %q must be absolute", base)
	}

	basePath := strings.TrimRight(u.Path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if seg := firstSegment(path); seg != "" && strings.HasSuffix(basePath, seg) {
		path = strings.TrimPrefix(path, seg)
	}
	u.Path = basePath + path
	u.RawPath = ""

	q := u.Query()
	if rawQuery != "" {
		extra, err := url.ParseQuery(rawQuery)
		if err != nil {
			return "", fmt.Errorf("providers: parse query: %w", err)
		}
		for k, vs := range extra {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstSegment(path string) string {
	rest := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return "/" + rest[:i]
	}
	return ""
}

// UpstreamError is a non-2xx reply from an upstream vendor API.
type UpstreamError struct {
	Vendor     string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Vendor, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }
