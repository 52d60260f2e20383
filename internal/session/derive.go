package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// sessionMarker separates the session uuid inside Claude Code's
// metadata.user_id ("user_<hash>_account_<uuid>_session_<uuid>").
const sessionMarker = "_session_"

var sessionHeaders = []string{"x-session-id", "session_id", "x-claude-session-id", "conversation_id"}

// DeriveID returns a stable session id for a request and whether it was
// supplied by the client. When no client id exists, one is synthesized from
// the client key, the model and the first user message so that turns of the
// same conversation hash to the same id.
func DeriveID(format providers.Format, h http.Header, payload map[string]any, clientKey string) (string, bool) {
	if id := vendorSessionID(h, payload); id != "" {
		return id, true
	}

	first := firstUserText(format, payload)
	if first == "" {
		return "", false
	}
	model, _ := payload["model"].(string)

	sum := sha256.New()
	sum.Write([]byte(clientKey))
	sum.Write([]byte{0})
	sum.Write([]byte(model))
	sum.Write([]byte{0})
	sum.Write([]byte(first))
	return "sess_" + hex.EncodeToString(sum.Sum(nil))[:32], false
}

func vendorSessionID(h http.Header, payload map[string]any) string {
	if meta, ok := payload["metadata"].(map[string]any); ok {
		if uid, ok := meta["user_id"].(string); ok {
			if i := strings.LastIndex(uid, sessionMarker); i >= 0 {
				if id := uid[i+len(sessionMarker):]; id != "" {
					return id
				}
			}
		}
		if id, ok := meta["session_id"].(string); ok && id != "" {
			return id
		}
	}
	for _, name := range sessionHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	for _, field := range []string{"prompt_cache_key", "session_id", "conversation_id"} {
		if v, ok := payload[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstUserText(format providers.Format, payload map[string]any) string {
	if payload == nil {
		return ""
	}
	switch format {
	case providers.FormatClaude, providers.FormatOpenAI:
		return firstMessageText(payload["messages"], "role", "content", "user")
	case providers.FormatResponse:
		if s, ok := payload["input"].(string); ok {
			return s
		}
		return firstMessageText(payload["input"], "role", "content", "user")
	case providers.FormatGemini:
		return firstGeminiText(payload["contents"])
	case providers.FormatGeminiCLI:
		if req, ok := payload["request"].(map[string]any); ok {
			return firstGeminiText(req["contents"])
		}
	}
	return ""
}

func firstMessageText(v any, roleKey, contentKey, role string) string {
	items, _ := v.([]any)
	for _, it := range items {
		msg, ok := it.(map[string]any)
		if !ok || msg[roleKey] != role {
			continue
		}
		return textOf(msg[contentKey])
	}
	return ""
}

func firstGeminiText(v any) string {
	items, _ := v.([]any)
	for _, it := range items {
		c, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if r, _ := c["role"].(string); r != "" && r != "user" {
			continue
		}
		return textOf(c["parts"])
	}
	return ""
}

// textOf flattens a string or a list of text blocks / parts.
func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var b strings.Builder
		for _, it := range t {
			blk, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := blk["text"].(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}
