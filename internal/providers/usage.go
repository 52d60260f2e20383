package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// EachSSEData calls fn with the payload of every "data:" line in body.
// The terminal "[DONE]" sentinel is skipped.
func EachSSEData(body []byte, fn func(data []byte)) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		fn(data)
	}
}

// ClaudeUsage parses an Anthropic style usage object.
//
// The nested cache_creation object (ephemeral_5m_input_tokens,
// ephemeral_1h_input_tokens) takes precedence over the legacy flat
// cache_creation_5m_input_tokens / cache_creation_1h_input_tokens fields
// when both are present on the same object.
func ClaudeUsage(raw map[string]any) Usage {
	u := Usage{
		InputTokens:              intField(raw, "input_tokens"),
		OutputTokens:             intField(raw, "output_tokens"),
		CacheReadInputTokens:     intField(raw, "cache_read_input_tokens"),
		CacheCreationInputTokens: intField(raw, "cache_creation_input_tokens"),
	}

	u.CacheCreation5mTokens = intField(raw, "cache_creation_5m_input_tokens")
	u.CacheCreation1hTokens = intField(raw, "cache_creation_1h_input_tokens")

	if nested, ok := raw["cache_creation"].(map[string]any); ok {
		if _, has := nested["ephemeral_5m_input_tokens"]; has {
			u.CacheCreation5mTokens = intField(nested, "ephemeral_5m_input_tokens")
		}
		if _, has := nested["ephemeral_1h_input_tokens"]; has {
			u.CacheCreation1hTokens = intField(nested, "ephemeral_1h_input_tokens")
		}
	}

	if u.CacheCreationInputTokens == 0 {
		u.CacheCreationInputTokens = u.CacheCreation5mTokens + u.CacheCreation1hTokens
	}
	return u
}

// Merge overlays non-zero fields of next onto u. Streaming vendors report
// input and output counts in different events.
func (u Usage) Merge(next Usage) Usage {
	if next.InputTokens != 0 {
		u.InputTokens = next.InputTokens
	}
	if next.OutputTokens != 0 {
		u.OutputTokens = next.OutputTokens
	}
	if next.CacheReadInputTokens != 0 {
		u.CacheReadInputTokens = next.CacheReadInputTokens
	}
	if next.CacheCreationInputTokens != 0 {
		u.CacheCreationInputTokens = next.CacheCreationInputTokens
	}
	if next.CacheCreation5mTokens != 0 {
		u.CacheCreation5mTokens = next.CacheCreation5mTokens
	}
	if next.CacheCreation1hTokens != 0 {
		u.CacheCreation1hTokens = next.CacheCreation1hTokens
	}
	if next.ReasoningTokens != 0 {
		u.ReasoningTokens = next.ReasoningTokens
	}
	if next.Model != "" {
		u.Model = next.Model
	}
	return u
}

// DecodeObject unmarshals data into a generic JSON object.
func DecodeObject(data []byte) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// Object returns m[key] as a JSON object.
func Object(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// IntField returns m[key] as an integer, or zero.
func IntField(m map[string]any, key string) int64 { return intField(m, key) }

// StringField returns m[key] as a string, or "".
func StringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
