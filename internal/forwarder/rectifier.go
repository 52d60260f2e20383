package forwarder

import (
	"strings"
)

// Rectifier triggers, recorded as the "trigger" field of the special
// setting.
const (
	TriggerInvalidSignature      = "invalid_signature_in_thinking_block"
	TriggerMissingThinkingPrefix = "assistant_message_must_start_with_thinking"
	TriggerExtraSignatureField   = "signature_extra_inputs_not_permitted"
)

// DetectRectifierTrigger inspects an upstream error body and returns the
// trigger it matches, or "".
func DetectRectifierTrigger(body []byte) string {
	msg := strings.ToLower(string(body))
	switch {
	case strings.Contains(msg, "signature") && strings.Contains(msg, "extra inputs are not permitted"):
		return TriggerExtraSignatureField
	case strings.Contains(msg, "invalid") && strings.Contains(msg, "signature") && strings.Contains(msg, "thinking"):
		return TriggerInvalidSignature
	case strings.Contains(msg, "expected `thinking` or `redacted_thinking`"),
		strings.Contains(msg, "must start with a thinking block"),
		strings.Contains(msg, "expected thinking or redacted_thinking"):
		return TriggerMissingThinkingPrefix
	}
	return ""
}

// RectifyResult reports what Rectify changed.
type RectifyResult struct {
	RemovedBlocks     int
	RemovedSignatures int
	ThinkingDisabled  bool
}

// Applied reports whether the payload was changed.
func (r RectifyResult) Applied() bool {
	return r.RemovedBlocks > 0 || r.RemovedSignatures > 0 || r.ThinkingDisabled
}

// Rectify strips thinking and redacted_thinking content blocks and every
// signature field from the messages of a Claude payload, including blocks
// nested in tool_result content. When extended thinking is enabled and the
// last assistant message would then carry a tool_use without a leading
// thinking block, the top-level thinking config is removed.
func Rectify(payload map[string]any) RectifyResult {
	var res RectifyResult
	if payload == nil {
		return res
	}
	msgs, _ := payload["messages"].([]any)
	for _, raw := range msgs {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if blocks, ok := msg["content"].([]any); ok {
			msg["content"] = rectifyBlocks(blocks, &res)
		}
	}

	if thinkingEnabled(payload) && lastAssistantNeedsThinking(msgs) {
		delete(payload, "thinking")
		res.ThinkingDisabled = true
	}
	return res
}

// rectifyBlocks filters blocks in place and recurses into nested content.
func rectifyBlocks(blocks []any, res *RectifyResult) []any {
	kept := blocks[:0]
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			kept = append(kept, b)
			continue
		}
		switch block["type"] {
		case "thinking", "redacted_thinking":
			res.RemovedBlocks++
			continue
		}
		if _, has := block["signature"]; has {
			delete(block, "signature")
			res.RemovedSignatures++
		}
		if nested, ok := block["content"].([]any); ok {
			block["content"] = rectifyBlocks(nested, res)
		}
		kept = append(kept, block)
	}
	return kept
}

func thinkingEnabled(payload map[string]any) bool {
	t, ok := payload["thinking"].(map[string]any)
	if !ok {
		return false
	}
	typ, _ := t["type"].(string)
	return typ == "enabled" || typ == "adaptive"
}

// lastAssistantNeedsThinking reports whether the final assistant message
// contains a tool_use but does not start with a thinking block.
func lastAssistantNeedsThinking(msgs []any) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg, ok := msgs[i].(map[string]any)
		if !ok || msg["role"] != "assistant" {
			continue
		}
		blocks, ok := msg["content"].([]any)
		if !ok || len(blocks) == 0 {
			return false
		}
		hasToolUse := false
		for _, b := range blocks {
			if block, ok := b.(map[string]any); ok && block["type"] == "tool_use" {
				hasToolUse = true
				break
			}
		}
		if !hasToolUse {
			return false
		}
		first, _ := blocks[0].(map[string]any)
		t, _ := first["type"].(string)
		return t != "thinking" && t != "redacted_thinking"
	}
	return false
}
