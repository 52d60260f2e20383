package forwarder

import (
	"fmt"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-relay/internal/providers/codex"
	"github.com/nulpointcorp/llm-relay/internal/providers/gemini"
	"github.com/nulpointcorp/llm-relay/internal/providers/openaicompat"
)

// HandlerFor resolves the vendor handler for a provider type.
func HandlerFor(t providers.Type) (providers.Handler, error) {
	switch t {
	case providers.TypeClaude, providers.TypeClaudeAuth:
		return anthropic.New(t), nil
	case providers.TypeCodex:
		return codex.New(), nil
	case providers.TypeGemini, providers.TypeGeminiCLI:
		return gemini.New(t), nil
	case providers.TypeOpenAICompatible:
		return openaicompat.New(), nil
	}
	return nil, fmt.Errorf("forwarder: unsupported provider type %q", t)
}
