package mockupstream

import (
	"net/http"
	"sync/atomic"
)

// PriceTable is the LiteLLM-format document served by NewPrices, covering
// the default models of every mock.
var PriceTable = map[string]any{
	"claude-sonnet-4-5": map[string]any{
		"litellm_provider":                "anthropic",
		"mode":                            "chat",
		"input_cost_per_token":            3e-06,
		"output_cost_per_token":           1.5e-05,
		"cache_read_input_token_cost":     3e-07,
		"cache_creation_input_token_cost": 3.75e-06,
	},
	"gpt-4o": map[string]any{
		"litellm_provider":      "openai",
		"mode":                  "chat",
		"input_cost_per_token":  2.5e-06,
		"output_cost_per_token": 1e-05,
	},
	"gpt-5-codex": map[string]any{
		"litellm_provider":      "openai",
		"mode":                  "responses",
		"input_cost_per_token":  1.25e-06,
		"output_cost_per_token": 1e-05,
	},
	"gemini-2.5-pro": map[string]any{
		"litellm_provider":      "gemini",
		"mode":                  "chat",
		"input_cost_per_token":  1.25e-06,
		"output_cost_per_token": 1e-05,
	},
	"sample_spec": map[string]any{
		"mode": "chat",
	},
}

// PriceServer serves PriceTable and counts downloads.
type PriceServer struct {
	fetches atomic.Int64
}

// NewPrices returns a price table server.
func NewPrices() *PriceServer { return &PriceServer{} }

func (p *PriceServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	p.fetches.Add(1)
	writeJSON(w, http.StatusOK, PriceTable)
}

// Fetches returns the number of downloads served.
func (p *PriceServer) Fetches() int64 { return p.fetches.Load() }
