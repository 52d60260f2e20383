// Package pricing stores per-model token prices in SQLite and keeps them in
// sync with a LiteLLM-format price table.
package pricing

import (
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Price is the per-token USD price of one model.
type Price struct {
	Model    string
	Provider string

	InputPerToken        float64
	OutputPerToken       float64
	CacheReadPerToken    float64
	CacheWritePerToken   float64
	CacheWrite1hPerToken float64

	Source    string
	UpdatedAt time.Time
}

// Empty reports whether the record carries no usable price.
func (p *Price) Empty() bool {
	return p == nil || (p.InputPerToken == 0 && p.OutputPerToken == 0 &&
		p.CacheReadPerToken == 0 && p.CacheWritePerToken == 0)
}

// Cost returns the USD cost of u. Input tokens are expected to exclude cache
// reads and writes. One-hour cache writes fall back to the five-minute rate
// when the table has no separate price; creation tokens without a TTL split
// are charged at the five-minute rate.
func (p *Price) Cost(u providers.Usage) float64 {
	if p == nil {
		return 0
	}
	write1h := p.CacheWrite1hPerToken
	if write1h == 0 {
		write1h = p.CacheWritePerToken
	}

	unsplit := u.CacheCreationInputTokens - u.CacheCreation5mTokens - u.CacheCreation1hTokens
	if unsplit < 0 {
		unsplit = 0
	}

	return float64(u.InputTokens)*p.InputPerToken +
		float64(u.OutputTokens)*p.OutputPerToken +
		float64(u.CacheReadInputTokens)*p.CacheReadPerToken +
		float64(u.CacheCreation5mTokens+unsplit)*p.CacheWritePerToken +
		float64(u.CacheCreation1hTokens)*write1h
}
