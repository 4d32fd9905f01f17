package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"convergio/internal/domain"
)

// ModelRate is the per-million-token price of one model.
type ModelRate struct {
	InputUSD  float64 // per 1M prompt tokens
	OutputUSD float64 // per 1M completion tokens
}

// defaultRates covers the models shipped in the default configuration.
// Matching is by longest prefix so dated snapshots (claude-sonnet-4-20250514)
// price like their base model. Local models cost nothing.
var defaultRates = map[string]ModelRate{
	"claude-opus-4":   {InputUSD: 15.00, OutputUSD: 75.00},
	"claude-sonnet-4": {InputUSD: 3.00, OutputUSD: 15.00},
	"claude-haiku-3":  {InputUSD: 0.25, OutputUSD: 1.25},
	"gpt-4o":          {InputUSD: 2.50, OutputUSD: 10.00},
	"gpt-4o-mini":     {InputUSD: 0.15, OutputUSD: 0.60},
	"llama3.2":        {},
	"qwen2.5":         {},
}

// Pricer turns token usage into dollar cost and estimates token counts for
// requests whose backend does not report usage.
type Pricer struct {
	rates map[string]ModelRate

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewPricer creates a pricer over the default rate table, with overrides
// merged on top.
func NewPricer(overrides map[string]ModelRate) *Pricer {
	rates := make(map[string]ModelRate, len(defaultRates)+len(overrides))
	for k, v := range defaultRates {
		rates[k] = v
	}
	for k, v := range overrides {
		rates[k] = v
	}
	return &Pricer{rates: rates}
}

// Cost computes the dollar cost of a call. Unknown models cost zero; the
// ledger stays conservative rather than guessing.
func (p *Pricer) Cost(model string, usage domain.Usage) float64 {
	rate, ok := p.rateFor(model)
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*rate.InputUSD/1e6 +
		float64(usage.CompletionTokens)*rate.OutputUSD/1e6
}

// rateFor matches the model name against the table by longest prefix.
func (p *Pricer) rateFor(model string) (ModelRate, bool) {
	if rate, ok := p.rates[model]; ok {
		return rate, true
	}
	var best string
	var bestRate ModelRate
	for prefix, rate := range p.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			bestRate = rate
		}
	}
	return bestRate, best != ""
}

// EstimateTokens counts the tokens in text with the cl100k_base encoding,
// falling back to the len/4 heuristic when the encoder is unavailable
// (offline environments cannot fetch the BPE ranks).
func (p *Pricer) EstimateTokens(text string) int {
	p.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			p.enc = enc
		}
	})
	if p.enc != nil {
		return len(p.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// EstimateUsage fills a Usage for a request/response pair whose backend
// reported no token counts.
func (p *Pricer) EstimateUsage(req domain.ChatRequest, completion string) domain.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += p.EstimateTokens(m.Content)
	}
	out := p.EstimateTokens(completion)
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
