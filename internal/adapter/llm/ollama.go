package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
)

// Default Ollama timeouts: short connect (local), long response (model loading).
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

// OllamaProvider wraps OpenAIProvider to work with the Ollama API.
// Ollama exposes an OpenAI-compatible endpoint at /v1, so chat and stream
// are delegated to the inner OpenAI provider. Ollama-specific features
// (model listing, health check, warmup) use the native API.
type OllamaProvider struct {
	inner   *OpenAIProvider
	baseURL string // native Ollama API base (without /v1)
	client  *http.Client
	logger  *slog.Logger
}

// OllamaModel describes a locally available Ollama model.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// NewOllamaProvider creates an Ollama provider that delegates chat/stream
// to OpenAIProvider via Ollama's OpenAI-compatible /v1 endpoint.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	ollamaCfg := cfg
	if ollamaCfg.ConnTimeout == 0 {
		ollamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if ollamaCfg.RespTimeout == 0 {
		ollamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}

	client := NewHTTPClient(ollamaCfg)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaProvider{
		inner: &OpenAIProvider{
			name:    cfg.Name,
			model:   cfg.Model,
			apiKey:  "", // Ollama doesn't need an API key
			baseURL: baseURL + "/v1",
			client:  client,
			logger:  logger,
		},
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Chat implements domain.LLMProvider.
func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return p.inner.ChatStream(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *OllamaProvider) Name() string { return p.inner.Name() }

// warmupKeepAlive tells the runtime how long to keep a warmed model
// resident after the load-only generate call.
const warmupKeepAlive = "10m"

// ListModels returns the models the local runtime has pulled, sorted by name.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]OllamaModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("list models: read body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, body)
	}

	var tags struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	sort.Slice(tags.Models, func(i, j int) bool { return tags.Models[i].Name < tags.Models[j].Name })
	return tags.Models, nil
}

// IsHealthy reports whether the local runtime answers at all. Distinct from
// circuit state: a closed circuit on a provider nobody has called yet says
// nothing about reachability.
func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return false
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, httpResp.Body)
	httpResp.Body.Close()
	return httpResp.StatusCode == http.StatusOK
}

// Warmup loads the configured model into memory so the first routed call does
// not pay the cold-start cost. A generate request without a prompt loads the
// model without producing tokens.
func (p *OllamaProvider) Warmup(ctx context.Context) error {
	if !p.IsHealthy(ctx) {
		return fmt.Errorf("no ollama server at %s", p.baseURL)
	}

	payload, err := json.Marshal(map[string]string{
		"model":      p.inner.model,
		"keep_alive": warmupKeepAlive,
	})
	if err != nil {
		return err
	}
	if _, err := doJSONRequest(ctx, p.client, p.baseURL+"/api/generate", payload, nil); err != nil {
		return fmt.Errorf("warmup %s: %w", p.inner.model, err)
	}
	p.logger.Info("local model resident",
		"provider", p.Name(), "model", p.inner.model, "keep_alive", warmupKeepAlive)
	return nil
}
