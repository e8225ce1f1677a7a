package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/kpath-enterprise/kpath/pkg/common/config"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

// ProviderEmbedder calls an OpenAI-compatible embeddings endpoint. A
// circuit breaker shields the catalog rebuild path from a flapping
// provider; transient failures are retried with exponential backoff.
type ProviderEmbedder struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger

	// dimension starts at the configured default and is fixed by the
	// first live response; guarded because embeds run concurrently.
	mu        sync.Mutex
	dimension int
}

// NewProviderEmbedder creates a remote embedder from configuration.
func NewProviderEmbedder(cfg config.EmbeddingConfig, logger observability.Logger) *ProviderEmbedder {
	if logger == nil {
		logger = observability.NewLogger("embedding-provider")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Embedding provider circuit state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &ProviderEmbedder{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
		logger:     logger,
	}
}

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// EmbedText embeds a single text.
func (p *ProviderEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if isBlank(text) {
		return zeroVector(p.Dimension()), nil
	}
	vectors, err := p.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts preserving order. Blank items become zero
// vectors; a provider failure on the whole call is returned as-is, but
// items the provider omits degrade to zero vectors.
func (p *ProviderEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// Collect the non-blank items; blanks never reach the provider.
	var live []string
	var liveIdx []int
	for i, t := range texts {
		if isBlank(t) {
			out[i] = zeroVector(p.Dimension())
			continue
		}
		live = append(live, t)
		liveIdx = append(liveIdx, i)
	}
	if len(live) == 0 {
		return out, nil
	}

	vectors, err := p.call(ctx, live)
	if err != nil {
		return nil, err
	}
	for j, idx := range liveIdx {
		if j < len(vectors) && vectors[j] != nil {
			out[idx] = vectors[j]
		} else {
			out[idx] = zeroVector(p.Dimension())
		}
	}
	return out, nil
}

func (p *ProviderEmbedder) call(ctx context.Context, inputs []string) ([][]float32, error) {
	var vectors [][]float32

	op := func() error {
		result, err := p.breaker.Execute(func() (interface{}, error) {
			return p.doRequest(ctx, inputs)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		vectors = result.([][]float32)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("embedding provider call failed: %w", err)
	}
	return vectors, nil
}

func (p *ProviderEmbedder) doRequest(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Input: inputs, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider error (status %d): %s", resp.StatusCode, string(data))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("no embedding data in response")
	}

	// The provider indexes items explicitly; order by index.
	vectors := make([][]float32, len(inputs))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for _, v := range vectors {
		if v != nil {
			// The first live response fixes the dimension.
			p.setDimension(len(v))
			break
		}
	}
	return vectors, nil
}

// Fit is a no-op for the pre-trained provider.
func (p *ProviderEmbedder) Fit(ctx context.Context, corpus []string) error { return nil }

// Dimension returns the provider's output dimension.
func (p *ProviderEmbedder) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimension
}

func (p *ProviderEmbedder) setDimension(d int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dimension = d
}

// providerArtifact is the persisted configuration for a remote model.
type providerArtifact struct {
	Kind      string `json:"kind"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Save persists the model-name reference and dimension.
func (p *ProviderEmbedder) Save(path string) error {
	return writeArtifact(path, providerArtifact{Kind: "provider", Model: p.model, Dimension: p.Dimension()})
}

// Load restores a persisted model reference. The stored dimension
// replaces the configured default.
func (p *ProviderEmbedder) Load(path string) error {
	var art providerArtifact
	if err := readArtifact(path, &art); err != nil {
		return err
	}
	if art.Kind != "provider" {
		return fmt.Errorf("artifact at %s is not a provider model", path)
	}
	p.model = art.Model
	p.setDimension(art.Dimension)
	return nil
}
