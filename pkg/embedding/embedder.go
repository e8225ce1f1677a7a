// Package embedding turns catalog entities and queries into fixed-size
// float32 vectors. Two interchangeable implementations exist: a remote
// encoder behind an OpenAI-compatible API, and a statistical TF-IDF +
// truncated-SVD fallback that needs no network access.
package embedding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kpath-enterprise/kpath/pkg/common/config"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

var (
	// ErrNotFitted is returned when the fallback embedder is used
	// before Fit or Load.
	ErrNotFitted = errors.New("embedder is not fitted")

	// ErrDimensionMismatch is returned when a persisted artifact
	// disagrees with the configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder maps text to fixed-dimensional vectors.
type Embedder interface {
	// EmbedText embeds a single text. Empty or whitespace-only input
	// yields the zero vector.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts preserving input order. A failure on one
	// item degrades that item to a zero vector without failing the batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Fit trains the embedder on a corpus. A no-op for pre-trained
	// implementations.
	Fit(ctx context.Context, corpus []string) error

	// Dimension returns the output vector length.
	Dimension() int

	// Save persists the model configuration and fitted parameters.
	Save(path string) error

	// Load restores a persisted model; the loaded dimension replaces
	// the configured default.
	Load(path string) error
}

// NewEmbedder selects the embedder at startup: the remote provider when
// configured and reachable, otherwise the statistical fallback.
func NewEmbedder(cfg config.EmbeddingConfig, logger observability.Logger) Embedder {
	if logger == nil {
		logger = observability.NewLogger("embedding")
	}

	switch cfg.Provider {
	case "tfidf":
		return NewTFIDFEmbedder(cfg.Dimension, logger)
	case "openai", "":
		if cfg.Endpoint != "" || cfg.APIKey != "" {
			provider := NewProviderEmbedder(cfg, logger)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := provider.EmbedText(ctx, "startup probe"); err == nil {
				logger.Info("Using remote embedding provider", map[string]interface{}{
					"model":     cfg.Model,
					"dimension": cfg.Dimension,
				})
				return provider
			} else {
				logger.Warn("Remote embedding provider unreachable, falling back to TF-IDF", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}

	logger.Info("Using TF-IDF fallback embedder", map[string]interface{}{
		"dimension": cfg.Dimension,
	})
	return NewTFIDFEmbedder(cfg.Dimension, logger)
}

// zeroVector returns an all-zero vector of length dim.
func zeroVector(dim int) []float32 {
	return make([]float32, dim)
}

// isBlank reports whether text is empty or whitespace-only.
func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
