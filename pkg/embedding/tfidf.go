package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/kpath-enterprise/kpath/pkg/observability"
)

// TFIDFEmbedder is the statistical fallback: sublinear term-frequency
// scaling with inverse document frequency, projected to a fixed number
// of components by a truncated SVD fitted on the catalog corpus.
type TFIDFEmbedder struct {
	mu         sync.RWMutex
	dimension  int
	vocab      map[string]int
	idf        []float64
	projection [][]float64 // vocab x components
	components int
	fitted     bool
	logger     observability.Logger
}

// NewTFIDFEmbedder creates an unfitted fallback embedder.
func NewTFIDFEmbedder(dimension int, logger observability.Logger) *TFIDFEmbedder {
	if logger == nil {
		logger = observability.NewLogger("embedding-tfidf")
	}
	return &TFIDFEmbedder{dimension: dimension, logger: logger}
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Fit builds the vocabulary, IDF weights and SVD projection from the
// corpus. Token order is sorted so the same corpus always yields the
// same model bytewise.
func (e *TFIDFEmbedder) Fit(ctx context.Context, corpus []string) error {
	if len(corpus) == 0 {
		return fmt.Errorf("cannot fit on an empty corpus")
	}

	docs := make([][]string, len(corpus))
	df := make(map[string]int)
	for i, text := range corpus {
		docs[i] = tokenize(text)
		seen := make(map[string]bool, len(docs[i]))
		for _, tok := range docs[i] {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	terms := make([]string, 0, len(df))
	for tok := range df {
		terms = append(terms, tok)
	}
	sort.Strings(terms)

	vocab := make(map[string]int, len(terms))
	idf := make([]float64, len(terms))
	n := float64(len(corpus))
	for i, tok := range terms {
		vocab[tok] = i
		idf[i] = math.Log((1+n)/(1+float64(df[tok]))) + 1
	}

	// Dense corpus matrix; catalogs are small enough that this stays cheap.
	matrix := make([][]float64, len(docs))
	for i, toks := range docs {
		matrix[i] = tfidfRow(toks, vocab, idf)
	}

	components := e.dimension
	if len(terms) < components {
		components = len(terms)
	}
	if len(docs) < components {
		components = len(docs)
	}

	projection := truncatedSVD(matrix, len(terms), components)

	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.vocab = vocab
	e.idf = idf
	e.projection = projection
	e.components = components
	e.fitted = true
	e.mu.Unlock()

	e.logger.Info("Fitted TF-IDF embedder", map[string]interface{}{
		"documents":  len(corpus),
		"vocabulary": len(terms),
		"components": components,
	})
	return nil
}

// tfidfRow builds an l2-normalized sublinear TF-IDF vector over vocab.
func tfidfRow(tokens []string, vocab map[string]int, idf []float64) []float64 {
	row := make([]float64, len(idf))
	counts := make(map[int]int)
	for _, tok := range tokens {
		if idx, ok := vocab[tok]; ok {
			counts[idx]++
		}
	}
	var norm float64
	for idx, c := range counts {
		v := (1 + math.Log(float64(c))) * idf[idx]
		row[idx] = v
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for idx := range counts {
			row[idx] /= norm
		}
	}
	return row
}

// EmbedText embeds a single text against the fitted model.
func (e *TFIDFEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.fitted {
		return nil, ErrNotFitted
	}
	if isBlank(text) {
		return zeroVector(e.dimension), nil
	}

	row := tfidfRow(tokenize(text), e.vocab, e.idf)
	out := make([]float32, e.dimension)
	for j := 0; j < e.components; j++ {
		var sum float64
		for i, v := range row {
			if v != 0 {
				sum += v * e.projection[i][j]
			}
		}
		out[j] = float32(sum)
	}
	return out, nil
}

// EmbedBatch embeds texts preserving order.
func (e *TFIDFEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.EmbedText(ctx, text)
		if err != nil {
			if err == ErrNotFitted {
				return nil, err
			}
			out[i] = zeroVector(e.dimension)
			continue
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the output vector length.
func (e *TFIDFEmbedder) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dimension
}

// tfidfArtifact is the persisted form of a fitted model.
type tfidfArtifact struct {
	Kind       string
	Dimension  int
	Components int
	Terms      []string
	IDF        []float64
	Projection [][]float64
}

// Save persists the fitted parameters.
func (e *TFIDFEmbedder) Save(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.fitted {
		return ErrNotFitted
	}

	terms := make([]string, len(e.vocab))
	for tok, idx := range e.vocab {
		terms[idx] = tok
	}

	return writeArtifact(path, tfidfArtifact{
		Kind:       "tfidf",
		Dimension:  e.dimension,
		Components: e.components,
		Terms:      terms,
		IDF:        e.idf,
		Projection: e.projection,
	})
}

// Load restores a fitted model. The stored dimension replaces the
// configured default.
func (e *TFIDFEmbedder) Load(path string) error {
	var art tfidfArtifact
	if err := readArtifact(path, &art); err != nil {
		return err
	}
	if art.Kind != "tfidf" {
		return fmt.Errorf("artifact at %s is not a tfidf model", path)
	}

	vocab := make(map[string]int, len(art.Terms))
	for i, tok := range art.Terms {
		vocab[tok] = i
	}

	e.mu.Lock()
	e.dimension = art.Dimension
	e.components = art.Components
	e.vocab = vocab
	e.idf = art.IDF
	e.projection = art.Projection
	e.fitted = true
	e.mu.Unlock()
	return nil
}
