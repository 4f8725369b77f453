// Package embedding adapts the orchestrator to the text-embedding model.
// Two implementations are provided: an HTTP-backed real embedder and a
// deterministic hash-seeded stub selected when no model is configured,
// exactly the selection the gateway's REFLEX_MODEL_PATH key drives.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/reflexcache/reflex/internal/jsonx"
	"github.com/reflexcache/reflex/internal/reflexerr"
	"go.uber.org/zap"
)

// Embedder is the contract in spec.md §4.4: text in, fixed-width vector
// out, with a deterministic reported dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// HTTPEmbedder calls an external embedding model over HTTP, the same
// request/response shape the reference Ollama adapter uses.
type HTTPEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	dim     int
	logger  *zap.Logger
}

// NewHTTPEmbedder builds an embedder backed by an HTTP model server at
// baseURL, reporting dim as its fixed output width.
func NewHTTPEmbedder(baseURL, model string, dim int, logger *zap.Logger) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 10 * time.Second},
		dim:     dim,
		logger:  logger.Named("embedding"),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed calls the model server. Suspends on network I/O; honors ctx
// cancellation per the suspension-point contract in spec.md §5.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := jsonx.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, reflexerr.New(reflexerr.EmbedFailed, "embedding.Embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, reflexerr.New(reflexerr.EmbedFailed, "embedding.Embed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, reflexerr.New(reflexerr.Canceled, "embedding.Embed", ctx.Err())
		}
		return nil, reflexerr.New(reflexerr.EmbedFailed, "embedding.Embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, reflexerr.New(reflexerr.EmbedFailed, "embedding.Embed",
			fmt.Errorf("model server returned status %d", resp.StatusCode))
	}

	var result embedResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, reflexerr.New(reflexerr.EmbedFailed, "embedding.Embed", err)
	}
	if len(result.Embedding) != e.dim {
		return nil, reflexerr.New(reflexerr.EmbedFailed, "embedding.Embed",
			fmt.Errorf("model returned dim %d, expected %d", len(result.Embedding), e.dim))
	}

	return normalize(result.Embedding), nil
}

// Dim reports the fixed output width this embedder was configured with.
func (e *HTTPEmbedder) Dim() int { return e.dim }

func normalize(v []float64) []float32 {
	out := make([]float32, len(v))
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	norm := math.Sqrt(sumSq)
	for i, x := range v {
		if norm > 1e-9 {
			out[i] = float32(x / norm)
		} else {
			out[i] = float32(x)
		}
	}
	return out
}

// StubEmbedder produces deterministic pseudo-random vectors seeded from the
// input text's hash, selected when REFLEX_MODEL_PATH is unset. Identical
// text always yields an identical vector, which is enough to exercise L2
// retrieval and admission without a real model on hand.
type StubEmbedder struct {
	dim int
}

// NewStubEmbedder builds a deterministic embedder reporting dim.
func NewStubEmbedder(dim int) *StubEmbedder {
	return &StubEmbedder{dim: dim}
}

// Embed never suspends and returns immediately. Its only failure is a
// Canceled error when ctx is already done.
func (s *StubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, reflexerr.New(reflexerr.Canceled, "embedding.Embed", err)
	}
	seed := fnv64a(text)
	rng := rand.New(rand.NewSource(int64(seed)))

	v := make([]float32, s.dim)
	var sumSq float64
	for i := range v {
		x := rng.Float64()*2 - 1
		v[i] = float32(x)
		sumSq += x * x
	}
	norm := float32(math.Sqrt(sumSq))
	if norm > 1e-9 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v, nil
}

// Dim reports the configured output width.
func (s *StubEmbedder) Dim() int { return s.dim }

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
