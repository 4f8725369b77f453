// Package vectorindex adapts the orchestrator to an external binary-
// quantized ANN service over its REST API, following the same HTTP-client,
// per-collection, JSON-request shape the reference Qdrant adapter used —
// upgraded here to the BQ-bits-plus-f16-payload wire contract of spec.md §4.5.
package vectorindex

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reflexcache/reflex/internal/jsonx"
	"github.com/reflexcache/reflex/internal/reflexerr"
	"go.uber.org/zap"
)

const maxOversampleFactor = 10

// Point is one entry in the index: its id, its binary-quantized vector, and
// the payload the rescore stage needs back (the f16 vector, tenant, id).
type Point struct {
	ID       uuid.UUID
	BQBits   []byte
	Tenant   string
	F16Vector []byte
}

// Candidate is a search hit: coarse BQ similarity plus the payload needed
// for rescoring. Coarse scores are Hamming-based proxies and must never be
// used to rank final results — only to select candidates.
type Candidate struct {
	ID           uuid.UUID
	CoarseScore  float32
	F16Vector    []byte
}

// Index is the vector-index adapter contract.
type Index struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu          sync.Mutex
	collections map[string]int // tenant -> dim, for idempotent ensure_collection
}

// New builds an Index client pointed at an ANN service at baseURL.
func New(baseURL string, logger *zap.Logger) *Index {
	return &Index{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger.Named("vectorindex"),
		collections: make(map[string]int),
	}
}

// EnsureCollection idempotently creates the per-tenant collection with the
// given dimension and cosine metric. Mixing dimensions within one tenant's
// collection is forbidden — a later call with a different dim returns an
// error rather than silently reusing the first dim observed.
func (idx *Index) EnsureCollection(ctx context.Context, tenant string, dim int) error {
	idx.mu.Lock()
	existing, seen := idx.collections[tenant]
	idx.mu.Unlock()
	if seen {
		if existing != dim {
			return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.EnsureCollection",
				fmt.Errorf("tenant %q collection already has dim %d, refusing dim %d", tenant, existing, dim))
		}
		return nil
	}

	body, err := jsonx.Marshal(map[string]any{
		"vectors": map[string]any{
			"size":        dim,
			"distance":    "Cosine",
			"quantization": "binary",
		},
	})
	if err != nil {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.EnsureCollection", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		idx.baseURL+"/collections/"+tenant, bytes.NewReader(body))
	if err != nil {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.EnsureCollection", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := idx.client.Do(req)
	if err != nil {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.EnsureCollection", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.EnsureCollection",
			fmt.Errorf("collection create returned status %d", resp.StatusCode))
	}

	idx.mu.Lock()
	idx.collections[tenant] = dim
	idx.mu.Unlock()
	return nil
}

// Upsert writes or replaces a point. Callers on the admission path may
// treat failures here as best-effort: a future identical request still
// hits L1, per the orchestrator's admission guarantee.
func (idx *Index) Upsert(ctx context.Context, point Point) error {
	body, err := jsonx.Marshal(map[string]any{
		"points": []map[string]any{
			{
				"id":      point.ID.String(),
				"vector":  point.BQBits,
				"payload": map[string]any{
					"tenant":     point.Tenant,
					"id":         point.ID.String(),
					"f16_vector": point.F16Vector,
				},
			},
		},
	})
	if err != nil {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Upsert", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		idx.baseURL+"/collections/"+point.Tenant+"/points", bytes.NewReader(body))
	if err != nil {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Upsert", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := idx.client.Do(req)
	if err != nil {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Upsert", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Upsert",
			fmt.Errorf("upsert returned status %d", resp.StatusCode))
	}
	return nil
}

// OversampleFactor derives the BQ-stage retrieval multiplier from the ratio
// of rescoreLimit to limit, capped at 10x per spec.md §4.5.
func OversampleFactor(limit, rescoreLimit int) int {
	if limit <= 0 {
		return 1
	}
	factor := rescoreLimit / limit
	if factor < 1 {
		factor = 1
	}
	if factor > maxOversampleFactor {
		factor = maxOversampleFactor
	}
	return factor
}

type searchResponsePoint struct {
	ID      string  `json:"id"`
	Score   float32 `json:"score"`
	Payload struct {
		F16Vector []byte `json:"f16_vector"`
	} `json:"payload"`
}

// Search retrieves limit*oversampleFactor candidates from the BQ coarse
// stage, scoped to tenant. The oversampleFactor argument is always the
// value the caller passed to Search, which L2 must have capped via
// OversampleFactor — Search itself does not re-clamp, so a caller bug there
// would be directly observable in the index RPC argument.
func (idx *Index) Search(ctx context.Context, tenant string, queryVector []float32, limit, oversampleFactor int) ([]Candidate, error) {
	fetch := limit * oversampleFactor

	body, err := jsonx.Marshal(map[string]any{
		"vector": queryVector,
		"limit":  fetch,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "tenant", "match": map[string]any{"value": tenant}},
			},
		},
		"with_payload": true,
	})
	if err != nil {
		return nil, reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Search", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		idx.baseURL+"/collections/"+tenant+"/points/search", bytes.NewReader(body))
	if err != nil {
		return nil, reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Search", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := idx.client.Do(req)
	if err != nil {
		return nil, reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Search",
			fmt.Errorf("search returned status %d", resp.StatusCode))
	}

	var result struct {
		Result []searchResponsePoint `json:"result"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, reflexerr.New(reflexerr.IndexUnavailable, "vectorindex.Search", err)
	}

	candidates := make([]Candidate, 0, len(result.Result))
	for _, r := range result.Result {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			idx.logger.Warn("skipping candidate with malformed id", zap.String("id", r.ID))
			continue
		}
		candidates = append(candidates, Candidate{
			ID:          id,
			CoarseScore: r.Score,
			F16Vector:   r.Payload.F16Vector,
		})
	}
	return candidates, nil
}
