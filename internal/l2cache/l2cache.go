// Package l2cache is the semantic retrieval tier: embed, search the BQ
// index, rescore with aligned f16 cosine similarity, hydrate survivors from
// the primary store with bounded-concurrency fan-out. Every failure mode
// degrades to an empty result rather than surfacing an error — per
// spec.md §4.6/§7, whole-tier failures here just make the orchestrator
// treat L2 as having produced no hits.
package l2cache

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/reflexcache/reflex/internal/embedding"
	"github.com/reflexcache/reflex/internal/f16"
	"github.com/reflexcache/reflex/internal/store"
	"github.com/reflexcache/reflex/internal/vectorindex"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultMaxConcurrentLoads = 8

// Candidate is one hydrated, rescored entry returned by Search, in final
// rank order.
type Candidate struct {
	Entry store.Entry
	Score float32
}

// Cache orchestrates the embed -> search -> rescore -> hydrate pipeline.
type Cache struct {
	embedder           embedding.Embedder
	index              *vectorindex.Index
	primary            *store.Store
	maxConcurrentLoads int
	logger             *zap.Logger
}

// New builds an L2 cache over the given embedder, vector index and primary
// store. maxConcurrentLoads bounds the hydration fan-out; 0 selects the
// spec default of 8.
func New(embedder embedding.Embedder, index *vectorindex.Index, primary *store.Store, maxConcurrentLoads int, logger *zap.Logger) *Cache {
	if maxConcurrentLoads <= 0 {
		maxConcurrentLoads = defaultMaxConcurrentLoads
	}
	return &Cache{
		embedder:           embedder,
		index:              index,
		primary:            primary,
		maxConcurrentLoads: maxConcurrentLoads,
		logger:             logger.Named("l2cache"),
	}
}

// Search runs the full L2 pipeline for semanticQuery under tenant, returning
// up to limit hydrated candidates in descending rescore order, plus the
// query embedding so the orchestrator can retain it for admission without
// re-embedding. It never returns an error: every failure mode degrades to
// an empty candidate slice.
func (c *Cache) Search(ctx context.Context, tenant, semanticQuery string, limit, rescoreLimit int) ([]Candidate, []float32) {
	queryVector, err := c.embedder.Embed(ctx, semanticQuery)
	if err != nil {
		c.logger.Warn("embedding failed, degrading L2 to empty", zap.Error(err))
		return nil, nil
	}

	factor := vectorindex.OversampleFactor(limit, rescoreLimit)
	raw, err := c.index.Search(ctx, tenant, queryVector, limit, factor)
	if err != nil {
		c.logger.Warn("index search failed, degrading L2 to empty", zap.Error(err))
		return nil, queryVector
	}

	rescored := rescore(queryVector, raw)
	if len(rescored) > limit {
		rescored = rescored[:limit]
	}

	hydrated := c.hydrate(ctx, tenant, rescored)
	return hydrated, queryVector
}

type rescoredCandidate struct {
	id    uuid.UUID
	score float32
}

// rescore reinterprets each candidate's f16 payload as an aligned array
// (copying into a fresh buffer first — raw unaligned reinterpretation of
// index-adapter payload bytes is forbidden), computes cosine similarity
// against the query vector, drops NaN scores, and sorts descending with
// ties broken by id for a deterministic total order.
func rescore(queryVector []float32, candidates []vectorindex.Candidate) []rescoredCandidate {
	out := make([]rescoredCandidate, 0, len(candidates))
	for _, cand := range candidates {
		aligned := f16.AlignedCopy(cand.F16Vector)
		full := f16.DecodeVector(aligned)
		score := f16.Cosine(queryVector, full)
		if isNaN(score) {
			continue
		}
		out = append(out, rescoredCandidate{id: cand.ID, score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id.String() < out[j].id.String()
	})
	return out
}

func isNaN(f float32) bool {
	return f != f
}

// hydrate loads each surviving candidate from the primary store with
// bounded concurrency, preserving rescore order. Missing or invalid loads
// are skipped without aborting the batch.
func (c *Cache) hydrate(ctx context.Context, tenant string, candidates []rescoredCandidate) []Candidate {
	results := make([]*Candidate, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrentLoads)

	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			handle, ok := c.primary.Load(tenant, cand.id)
			if !ok {
				return nil
			}
			defer handle.Close()
			results[i] = &Candidate{Entry: handle.Entry, Score: cand.score}
			return nil
		})
	}
	_ = g.Wait() // hydrate never fails the batch; per-candidate misses are skipped

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
