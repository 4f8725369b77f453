// Package verifier is the L3 cross-encoder verification stage: it scores
// (query, candidate) pairs against an external reranker and accepts the
// top-scoring candidate only if it clears a configured threshold.
package verifier

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/reflexcache/reflex/internal/jsonx"
	"github.com/reflexcache/reflex/internal/l2cache"
	"github.com/reflexcache/reflex/internal/reflexerr"
	"go.uber.org/zap"
)

// StatusKind tags the sum-type outcome of a verification per spec.md §9.
type StatusKind string

const (
	Accepted       StatusKind = "Accepted"
	BelowThreshold StatusKind = "BelowThreshold"
	NoCandidates   StatusKind = "NoCandidates"
	Unverified     StatusKind = "Unverified"
	ErrorStatus    StatusKind = "Error"
)

// Status carries the verification outcome and, for BelowThreshold, the
// best observed score.
type Status struct {
	Kind  StatusKind
	Score float32
}

// Reranker is the external cross-encoder contract. A nil Reranker means no
// reranker was configured (the explicit opt-in Unverified path).
type Reranker interface {
	Score(ctx context.Context, query, candidateText string) (float32, error)
}

// Verifier is the L3 stage.
type Verifier struct {
	reranker  Reranker
	threshold float32
	logger    *zap.Logger
}

// New builds a Verifier. threshold must already be validated ∈ [0,1] by
// config.Load; Verifier does not re-validate it.
func New(reranker Reranker, threshold float32, logger *zap.Logger) *Verifier {
	return &Verifier{reranker: reranker, threshold: threshold, logger: logger.Named("verifier")}
}

// Verify scores query against each candidate's semantic_query and returns
// the best candidate plus a Status describing why. Candidates must already
// be in L2 rescore order; Verify re-sorts by its own cross-encoder score,
// not the incoming order.
func (v *Verifier) Verify(ctx context.Context, query string, candidates []l2cache.Candidate) (*l2cache.Candidate, Status) {
	if len(candidates) == 0 {
		return nil, Status{Kind: NoCandidates}
	}

	if v.reranker == nil {
		best := candidates[0]
		return &best, Status{Kind: Unverified}
	}

	type scored struct {
		candidate l2cache.Candidate
		score     float32
	}
	results := make([]scored, 0, len(candidates))

	for _, cand := range candidates {
		score, err := v.reranker.Score(ctx, query, cand.Entry.SemanticQuery)
		if err != nil {
			if reflexerr.Is(err, reflexerr.Canceled) {
				return nil, Status{Kind: ErrorStatus}
			}
			v.logger.Warn("reranker call failed, skipping candidate",
				zap.String("entry_id", cand.Entry.ID.String()), zap.Error(err))
			continue
		}
		if isNaN(score) {
			continue
		}
		results = append(results, scored{candidate: cand, score: score})
	}

	if len(results) == 0 {
		return nil, Status{Kind: ErrorStatus}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].candidate.Entry.ID.String() < results[j].candidate.Entry.ID.String()
	})

	best := results[0]
	if best.score < v.threshold {
		return nil, Status{Kind: BelowThreshold, Score: best.score}
	}
	return &best.candidate, Status{Kind: Accepted, Score: best.score}
}

func isNaN(f float32) bool { return f != f }

// HTTPReranker calls an external cross-encoder scoring service over HTTP.
type HTTPReranker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPReranker builds a reranker backed by an HTTP scoring server.
func NewHTTPReranker(baseURL string) *HTTPReranker {
	return &HTTPReranker{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}}
}

type scoreRequest struct {
	Query     string `json:"query"`
	Candidate string `json:"candidate"`
}

type scoreResponse struct {
	Score float32 `json:"score"`
}

// Score suspends on network I/O and honors ctx cancellation.
func (r *HTTPReranker) Score(ctx context.Context, query, candidateText string) (float32, error) {
	body, err := jsonx.Marshal(scoreRequest{Query: query, Candidate: candidateText})
	if err != nil {
		return 0, reflexerr.New(reflexerr.RerankerFailed, "verifier.Score", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, reflexerr.New(reflexerr.RerankerFailed, "verifier.Score", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, reflexerr.New(reflexerr.Canceled, "verifier.Score", ctx.Err())
		}
		return 0, reflexerr.New(reflexerr.RerankerFailed, "verifier.Score", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, reflexerr.New(reflexerr.RerankerFailed, "verifier.Score",
			fmt.Errorf("reranker returned status %d", resp.StatusCode))
	}

	var result scoreResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, reflexerr.New(reflexerr.RerankerFailed, "verifier.Score", err)
	}
	return result.Score, nil
}
