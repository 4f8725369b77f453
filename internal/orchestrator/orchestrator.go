// Package orchestrator implements the tiered lookup-and-admission engine:
// the end-to-end sequencing of L1, L2 and L3 plus the write-back path,
// single-flight request coalescing, and the liveness hook a future idle
// reaper would consult. This is the core of Reflex.
package orchestrator

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/reflexcache/reflex/internal/bq"
	"github.com/reflexcache/reflex/internal/f16"
	"github.com/reflexcache/reflex/internal/fingerprint"
	"github.com/reflexcache/reflex/internal/l1cache"
	"github.com/reflexcache/reflex/internal/l2cache"
	"github.com/reflexcache/reflex/internal/metrics"
	"github.com/reflexcache/reflex/internal/reflexerr"
	"github.com/reflexcache/reflex/internal/store"
	"github.com/reflexcache/reflex/internal/vectorindex"
	"github.com/reflexcache/reflex/internal/verifier"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SourceKind tags where a Hit's entry was served from, the sum-type variant
// named in spec.md §9.
type SourceKind string

const (
	SourceL1Exact    SourceKind = "L1Exact"
	SourceL3Verified SourceKind = "L3Verified"
)

// ForwardFunc fetches a fresh response for a cache miss, e.g. by calling
// the upstream chat-completion provider. It is supplied by the gateway and
// runs inside the same single-flight critical section as the lookup that
// discovered the miss, so concurrent identical requests produce exactly one
// invocation.
type ForwardFunc func(ctx context.Context) ([]byte, error)

// Outcome is the tagged result of a resolve: a cache Hit (served from L1 or
// L3 without invoking forward), a resolved miss (Hit is false but Entry is
// populated because forward ran and its result was admitted), or a bare
// miss (Entry is nil, forward was nil or not supplied). Whenever the
// semantic path ran, the query embedding is retained so a caller that does
// end up forwarding and admitting never needs to re-embed; it is nil on an
// L1 hit, on an empty-query miss, and when embedding failed.
type Outcome struct {
	Hit       bool
	Source    SourceKind
	Entry     *store.Entry
	Embedding []float32
}

// Orchestrator owns the tier handles and sequences lookup/resolve/admit.
type Orchestrator struct {
	l1       *l1cache.Cache
	primary  *store.Store
	l2       *l2cache.Cache
	verifier *verifier.Verifier
	index    *vectorindex.Index
	distlock *DistLockManager
	metrics  *metrics.Counters
	logger   *zap.Logger

	l2Limit      int
	l2RescoreCap int

	lookupGroup singleflight.Group

	lastSeen sync.Map // tenant (string) -> *atomic.Int64, unix nanos, for Liveness
}

// Config bundles the tunables an orchestrator needs beyond its tier handles.
type Config struct {
	L2Limit      int // final candidate count after rescore (K)
	L2RescoreCap int // BQ candidates retrieved before rescore (rescore_limit)
}

// New wires an Orchestrator over already-constructed tier handles.
func New(l1 *l1cache.Cache, primary *store.Store, l2 *l2cache.Cache, v *verifier.Verifier,
	index *vectorindex.Index, distlock *DistLockManager, m *metrics.Counters, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.L2Limit <= 0 {
		cfg.L2Limit = 10
	}
	if cfg.L2RescoreCap <= 0 {
		cfg.L2RescoreCap = cfg.L2Limit
	}
	return &Orchestrator{
		l1:           l1,
		primary:      primary,
		l2:           l2,
		verifier:     v,
		index:        index,
		distlock:     distlock,
		metrics:      m,
		logger:       logger.Named("orchestrator"),
		l2Limit:      cfg.L2Limit,
		l2RescoreCap: cfg.L2RescoreCap,
	}
}

// Lookup runs a read-only resolve: L1, then L2/L3, never forwarding to an
// upstream on a miss. It is Resolve with a nil forward.
func (o *Orchestrator) Lookup(ctx context.Context, req fingerprint.Request) (Outcome, error) {
	return o.Resolve(ctx, req, nil)
}

// Resolve runs the full state machine in spec.md §4.8:
// Start -> L1Hit | L1Miss -> Embedded -> L2Empty | L2Hit -> Verified -> Return,
// and, on a verified miss with a non-nil forward, also Forward -> Admit ->
// Return. The entire sequence — including forward and admit — executes
// inside a single singleflight.Group.Do closure keyed on
// (tenant, exact_key): concurrent identical requests coalesce onto one
// execution and observe the same Outcome, so a cold-cache stampede produces
// exactly one upstream call and one admission, not one per caller.
func (o *Orchestrator) Resolve(ctx context.Context, req fingerprint.Request, forward ForwardFunc) (Outcome, error) {
	fp, err := fingerprint.Derive(req)
	if err != nil {
		if reflexerr.Is(err, reflexerr.EmptyQuery) {
			o.metrics.RecordLookup(metrics.SourceMiss)
			return Outcome{Hit: false}, nil
		}
		return Outcome{}, err
	}

	sfKey := fp.Tenant + ":" + string(fp.ExactKey[:])
	v, err, _ := o.lookupGroup.Do(sfKey, func() (any, error) {
		return o.resolveOnce(ctx, fp, req, forward)
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome := v.(Outcome)

	switch {
	case outcome.Hit && outcome.Source == SourceL1Exact:
		o.metrics.RecordLookup(metrics.SourceL1Exact)
	case outcome.Hit && outcome.Source == SourceL3Verified:
		o.metrics.RecordLookup(metrics.SourceL3Verified)
	default:
		o.metrics.RecordLookup(metrics.SourceMiss)
	}
	return outcome, nil
}

func (o *Orchestrator) resolveOnce(ctx context.Context, fp fingerprint.Fingerprint, req fingerprint.Request, forward ForwardFunc) (Outcome, error) {
	o.Observe(fp.Tenant)

	if id, found := o.l1.Get(fp.Tenant, fp.ExactKey); found {
		handle, ok := o.primary.Load(fp.Tenant, id)
		if ok {
			defer handle.Close()
			entry := handle.Entry
			return Outcome{Hit: true, Source: SourceL1Exact, Entry: &entry}, nil
		}
		// Orphan L1 entry: the store no longer has it. Evict and fall
		// through to the semantic path rather than declaring a hit.
		o.l1.Evict(fp.Tenant, fp.ExactKey)
		o.logger.Warn("evicted orphan L1 entry", zap.String("tenant", fp.Tenant))
	}

	candidates, queryVector := o.l2.Search(ctx, fp.Tenant, fp.SemanticQuery, o.l2Limit, o.l2RescoreCap)
	o.metrics.RecordL2Candidates(len(candidates))

	best, status := o.verifier.Verify(ctx, fp.SemanticQuery, candidates)
	if status.Kind == verifier.Accepted {
		entry := best.Entry
		return Outcome{Hit: true, Source: SourceL3Verified, Entry: &entry, Embedding: queryVector}, nil
	}

	if forward == nil {
		return Outcome{Hit: false, Embedding: queryVector}, nil
	}

	// Cross-instance extension of the in-process singleflight group above:
	// best-effort, nil-safe when no Redis is configured. A failed or
	// contended acquire does not block forwarding locally — the in-process
	// group already guarantees at most one forward per (tenant, exact_key)
	// within this instance; the distributed lock only narrows the window
	// where two instances would both forward the same miss.
	exactKeyHex := hex.EncodeToString(fp.ExactKey[:])
	lock, acquired, lockErr := o.distlock.TryAcquire(ctx, fp.Tenant, exactKeyHex)
	switch {
	case lockErr != nil:
		o.logger.Warn("distlock acquire failed, forwarding without cross-instance coordination", zap.Error(lockErr))
	case acquired:
		defer lock.Release()
	default:
		o.logger.Debug("distlock held by another instance, forwarding locally anyway", zap.String("tenant", fp.Tenant))
	}

	payload, err := forward(ctx)
	if err != nil {
		return Outcome{Hit: false, Embedding: queryVector}, err
	}

	entry := o.admit(ctx, fp, req, payload, queryVector)
	return Outcome{Hit: false, Entry: entry, Embedding: queryVector}, nil
}

// Admit performs the write-back path directly for a caller that already has
// a response payload in hand outside of Resolve. Prefer Resolve with a
// ForwardFunc for the miss path: that keeps forwarding and admission
// coalesced across concurrent identical requests, which calling Admit on
// its own cannot do.
func (o *Orchestrator) Admit(ctx context.Context, req fingerprint.Request, responsePayload []byte, embedding []float32) error {
	fp, err := fingerprint.Derive(req)
	if err != nil {
		return err
	}
	o.admit(ctx, fp, req, responsePayload, embedding)
	return nil
}

// admit performs Store -> L1Put -> IndexUpsert (best-effort) -> Done and
// returns the constructed entry regardless of whether the store write
// succeeded, so a miss-path caller can still answer the request with the
// freshly forwarded payload even when it could not be cached. Vector index
// upsert failures are logged and do not fail admission — the orchestrator
// guarantees a future identical request still hits L1 even if indexing is
// delayed or fails.
func (o *Orchestrator) admit(ctx context.Context, fp fingerprint.Fingerprint, req fingerprint.Request, responsePayload []byte, embedding []float32) *store.Entry {
	entry := store.Entry{
		ID:              uuid.New(),
		Tenant:          fp.Tenant,
		ExactKey:        fp.ExactKey,
		SemanticQuery:   fp.SemanticQuery,
		ResponsePayload: responsePayload,
		EmbeddingF16:    f16EncodeOrEmpty(embedding),
		Dim:             len(embedding),
		CreatedAt:       time.Now().UTC(),
		ModelTag:        req.Model,
	}

	if err := o.primary.Write(entry); err != nil {
		o.logger.Warn("admission store write failed", zap.Error(err))
		return &entry
	}

	o.l1.Put(fp.Tenant, fp.ExactKey, entry.ID)
	o.metrics.RecordAdmission()

	if len(embedding) > 0 {
		if err := o.index.EnsureCollection(ctx, fp.Tenant, len(embedding)); err != nil {
			o.logger.Warn("index collection ensure failed, skipping upsert", zap.Error(err))
			return &entry
		}
		point := vectorindex.Point{
			ID:        entry.ID,
			BQBits:    bqPack(embedding),
			Tenant:    fp.Tenant,
			F16Vector: entry.EmbeddingF16,
		}
		if err := o.index.Upsert(ctx, point); err != nil {
			o.logger.Warn("index upsert failed, L1 still hits", zap.Error(err))
		}
	}
	return &entry
}

// Ready reports whether the primary store and vector index handles are
// configured, for the gateway's readiness endpoint. It does not probe
// whether the store is writable or the index is reachable.
func (o *Orchestrator) Ready(ctx context.Context) bool {
	return o.primary != nil && o.index != nil
}

// Observe updates the per-tenant last-seen timestamp. This is the
// on_request_observed hook named in spec.md §9: a future idle reaper would
// consult Liveness before tearing down per-tenant resources.
func (o *Orchestrator) Observe(tenant string) {
	actual, _ := o.lastSeen.LoadOrStore(tenant, &atomic.Int64{})
	actual.(*atomic.Int64).Store(time.Now().UnixNano())
}

// Liveness returns the last-observed timestamp for tenant, or the zero
// time if the tenant has never been observed.
func (o *Orchestrator) Liveness(tenant string) time.Time {
	v, ok := o.lastSeen.Load(tenant)
	if !ok {
		return time.Time{}
	}
	return time.Unix(0, v.(*atomic.Int64).Load()).UTC()
}

func f16EncodeOrEmpty(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return f16.EncodeVector(v)
}

func bqPack(v []float32) []byte {
	return bq.Pack(v)
}
