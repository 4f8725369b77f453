package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reflexcache/reflex/internal/embedding"
	"github.com/reflexcache/reflex/internal/fingerprint"
	"github.com/reflexcache/reflex/internal/l1cache"
	"github.com/reflexcache/reflex/internal/l2cache"
	"github.com/reflexcache/reflex/internal/metrics"
	"github.com/reflexcache/reflex/internal/store"
	"github.com/reflexcache/reflex/internal/vectorindex"
	"github.com/reflexcache/reflex/internal/verifier"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)

	l1, err := l1cache.New(1000, logger)
	require.NoError(t, err)

	primary, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	idx := vectorindex.New("http://unreachable.invalid", logger)
	embed := embedding.NewStubEmbedder(8)
	l2 := l2cache.New(embed, idx, primary, 4, logger)
	v := verifier.New(nil, 0.70, logger)
	distlock := NewDistLockManager(nil, logger)
	m := &metrics.Counters{}

	return New(l1, primary, l2, v, idx, distlock, m, Config{L2Limit: 10, L2RescoreCap: 10}, logger)
}

func sampleRequest(content string) fingerprint.Request {
	return fingerprint.Request{
		Tenant: "acme",
		Model:  "gpt-4o",
		Messages: []fingerprint.Message{
			{Role: "user", Content: content},
		},
	}
}

func TestLookup_ColdMissThenHotHit(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	req := sampleRequest("How do I center a div in CSS?")

	outcome, err := o.Lookup(ctx, req)
	require.NoError(t, err)
	require.False(t, outcome.Hit)

	require.NoError(t, o.Admit(ctx, req, []byte(`{"id":"resp-1"}`), outcome.Embedding))
	o.l1.Wait()

	second, err := o.Lookup(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Hit)
	require.Equal(t, SourceL1Exact, second.Source)
	require.Equal(t, []byte(`{"id":"resp-1"}`), second.Entry.ResponsePayload)
}

func TestLookup_EmptyQueryIsMiss(t *testing.T) {
	o := newTestOrchestrator(t)
	req := fingerprint.Request{
		Tenant: "acme",
		Model:  "gpt-4o",
		Messages: []fingerprint.Message{
			{Role: "system", Content: "be terse"},
		},
	}

	outcome, err := o.Lookup(context.Background(), req)
	require.NoError(t, err)
	require.False(t, outcome.Hit)
	require.Nil(t, outcome.Embedding)
}

func TestLookup_ConcurrentDuplicatesCoalesce(t *testing.T) {
	o := newTestOrchestrator(t)
	req := sampleRequest("How do I center a div in CSS?")

	const n = 16
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := o.Lookup(context.Background(), req)
			require.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	for _, out := range outcomes {
		require.Equal(t, outcomes[0].Hit, out.Hit)
	}
}

// TestResolve_ConcurrentColdMissesCoalesceExactlyOneForward is the literal
// scenario from spec.md §8: 32 simultaneous requests with identical
// (tenant, exact_key) against a cold cache must produce exactly one
// upstream invocation and 32 identical responses, because forward and
// admit run inside the same single-flight section as the lookup.
func TestResolve_ConcurrentColdMissesCoalesceExactlyOneForward(t *testing.T) {
	o := newTestOrchestrator(t)
	req := sampleRequest("How do I center a div in CSS?")

	var calls atomic.Int64
	release := make(chan struct{})
	forward := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release // held open so every goroutine below has a chance to coalesce
		return []byte(`{"id":"resp-1"}`), nil
	}

	const n = 32
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = o.Resolve(context.Background(), req, forward)
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let every goroutine reach the single-flight key
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load(), "expected exactly one upstream invocation")
	for i := range outcomes {
		require.NoError(t, errs[i])
		require.NotNil(t, outcomes[i].Entry)
		require.Equal(t, []byte(`{"id":"resp-1"}`), outcomes[i].Entry.ResponsePayload)
	}
}

func TestObserveAndLiveness(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.Liveness("acme").IsZero())

	o.Observe("acme")
	require.False(t, o.Liveness("acme").IsZero())
}
