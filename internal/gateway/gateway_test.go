package gateway

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/reflexcache/reflex/internal/embedding"
	"github.com/reflexcache/reflex/internal/jsonx"
	"github.com/reflexcache/reflex/internal/l1cache"
	"github.com/reflexcache/reflex/internal/l2cache"
	"github.com/reflexcache/reflex/internal/metrics"
	"github.com/reflexcache/reflex/internal/orchestrator"
	"github.com/reflexcache/reflex/internal/store"
	"github.com/reflexcache/reflex/internal/vectorindex"
	"github.com/reflexcache/reflex/internal/verifier"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGateway(t *testing.T) *Gateway {
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
	distlock := orchestrator.NewDistLockManager(nil, logger)
	m := &metrics.Counters{}
	orch := orchestrator.New(l1, primary, l2, v, idx, distlock, m, orchestrator.Config{L2Limit: 10, L2RescoreCap: 10}, logger)

	return New(orch, NewMockProvider(), m, logger)
}

func TestHandleChatCompletions_ColdMissThenHotHit(t *testing.T) {
	gw := newTestGateway(t)
	router := mux.NewRouter()
	gw.RegisterRoutes(router)

	body, _ := jsonx.Marshal(ChatRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "user", Content: "How do I center a div in CSS?"},
		},
	})

	req1 := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, req1)

	require.Equal(t, "miss", rec1.Header().Get("X-Reflex-Status"))

	req2 := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)

	require.Equal(t, "hit-l1-exact", rec2.Header().Get("X-Reflex-Status"))
	require.Equal(t, rec1.Body.Bytes(), rec2.Body.Bytes())
}

func TestHandleHealthz(t *testing.T) {
	gw := newTestGateway(t)
	router := mux.NewRouter()
	gw.RegisterRoutes(router)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
}

func TestHandleReady(t *testing.T) {
	gw := newTestGateway(t)
	router := mux.NewRouter()
	gw.RegisterRoutes(router)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
}

// countingUpstream counts invocations and blocks until released, so a test
// can assert exactly one call happened across many concurrent requests.
type countingUpstream struct {
	calls   atomic.Int64
	release chan struct{}
}

func (u *countingUpstream) Forward(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	u.calls.Add(1)
	<-u.release
	return ChatResponse{ID: "resp-1", Model: req.Model}, nil
}

// TestHandleChatCompletions_ConcurrentColdMissesCoalesce is the literal
// scenario from spec.md §8 driven through the full HTTP handler: 32
// simultaneous identical requests against a cold cache must reach the
// upstream exactly once and all receive the same response body, since the
// gateway now resolves lookup+forward+admit as one single-flight unit
// instead of calling Lookup, Forward and Admit independently per request.
func TestHandleChatCompletions_ConcurrentColdMissesCoalesce(t *testing.T) {
	logger := zaptest.NewLogger(t)

	l1, err := l1cache.New(1000, logger)
	require.NoError(t, err)
	primary, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)
	idx := vectorindex.New("http://unreachable.invalid", logger)
	embed := embedding.NewStubEmbedder(8)
	l2 := l2cache.New(embed, idx, primary, 4, logger)
	v := verifier.New(nil, 0.70, logger)
	distlock := orchestrator.NewDistLockManager(nil, logger)
	m := &metrics.Counters{}
	orch := orchestrator.New(l1, primary, l2, v, idx, distlock, m, orchestrator.Config{L2Limit: 10, L2RescoreCap: 10}, logger)

	upstream := &countingUpstream{release: make(chan struct{})}
	gw := New(orch, upstream, m, logger)
	router := mux.NewRouter()
	gw.RegisterRoutes(router)

	body, _ := jsonx.Marshal(ChatRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "user", Content: "How do I center a div in CSS?"},
		},
	})

	const n = 32
	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body)))
			recs[i] = rec
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let every goroutine reach the single-flight key
	close(upstream.release)
	wg.Wait()

	require.EqualValues(t, 1, upstream.calls.Load(), "expected exactly one upstream invocation")
	for _, rec := range recs {
		require.Equal(t, "miss", rec.Header().Get("X-Reflex-Status"))
		require.Equal(t, recs[0].Body.Bytes(), rec.Body.Bytes())
	}
}

func TestHandleChatCompletions_EmptyQueryBypassesCache(t *testing.T) {
	gw := newTestGateway(t)
	router := mux.NewRouter()
	gw.RegisterRoutes(router)

	body, _ := jsonx.Marshal(ChatRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: "system", Content: "be terse"},
		},
	})

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, "miss", rec.Header().Get("X-Reflex-Status"))
}
