// Package gateway is the thin HTTP surface in front of the orchestrator.
// It is explicitly out of the core per spec.md §1 ("for context, not the
// core") — it exists so the orchestrator can be exercised end-to-end, not
// as a production-grade chat gateway (no SSE shaping, no real provider
// client; MockProvider stands in for the latter).
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/reflexcache/reflex/internal/fingerprint"
	"github.com/reflexcache/reflex/internal/jsonx"
	"github.com/reflexcache/reflex/internal/metrics"
	"github.com/reflexcache/reflex/internal/orchestrator"
)

// Upstream is the out-of-scope provider client contract (spec.md §1):
// something that actually talks to the chat-completion provider on a miss.
type Upstream interface {
	Forward(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ChatMessage mirrors one OpenAI-compatible chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest mirrors the subset of the OpenAI chat-completion request body
// Reflex's fingerprint derivation cares about.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatResponse mirrors the OpenAI chat-completion response body.
type ChatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []ChatChoice   `json:"choices"`
	Created int64          `json:"created"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index   int         `json:"index"`
	Message ChatMessage `json:"message"`
}

// Gateway wires the orchestrator behind net/http.
type Gateway struct {
	orch     *orchestrator.Orchestrator
	upstream Upstream
	metrics  *metrics.Counters
	logger   *zap.Logger
}

// New builds a Gateway. upstream may be nil; in that case a cache miss
// returns 502, since no mock or real provider is configured to forward to.
func New(orch *orchestrator.Orchestrator, upstream Upstream, m *metrics.Counters, logger *zap.Logger) *Gateway {
	return &Gateway{orch: orch, upstream: upstream, metrics: m, logger: logger.Named("gateway")}
}

// RegisterRoutes mounts the gateway's endpoints on r.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", g.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ready", g.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/v1/chat/completions", g.handleChatCompletions).Methods(http.MethodPost)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	jsonx.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.orch.Ready(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		jsonx.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	jsonx.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tenant := r.Header.Get("X-Reflex-Tenant")
	if tenant == "" {
		tenant = "default"
	}

	fpReq := toFingerprintRequest(tenant, req)

	// Streaming responses bypass the cache entirely per spec.md §9: a new
	// stable response id is emitted at stream start, never per chunk, and
	// the orchestrator's lookup/admit path is never consulted.
	if req.Stream {
		g.forwardBypassingCache(w, r.Context(), req)
		return
	}

	// forward is nil when no upstream is configured, so Resolve falls back
	// to a bare miss (Entry nil) instead of fabricating a response.
	var forward orchestrator.ForwardFunc
	if g.upstream != nil {
		forward = func(ctx context.Context) ([]byte, error) {
			resp, err := g.upstream.Forward(ctx, req)
			if err != nil {
				return nil, err
			}
			return jsonx.Marshal(resp)
		}
	}

	// Resolve runs lookup, forward and admit inside one single-flight
	// section keyed on (tenant, exact_key): concurrent identical requests
	// here coalesce onto exactly one upstream call and one admission.
	outcome, err := g.orch.Resolve(r.Context(), fpReq, forward)
	if err != nil {
		w.Header().Set("X-Reflex-Status", "miss")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if outcome.Hit {
		status := "hit-l3-verified"
		if outcome.Source == orchestrator.SourceL1Exact {
			status = "hit-l1-exact"
		}
		g.respond(w, status, outcome.Entry.ResponsePayload)
		return
	}

	if outcome.Entry != nil {
		g.respond(w, "miss", outcome.Entry.ResponsePayload)
		return
	}

	// With an upstream configured, Resolve returns no entry only for an
	// empty semantic query, which bypasses the cache end-to-end.
	if g.upstream != nil {
		g.forwardBypassingCache(w, r.Context(), req)
		return
	}

	w.Header().Set("X-Reflex-Status", "miss")
	http.Error(w, "no upstream configured", http.StatusBadGateway)
}

func (g *Gateway) forwardBypassingCache(w http.ResponseWriter, ctx context.Context, req ChatRequest) {
	if g.upstream == nil {
		http.Error(w, "no upstream configured", http.StatusBadGateway)
		return
	}
	resp, err := g.upstream.Forward(ctx, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	resp.ID = uuid.New().String()
	w.Header().Set("X-Reflex-Status", "miss")
	w.Header().Set("Content-Type", "application/json")
	jsonx.NewEncoder(w).Encode(resp)
}

func (g *Gateway) respond(w http.ResponseWriter, status string, payload []byte) {
	w.Header().Set("X-Reflex-Status", status)
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func toFingerprintRequest(tenant string, req ChatRequest) fingerprint.Request {
	messages := make([]fingerprint.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = fingerprint.Message{Role: m.Role, Content: m.Content}
	}
	return fingerprint.Request{
		Tenant:   tenant,
		Model:    req.Model,
		Messages: messages,
		Params: fingerprint.DecodingParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
	}
}

// MockProvider is a deterministic stand-in upstream for exercising the
// orchestrator without a real chat-completion provider, gated by
// REFLEX_MOCK_PROVIDER.
type MockProvider struct{}

// NewMockProvider builds a MockProvider.
func NewMockProvider() *MockProvider { return &MockProvider{} }

// Forward echoes a canned completion derived from the last user message.
func (m *MockProvider) Forward(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastUser string
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			lastUser = msg.Content
		}
	}
	return ChatResponse{
		ID:      uuid.New().String(),
		Model:   req.Model,
		Created: time.Now().Unix(),
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    "assistant",
					Content: "mock response to: " + lastUser,
				},
			},
		},
	}, nil
}
