// Reflex gateway entry point. Wires the tiered orchestrator behind an HTTP
// surface: POST /v1/chat/completions, plus /healthz and /ready. The real
// gateway (SSE shaping, the actual upstream provider client) is out of
// scope for the core; this binary exists to exercise the orchestrator
// end-to-end, with a MockProvider standing in for the upstream when
// REFLEX_MOCK_PROVIDER is set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/reflexcache/reflex/internal/config"
	"github.com/reflexcache/reflex/internal/embedding"
	"github.com/reflexcache/reflex/internal/gateway"
	"github.com/reflexcache/reflex/internal/l1cache"
	"github.com/reflexcache/reflex/internal/l2cache"
	"github.com/reflexcache/reflex/internal/metrics"
	"github.com/reflexcache/reflex/internal/orchestrator"
	"github.com/reflexcache/reflex/internal/store"
	"github.com/reflexcache/reflex/internal/vectorindex"
	"github.com/reflexcache/reflex/internal/verifier"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("starting reflex")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	l1, err := l1cache.New(cfg.L1Capacity, logger)
	if err != nil {
		logger.Fatal("failed to build L1 cache", zap.Error(err))
	}

	primary, err := store.New(cfg.StoragePath, logger)
	if err != nil {
		logger.Fatal("failed to open primary store", zap.Error(err))
	}

	var embedder embedding.Embedder
	if cfg.ModelPath != "" {
		embedder = embedding.NewHTTPEmbedder(cfg.ModelPath, "reflex-embed", 1536, logger)
	} else {
		logger.Warn("REFLEX_MODEL_PATH unset, using deterministic stub embedder")
		embedder = embedding.NewStubEmbedder(1536)
	}

	index := vectorindex.New(cfg.QdrantURL, logger)
	l2 := l2cache.New(embedder, index, primary, cfg.MaxConcurrentLoads, logger)

	var reranker verifier.Reranker
	if cfg.RerankerPath != "" {
		reranker = verifier.NewHTTPReranker(cfg.RerankerPath)
	}
	v := verifier.New(reranker, cfg.RerankerThreshold, logger)

	distlock := orchestrator.NewDistLockManager(nil, logger)
	m := &metrics.Counters{}

	orch := orchestrator.New(l1, primary, l2, v, index, distlock, m,
		orchestrator.Config{L2Limit: 10, L2RescoreCap: 20}, logger)

	var upstream gateway.Upstream
	if cfg.MockProvider {
		upstream = gateway.NewMockProvider()
	}
	gw := gateway.New(orch, upstream, m, logger)

	router := mux.NewRouter()
	gw.RegisterRoutes(router)

	loggedRouter := handlers.LoggingHandler(os.Stdout, router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port),
		Handler:      loggedRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	logger.Info("shutdown complete")
}
