// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/petrel-ai/petrel/services/llm"
	"github.com/petrel-ai/petrel/services/orchestrator/config"
	"github.com/petrel-ai/petrel/services/orchestrator/conversation"
	"github.com/petrel-ai/petrel/services/orchestrator/embed"
	"github.com/petrel-ai/petrel/services/orchestrator/generate"
	"github.com/petrel-ai/petrel/services/orchestrator/handlers"
	"github.com/petrel-ai/petrel/services/orchestrator/index"
	"github.com/petrel-ai/petrel/services/orchestrator/ingest"
	"github.com/petrel-ai/petrel/services/orchestrator/observability"
	"github.com/petrel-ai/petrel/services/orchestrator/rerank"
	"github.com/petrel-ai/petrel/services/orchestrator/retriever"
	"github.com/petrel-ai/petrel/services/orchestrator/routes"
	"github.com/petrel-ai/petrel/services/orchestrator/store"
)

// initTracer wires the OTLP gRPC exporter. Returns a shutdown function.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("petrel-orchestrator")))
	if err != nil {
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down OTLP exporter", "error", err)
		}
	}, nil
}

// buildLLMClient selects the inference backend from configuration.
func buildLLMClient(backendType string) (llm.LLMClient, error) {
	switch backendType {
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	case "openai":
		slog.Info("Using OpenAI-compatible LLM backend")
		return llm.NewOpenAIClient()
	default:
		slog.Warn("Unknown LLM_BACKEND_TYPE, defaulting to openai", "type", backendType)
		return llm.NewOpenAIClient()
	}
}

// warmUp probes the external dependencies once at startup. Failures are
// logged, not fatal: the service starts degraded and /health reports the
// per-dependency state.
func warmUp(ctx context.Context, idx *index.WeaviateIndex, embedder embed.Embedder, llmClient llm.LLMClient) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := idx.Ready(ctx); err != nil {
		slog.Warn("Vector index not ready at startup", "error", err)
	} else if err := idx.Initialize(ctx); err != nil {
		slog.Warn("Vector index schema init failed at startup, will retry lazily", "error", err)
	}
	if err := embedder.Ready(ctx); err != nil {
		slog.Warn("Embedding endpoint not ready at startup", "error", err)
	}
	if prober, ok := llmClient.(interface{ Ready(context.Context) error }); ok {
		if err := prober.Ready(ctx); err != nil {
			slog.Warn("LLM endpoint not ready at startup", "error", err)
		}
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to set up the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	} else {
		slog.Info("OTLP_ENDPOINT not set, tracing disabled")
	}

	llmClient, err := buildLLMClient(cfg.LLMBackendType)
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	sessionStore, err := store.NewBadgerStore(store.Options{
		Path:       cfg.BadgerPath,
		TTL:        cfg.SessionTTL,
		MessageCap: cfg.SessionMessageCap,
	})
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}

	janitor := store.NewJanitor(sessionStore, time.Hour)
	if err := janitor.Start(context.Background()); err != nil {
		log.Fatalf("failed to start session store janitor: %v", err)
	}

	embedder := embed.NewClient(embed.Options{
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
		Timeout: cfg.EmbeddingTimeout,
	})

	weaviateClient, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	})
	if err != nil {
		log.Fatalf("failed to create weaviate client: %v", err)
	}
	idx := index.NewWeaviateIndex(weaviateClient, embedder)

	warmUp(context.Background(), idx, embedder, llmClient)

	var reranker rerank.Reranker
	if cfg.RerankerURL != "" {
		reranker = rerank.NewHTTPReranker(cfg.RerankerURL, cfg.RerankTimeout)
		slog.Info("Reranking enabled", "url", cfg.RerankerURL, "top_k", cfg.RerankTopK)
	} else {
		slog.Info("RERANKER_URL not set, reranking disabled")
	}

	rewriter := conversation.NewLLMQueryRewriter(
		func(ctx context.Context, prompt string, maxTokens int) (string, error) {
			return llmClient.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: &maxTokens})
		},
		conversation.DefaultRewriterConfig(),
	)

	contextAssembler, err := retriever.NewRetriever(retriever.Options{
		Rewriter: rewriter,
		Index:    idx,
		Reranker: reranker,
		SearchK:  cfg.SearchK,
		RerankK:  cfg.RerankTopK,
		TopK:     cfg.FinalK,
	})
	if err != nil {
		log.Fatalf("failed to build retriever: %v", err)
	}

	generator, err := generate.NewGenerator(generate.Options{
		LLMClient:    llmClient,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		log.Fatalf("failed to build generator: %v", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	pipeline, err := ingest.NewPipeline(ingest.PipelineOptions{
		Extractor:    ingest.NewOCRExtractor(cfg.OCRServiceURL, cfg.OCRTimeout),
		Index:        idx,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	})
	if err != nil {
		log.Fatalf("failed to build ingest pipeline: %v", err)
	}
	pool, err := ingest.NewPool(pipeline, cfg.IngestWorkers, metrics)
	if err != nil {
		log.Fatalf("failed to build ingest pool: %v", err)
	}

	svc := &handlers.Services{
		Config:    &cfg,
		Store:     sessionStore,
		Index:     idx,
		Retriever: contextAssembler,
		Generator: generator,
		LLM:       llmClient,
		Pool:      pool,
		Metrics:   metrics,
	}
	if err := svc.Validate(); err != nil {
		log.Fatalf("service container incomplete: %v", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("petrel-orchestrator"))
	routes.SetupRoutes(router, svc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Starting the orchestrator server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop, cancelStop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelStop()
	<-stop.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	// In-flight ingestion finishes even though the listener is gone.
	if err := pool.Drain(30 * time.Second); err != nil {
		slog.Error("Ingest pool drain failed", "error", err)
	}
	janitor.Stop()
	if err := sessionStore.Close(); err != nil {
		slog.Error("Session store close failed", "error", err)
	}
	handlers.PurgeAllSecureMemory()
	slog.Info("Shutdown complete")
}
