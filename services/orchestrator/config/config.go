// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the orchestrator's environment configuration once
// at startup. Every default is logged when applied so a deployment's
// effective configuration is visible in the startup log.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the orchestrator's runtime configuration.
type Config struct {
	// Server
	Port string

	// Session store
	BadgerPath        string
	SessionTTL        time.Duration
	SessionMessageCap int

	// Prompting
	HistoryLimit int

	// Vector index
	WeaviateScheme string
	WeaviateHost   string
	SearchK        int
	FinalK         int

	// Embeddings
	EmbeddingBaseURL string
	EmbeddingModel   string
	EmbeddingTimeout time.Duration

	// Reranker (optional; empty URL disables reranking)
	RerankerURL    string
	RerankTimeout  time.Duration
	RerankTopK     int

	// LLM
	LLMBackendType string
	LLMTimeout     time.Duration

	// Ingestion
	OCRServiceURL  string
	OCRTimeout     time.Duration
	ChunkSize      int
	ChunkOverlap   int
	IngestWorkers  int
	MaxUploadBytes int64
	ScratchDir     string

	// Tracing
	OTLPEndpoint string
}

// Load reads the configuration from the environment, applying and logging
// defaults for anything unset.
func Load() Config {
	return Config{
		Port: getenv("PETREL_PORT", "8080"),

		BadgerPath:        getenv("SESSION_STORE_PATH", "/var/lib/petrel/sessions"),
		SessionTTL:        getduration("SESSION_TTL", 24*time.Hour),
		SessionMessageCap: getint("SESSION_MESSAGE_CAP", 20),

		HistoryLimit: getint("HISTORY_LIMIT", 10),

		WeaviateScheme: getenv("WEAVIATE_SCHEME", "http"),
		WeaviateHost:   getenv("WEAVIATE_HOST", "localhost:8081"),
		SearchK:        getint("RAG_SEARCH_K", 12),
		FinalK:         getint("RAG_TOP_K", 4),

		EmbeddingBaseURL: getenv("EMBEDDING_BASE_URL", "http://localhost:8001"),
		EmbeddingModel:   getenv("EMBEDDING_MODEL", "BAAI/bge-m3"),
		EmbeddingTimeout: getduration("EMBEDDING_TIMEOUT", 15*time.Second),

		RerankerURL:   os.Getenv("RERANKER_URL"),
		RerankTimeout: getduration("RERANK_TIMEOUT", 10*time.Second),
		RerankTopK:    getint("RERANK_TOP_K", 12),

		LLMBackendType: getenv("LLM_BACKEND_TYPE", "openai"),
		LLMTimeout:     getduration("LLM_TIMEOUT", 120*time.Second),

		OCRServiceURL:  os.Getenv("OCR_SERVICE_URL"),
		OCRTimeout:     getduration("OCR_TIMEOUT", 300*time.Second),
		ChunkSize:      getint("CHUNK_SIZE", 800),
		ChunkOverlap:   getint("CHUNK_OVERLAP", 100),
		IngestWorkers:  getint("INGEST_WORKERS", 2),
		MaxUploadBytes: int64(getint("MAX_UPLOAD_BYTES", 20*1024*1024)),
		ScratchDir:     getenv("INGEST_SCRATCH_DIR", os.TempDir()),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	slog.Warn("Environment variable not set, using default", "key", key, "default", fallback)
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}
