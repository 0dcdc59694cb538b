// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embed provides the embedding client used for both queries and
// ingested chunks. It speaks the OpenAI /v1/embeddings protocol, which
// self-hosted servers (vLLM, TEI) implement as well.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Embedder is the contract the vector index and retriever depend on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Ready(ctx context.Context) error
}

// Client calls an OpenAI-compatible embeddings endpoint.
//
// # Description
//
// Embedding calls carry a short explicit timeout independent of the
// caller's deadline: retrieval must fail fast, it never waits the full
// generation budget on a stuck embedding server.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
}

// Options configures an embedding Client.
type Options struct {
	// BaseURL of the embeddings server, with or without the /v1 suffix.
	BaseURL string

	// Model name passed through to the server.
	Model string

	// Timeout per embedding call. Zero means 15s.
	Timeout time.Duration
}

// NewClient builds an embedding client. Self-hosted endpoints need no key.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	cfg := openai.DefaultConfig("not-needed")
	trimmed := strings.TrimSuffix(opts.BaseURL, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		cfg.BaseURL = trimmed
	} else {
		cfg.BaseURL = trimmed + "/v1"
	}
	slog.Info("Initializing embedding client", "base_url", cfg.BaseURL, "model", opts.Model, "timeout", opts.Timeout)
	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		timeout: opts.Timeout,
	}
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: texts,
	})
	if err != nil {
		slog.Error("Embedding call failed", "error", err, "batch_size", len(texts))
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding server returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// The API may return vectors out of order; Index restores input order.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding server returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embedding server returned no vector for input %d", i)
		}
	}
	return vectors, nil
}

// Ready probes the endpoint with a trivial embedding call.
func (c *Client) Ready(ctx context.Context) error {
	if _, err := c.Embed(ctx, "ping"); err != nil {
		return fmt.Errorf("embedding endpoint not ready: %w", err)
	}
	return nil
}

var _ Embedder = (*Client)(nil)
