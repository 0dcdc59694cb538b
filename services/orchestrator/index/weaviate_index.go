// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package index implements the vector index on Weaviate.
//
// # Description
//
// Chunks live in the DocumentChunk class with externally supplied vectors
// (Vectorizer "none"). Search over-fetches by nearVector and then applies
// client-side maximal marginal relevance so the final k chunks are both
// relevant and non-redundant. The owner scope is applied as a structural
// where-filter on owner_id; it is never interpolated into query text and
// cannot be widened by anything a user types.
package index

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
	"github.com/petrel-ai/petrel/services/orchestrator/embed"
)

var tracer = otel.Tracer("petrel.orchestrator.index")

// overFetchFactor controls how many candidates the nearVector query
// returns for MMR to choose k from.
const overFetchFactor = 3

// maxOverFetch caps the candidate pool regardless of k.
const maxOverFetch = 50

// VectorIndex is the contract the retriever, ingest pipeline, and
// handlers depend on.
type VectorIndex interface {
	// Search returns up to k diverse, relevant chunks for the query,
	// restricted to the given owner scope.
	Search(ctx context.Context, query string, k int, ownerScope string) ([]datatypes.ScoredChunk, error)

	// BulkAdd embeds and writes chunks, returning the stored count.
	BulkAdd(ctx context.Context, chunks []datatypes.DocumentChunk) (int, error)

	// ListSources returns the distinct source names in the index.
	ListSources(ctx context.Context) ([]string, error)

	// Ready reports whether the index can serve queries.
	Ready(ctx context.Context) error
}

// WeaviateIndex implements VectorIndex.
type WeaviateIndex struct {
	client   *weaviate.Client
	embedder embed.Embedder

	initMu      sync.Mutex
	initialized bool
}

// NewWeaviateIndex wraps an existing Weaviate client. Call Initialize
// before first use; it is safe to call from concurrent request paths.
func NewWeaviateIndex(client *weaviate.Client, embedder embed.Embedder) *WeaviateIndex {
	return &WeaviateIndex{client: client, embedder: embedder}
}

// Initialize ensures the schema exists. Concurrent callers share a single
// attempt; a failed attempt is retried on the next call so a slow-starting
// Weaviate does not permanently poison the index.
func (w *WeaviateIndex) Initialize(ctx context.Context) error {
	w.initMu.Lock()
	defer w.initMu.Unlock()
	if w.initialized {
		return nil
	}
	if err := datatypes.EnsureWeaviateSchema(ctx, w.client); err != nil {
		return err
	}
	w.initialized = true
	return nil
}

// Ready implements VectorIndex.
func (w *WeaviateIndex) Ready(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness probe failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate not ready")
	}
	return nil
}

// ownerFilter builds the structural owner-scope filter: an owner sees
// their own chunks plus unowned shared chunks; an empty scope sees only
// shared chunks.
func ownerFilter(ownerScope string) *filters.WhereBuilder {
	sharedFilter := filters.Where().
		WithPath([]string{"owner_id"}).
		WithOperator(filters.Equal).
		WithValueString("")

	if ownerScope == "" {
		return sharedFilter
	}

	ownedFilter := filters.Where().
		WithPath([]string{"owner_id"}).
		WithOperator(filters.Equal).
		WithValueString(ownerScope)

	return filters.Where().
		WithOperator(filters.Or).
		WithOperands([]*filters.WhereBuilder{ownedFilter, sharedFilter})
}

// Search implements VectorIndex.
func (w *WeaviateIndex) Search(ctx context.Context, query string, k int, ownerScope string) ([]datatypes.ScoredChunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.k", k),
		attribute.Bool("search.owner_scoped", ownerScope != ""),
	)

	if err := w.Initialize(ctx); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	queryVec, err := w.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	fetchK := k * overFetchFactor
	if fetchK > maxOverFetch {
		fetchK = maxOverFetch
	}
	if fetchK < k {
		fetchK = k
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(queryVec)

	// Certainty is always [0,1] regardless of distance metric; the raw
	// vector comes back for client-side MMR.
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "owner_id"},
		{Name: "section_headers"},
		{Name: "ingested_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
			{Name: "vector"},
		}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(datatypes.DocumentChunkClass).
		WithFields(fields...).
		WithWhere(ownerFilter(ownerScope)).
		WithNearVector(nearVector).
		WithLimit(fetchK).
		Do(ctx)
	if err != nil {
		slog.Error("Weaviate nearVector search failed", "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search returned errors: %s", result.Errors[0].Message)
	}

	candidates, vectors, err := parseChunkResults(result)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	selected := maximalMarginalRelevance(queryVec, vectors, k)
	out := make([]datatypes.ScoredChunk, 0, len(selected))
	for _, idx := range selected {
		out = append(out, candidates[idx])
	}
	span.SetAttributes(attribute.Int("search.candidates", len(candidates)))
	slog.Debug("Vector search complete", "candidates", len(candidates), "selected", len(out))
	return out, nil
}

// parseChunkResults extracts chunks and their vectors from a GraphQL Get
// response over the DocumentChunk class.
func parseChunkResults(result *models.GraphQLResponse) ([]datatypes.ScoredChunk, [][]float32, error) {
	getData, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("unexpected weaviate response: missing Get block")
	}
	rows, ok := getData[datatypes.DocumentChunkClass].([]interface{})
	if !ok {
		// No matches serializes as null.
		return nil, nil, nil
	}

	chunks := make([]datatypes.ScoredChunk, 0, len(rows))
	vectors := make([][]float32, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := datatypes.ScoredChunk{}
		chunk.Content, _ = obj["content"].(string)
		chunk.Source, _ = obj["source"].(string)
		chunk.OwnerID, _ = obj["owner_id"].(string)
		if headers, ok := obj["section_headers"].([]interface{}); ok {
			for _, h := range headers {
				if s, ok := h.(string); ok {
					chunk.SectionHeaders = append(chunk.SectionHeaders, s)
				}
			}
		}
		if ts, ok := obj["ingested_at"].(float64); ok {
			chunk.IngestedAt = int64(ts)
		}

		var vec []float32
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if c, ok := additional["certainty"].(float64); ok {
				chunk.Certainty = c
				chunk.Score = c
			}
			if raw, ok := additional["vector"].([]interface{}); ok {
				vec = make([]float32, 0, len(raw))
				for _, v := range raw {
					if f, ok := v.(float64); ok {
						vec = append(vec, float32(f))
					}
				}
			}
		}
		chunks = append(chunks, chunk)
		vectors = append(vectors, vec)
	}
	return chunks, vectors, nil
}

// BulkAdd implements VectorIndex.
//
// Object IDs are derived from a content hash, so re-ingesting the same
// document overwrites its chunks instead of duplicating them.
func (w *WeaviateIndex) BulkAdd(ctx context.Context, chunks []datatypes.DocumentChunk) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.BulkAdd")
	defer span.End()
	span.SetAttributes(attribute.Int("ingest.chunks", len(chunks)))

	if err := w.Initialize(ctx); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}

	objects := make([]*models.Object, 0, len(chunks))
	now := time.Now().UnixMilli()
	for i, c := range chunks {
		ingestedAt := c.IngestedAt
		if ingestedAt == 0 {
			ingestedAt = now
		}
		headers := c.SectionHeaders
		if headers == nil {
			headers = []string{}
		}
		objects = append(objects, &models.Object{
			Class: datatypes.DocumentChunkClass,
			ID:    strfmt.UUID(chunkID(c)),
			Properties: map[string]interface{}{
				"content":         c.Content,
				"source":          c.Source,
				"owner_id":        c.OwnerID,
				"section_headers": headers,
				"ingested_at":     ingestedAt,
			},
			Vector: models.C11yVector(vectors[i]),
		})
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		slog.Error("Weaviate batch insert failed", "error", err)
		return 0, fmt.Errorf("weaviate batch insert failed: %w", err)
	}

	stored := 0
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			slog.Warn("Chunk rejected by weaviate", "error", r.Result.Errors.Error[0].Message)
			continue
		}
		stored++
	}
	slog.Info("Stored chunks in vector index", "stored", stored, "total", len(chunks))
	return stored, nil
}

// chunkID derives a deterministic UUID from chunk identity fields.
func chunkID(c datatypes.DocumentChunk) string {
	sum := sha256.Sum256([]byte(c.Source + "\x00" + c.OwnerID + "\x00" + c.Content))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// 16 bytes always form a valid UUID; this is unreachable.
		return uuid.New().String()
	}
	return id.String()
}

// ListSources implements VectorIndex.
func (w *WeaviateIndex) ListSources(ctx context.Context) ([]string, error) {
	if err := w.Initialize(ctx); err != nil {
		return nil, err
	}

	result, err := w.client.GraphQL().Aggregate().
		WithClassName(datatypes.DocumentChunkClass).
		WithGroupBy("source").
		WithFields(graphql.Field{
			Name:   "groupedBy",
			Fields: []graphql.Field{{Name: "value"}},
		}).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate aggregate failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate aggregate returned errors: %s", result.Errors[0].Message)
	}

	aggData, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected weaviate response: missing Aggregate block")
	}
	groups, ok := aggData[datatypes.DocumentChunkClass].([]interface{})
	if !ok {
		return []string{}, nil
	}

	sources := make([]string, 0, len(groups))
	for _, g := range groups {
		obj, ok := g.(map[string]interface{})
		if !ok {
			continue
		}
		groupedBy, ok := obj["groupedBy"].(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := groupedBy["value"].(string); ok && v != "" {
			sources = append(sources, v)
		}
	}
	return sources, nil
}

var _ VectorIndex = (*WeaviateIndex)(nil)
