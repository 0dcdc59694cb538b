// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retriever assembles the grounding context for a chat turn:
// query rewriting, vector search, optional cross-encoder reranking, and
// provenance-tagged context formatting.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/petrel-ai/petrel/services/orchestrator/conversation"
	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
	"github.com/petrel-ai/petrel/services/orchestrator/index"
	"github.com/petrel-ai/petrel/services/orchestrator/rerank"
)

var tracer = otel.Tracer("petrel.orchestrator.retriever")

// NoContextPlaceholder is the context text used when retrieval finds
// nothing. The generator's grounding rules key off its presence, so it
// must never be the empty string.
const NoContextPlaceholder = "No relevant background documents were found for this question."

// AssembledContext is the retrieval result handed to the answer generator.
type AssembledContext struct {
	// Query is the standalone query used for search. Equals the original
	// question on the first turn or when rewriting failed.
	Query string

	// ContextText is the formatted, provenance-tagged context block.
	// Never empty; see NoContextPlaceholder.
	ContextText string

	// Sources lists the distinct document sources behind ContextText, in
	// first-appearance order. Empty when nothing was retrieved.
	Sources []datatypes.SourceInfo

	// Chunks are the kept chunks, best first.
	Chunks []datatypes.ScoredChunk
}

// ContextAssembler is the contract the chat handler depends on.
type ContextAssembler interface {
	Assemble(ctx context.Context, question string, history []datatypes.Message, ownerScope string) (*AssembledContext, error)
}

// Retriever implements ContextAssembler over the vector index.
//
// # Description
//
// Assemble runs the retrieval half of the RAG pipeline: condense the
// question against history, over-fetch from the vector index with the
// owner filter applied, optionally rerank with the cross-encoder, and
// format the survivors into a parseable context block. Rewriter and
// reranker failures degrade (original question, vector-search order)
// rather than failing the turn; only index failures are fatal.
type Retriever struct {
	rewriter conversation.QueryRewriter
	idx      index.VectorIndex
	reranker rerank.Reranker // nil disables reranking
	searchK  int
	rerankK  int
	topK     int
}

// Options configures a Retriever.
type Options struct {
	// Rewriter condenses follow-ups. Nil disables rewriting.
	Rewriter conversation.QueryRewriter

	// Index is the vector index. Required.
	Index index.VectorIndex

	// Reranker reorders candidates. Nil means keep search order.
	Reranker rerank.Reranker

	// SearchK is how many candidates to pull from the index. Zero means 12.
	SearchK int

	// RerankK caps how many candidates the cross-encoder scores. The
	// cross-encoder runs one forward pass per candidate, so this bounds
	// rerank latency independently of SearchK. Zero means all of SearchK.
	RerankK int

	// TopK is how many chunks survive into the context. Zero means 4.
	TopK int
}

// NewRetriever builds a Retriever.
func NewRetriever(opts Options) (*Retriever, error) {
	if opts.Index == nil {
		return nil, fmt.Errorf("retriever requires a vector index")
	}
	if opts.SearchK <= 0 {
		opts.SearchK = 12
	}
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	if opts.TopK > opts.SearchK {
		opts.TopK = opts.SearchK
	}
	if opts.RerankK <= 0 || opts.RerankK > opts.SearchK {
		opts.RerankK = opts.SearchK
	}
	if opts.RerankK < opts.TopK {
		opts.RerankK = opts.TopK
	}
	return &Retriever{
		rewriter: opts.Rewriter,
		idx:      opts.Index,
		reranker: opts.Reranker,
		searchK:  opts.SearchK,
		rerankK:  opts.RerankK,
		topK:     opts.TopK,
	}, nil
}

// Assemble implements ContextAssembler.
func (r *Retriever) Assemble(ctx context.Context, question string, history []datatypes.Message, ownerScope string) (*AssembledContext, error) {
	ctx, span := tracer.Start(ctx, "retriever.Assemble")
	defer span.End()

	query := r.rewriteQuery(ctx, question, history)
	span.SetAttributes(attribute.Bool("query.rewritten", query != question))

	chunks, err := r.idx.Search(ctx, query, r.searchK, ownerScope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	span.SetAttributes(attribute.Int("search.candidates", len(chunks)))

	kept := r.narrow(ctx, query, chunks)
	span.SetAttributes(attribute.Int("context.chunks", len(kept)))

	out := &AssembledContext{
		Query:  query,
		Chunks: kept,
	}
	out.ContextText, out.Sources = formatContext(kept)
	return out, nil
}

// rewriteQuery condenses the question, falling back to it on any failure.
func (r *Retriever) rewriteQuery(ctx context.Context, question string, history []datatypes.Message) string {
	if r.rewriter == nil || len(history) == 0 {
		return question
	}
	rewritten, err := r.rewriter.Rewrite(ctx, question, history)
	if err != nil {
		slog.Warn("Query rewrite failed, searching with original question", "error", err)
		return question
	}
	return rewritten
}

// narrow reduces candidates to topK, via the reranker when one is wired.
func (r *Retriever) narrow(ctx context.Context, query string, chunks []datatypes.ScoredChunk) []datatypes.ScoredChunk {
	if len(chunks) == 0 {
		return nil
	}
	if r.reranker != nil {
		candidates := chunks
		if len(candidates) > r.rerankK {
			candidates = candidates[:r.rerankK]
		}
		reranked, err := r.reranker.Rerank(ctx, query, candidates, r.topK)
		if err == nil {
			return reranked
		}
		slog.Warn("Rerank failed, keeping vector-search order", "error", err)
	}
	if len(chunks) > r.topK {
		chunks = chunks[:r.topK]
	}
	return chunks
}

// formatContext renders kept chunks into a provenance-tagged block and
// collects the distinct sources in first-appearance order.
func formatContext(chunks []datatypes.ScoredChunk) (string, []datatypes.SourceInfo) {
	if len(chunks) == 0 {
		return NoContextPlaceholder, nil
	}

	var b strings.Builder
	seen := make(map[string]int)
	var sources []datatypes.SourceInfo
	for i, chunk := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Document %d: %s]\n%s", i+1, chunk.Source, chunk.Content)

		if idx, ok := seen[chunk.Source]; ok {
			// Keep the best score seen for a repeated source.
			if chunk.Score > sources[idx].Score {
				sources[idx].Score = chunk.Score
			}
			continue
		}
		seen[chunk.Source] = len(sources)
		sources = append(sources, datatypes.SourceInfo{Source: chunk.Source, Score: chunk.Score})
	}
	return b.String(), sources
}

var _ ContextAssembler = (*Retriever)(nil)
