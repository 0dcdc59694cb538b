// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rerank calls an external cross-encoder scoring service to
// reorder retrieved chunks by query relevance. The service is optional;
// retrieval degrades to vector-search order when no reranker is wired.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

// Reranker reorders candidates by cross-encoder relevance to the query.
type Reranker interface {
	// Rerank returns the topK highest scoring candidates, best first,
	// with Score set to the cross-encoder score.
	Rerank(ctx context.Context, query string, candidates []datatypes.ScoredChunk, topK int) ([]datatypes.ScoredChunk, error)
}

// HTTPReranker implements Reranker against a sidecar exposing POST /rerank.
type HTTPReranker struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPReranker builds a reranker client for the given base URL.
func NewHTTPReranker(baseURL string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	slog.Info("Initializing reranker client", "base_url", baseURL, "timeout", timeout)
	return &HTTPReranker{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank implements Reranker.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []datatypes.ScoredChunk, topK int) ([]datatypes.ScoredChunk, error) {
	if len(candidates) == 0 || topK <= 0 {
		return nil, nil
	}
	if topK > len(candidates) {
		topK = len(candidates)
	}

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = c.Content
	}
	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rerank", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.Error("Reranker call failed", "error", err)
		return nil, fmt.Errorf("reranker call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Reranker returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return nil, fmt.Errorf("reranker failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	// Out-of-range indices point at documents we never sent; treat the
	// whole response as untrustworthy.
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, fmt.Errorf("reranker returned out-of-range index %d", res.Index)
		}
	}

	results := parsed.Results
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}

	out := make([]datatypes.ScoredChunk, 0, len(results))
	for _, res := range results {
		chunk := candidates[res.Index]
		chunk.Score = res.Score
		out = append(out, chunk)
	}
	return out, nil
}

var _ Reranker = (*HTTPReranker)(nil)
