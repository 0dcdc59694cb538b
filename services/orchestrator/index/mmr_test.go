// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

// graphQLResponse builds a Get response shaped like the weaviate client's.
func graphQLResponse(classes map[string]interface{}) *models.GraphQLResponse {
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": classes,
		},
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Degenerate inputs score zero rather than NaN.
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Zero(t, cosineSimilarity(nil, nil))
}

func TestMMR_PicksMostRelevantFirst(t *testing.T) {
	query := []float32{1, 0}
	candidates := [][]float32{
		{0, 1},       // orthogonal
		{1, 0},       // identical
		{0.9, 0.44},  // close
	}

	selected := maximalMarginalRelevance(query, candidates, 1)
	require.Len(t, selected, 1)
	assert.Equal(t, 1, selected[0])
}

func TestMMR_PenalizesRedundancy(t *testing.T) {
	query := []float32{1, 0}
	candidates := [][]float32{
		{1, 0},          // best match
		{0.999, 0.0447}, // near-duplicate of the best match
		{0.7, 0.714},    // less relevant but distinct
	}

	selected := maximalMarginalRelevance(query, candidates, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, 0, selected[0])
	// The near-duplicate loses to the distinct candidate.
	assert.Equal(t, 2, selected[1])
}

func TestMMR_KLargerThanCandidates(t *testing.T) {
	query := []float32{1, 0}
	candidates := [][]float32{{1, 0}, {0, 1}}

	selected := maximalMarginalRelevance(query, candidates, 10)
	assert.Len(t, selected, 2)
	assert.ElementsMatch(t, []int{0, 1}, selected)
}

func TestMMR_EmptyAndZeroK(t *testing.T) {
	assert.Nil(t, maximalMarginalRelevance([]float32{1}, nil, 3))
	assert.Nil(t, maximalMarginalRelevance([]float32{1}, [][]float32{{1}}, 0))
}

func TestParseChunkResults_NilRows(t *testing.T) {
	// Weaviate serializes "no matches" as a null class entry.
	chunks, vectors, err := parseChunkResults(graphQLResponse(map[string]interface{}{
		"DocumentChunk": nil,
	}))
	require.NoError(t, err)
	assert.Nil(t, chunks)
	assert.Nil(t, vectors)
}

func TestParseChunkResults_Rows(t *testing.T) {
	chunks, vectors, err := parseChunkResults(graphQLResponse(map[string]interface{}{
		"DocumentChunk": []interface{}{
			map[string]interface{}{
				"content":  "chunk text",
				"source":   "handbook.pdf",
				"owner_id": "emp-1042",
				"_additional": map[string]interface{}{
					"certainty": 0.91,
					"vector":    []interface{}{0.1, 0.2},
				},
			},
		},
	}))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "handbook.pdf", chunks[0].Source)
	assert.Equal(t, "emp-1042", chunks[0].OwnerID)
	assert.InDelta(t, 0.91, chunks[0].Certainty, 1e-9)
	assert.InDelta(t, 0.91, chunks[0].Score, 1e-9)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
}
