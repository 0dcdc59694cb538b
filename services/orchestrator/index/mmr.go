// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import "math"

// mmrLambda balances relevance against diversity in MMR selection.
// 1.0 is pure relevance, 0.0 is pure diversity.
const mmrLambda = 0.7

// maximalMarginalRelevance selects k candidate indices that are relevant
// to the query vector while penalizing redundancy among the selection.
//
// # Description
//
// Standard MMR over cosine similarity: at each step pick the candidate
// maximizing lambda*sim(query, cand) - (1-lambda)*max sim(cand, selected).
// Candidates are the over-fetched nearVector results; the index returns
// them already roughly relevance-ordered, which MMR then diversifies.
//
// # Inputs
//
//   - queryVec: The query embedding.
//   - candidateVecs: One vector per candidate, same dimensionality.
//   - k: Number of indices to select.
//
// # Outputs
//
//   - []int: Selected candidate indices, in selection order. Fewer than k
//     when there are fewer candidates.
func maximalMarginalRelevance(queryVec []float32, candidateVecs [][]float32, k int) []int {
	n := len(candidateVecs)
	if k <= 0 || n == 0 {
		return nil
	}
	if k > n {
		k = n
	}

	querySims := make([]float64, n)
	for i, v := range candidateVecs {
		querySims[i] = cosineSimilarity(queryVec, v)
	}

	selected := make([]int, 0, k)
	remaining := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		remaining[i] = true
	}

	for len(selected) < k {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i := range remaining {
			redundancy := 0.0
			for _, s := range selected {
				if sim := cosineSimilarity(candidateVecs[i], candidateVecs[s]); sim > redundancy {
					redundancy = sim
				}
			}
			score := mmrLambda*querySims[i] - (1-mmrLambda)*redundancy
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, bestIdx)
		delete(remaining, bestIdx)
	}
	return selected
}

// cosineSimilarity returns the cosine of the angle between a and b.
// Zero vectors and mismatched lengths score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
