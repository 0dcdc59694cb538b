// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Retrieval Types
// =============================================================================

// DocumentChunk is one indexed slice of an ingested document.
//
// # Fields
//
//   - Content: The chunk text, including any inherited metadata header.
//   - Source: Originating document name. Always set; every chunk is
//     attributable back to its document.
//   - OwnerID: Owner scope for private documents. Empty for shared chunks.
//   - SectionHeaders: Markdown heading trail the chunk was split under.
//   - IngestedAt: Unix millis when the chunk was written to the index.
type DocumentChunk struct {
	Content        string   `json:"content"`
	Source         string   `json:"source"`
	OwnerID        string   `json:"owner_id,omitempty"`
	SectionHeaders []string `json:"section_headers,omitempty"`
	IngestedAt     int64    `json:"ingested_at,omitempty"`
}

// ScoredChunk pairs a retrieved chunk with its relevance score.
//
// Certainty is the vector-similarity score from the index; Score is the
// final ranking score (reranker score when reranking ran, otherwise the
// certainty). Higher is more relevant for both.
type ScoredChunk struct {
	DocumentChunk
	Certainty float64 `json:"certainty"`
	Score     float64 `json:"score"`
}

// =============================================================================
// Document Upload Types
// =============================================================================

// RejectedFile explains why one uploaded file was not accepted.
type RejectedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// DocumentUploadResponse is the immediate response to POST /v1/documents.
// Accepted files are ingested out-of-band after this response is sent.
type DocumentUploadResponse struct {
	Accepted []string       `json:"accepted"`
	Rejected []RejectedFile `json:"rejected"`
}

// DocumentListResponse is the response to GET /v1/documents.
type DocumentListResponse struct {
	Sources []string `json:"sources"`
	Count   int      `json:"count"`
}
