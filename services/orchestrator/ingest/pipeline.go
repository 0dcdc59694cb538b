// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
	"github.com/petrel-ai/petrel/services/orchestrator/index"
)

var tracer = otel.Tracer("petrel.orchestrator.ingest")

// Job describes one uploaded file awaiting ingestion. ScratchPath points
// at the spooled original; the pipeline owns its deletion.
type Job struct {
	ScratchPath string
	Filename    string
	OwnerID     string
	UploadedAt  time.Time
}

// Result records the outcome of one file's pipeline run.
type Result struct {
	Source string
	Chunks int
	Err    error
}

// Pipeline processes one document end to end.
//
// # Description
//
// Ingest extracts text (OCR for binary formats), prepends a deterministic
// metadata header, splits structure-aware (markdown headings first, then
// a character window with overlap), and bulk-writes the chunks to the
// vector index. The metadata header deliberately becomes part of the
// indexed content so provenance survives even if chunk metadata is
// stripped downstream. Scratch files are removed on every exit path.
type Pipeline struct {
	extractor    Extractor
	idx          index.VectorIndex
	chunkSize    int
	chunkOverlap int
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Extractor turns files into text. Required.
	Extractor Extractor

	// Index receives the chunks. Required.
	Index index.VectorIndex

	// ChunkSize in characters. Zero means 800.
	ChunkSize int

	// ChunkOverlap in characters. Zero means 100.
	ChunkOverlap int
}

// NewPipeline builds a Pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Extractor == nil {
		return nil, fmt.Errorf("pipeline requires an extractor")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("pipeline requires a vector index")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 800
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = 100
	}
	if opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", opts.ChunkOverlap, opts.ChunkSize)
	}
	return &Pipeline{
		extractor:    opts.Extractor,
		idx:          opts.Index,
		chunkSize:    opts.ChunkSize,
		chunkOverlap: opts.ChunkOverlap,
	}, nil
}

// Ingest runs the pipeline for one file. The scratch file is deleted
// before return regardless of outcome.
func (p *Pipeline) Ingest(ctx context.Context, job Job) Result {
	ctx, span := tracer.Start(ctx, "Pipeline.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("ingest.filename", job.Filename))

	defer func() {
		if err := os.Remove(job.ScratchPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove scratch file", "path", job.ScratchPath, "error", err)
		}
	}()

	fail := func(err error) Result {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		slog.Error("Document ingest failed", "filename", job.Filename, "error", err)
		return Result{Source: job.Filename, Err: err}
	}

	text, err := p.extractor.Extract(ctx, job.ScratchPath, job.Filename)
	if err != nil {
		return fail(fmt.Errorf("extraction failed: %w", err))
	}
	if strings.TrimSpace(text) == "" {
		return fail(fmt.Errorf("document %s contains no extractable text", job.Filename))
	}

	text = metadataHeader(job) + text

	chunks, err := p.chunk(text, job)
	if err != nil {
		return fail(fmt.Errorf("chunking failed: %w", err))
	}
	span.SetAttributes(attribute.Int("ingest.chunks", len(chunks)))

	stored, err := p.idx.BulkAdd(ctx, chunks)
	if err != nil {
		return fail(fmt.Errorf("indexing failed: %w", err))
	}
	if stored < len(chunks) {
		slog.Warn("Some chunks were rejected by the index",
			"filename", job.Filename, "stored", stored, "total", len(chunks))
	}

	slog.Info("Document ingested", "filename", job.Filename, "chunks", stored, "owner_set", job.OwnerID != "")
	return Result{Source: job.Filename, Chunks: stored}
}

// metadataHeader renders the deterministic provenance block prepended to
// the document text before chunking.
func metadataHeader(job Job) string {
	owner := job.OwnerID
	if owner == "" {
		owner = "shared"
	}
	return fmt.Sprintf("[DOCUMENT METADATA]\nFilename: %s\nOwner: %s\nUploaded: %s\n[END METADATA]\n\n",
		job.Filename, owner, job.UploadedAt.UTC().Format(time.RFC3339))
}

// chunk splits text by markdown headings first, then applies the
// character-window splitter within each section so no chunk exceeds the
// configured size. Every chunk inherits the job's owner metadata.
func (p *Pipeline) chunk(text string, job Job) ([]datatypes.DocumentChunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(p.chunkSize),
		textsplitter.WithChunkOverlap(p.chunkOverlap),
	)

	now := time.Now().UnixMilli()
	var out []datatypes.DocumentChunk
	for _, section := range splitByHeadings(text) {
		pieces, err := splitter.SplitText(section.body)
		if err != nil {
			return nil, fmt.Errorf("text splitter failed: %w", err)
		}
		for _, piece := range pieces {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			out = append(out, datatypes.DocumentChunk{
				Content:        piece,
				Source:         job.Filename,
				OwnerID:        job.OwnerID,
				SectionHeaders: section.headers,
				IngestedAt:     now,
			})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("document produced no chunks")
	}
	return out, nil
}

// section is a heading-delimited region of the document.
type section struct {
	headers []string
	body    string
}

// splitByHeadings divides text at markdown heading lines, tracking the
// heading trail (one entry per level) for each region. Text before the
// first heading forms a headerless section.
func splitByHeadings(text string) []section {
	lines := strings.Split(text, "\n")

	var sections []section
	var trail []string
	var body strings.Builder

	flush := func() {
		if strings.TrimSpace(body.String()) != "" {
			headers := make([]string, len(trail))
			copy(headers, trail)
			sections = append(sections, section{headers: headers, body: body.String()})
		}
		body.Reset()
	}

	for _, line := range lines {
		level, title := parseHeading(line)
		if level == 0 {
			body.WriteString(line)
			body.WriteString("\n")
			continue
		}
		flush()
		if level <= len(trail) {
			trail = trail[:level-1]
		}
		trail = append(trail, title)
		// The heading line itself stays in the section body so the
		// chunk text remains self-describing.
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}

// parseHeading returns the markdown heading level and title, or (0, "")
// for a non-heading line.
func parseHeading(line string) (int, string) {
	trimmed := strings.TrimLeft(line, " ")
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(trimmed[level:])
}
