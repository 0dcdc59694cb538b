// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

// doneSentinel is the terminal SSE frame. It is deliberately not JSON so
// clients can match it byte-for-byte; it is written unconditionally at
// stream end, on success and failure alike.
const doneSentinel = "[DONE]"

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Abstracts the SSE wire format (event: type\ndata: json\n\n) and keeps
// a hash chain over the stream: every event carries a SHA-256 of its own
// content and the hash of the event before it, so a client can verify no
// frame was dropped or reordered.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; status events and
// keepalives may come from different goroutines than content events.
type SSEWriter interface {
	// WriteEvent writes one event, populating Id/CreatedAt/Hash/PrevHash.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event (e.g. "Searching documents...").
	WriteStatus(text string) error

	// WriteContent writes one answer fragment.
	WriteContent(text string) error

	// WriteSources writes the retrieved source list.
	WriteSources(sources []datatypes.SourceInfo) error

	// WriteError writes an error event. The message must already be
	// sanitized; internal details never reach the client.
	WriteError(text string) error

	// WriteDone writes the literal [DONE] sentinel. Call exactly once,
	// last, on every exit path.
	WriteDone() error

	// WriteKeepAlive sends an SSE comment to defeat proxy idle timeouts.
	// Comments are not events and do not enter the hash chain.
	WriteKeepAlive() error
}

// sseWriter implements SSEWriter over an http.ResponseWriter, flushing
// after every frame.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w. The caller must have set SSE headers first (see
// SetSSEHeaders). Fails if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// WriteEvent implements SSEWriter.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes all content fields. The Hash field itself must
// still be empty when this runs.
func computeEventHash(event datatypes.StreamEvent) string {
	sourcesJSON := ""
	if len(event.Data) > 0 {
		if data, err := json.Marshal(event.Data); err == nil {
			sourcesJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Text,
		event.SessionId,
		sourcesJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteStatus implements SSEWriter.
func (w *sseWriter) WriteStatus(text string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type: datatypes.EventStatus,
		Text: text,
	})
}

// WriteContent implements SSEWriter.
func (w *sseWriter) WriteContent(text string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type: datatypes.EventContent,
		Text: text,
	})
}

// WriteSources implements SSEWriter.
func (w *sseWriter) WriteSources(sources []datatypes.SourceInfo) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type: datatypes.EventSources,
		Data: sources,
	})
}

// WriteError implements SSEWriter.
func (w *sseWriter) WriteError(text string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type: datatypes.EventError,
		Text: text,
	})
}

// WriteDone implements SSEWriter. The sentinel has no event: line and no
// JSON body, and never enters the hash chain.
func (w *sseWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", doneSentinel); err != nil {
		return fmt.Errorf("write done sentinel: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive implements SSEWriter.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures response headers for SSE streaming. Must run
// before the first write. X-Accel-Buffering disables nginx buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
