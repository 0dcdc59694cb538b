// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the orchestrator
// service: request/response bodies, session records, retrieval chunks, and
// the SSE wire events emitted by the streaming chat endpoint.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Request Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single chat message.
	// Byte length, not rune count, to bound memory for hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxOwnerScopeBytes bounds the owner scope identifier.
	MaxOwnerScopeBytes = 256
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Streaming Chat Request
// =============================================================================

// ChatStreamRequest is the body of POST /v1/chat/stream.
//
// # Fields
//
//   - Message: Required. The user's question. Max 32KB.
//   - SessionID: Optional. Continues an existing conversation when present;
//     a new session is created when empty or expired.
//   - OwnerScope: Optional. Restricts retrieval to chunks whose owner_id
//     equals this value (plus unowned shared chunks).
//
// # Validation
//
// Uses go-playground/validator. SessionID must be a UUID v4 when set.
type ChatStreamRequest struct {
	Message    string `json:"message" validate:"required,maxbytes"`
	SessionID  string `json:"session_id" validate:"omitempty,uuid4"`
	OwnerScope string `json:"owner_scope" validate:"omitempty,max=256"`
}

// Validate checks the request against its validation tags.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// SSE Wire Events
// =============================================================================

// SSE event types carried in StreamEvent.Type. The terminal frame of a
// stream is not a StreamEvent at all: it is the literal "data: [DONE]"
// sentinel, written unconditionally on success, error, and disconnect paths.
const (
	EventStatus  = "status"
	EventContent = "content"
	EventSources = "sources"
	EventError   = "error"
)

// StreamEvent is one SSE frame of the streaming chat response.
//
// # Description
//
// Serialized as the data payload of an "event: <type>" SSE frame. Each
// event carries integrity metadata: Id, CreatedAt, a SHA-256 Hash of its
// content, and the PrevHash of the preceding event, forming a verifiable
// chain over the stream.
//
// # Fields
//
//   - Type: One of the Event* constants.
//   - Text: Populated for status, content, and error events.
//   - Data: Populated for sources events.
//   - SessionId: Session the stream belongs to (set on the first status event).
type StreamEvent struct {
	Id        string       `json:"id,omitempty"`
	Type      string       `json:"type"`
	Text      string       `json:"text,omitempty"`
	Data      []SourceInfo `json:"data,omitempty"`
	SessionId string       `json:"session_id,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	Hash      string       `json:"hash,omitempty"`
	PrevHash  string       `json:"prev_hash,omitempty"`
}

// SourceInfo identifies one retrieved document in a sources event.
type SourceInfo struct {
	Source string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}
