// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known conversation roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// Session Types
// =============================================================================

// Message is a single turn in a conversation.
//
// # Description
//
// Messages are stored in the session history log and replayed into LLM
// prompts. Role is constrained to the Role constants; content written by
// a user or produced by the model is never re-interpreted as a different
// role on read-back.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at,omitempty"` // Unix millis
}

// SessionInfo is the per-session metadata record.
//
// # Fields
//
//   - SessionID: UUID identifying the conversation.
//   - Owner: Optional owner scope attached at creation time.
//   - CreatedAt / LastActivity: Unix millis.
//   - MessageCount: Total messages ever appended (not trimmed count).
//   - Metadata: Free-form labels attached by the caller, stored as-is.
type SessionInfo struct {
	SessionID    string            `json:"session_id"`
	Owner        string            `json:"owner,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	LastActivity int64             `json:"last_activity"`
	MessageCount int               `json:"message_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewSessionInfo creates a SessionInfo with a fresh timestamp pair.
func NewSessionInfo(sessionID, owner string) SessionInfo {
	now := time.Now().UnixMilli()
	return SessionInfo{
		SessionID:    sessionID,
		Owner:        owner,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// generateUUID returns a new UUID v4 string.
func generateUUID() string {
	return uuid.New().String()
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return generateUUID()
}
