// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatStreamRequest_Validate_Minimal(t *testing.T) {
	req := ChatStreamRequest{Message: "What is the leave policy?"}
	require.NoError(t, req.Validate())
}

func TestChatStreamRequest_Validate_MissingMessage(t *testing.T) {
	req := ChatStreamRequest{SessionID: "550e8400-e29b-41d4-a716-446655440000"}
	assert.Error(t, req.Validate())
}

func TestChatStreamRequest_Validate_MessageTooLarge(t *testing.T) {
	req := ChatStreamRequest{Message: strings.Repeat("a", MaxMessageContentBytes+1)}
	assert.Error(t, req.Validate())
}

func TestChatStreamRequest_Validate_MessageAtLimit(t *testing.T) {
	req := ChatStreamRequest{Message: strings.Repeat("a", MaxMessageContentBytes)}
	assert.NoError(t, req.Validate())
}

func TestChatStreamRequest_Validate_BadSessionID(t *testing.T) {
	req := ChatStreamRequest{Message: "hi", SessionID: "not-a-uuid"}
	assert.Error(t, req.Validate())
}

func TestChatStreamRequest_Validate_OwnerScope(t *testing.T) {
	req := ChatStreamRequest{Message: "hi", OwnerScope: "emp-1042"}
	assert.NoError(t, req.Validate())

	req.OwnerScope = strings.Repeat("x", 257)
	assert.Error(t, req.Validate())
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.True(t, RoleSystem.Valid())
	assert.False(t, Role("moderator").Valid())
	assert.False(t, Role("").Valid())
}

func TestNewSessionInfo(t *testing.T) {
	info := NewSessionInfo("sess-1", "emp-1042")
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, "emp-1042", info.Owner)
	assert.Equal(t, info.CreatedAt, info.LastActivity)
	assert.Zero(t, info.MessageCount)
}
