// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(Options{
		Path:       "", // in-memory
		TTL:        time.Hour,
		MessageCap: 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateOrGet_NewSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "", "emp-1042")
	require.NoError(t, err)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "emp-1042", info.Owner)
	assert.Zero(t, info.MessageCount)

	// The message log exists and is empty.
	msgs, err := s.RecentMessages(ctx, info.SessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCreateOrGet_ExistingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateOrGet(ctx, "", "emp-1042")
	require.NoError(t, err)

	got, err := s.CreateOrGet(ctx, created.SessionID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, got.SessionID)
	// Owner of the existing session wins over the hint.
	assert.Equal(t, "emp-1042", got.Owner)
}

func TestCreateOrGet_UnknownIDCreatesFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "550e8400-e29b-41d4-a716-446655440000", "")
	require.NoError(t, err)
	// A stale client id is not resurrected; a new session is minted.
	assert.NotEqual(t, "550e8400-e29b-41d4-a716-446655440000", info.SessionID)
}

func TestAppendMessage_OrderAndMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, info.SessionID, datatypes.RoleUser, "question"))
	require.NoError(t, s.AppendMessage(ctx, info.SessionID, datatypes.RoleAssistant, "answer"))

	msgs, err := s.RecentMessages(ctx, info.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)

	got, err := s.Get(ctx, info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.GreaterOrEqual(t, got.LastActivity, info.LastActivity)
}

func TestAppendMessage_FIFOTrim(t *testing.T) {
	s, err := NewBadgerStore(Options{TTL: time.Hour, MessageCap: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "", "")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		require.NoError(t, s.AppendMessage(ctx, info.SessionID, role, fmt.Sprintf("msg-%d", i)))
	}

	msgs, err := s.RecentMessages(ctx, info.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	// Newest four survive, oldest dropped.
	assert.Equal(t, "msg-6", msgs[0].Content)
	assert.Equal(t, "msg-9", msgs[3].Content)

	got, err := s.Get(ctx, info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.MessageCount, "MessageCount tracks the true total, not the trimmed log")
}

func TestAppendMessage_InvalidRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "", "")
	require.NoError(t, err)
	assert.Error(t, s.AppendMessage(ctx, info.SessionID, datatypes.Role("moderator"), "x"))
}

func TestAppendMessage_MissingSession(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendMessage(context.Background(), "no-such-session", datatypes.RoleUser, "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecentMessages_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "", "")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.AppendMessage(ctx, info.SessionID, datatypes.RoleUser, fmt.Sprintf("m%d", i)))
	}

	msgs, err := s.RecentMessages(ctx, info.SessionID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m4", msgs[0].Content)
	assert.Equal(t, "m5", msgs[1].Content)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDelete_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, info.SessionID))
	_, err = s.Get(ctx, info.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Second delete is a no-op, not an error.
	assert.NoError(t, s.Delete(ctx, info.SessionID))
}

func TestTTL_Expiry(t *testing.T) {
	s, err := NewBadgerStore(Options{TTL: 50 * time.Millisecond, MessageCap: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	info, err := s.CreateOrGet(ctx, "", "")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	_, err = s.Get(ctx, info.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.RecentMessages(ctx, info.SessionID, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReady(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ready(context.Background()))
}
