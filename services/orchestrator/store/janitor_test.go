// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJanitorStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(Options{Path: t.TempDir(), TTL: time.Hour, MessageCap: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(newJanitorStore(t), 10*time.Millisecond)

	require.NoError(t, j.Start(context.Background()))
	// Let at least one GC tick run against a live database.
	time.Sleep(50 * time.Millisecond)
	j.Stop()
}

func TestJanitor_DoubleStartFails(t *testing.T) {
	j := NewJanitor(newJanitorStore(t), time.Hour)

	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	assert.Error(t, j.Start(context.Background()))
}

func TestJanitor_StopIdempotent(t *testing.T) {
	j := NewJanitor(newJanitorStore(t), time.Hour)

	require.NoError(t, j.Start(context.Background()))
	j.Stop()
	j.Stop()
}

func TestJanitor_StopWithoutStart(t *testing.T) {
	j := NewJanitor(newJanitorStore(t), time.Hour)
	j.Stop()
}

func TestJanitor_ContextCancelStopsLoop(t *testing.T) {
	j := NewJanitor(newJanitorStore(t), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, j.Start(ctx))
	cancel()

	// The loop exits on its own; Stop afterwards must not hang.
	time.Sleep(30 * time.Millisecond)
	j.Stop()
}

func TestJanitor_DefaultInterval(t *testing.T) {
	j := NewJanitor(newJanitorStore(t), 0)
	assert.Equal(t, time.Hour, j.interval)
}
