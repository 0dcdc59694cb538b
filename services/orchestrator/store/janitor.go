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
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// gcDiscardRatio is the reclaimable fraction of a value-log file that
// makes it worth rewriting. Badger's recommended value.
const gcDiscardRatio = 0.5

// Janitor periodically reclaims space from the session database.
//
// # Description
//
// Badger expires sessions via entry TTL, but expired values still occupy
// value-log files until a garbage collection pass rewrites them. The
// janitor runs that pass on a fixed interval. Uses the ticker + done
// channel pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe. Only one janitor should run per
// store.
type Janitor struct {
	store    *BadgerStore
	interval time.Duration
	done     chan struct{}
	mu       sync.Mutex
	running  bool
	wg       sync.WaitGroup
}

// NewJanitor creates a janitor for the given store. interval <= 0 means
// 1 hour.
func NewJanitor(store *BadgerStore, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background GC loop. Fails if already running.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("janitor already running")
	}
	j.running = true

	j.wg.Add(1)
	go j.run(ctx)
	slog.Info("Session store janitor started", "interval", j.interval)
	return nil
}

// Stop halts the loop and waits for an in-flight GC pass to finish.
// Idempotent.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.done)
	j.mu.Unlock()

	j.wg.Wait()
	slog.Info("Session store janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.collect()
		}
	}
}

// collect runs value-log GC until Badger reports nothing left to rewrite.
// ErrNoRewrite is the normal "nothing to do" outcome, not a failure.
func (j *Janitor) collect() {
	start := time.Now()
	passes := 0
	for {
		err := j.store.db.RunValueLogGC(gcDiscardRatio)
		if err == nil {
			passes++
			continue
		}
		if err != badger.ErrNoRewrite {
			slog.Warn("Session store GC failed", "error", err)
		}
		break
	}
	if passes > 0 {
		slog.Info("Session store GC reclaimed space",
			"rewritten_files", passes, "duration_ms", time.Since(start).Milliseconds())
	}
}
