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
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petrel-ai/petrel/services/orchestrator/observability"
)

// Pool runs ingestion jobs with bounded concurrency, decoupled from the
// submitting request's lifetime: once accepted, a job runs to completion
// or recorded failure even if the uploader disconnects.
type Pool struct {
	pipeline *Pipeline
	metrics  *observability.Metrics // nil disables instrumentation
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool builds a pool running at most workers jobs concurrently.
func NewPool(pipeline *Pipeline, workers int, metrics *observability.Metrics) (*Pool, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pool requires a pipeline")
	}
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		pipeline: pipeline,
		metrics:  metrics,
		sem:      semaphore.NewWeighted(int64(workers)),
	}, nil
}

// Submit enqueues a job. It returns immediately; the job runs in the
// background under the pool's own context, not the caller's.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("ingest pool is shutting down")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		// Request cancellation must not abort an accepted job.
		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			slog.Error("Failed to acquire ingest worker slot", "filename", job.Filename, "error", err)
			return
		}
		defer p.sem.Release(1)

		start := time.Now()
		result := p.pipeline.Ingest(ctx, job)
		if result.Err != nil {
			slog.Error("Background ingest failed", "filename", job.Filename, "error", result.Err)
		}
		if p.metrics != nil {
			p.metrics.RecordIngest(result.Err == nil, result.Chunks, time.Since(start).Seconds())
		}
	}()
	return nil
}

// Drain stops accepting jobs and waits up to timeout for in-flight jobs
// to finish. Returns an error if the timeout elapsed first.
func (p *Pool) Drain(timeout time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ingest pool drain timed out after %s", timeout)
	}
}
