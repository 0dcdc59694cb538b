// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"

	"github.com/petrel-ai/petrel/services/llm"
	"github.com/petrel-ai/petrel/services/orchestrator/config"
	"github.com/petrel-ai/petrel/services/orchestrator/ingest"
	"github.com/petrel-ai/petrel/services/orchestrator/index"
	"github.com/petrel-ai/petrel/services/orchestrator/observability"
	"github.com/petrel-ai/petrel/services/orchestrator/retriever"
	"github.com/petrel-ai/petrel/services/orchestrator/store"

	"github.com/petrel-ai/petrel/services/orchestrator/generate"
)

// Services is the container of shared dependencies, constructed once at
// startup and passed into handlers. There are no package-level service
// singletons; lifecycle (connect/close) is owned by main.
type Services struct {
	Config    *config.Config
	Store     store.SessionStore
	Index     index.VectorIndex
	Retriever retriever.ContextAssembler
	Generator *generate.Generator
	LLM       llm.LLMClient
	Pool      *ingest.Pool
	Metrics   *observability.Metrics
}

// Validate checks that every dependency a handler may touch is wired.
func (s *Services) Validate() error {
	switch {
	case s.Config == nil:
		return fmt.Errorf("services container missing config")
	case s.Store == nil:
		return fmt.Errorf("services container missing session store")
	case s.Index == nil:
		return fmt.Errorf("services container missing vector index")
	case s.Retriever == nil:
		return fmt.Errorf("services container missing retriever")
	case s.Generator == nil:
		return fmt.Errorf("services container missing generator")
	case s.LLM == nil:
		return fmt.Errorf("services container missing llm client")
	case s.Pool == nil:
		return fmt.Errorf("services container missing ingest pool")
	case s.Metrics == nil:
		return fmt.Errorf("services container missing metrics")
	}
	return nil
}
