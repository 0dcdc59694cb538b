// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthProbeTimeout bounds each dependency probe so a hung backend
// cannot stall the health endpoint.
const healthProbeTimeout = 2 * time.Second

// readinessProber is implemented by LLM backends that support a cheap
// readiness probe. Backends without one are reported as "unknown".
type readinessProber interface {
	Ready(ctx context.Context) error
}

// HandleHealth serves GET /health.
//
// Each dependency is probed independently so a single outage is visible
// in the response instead of collapsing into one opaque failure. The
// aggregate is "ok" only when every probe passed; "degraded" otherwise.
// Always returns 200 so orchestrators read the body, not the code.
func HandleHealth(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		defer cancel()

		checks := gin.H{}
		healthy := true

		if err := svc.Store.Ready(ctx); err != nil {
			checks["session_store"] = err.Error()
			healthy = false
		} else {
			checks["session_store"] = "ok"
		}

		if err := svc.Index.Ready(ctx); err != nil {
			checks["vector_index"] = err.Error()
			healthy = false
		} else {
			checks["vector_index"] = "ok"
		}

		if prober, ok := svc.LLM.(readinessProber); ok {
			if err := prober.Ready(ctx); err != nil {
				checks["llm"] = err.Error()
				healthy = false
			} else {
				checks["llm"] = "ok"
			}
		} else {
			checks["llm"] = "unknown"
		}

		status := "ok"
		if !healthy {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status": status,
			"checks": checks,
		})
	}
}
