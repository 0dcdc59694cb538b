// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/petrel-ai/petrel/services/orchestrator/store"
)

// HandleGetSession serves GET /v1/sessions/:sessionId. Absent and
// expired sessions are indistinguishable: both 404.
func HandleGetSession(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		info, err := svc.Store.Get(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Failed to load session", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// HandleDeleteSession serves DELETE /v1/sessions/:sessionId. Idempotent:
// deleting an absent session still returns 204.
func HandleDeleteSession(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		if err := svc.Store.Delete(c.Request.Context(), sessionID); err != nil {
			slog.Error("Failed to delete session", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
			return
		}
		slog.Info("Session deleted", "session_id", sessionID)
		c.Status(http.StatusNoContent)
	}
}
