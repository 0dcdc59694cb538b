// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the HTTP surface onto a gin router.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrel-ai/petrel/services/orchestrator/handlers"
)

// SetupRoutes registers every endpoint against the shared services
// container. Handlers get their dependencies from svc, never globals.
func SetupRoutes(router *gin.Engine, svc *handlers.Services) {
	router.GET("/health", handlers.HandleHealth(svc))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/stream", handlers.HandleChatStream(svc))

		v1.POST("/documents", handlers.HandleUploadDocuments(svc))
		v1.GET("/documents", handlers.HandleListDocuments(svc))

		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionId", handlers.HandleGetSession(svc))
			sessions.DELETE("/:sessionId", handlers.HandleDeleteSession(svc))
		}
	}
}
