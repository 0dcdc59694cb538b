// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
	"github.com/petrel-ai/petrel/services/orchestrator/ingest"
	"github.com/petrel-ai/petrel/services/orchestrator/observability"
)

// allowedExtensions are the upload formats the pipeline can extract.
// Plain formats are read directly; the rest go through the OCR service.
var allowedExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".log":  true,
	".pdf":  true,
	".docx": true,
	".pptx": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tiff": true,
}

// HandleUploadDocuments serves POST /v1/documents.
//
// # Description
//
// Accepts a multipart batch. Each file is validated independently
// (extension, size), spooled to the scratch directory, and enqueued on
// the ingest pool; the response returns immediately with the per-file
// accept/reject breakdown while ingestion runs out-of-band. One bad
// file never blocks the rest of the batch.
func HandleUploadDocuments(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			svc.Metrics.RecordError(observability.EndpointDocuments, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}

		files := form.File["files"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
			return
		}

		ownerID := c.PostForm("owner_id")
		if len(ownerID) > datatypes.MaxOwnerScopeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id too long"})
			return
		}

		resp := datatypes.DocumentUploadResponse{Accepted: []string{}, Rejected: []datatypes.RejectedFile{}}
		now := time.Now()

		for _, fh := range files {
			filename := filepath.Base(fh.Filename)

			if reason := validateUpload(fh.Filename, fh.Size, svc.Config.MaxUploadBytes); reason != "" {
				resp.Rejected = append(resp.Rejected, datatypes.RejectedFile{Filename: filename, Reason: reason})
				continue
			}

			scratchPath := filepath.Join(svc.Config.ScratchDir,
				fmt.Sprintf("petrel-upload-%s%s", uuid.New().String(), filepath.Ext(filename)))
			if err := c.SaveUploadedFile(fh, scratchPath); err != nil {
				slog.Error("Failed to spool upload", "filename", filename, "error", err)
				resp.Rejected = append(resp.Rejected, datatypes.RejectedFile{Filename: filename, Reason: "failed to store upload"})
				continue
			}

			job := ingest.Job{
				ScratchPath: scratchPath,
				Filename:    filename,
				OwnerID:     ownerID,
				UploadedAt:  now,
			}
			if err := svc.Pool.Submit(job); err != nil {
				// Shutdown race: the scratch file is ours to clean up.
				if rmErr := os.Remove(scratchPath); rmErr != nil {
					slog.Warn("Failed to remove scratch file", "path", scratchPath, "error", rmErr)
				}
				resp.Rejected = append(resp.Rejected, datatypes.RejectedFile{Filename: filename, Reason: "ingestion unavailable"})
				continue
			}
			resp.Accepted = append(resp.Accepted, filename)
		}

		slog.Info("Document batch accepted",
			"accepted", len(resp.Accepted), "rejected", len(resp.Rejected), "owner_set", ownerID != "")
		c.JSON(http.StatusAccepted, resp)
	}
}

// validateUpload returns a rejection reason, or "" when acceptable.
func validateUpload(filename string, size, maxBytes int64) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return fmt.Sprintf("unsupported file type %q", ext)
	}
	if size <= 0 {
		return "file is empty"
	}
	if size > maxBytes {
		return fmt.Sprintf("file exceeds %d byte limit", maxBytes)
	}
	return ""
}

// HandleListDocuments serves GET /v1/documents: the distinct sources
// currently present in the vector index.
func HandleListDocuments(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		sources, err := svc.Index.ListSources(c.Request.Context())
		if err != nil {
			slog.Error("Failed to list document sources", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "document index unavailable"})
			return
		}
		if sources == nil {
			sources = []string{}
		}
		c.JSON(http.StatusOK, datatypes.DocumentListResponse{Sources: sources, Count: len(sources)})
	}
}
