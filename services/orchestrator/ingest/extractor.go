// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest runs the background document pipeline: text extraction,
// metadata injection, chunking, and indexing, with bounded concurrency.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Extractor turns an uploaded file into plain text.
type Extractor interface {
	Extract(ctx context.Context, path, filename string) (string, error)
}

// plainTextExtensions are read directly, skipping the OCR service.
var plainTextExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".log":  true,
}

// OCRExtractor extracts text locally for plain formats and delegates
// binary formats (PDF, DOCX, images) to the OCR sidecar.
type OCRExtractor struct {
	httpClient *http.Client
	baseURL    string
}

// NewOCRExtractor builds an extractor against the OCR service base URL.
// Extraction of scanned documents is slow, so the timeout is generous.
func NewOCRExtractor(baseURL string, timeout time.Duration) *OCRExtractor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OCRExtractor{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Extract implements Extractor.
func (e *OCRExtractor) Extract(ctx context.Context, path, filename string) (string, error) {
	if plainTextExtensions[strings.ToLower(filepath.Ext(filename))] {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", filename, err)
		}
		return string(data), nil
	}
	return e.extractRemote(ctx, path, filename)
}

type ocrResponse struct {
	Text string `json:"text"`
}

// extractRemote posts the file to the OCR service as multipart form data.
func (e *OCRExtractor) extractRemote(ctx context.Context, path, filename string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build OCR request: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to buffer %s for OCR: %w", filename, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize OCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/extract", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		slog.Error("OCR call failed", "filename", filename, "error", err)
		return "", fmt.Errorf("ocr call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read OCR response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed ocrResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse OCR response: %w", err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return "", fmt.Errorf("ocr produced no text for %s", filename)
	}
	return parsed.Text, nil
}

var _ Extractor = (*OCRExtractor)(nil)
