package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// =============================================================================
// Stream Processor
// =============================================================================

// DefaultStreamProcessor applies StreamConfig limits to a chunk stream and
// translates backend chunks into StreamEvents.
//
// # Description
//
// One processor instance serves one stream. It tracks cumulative token
// count and response length so limits apply across the whole stream, not
// per chunk. Not safe for concurrent use; streams are consumed by a
// single goroutine.
type DefaultStreamProcessor struct {
	cfg         StreamConfig
	logger      *slog.Logger
	tokenCount  int
	responseLen int
	thinkingLen int
}

// NewDefaultStreamProcessor creates a processor for one stream. A nil
// logger falls back to slog.Default().
func NewDefaultStreamProcessor(cfg StreamConfig, logger *slog.Logger) *DefaultStreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultStreamProcessor{cfg: cfg, logger: logger}
}

// ProcessChunk handles one parsed chunk. Returns done=true when the
// stream is complete (final chunk or in-band error). An in-band error is
// forwarded to the callback as an error event before being returned.
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk,
	callback StreamCallback) (bool, error) {

	if chunk.Error != "" {
		// Emit the error event before aborting so clients see the cause.
		if cbErr := callback(StreamEvent{Type: StreamEventError, Error: chunk.Error}); cbErr != nil {
			p.logger.Warn("Stream callback failed while reporting error", "error", cbErr)
		}
		return true, fmt.Errorf("stream error from model backend: %s", chunk.Error)
	}

	if chunk.Thinking != "" && !p.cfg.RedactThinking {
		content := chunk.Thinking
		if p.cfg.MaxThinkingLength > 0 {
			remaining := p.cfg.MaxThinkingLength - p.thinkingLen
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			p.thinkingLen += len(content)
			if err := callback(StreamEvent{Type: StreamEventThinking, Content: content}); err != nil {
				return false, fmt.Errorf("stream callback aborted: %w", err)
			}
		}
	}

	if chunk.Message.Content != "" {
		content := chunk.Message.Content
		if p.cfg.MaxResponseLength > 0 {
			remaining := p.cfg.MaxResponseLength - p.responseLen
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			p.tokenCount++
			p.responseLen += len(content)
			if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
				return false, fmt.Errorf("stream callback aborted: %w", err)
			}
		}
	}

	return chunk.Done, nil
}

// GetTokenCount returns the number of content tokens forwarded so far.
func (p *DefaultStreamProcessor) GetTokenCount() int {
	return p.tokenCount
}

// GetResponseLength returns the number of content bytes forwarded so far.
func (p *DefaultStreamProcessor) GetResponseLength() int {
	return p.responseLen
}
