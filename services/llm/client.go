package llm

import (
	"context"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams,
		callback StreamCallback) error
}

// =============================================================================
// Streaming Types
// =============================================================================

// StreamEventType classifies events emitted during a streaming generation.
type StreamEventType int

const (
	// StreamEventToken is a visible content fragment.
	StreamEventToken StreamEventType = iota

	// StreamEventThinking is model reasoning output. Never shown to end
	// users unless the caller opts in.
	StreamEventThinking

	// StreamEventError carries an in-band error reported by the backend.
	StreamEventError

	// StreamEventDone marks the end of a successful stream.
	StreamEventDone
)

// StreamEvent is one unit of streamed model output.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in arrival order. Returning a
// non-nil error aborts upstream consumption; backends must stop reading
// the response body and return the callback error wrapped.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream Config
// =============================================================================

// StreamConfig bounds and filters a streaming generation.
type StreamConfig struct {
	// RedactThinking drops thinking events instead of forwarding them.
	RedactThinking bool

	// MaxThinkingLength truncates accumulated thinking output. 0 = unlimited.
	MaxThinkingLength int

	// MaxResponseLength truncates accumulated visible output. 0 = unlimited.
	MaxResponseLength int
}

// DefaultStreamConfig returns the stream limits used when the caller does
// not supply its own.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RedactThinking:    false,
		MaxThinkingLength: 0,
		MaxResponseLength: 100 * 1024,
	}
}
