// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation condenses follow-up questions into standalone
// search queries using recent session history.
package conversation

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

// =============================================================================
// Interfaces
// =============================================================================

// QueryRewriter rewrites a conversational follow-up into a standalone query.
//
// # Description
//
// Follow-ups like "what about her?" or "tell me more" carry almost no
// semantic signal on their own. QueryRewriter resolves them against the
// conversation history so the vector search receives an explicit query.
// The rewritten text is used for retrieval only; the user's original
// question is what the model answers and what the session log records.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type QueryRewriter interface {
	// Rewrite returns a standalone version of question.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - question: The user's current question.
	//   - history: Recent session messages, oldest first.
	//
	// # Outputs
	//
	//   - string: The standalone query. Equals question verbatim when
	//     history is empty (no LLM call is made in that case).
	//   - error: Non-nil if the LLM call fails. Callers should fall back
	//     to the original question.
	Rewrite(ctx context.Context, question string, history []datatypes.Message) (string, error)
}

// GenerateFunc is a function type for LLM text generation.
//
// # Description
//
// Using a function type instead of an interface allows callers to pass
// a simple closure, eliminating the need for adapter structs when the
// underlying LLM client has a different signature.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// =============================================================================
// Configuration
// =============================================================================

// RewriterConfig holds configuration for query rewriting.
type RewriterConfig struct {
	// MaxTokens is the maximum tokens for the rewritten query.
	// Default: 150
	MaxTokens int

	// TimeoutMs is the timeout in milliseconds for the rewrite LLM call.
	// Default: 2000
	TimeoutMs int

	// MaxHistoryTurns caps how many trailing messages feed the prompt.
	// Default: 6
	MaxHistoryTurns int

	// MaxAnswerChars truncates assistant answers in the prompt so a long
	// generation does not blow out the rewrite context.
	// Default: 300
	MaxAnswerChars int
}

// DefaultRewriterConfig returns the default rewriter configuration.
//
// Values can be overridden via environment variables:
//   - QUERY_REWRITE_MAX_TOKENS (default: 150)
//   - QUERY_REWRITE_TIMEOUT_MS (default: 2000)
//   - QUERY_REWRITE_HISTORY_TURNS (default: 6)
func DefaultRewriterConfig() RewriterConfig {
	return RewriterConfig{
		MaxTokens:       getEnvInt("QUERY_REWRITE_MAX_TOKENS", 150),
		TimeoutMs:       getEnvInt("QUERY_REWRITE_TIMEOUT_MS", 2000),
		MaxHistoryTurns: getEnvInt("QUERY_REWRITE_HISTORY_TURNS", 6),
		MaxAnswerChars:  300,
	}
}

// getEnvInt returns an environment variable as int, or defaultVal if not set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// =============================================================================
// Implementation
// =============================================================================

// LLMQueryRewriter implements QueryRewriter using a single LLM call.
type LLMQueryRewriter struct {
	generate GenerateFunc
	config   RewriterConfig
}

// NewLLMQueryRewriter creates a rewriter around the given generate function.
func NewLLMQueryRewriter(generate GenerateFunc, config RewriterConfig) *LLMQueryRewriter {
	return &LLMQueryRewriter{
		generate: generate,
		config:   config,
	}
}

// Rewrite implements QueryRewriter.
func (r *LLMQueryRewriter) Rewrite(ctx context.Context, question string, history []datatypes.Message) (string, error) {
	// First turn: nothing to resolve against, and no LLM round-trip.
	if len(history) == 0 {
		return question, nil
	}

	prompt := r.buildCondensePrompt(question, history)

	timeout := time.Duration(r.config.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := r.generate(ctx, prompt, r.config.MaxTokens)
	if err != nil {
		return "", fmt.Errorf("rewrite LLM call failed: %w", err)
	}

	rewritten := cleanRewriteResponse(response)
	if rewritten == "" {
		return question, nil
	}
	return rewritten, nil
}

// buildCondensePrompt formats the condense-question prompt.
func (r *LLMQueryRewriter) buildCondensePrompt(question string, history []datatypes.Message) string {
	turns := history
	if r.config.MaxHistoryTurns > 0 && len(turns) > r.config.MaxHistoryTurns {
		turns = turns[len(turns)-r.config.MaxHistoryTurns:]
	}

	var historyText strings.Builder
	for _, msg := range turns {
		label := "User"
		content := msg.Content
		if msg.Role == datatypes.RoleAssistant {
			label = "Assistant"
			content = truncateString(content, r.config.MaxAnswerChars)
		}
		historyText.WriteString(fmt.Sprintf("%s: %s\n", label, content))
	}

	return fmt.Sprintf(`Given the conversation below and a follow-up question, rewrite the follow-up as a single standalone question that can be understood without the conversation. Resolve all pronouns and references. If the follow-up is already standalone, return it unchanged.

Conversation:
%s
Follow-up Question: %s

Respond with ONLY the standalone question, no explanation.`, historyText.String(), question)
}

// cleanRewriteResponse strips quoting and labels models tend to add.
func cleanRewriteResponse(response string) string {
	s := strings.TrimSpace(response)
	s = strings.Trim(s, "\"'")
	for _, prefix := range []string{"Standalone question:", "Standalone Question:", "Question:", "Rewritten:"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}
	// Multi-line responses mean the model explained itself anyway; keep
	// the first non-empty line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	return strings.Trim(s, "\"'")
}

// truncateString truncates a string to maxLen characters, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

var _ QueryRewriter = (*LLMQueryRewriter)(nil)
