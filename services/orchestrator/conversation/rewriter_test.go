// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

func testHistory() []datatypes.Message {
	return []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "Who founded Motown Records?"},
		{Role: datatypes.RoleAssistant, Content: "Berry Gordy founded Motown Records in 1959."},
	}
}

func TestRewrite_EmptyHistorySkipsLLM(t *testing.T) {
	calls := 0
	rewriter := NewLLMQueryRewriter(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		calls++
		return "should not be called", nil
	}, DefaultRewriterConfig())

	out, err := rewriter.Rewrite(context.Background(), "tell me more about him", nil)
	require.NoError(t, err)
	assert.Equal(t, "tell me more about him", out)
	assert.Zero(t, calls)
}

func TestRewrite_CondensesWithHistory(t *testing.T) {
	var capturedPrompt string
	rewriter := NewLLMQueryRewriter(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		capturedPrompt = prompt
		return "When did Berry Gordy start Motown Records?", nil
	}, DefaultRewriterConfig())

	out, err := rewriter.Rewrite(context.Background(), "when did he start it?", testHistory())
	require.NoError(t, err)
	assert.Equal(t, "When did Berry Gordy start Motown Records?", out)
	assert.Contains(t, capturedPrompt, "Who founded Motown Records?")
	assert.Contains(t, capturedPrompt, "when did he start it?")
}

func TestRewrite_LLMErrorPropagates(t *testing.T) {
	rewriter := NewLLMQueryRewriter(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "", errors.New("model unavailable")
	}, DefaultRewriterConfig())

	_, err := rewriter.Rewrite(context.Background(), "what about her?", testHistory())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rewrite LLM call failed")
}

func TestRewrite_EmptyResponseFallsBack(t *testing.T) {
	rewriter := NewLLMQueryRewriter(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "  \n", nil
	}, DefaultRewriterConfig())

	out, err := rewriter.Rewrite(context.Background(), "and then?", testHistory())
	require.NoError(t, err)
	assert.Equal(t, "and then?", out)
}

func TestRewrite_TruncatesHistoryTurns(t *testing.T) {
	cfg := DefaultRewriterConfig()
	cfg.MaxHistoryTurns = 2

	var capturedPrompt string
	rewriter := NewLLMQueryRewriter(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		capturedPrompt = prompt
		return "standalone", nil
	}, cfg)

	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "oldest question"},
		{Role: datatypes.RoleAssistant, Content: "oldest answer"},
		{Role: datatypes.RoleUser, Content: "newest question"},
		{Role: datatypes.RoleAssistant, Content: "newest answer"},
	}
	_, err := rewriter.Rewrite(context.Background(), "more?", history)
	require.NoError(t, err)
	assert.NotContains(t, capturedPrompt, "oldest question")
	assert.Contains(t, capturedPrompt, "newest question")
}

func TestCleanRewriteResponse(t *testing.T) {
	cases := map[string]string{
		"  plain question  ":                            "plain question",
		"\"quoted question\"":                           "quoted question",
		"Standalone question: What is Motown?":          "What is Motown?",
		"What is Motown?\nIt resolves the pronoun 'it'": "What is Motown?",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanRewriteResponse(in), "input %q", in)
	}
}

func TestRewrite_TruncatesLongAnswersInPrompt(t *testing.T) {
	cfg := DefaultRewriterConfig()
	cfg.MaxAnswerChars = 50

	var capturedPrompt string
	rewriter := NewLLMQueryRewriter(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		capturedPrompt = prompt
		return "standalone", nil
	}, cfg)

	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "q"},
		{Role: datatypes.RoleAssistant, Content: strings.Repeat("x", 500)},
	}
	_, err := rewriter.Rewrite(context.Background(), "more?", history)
	require.NoError(t, err)
	assert.NotContains(t, capturedPrompt, strings.Repeat("x", 100))
	assert.Contains(t, capturedPrompt, "...")
}
