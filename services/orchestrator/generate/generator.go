// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generate streams grounded answers from the inference backend,
// routing internal fragments away from user-visible content.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/petrel-ai/petrel/services/llm"
	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("petrel.orchestrator.generate")

// =============================================================================
// Stages and states
// =============================================================================

// Stage tags a streamed fragment with the pipeline step that produced it.
// Routing switches on this tag exhaustively; only StageAnswer fragments
// may reach the client as content.
type Stage int

const (
	// StageRewrite marks fragments from the query-condensing step.
	StageRewrite Stage = iota
	// StageAnswer marks fragments of the final user-facing answer.
	StageAnswer
)

// String returns the stage name for logging.
func (s Stage) String() string {
	switch s {
	case StageRewrite:
		return "rewrite"
	case StageAnswer:
		return "answer"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// State is the per-request generation lifecycle. It only moves forward.
type State int

const (
	StateInit State = iota
	StateRewriting
	StateRetrieving
	StateGenerating
	StateCompleted
	StateFailed
)

// String returns the state name for logging and status events.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRewriting:
		return "rewriting"
	case StateRetrieving:
		return "retrieving"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fragment is one streamed piece of generated text, tagged by stage.
type Fragment struct {
	Stage Stage
	Text  string
}

// EmitFunc receives answer fragments in generation order. Returning an
// error aborts the stream.
type EmitFunc func(Fragment) error

// =============================================================================
// Generator
// =============================================================================

// systemPromptTemplate carries the grounding rules. The refusal phrase is
// verbatim so downstream checks can detect a refusal reliably.
const systemPromptTemplate = `You are a helpful assistant that answers questions using ONLY the provided context documents.

Rules:
- Answer strictly from the context below. Do not use outside knowledge.
- If the context does not contain the answer, reply exactly: "I don't have enough information in the provided documents to answer that."
- When you use a document, you may cite it by its [Document N: source] tag. Never invent citations or sources.
- Be concise and direct.

Context:
%s`

// Generator streams answers via the configured LLM client.
//
// # Description
//
// StreamAnswer builds one ordered message sequence: the grounding system
// prompt (with the assembled context embedded), a bounded suffix of the
// session history, and the user's original question. It invokes the LLM
// in streaming mode, strips <think> spans that reasoning models leak into
// their output, and forwards the remainder as StageAnswer fragments.
type Generator struct {
	llmClient    llm.LLMClient
	historyLimit int
}

// Options configures a Generator.
type Options struct {
	// LLMClient is the inference backend. Required.
	LLMClient llm.LLMClient

	// HistoryLimit caps how many trailing history messages enter the
	// prompt. Zero means 10.
	HistoryLimit int
}

// NewGenerator builds a Generator.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.LLMClient == nil {
		return nil, fmt.Errorf("generator requires an LLM client")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	return &Generator{
		llmClient:    opts.LLMClient,
		historyLimit: opts.HistoryLimit,
	}, nil
}

// StreamAnswer streams the answer for question, emitting each fragment,
// and returns the accumulated final answer text.
//
// The returned string is exactly the concatenation of the emitted
// StageAnswer fragments; it is what callers persist for the assistant
// turn. A non-nil error means the stream did not complete; the partial
// accumulation is returned alongside it but must not be persisted.
func (g *Generator) StreamAnswer(ctx context.Context, question string, history []datatypes.Message, contextText string, emit EmitFunc) (string, error) {
	ctx, span := tracer.Start(ctx, "Generator.StreamAnswer")
	defer span.End()

	messages := g.buildMessages(question, history, contextText)
	span.SetAttributes(
		attribute.Int("prompt.messages", len(messages)),
		attribute.Int("prompt.context_bytes", len(contextText)),
	)

	var answer strings.Builder
	filter := newThinkFilter()

	callback := func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			text := filter.Feed(event.Content)
			if text == "" {
				return nil
			}
			answer.WriteString(text)
			return emit(Fragment{Stage: StageAnswer, Text: text})
		case llm.StreamEventThinking:
			// Internal reasoning is never user content.
			return nil
		case llm.StreamEventError:
			return nil // the client returns the error after this event
		case llm.StreamEventDone:
			if tail := filter.Flush(); tail != "" {
				answer.WriteString(tail)
				return emit(Fragment{Stage: StageAnswer, Text: tail})
			}
			return nil
		default:
			return fmt.Errorf("unknown stream event type %d", event.Type)
		}
	}

	if err := g.llmClient.ChatStream(ctx, messages, llm.GenerationParams{}, callback); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer stream failed")
		return answer.String(), fmt.Errorf("answer stream failed: %w", err)
	}

	span.SetAttributes(attribute.Int("answer.bytes", answer.Len()))
	slog.Debug("Answer stream complete", "answer_bytes", answer.Len())
	return answer.String(), nil
}

// buildMessages assembles system prompt + bounded history + the question.
func (g *Generator) buildMessages(question string, history []datatypes.Message, contextText string) []datatypes.Message {
	if len(history) > g.historyLimit {
		history = history[len(history)-g.historyLimit:]
	}

	messages := make([]datatypes.Message, 0, len(history)+2)
	messages = append(messages, datatypes.Message{
		Role:    datatypes.RoleSystem,
		Content: fmt.Sprintf(systemPromptTemplate, contextText),
	})
	messages = append(messages, history...)
	messages = append(messages, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: question,
	})
	return messages
}

// =============================================================================
// Think-tag filtering
// =============================================================================

// thinkFilter strips <think>...</think> spans from a token stream. Tags
// can straddle chunk boundaries, so partial matches are buffered until
// they resolve either way.
type thinkFilter struct {
	inThink bool
	pending string // possible prefix of an open or close tag
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

func newThinkFilter() *thinkFilter {
	return &thinkFilter{}
}

// Feed consumes the next chunk and returns the visible text.
func (f *thinkFilter) Feed(chunk string) string {
	s := f.pending + chunk
	f.pending = ""

	var out strings.Builder
	for s != "" {
		if f.inThink {
			if idx := strings.Index(s, thinkClose); idx >= 0 {
				s = s[idx+len(thinkClose):]
				f.inThink = false
				continue
			}
			// Keep a possible partial close tag, drop the rest.
			f.pending = partialTagSuffix(s, thinkClose)
			return out.String()
		}

		idx := strings.Index(s, thinkOpen)
		if idx >= 0 {
			out.WriteString(s[:idx])
			s = s[idx+len(thinkOpen):]
			f.inThink = true
			continue
		}

		keep := partialTagSuffix(s, thinkOpen)
		out.WriteString(s[:len(s)-len(keep)])
		f.pending = keep
		return out.String()
	}
	return out.String()
}

// Flush returns any buffered text that turned out not to be a tag.
func (f *thinkFilter) Flush() string {
	if f.inThink {
		// Unclosed think span: its buffered tail is reasoning, not answer.
		f.pending = ""
		return ""
	}
	out := f.pending
	f.pending = ""
	return out
}

// partialTagSuffix returns the longest suffix of s that is a proper
// prefix of tag. Empty when no suffix could start the tag.
func partialTagSuffix(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
