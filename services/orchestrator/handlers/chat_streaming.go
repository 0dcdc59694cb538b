// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
	"github.com/petrel-ai/petrel/services/orchestrator/generate"
	"github.com/petrel-ai/petrel/services/orchestrator/observability"
)

var chatTracer = otel.Tracer("petrel.orchestrator.handlers.chat")

// heartbeatInterval is the cadence of SSE keepalive comments. Must stay
// under common load balancer idle timeouts (60s for nginx and ALB).
const heartbeatInterval = 15 * time.Second

// persistTimeout bounds the post-stream history writes. Persistence runs
// on its own context so a client disconnect cannot cancel it.
const persistTimeout = 10 * time.Second

// HandleChatStream serves POST /v1/chat/stream.
//
// # Description
//
// The streaming RAG chat endpoint. Lifecycle per request:
//
//	validate → resolve session → status events → rewrite (follow-ups
//	only) → retrieve (heartbeats during slow phases) → stream content →
//	sources event → persist both turns → [DONE]
//
// The [DONE] sentinel terminates every stream: success, failure, and
// disconnect alike. History is written only after content accumulation
// completes, user message first, so no reader ever sees a half turn; a
// mid-stream disconnect persists nothing.
func HandleChatStream(svc *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		endpoint := observability.EndpointChatStream
		m := svc.Metrics

		var req datatypes.ChatStreamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
		start := time.Now()

		state := generate.StateInit
		success := runChatStream(ctx, svc, writer, &req, &state, start)

		// Unconditional terminal sentinel, every exit path.
		if err := writer.WriteDone(); err != nil {
			slog.Debug("Failed to write done sentinel", "error", err)
		}

		m.RecordRequest(endpoint, success)
		m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
		if !success {
			span.SetStatus(codes.Error, "chat stream failed")
		}
		span.SetAttributes(attribute.String("stream.final_state", state.String()))
	}
}

// runChatStream drives the per-request state machine. Returns true when
// the stream reached StateCompleted.
func runChatStream(ctx context.Context, svc *Services, writer SSEWriter, req *datatypes.ChatStreamRequest, state *generate.State, start time.Time) bool {
	endpoint := observability.EndpointChatStream
	m := svc.Metrics

	fail := func(code observability.ErrorCode, clientMsg string, err error) bool {
		*state = generate.StateFailed
		slog.Error("Chat stream failed", "stage", string(code), "error", err)
		m.RecordError(endpoint, code)
		if ctx.Err() != nil {
			m.RecordClientDisconnect(endpoint)
		} else if werr := writer.WriteError(clientMsg); werr != nil {
			slog.Debug("Failed to write error event", "error", werr)
		}
		return false
	}

	// Resolve or create the session.
	session, err := svc.Store.CreateOrGet(ctx, req.SessionID, req.OwnerScope)
	if err != nil {
		return fail(observability.ErrorCodeSessionError, "Could not establish a session", err)
	}
	if err := writer.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.EventStatus,
		Text:      "Session ready",
		SessionId: session.SessionID,
	}); err != nil {
		return fail(observability.ErrorCodeInternal, "Stream write failed", err)
	}

	history, err := svc.Store.RecentMessages(ctx, session.SessionID, svc.Config.HistoryLimit)
	if err != nil {
		return fail(observability.ErrorCodeSessionError, "Could not load conversation history", err)
	}

	// Keepalives during retrieval and generation; both can stall long
	// enough for intermediaries to cut the connection.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go runHeartbeat(ctx, svc, writer, heartbeatDone)

	// Follow-up questions are condensed against history inside Assemble;
	// first turns skip straight to retrieval.
	if len(history) > 0 {
		*state = generate.StateRewriting
		if err := writer.WriteStatus("Condensing the question..."); err != nil {
			return fail(observability.ErrorCodeInternal, "Stream write failed", err)
		}
	}

	*state = generate.StateRetrieving
	if err := writer.WriteStatus("Searching documents..."); err != nil {
		return fail(observability.ErrorCodeInternal, "Stream write failed", err)
	}

	assembled, err := svc.Retriever.Assemble(ctx, req.Message, history, req.OwnerScope)
	if err != nil {
		return fail(observability.ErrorCodeRetrievalError, "Document search is unavailable", err)
	}
	m.RecordRetrievedChunks(len(assembled.Chunks))

	*state = generate.StateGenerating
	if err := writer.WriteStatus("Generating answer..."); err != nil {
		return fail(observability.ErrorCodeInternal, "Stream write failed", err)
	}

	// Fragments accumulate in locked memory until persistence.
	acc, err := NewSecureTokenAccumulator()
	if err != nil {
		return fail(observability.ErrorCodeInternal, "Could not allocate stream buffer", err)
	}
	defer acc.Destroy()

	var firstToken time.Time
	emit := func(f generate.Fragment) error {
		if f.Stage != generate.StageAnswer {
			return nil
		}
		if firstToken.IsZero() {
			firstToken = time.Now()
			m.RecordTimeToFirstToken(endpoint, firstToken.Sub(start).Seconds())
		}
		if err := acc.Write(f.Text); err != nil {
			return err
		}
		return writer.WriteContent(f.Text)
	}

	genCtx, cancel := context.WithTimeout(ctx, svc.Config.LLMTimeout)
	defer cancel()

	if _, err := svc.Generator.StreamAnswer(genCtx, req.Message, history, assembled.ContextText, emit); err != nil {
		if ctx.Err() != nil {
			// Client went away: release upstream, persist nothing.
			return fail(observability.ErrorCodeClientDisconnect, "", err)
		}
		return fail(observability.ErrorCodeLLMError, "Answer generation failed", err)
	}

	answer, answerHash, err := acc.Finalize()
	if err != nil {
		return fail(observability.ErrorCodeInternal, "Answer finalization failed", err)
	}

	// Sources close out the content stream; a failed stream never gets one.
	if len(assembled.Sources) > 0 {
		if err := writer.WriteSources(assembled.Sources); err != nil {
			return fail(observability.ErrorCodeInternal, "Stream write failed", err)
		}
	}

	// Persist both turns only after accumulation completed, user first.
	// Decoupled from the request context: a disconnect after this point
	// must not produce a half-written turn.
	persistCtx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelPersist()
	if err := svc.Store.AppendMessage(persistCtx, session.SessionID, datatypes.RoleUser, req.Message); err != nil {
		slog.Error("Failed to persist user turn", "session_id", session.SessionID, "error", err)
		m.RecordError(endpoint, observability.ErrorCodeSessionError)
	} else if err := svc.Store.AppendMessage(persistCtx, session.SessionID, datatypes.RoleAssistant, answer); err != nil {
		slog.Error("Failed to persist assistant turn", "session_id", session.SessionID, "error", err)
		m.RecordError(endpoint, observability.ErrorCodeSessionError)
	}

	*state = generate.StateCompleted
	slog.Info("Chat stream completed",
		"session_id", session.SessionID,
		"answer_bytes", len(answer),
		"answer_hash", answerHash[:16],
		"sources", len(assembled.Sources),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

// runHeartbeat writes SSE comments until the stream finishes or the
// client disconnects. Write failures end the heartbeat quietly; the main
// stream loop surfaces the real error.
func runHeartbeat(ctx context.Context, svc *Services, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			svc.Metrics.RecordKeepAlive(observability.EndpointChatStream)
		}
	}
}
