// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
	"github.com/petrel-ai/petrel/services/orchestrator/retriever"
)

func chatRouter(svc *Services) *gin.Engine {
	router := gin.New()
	router.POST("/v1/chat/stream", HandleChatStream(svc))
	return router
}

func postChat(t *testing.T, router *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// chatEvents decodes every JSON frame of the body, skipping comments and
// the [DONE] sentinel.
func chatEvents(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, f := range parseSSE(t, body) {
		if !strings.HasPrefix(f.data, "{") {
			continue
		}
		events = append(events, decodeEvent(t, f.data))
	}
	return events
}

func eventsOfType(events []datatypes.StreamEvent, eventType string) []datatypes.StreamEvent {
	var out []datatypes.StreamEvent
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestHandleChatStream_HappyPath(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	fx.svc.Retriever = &mockAssembler{result: &retriever.AssembledContext{
		Query:       "vacation days",
		ContextText: "[Document 1: handbook.md]\nVacation is 25 days.",
		Sources:     []datatypes.SourceInfo{{Source: "handbook.md", Score: 0.9}},
		Chunks:      []datatypes.ScoredChunk{{Score: 0.9}},
	}}
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"How many vacation days do I get?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "stream must end with the sentinel")

	events := chatEvents(t, body)

	statuses := eventsOfType(events, datatypes.EventStatus)
	require.NotEmpty(t, statuses)
	assert.NotEmpty(t, statuses[0].SessionId, "first status carries the session id")

	sources := eventsOfType(events, datatypes.EventSources)
	require.Len(t, sources, 1)
	assert.Equal(t, "handbook.md", sources[0].Data[0].Source)

	// Sources close out the stream: after the final content event, before
	// the sentinel.
	lastContent, sourcesAt := -1, -1
	for i, ev := range events {
		switch ev.Type {
		case datatypes.EventContent:
			lastContent = i
		case datatypes.EventSources:
			sourcesAt = i
		}
	}
	require.GreaterOrEqual(t, lastContent, 0)
	assert.Greater(t, sourcesAt, lastContent, "sources must follow the final content event")

	var answer strings.Builder
	for _, ev := range eventsOfType(events, datatypes.EventContent) {
		answer.WriteString(ev.Text)
	}
	assert.Equal(t, "Hello world", answer.String())

	assert.Empty(t, eventsOfType(events, datatypes.EventError))
}

func TestHandleChatStream_PersistsBothTurnsUserFirst(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"What is the leave policy?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	calls := fx.store.appendedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, datatypes.RoleUser, calls[0].role)
	assert.Equal(t, "What is the leave policy?", calls[0].content)
	assert.Equal(t, datatypes.RoleAssistant, calls[1].role)
	assert.Equal(t, "Hello world", calls[1].content)
	assert.Equal(t, calls[0].sessionID, calls[1].sessionID)
}

func TestHandleChatStream_InvalidJSON(t *testing.T) {
	fx := newTestServices(t)
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotContains(t, w.Body.String(), "[DONE]")
}

func TestHandleChatStream_MissingMessage(t *testing.T) {
	fx := newTestServices(t)
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"session_id":"550e8400-e29b-41d4-a716-446655440000"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream_SessionFailureStillSendsDone(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	fx.store.createErr = fmt.Errorf("badger unavailable")
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	events := chatEvents(t, body)
	errs := eventsOfType(events, datatypes.EventError)
	require.Len(t, errs, 1)
	// Sanitized message only; no backend detail.
	assert.NotContains(t, errs[0].Text, "badger")
	assert.Empty(t, fx.store.appendedCalls())
}

func TestHandleChatStream_RetrievalFailure(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	fx.svc.Retriever = &mockAssembler{err: fmt.Errorf("weaviate timeout")}
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	events := chatEvents(t, body)
	errs := eventsOfType(events, datatypes.EventError)
	require.Len(t, errs, 1)
	assert.NotContains(t, errs[0].Text, "weaviate")
	assert.Empty(t, eventsOfType(events, datatypes.EventContent))
	assert.Empty(t, fx.store.appendedCalls())
}

func TestHandleChatStream_LLMFailurePersistsNothing(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	fx.svc.Retriever = &mockAssembler{result: &retriever.AssembledContext{
		Query:       "q",
		ContextText: "[Document 1: handbook.md]\nSome context.",
		Sources:     []datatypes.SourceInfo{{Source: "handbook.md", Score: 0.9}},
	}}
	fx.llm.streamErr = fmt.Errorf("inference backend 503")
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	events := chatEvents(t, body)
	require.NotEmpty(t, eventsOfType(events, datatypes.EventError))
	// A failed stream ends with error + [DONE]; no sources, no history.
	assert.Empty(t, eventsOfType(events, datatypes.EventSources))
	assert.Empty(t, fx.store.appendedCalls())
}

func statusTexts(events []datatypes.StreamEvent) []string {
	statuses := eventsOfType(events, datatypes.EventStatus)
	out := make([]string, 0, len(statuses))
	for _, ev := range statuses {
		out = append(out, ev.Text)
	}
	return out
}

func TestHandleChatStream_FollowUpEmitsRewriteStatus(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	fx.store.history = []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "Who founded Motown?"},
		{Role: datatypes.RoleAssistant, Content: "Berry Gordy."},
	}
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"In what year?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, statusTexts(chatEvents(t, w.Body.String())), "Condensing the question...")
}

func TestHandleChatStream_FirstTurnSkipsRewriteStatus(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"Who founded Motown?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.NotContains(t, statusTexts(chatEvents(t, w.Body.String())), "Condensing the question...")
}

func TestHandleChatStream_ThinkTagsNeverReachTheWire(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	fx.llm.events = tokenEvents("<think>chain of thought</think>", "Visible answer")
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.NotContains(t, body, "chain of thought")

	var answer strings.Builder
	for _, ev := range eventsOfType(chatEvents(t, body), datatypes.EventContent) {
		answer.WriteString(ev.Text)
	}
	assert.Equal(t, "Visible answer", answer.String())

	calls := fx.store.appendedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Visible answer", calls[1].content)
}

func TestHandleChatStream_HashChainSpansWholeStream(t *testing.T) {
	t.Setenv("PETREL_INSECURE_MEMORY", "true")

	fx := newTestServices(t)
	router := chatRouter(fx.svc)

	w := postChat(t, router, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := chatEvents(t, w.Body.String())
	require.Greater(t, len(events), 1)
	prev := ""
	for i, ev := range events {
		assert.Equal(t, prev, ev.PrevHash, "event %d", i)
		prev = ev.Hash
	}
}
