// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// Shared test doubles for the handlers package.

package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrel-ai/petrel/services/llm"
	"github.com/petrel-ai/petrel/services/orchestrator/config"
	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
	"github.com/petrel-ai/petrel/services/orchestrator/generate"
	"github.com/petrel-ai/petrel/services/orchestrator/ingest"
	"github.com/petrel-ai/petrel/services/orchestrator/observability"
	"github.com/petrel-ai/petrel/services/orchestrator/retriever"
	"github.com/petrel-ai/petrel/services/orchestrator/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Session store double
// =============================================================================

type appendCall struct {
	sessionID string
	role      datatypes.Role
	content   string
}

type mockStore struct {
	mu        sync.Mutex
	appends   []appendCall
	deleted   []string
	history   []datatypes.Message
	session   datatypes.SessionInfo
	createErr error
	getErr    error
	appendErr error
	recentErr error
	deleteErr error
	readyErr  error
}

func newMockStore() *mockStore {
	return &mockStore{
		session: datatypes.NewSessionInfo("550e8400-e29b-41d4-a716-446655440000", ""),
	}
}

func (s *mockStore) CreateOrGet(_ context.Context, id, owner string) (datatypes.SessionInfo, error) {
	if s.createErr != nil {
		return datatypes.SessionInfo{}, s.createErr
	}
	info := s.session
	if id != "" {
		info.SessionID = id
	}
	info.Owner = owner
	return info, nil
}

func (s *mockStore) Get(_ context.Context, id string) (datatypes.SessionInfo, error) {
	if s.getErr != nil {
		return datatypes.SessionInfo{}, s.getErr
	}
	info := s.session
	info.SessionID = id
	return info, nil
}

func (s *mockStore) AppendMessage(_ context.Context, id string, role datatypes.Role, content string) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, appendCall{sessionID: id, role: role, content: content})
	return nil
}

func (s *mockStore) RecentMessages(_ context.Context, _ string, _ int) ([]datatypes.Message, error) {
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	return s.history, nil
}

func (s *mockStore) Delete(_ context.Context, id string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *mockStore) Ready(_ context.Context) error { return s.readyErr }
func (s *mockStore) Close() error                  { return nil }

func (s *mockStore) appendedCalls() []appendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appendCall, len(s.appends))
	copy(out, s.appends)
	return out
}

var _ store.SessionStore = (*mockStore)(nil)

// =============================================================================
// Vector index double
// =============================================================================

type mockVectorIndex struct {
	mu       sync.Mutex
	stored   []datatypes.DocumentChunk
	sources  []string
	listErr  error
	bulkErr  error
	readyErr error
}

func (m *mockVectorIndex) Search(_ context.Context, _ string, _ int, _ string) ([]datatypes.ScoredChunk, error) {
	return nil, nil
}

func (m *mockVectorIndex) BulkAdd(_ context.Context, chunks []datatypes.DocumentChunk) (int, error) {
	if m.bulkErr != nil {
		return 0, m.bulkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, chunks...)
	return len(chunks), nil
}

func (m *mockVectorIndex) ListSources(_ context.Context) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.sources, nil
}

func (m *mockVectorIndex) Ready(_ context.Context) error { return m.readyErr }

// =============================================================================
// Retriever double
// =============================================================================

type mockAssembler struct {
	result *retriever.AssembledContext
	err    error
}

func (m *mockAssembler) Assemble(_ context.Context, question string, _ []datatypes.Message, _ string) (*retriever.AssembledContext, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &retriever.AssembledContext{
		Query:       question,
		ContextText: retriever.NoContextPlaceholder,
	}, nil
}

// =============================================================================
// LLM double
// =============================================================================

// scriptedStreamLLM replays a fixed sequence of stream events.
type scriptedStreamLLM struct {
	events    []llm.StreamEvent
	streamErr error
	readyErr  error
}

func (s *scriptedStreamLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "", fmt.Errorf("not used in these tests")
}

func (s *scriptedStreamLLM) ChatStream(_ context.Context, _ []datatypes.Message,
	_ llm.GenerationParams, callback llm.StreamCallback) error {
	if s.streamErr != nil {
		return s.streamErr
	}
	for _, ev := range s.events {
		if err := callback(ev); err != nil {
			return fmt.Errorf("stream callback aborted: %w", err)
		}
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (s *scriptedStreamLLM) Ready(_ context.Context) error { return s.readyErr }

var _ llm.LLMClient = (*scriptedStreamLLM)(nil)

func tokenEvents(fragments ...string) []llm.StreamEvent {
	out := make([]llm.StreamEvent, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, llm.StreamEvent{Type: llm.StreamEventToken, Content: f})
	}
	return out
}

// =============================================================================
// Services fixture
// =============================================================================

type servicesFixture struct {
	svc   *Services
	store *mockStore
	index *mockVectorIndex
	llm   *scriptedStreamLLM
}

// newTestServices wires a full Services container around in-memory doubles.
func newTestServices(t *testing.T) *servicesFixture {
	t.Helper()

	st := newMockStore()
	idx := &mockVectorIndex{}
	llmClient := &scriptedStreamLLM{events: tokenEvents("Hello", " world")}

	gen, err := generate.NewGenerator(generate.Options{LLMClient: llmClient})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	pipeline, err := ingest.NewPipeline(ingest.PipelineOptions{
		Extractor: ingest.NewOCRExtractor("http://ocr.invalid", time.Second),
		Index:     idx,
		ChunkSize: 200,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	pool, err := ingest.NewPool(pipeline, 1, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	cfg := &config.Config{
		HistoryLimit:   10,
		LLMTimeout:     time.Minute,
		MaxUploadBytes: 1 << 20,
		ScratchDir:     t.TempDir(),
	}

	svc := &Services{
		Config:    cfg,
		Store:     st,
		Index:     idx,
		Retriever: &mockAssembler{},
		Generator: gen,
		LLM:       llmClient,
		Pool:      pool,
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	return &servicesFixture{svc: svc, store: st, index: idx, llm: llmClient}
}
