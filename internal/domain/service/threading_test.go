package service

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// fakeLookup serves canned turns to the threading engine.
type fakeLookup struct {
	conversations map[string][]*entity.Interaction
	sessions      map[string][]*entity.Interaction
	global        []*entity.Interaction
}

func (f *fakeLookup) ConversationTurns(_ context.Context, conversationID string) ([]*entity.Interaction, error) {
	return f.conversations[conversationID], nil
}

func (f *fakeLookup) RecentInSession(_ context.Context, sessionID string, limit int) ([]*entity.Interaction, error) {
	recent := f.sessions[sessionID]
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

func (f *fakeLookup) RecentGlobal(_ context.Context, limit int) ([]*entity.Interaction, error) {
	recent := f.global
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

func newEngine() *ThreadingEngine {
	return NewThreadingEngine(zap.NewNop())
}

func turnOf(in *entity.Interaction) int {
	if in.TurnNumber == nil {
		return 0
	}
	return *in.TurnNumber
}

func TestResolveExplicitConversationNew(t *testing.T) {
	in := entity.NewInteraction("POST", "/v1/chat/completions")
	in.ConversationID = "conv-1"

	if err := newEngine().Resolve(context.Background(), &fakeLookup{}, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.ConversationID != "conv-1" || turnOf(in) != 1 || in.TurnType != entity.TurnInitial {
		t.Errorf("got conv=%q turn=%d type=%q", in.ConversationID, turnOf(in), in.TurnType)
	}
}

func TestResolveExplicitConversationContinues(t *testing.T) {
	prevTurn := 3
	prev := &entity.Interaction{ID: "prev-id", ConversationID: "conv-1", TurnNumber: &prevTurn}
	lookup := &fakeLookup{conversations: map[string][]*entity.Interaction{"conv-1": {prev}}}

	in := entity.NewInteraction("POST", "/v1/chat/completions")
	in.ConversationID = "conv-1"

	if err := newEngine().Resolve(context.Background(), lookup, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.ParentInteractionID != "prev-id" || turnOf(in) != 4 {
		t.Errorf("parent=%q turn=%d", in.ParentInteractionID, turnOf(in))
	}
	if in.TurnType != entity.TurnContinuation {
		t.Errorf("turn type = %q", in.TurnType)
	}
}

func TestResolveExplicitConversationHandoff(t *testing.T) {
	prevTurn := 1
	prev := &entity.Interaction{ID: "prev-id", ConversationID: "conv-1", SessionID: "sess-a", TurnNumber: &prevTurn}
	lookup := &fakeLookup{conversations: map[string][]*entity.Interaction{"conv-1": {prev}}}

	in := entity.NewInteraction("POST", "/v1/messages")
	in.ConversationID = "conv-1"
	in.SessionID = "sess-b"

	if err := newEngine().Resolve(context.Background(), lookup, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.TurnType != entity.TurnHandoff {
		t.Errorf("turn type = %q, want handoff", in.TurnType)
	}
}

func TestResolveSessionContinuation(t *testing.T) {
	prevTurn := 1
	prev := &entity.Interaction{
		ID:             "prev-id",
		ConversationID: "conv-1",
		SessionID:      "sess-a",
		TurnNumber:     &prevTurn,
		ResponseText:   "The answer is 42 because of deep reasons explained at length.",
	}
	lookup := &fakeLookup{sessions: map[string][]*entity.Interaction{"sess-a": {prev}}}

	in := entity.NewInteraction("POST", "/v1/chat/completions")
	in.SessionID = "sess-a"
	in.Messages = []map[string]any{
		{"role": "user", "content": "question"},
		{"role": "assistant", "content": prev.ResponseText},
		{"role": "user", "content": "follow-up"},
	}

	if err := newEngine().Resolve(context.Background(), lookup, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.ConversationID != "conv-1" || in.ParentInteractionID != "prev-id" || turnOf(in) != 2 {
		t.Errorf("conv=%q parent=%q turn=%d", in.ConversationID, in.ParentInteractionID, turnOf(in))
	}
}

func TestResolveSessionNoMatchStartsConversation(t *testing.T) {
	prev := &entity.Interaction{ID: "prev-id", ConversationID: "conv-1", SessionID: "sess-a", ResponseText: "unrelated text"}
	lookup := &fakeLookup{sessions: map[string][]*entity.Interaction{"sess-a": {prev}}}

	in := entity.NewInteraction("POST", "/v1/chat/completions")
	in.SessionID = "sess-a"
	in.Messages = []map[string]any{{"role": "user", "content": "fresh start"}}

	if err := newEngine().Resolve(context.Background(), lookup, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.ConversationID == "" || in.ConversationID == "conv-1" {
		t.Errorf("conversation = %q, want fresh id", in.ConversationID)
	}
	if turnOf(in) != 1 || in.TurnType != entity.TurnInitial {
		t.Errorf("turn=%d type=%q", turnOf(in), in.TurnType)
	}
}

func TestResolveGlobalFallback(t *testing.T) {
	prevTurn := 2
	prev := &entity.Interaction{
		ID:             "prev-id",
		ConversationID: "conv-9",
		TurnNumber:     &prevTurn,
		ResponseText:   strings.Repeat("x", 150),
	}
	lookup := &fakeLookup{global: []*entity.Interaction{
		{ID: "noise", ResponseText: "something else"},
		prev,
	}}

	in := entity.NewInteraction("POST", "/api/chat")
	in.Messages = []map[string]any{
		{"role": "assistant", "content": strings.Repeat("x", 150)},
		{"role": "user", "content": "next"},
	}

	if err := newEngine().Resolve(context.Background(), lookup, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.ConversationID != "conv-9" || turnOf(in) != 3 {
		t.Errorf("conv=%q turn=%d", in.ConversationID, turnOf(in))
	}
}

func TestResolveToolResultTurn(t *testing.T) {
	prevTurn := 1
	prev := &entity.Interaction{
		ID:             "prev-id",
		ConversationID: "conv-1",
		SessionID:      "sess-a",
		TurnNumber:     &prevTurn,
		ToolCalls:      []map[string]any{{"id": "call_1", "name": "search"}},
	}
	lookup := &fakeLookup{sessions: map[string][]*entity.Interaction{"sess-a": {prev}}}

	in := entity.NewInteraction("POST", "/v1/messages")
	in.SessionID = "sess-a"
	in.Messages = []map[string]any{
		{"role": "user", "content": []any{
			map[string]any{"type": "tool_result", "tool_use_id": "call_1", "content": "ok"},
		}},
	}

	if err := newEngine().Resolve(context.Background(), lookup, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.TurnType != entity.TurnToolResult {
		t.Errorf("turn type = %q, want tool_result", in.TurnType)
	}
}

func TestResolveFillsMessageDelta(t *testing.T) {
	prevTurn := 1
	prev := &entity.Interaction{
		ID:             "prev-id",
		ConversationID: "conv-1",
		SessionID:      "sess-a",
		TurnNumber:     &prevTurn,
		ResponseText:   "a perfectly memorable answer",
		ContextMetrics: &entity.ContextMetrics{MessageCount: 2},
	}
	lookup := &fakeLookup{sessions: map[string][]*entity.Interaction{"sess-a": {prev}}}

	in := entity.NewInteraction("POST", "/v1/chat/completions")
	in.SessionID = "sess-a"
	in.Messages = []map[string]any{
		{"role": "user", "content": "q"},
		{"role": "assistant", "content": "a perfectly memorable answer"},
		{"role": "user", "content": "next"},
	}
	in.ContextMetrics = ComputeContextMetrics(in.Messages, "", -1)

	if err := newEngine().Resolve(context.Background(), lookup, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.ContextMetrics.NewMessagesThisTurn == nil || *in.ContextMetrics.NewMessagesThisTurn != 1 {
		t.Errorf("delta = %v, want 1", in.ContextMetrics.NewMessagesThisTurn)
	}
}

func TestIsContinuationTruncatesProbe(t *testing.T) {
	prev := &entity.Interaction{ResponseText: strings.Repeat("a", 300)}
	cur := &entity.Interaction{Messages: []map[string]any{
		// Echoes only the first 120 chars, as clients truncate history.
		{"role": "assistant", "content": strings.Repeat("a", 120)},
	}}
	if !isContinuation(cur, prev) {
		t.Error("100-char probe should match truncated echo")
	}
}
