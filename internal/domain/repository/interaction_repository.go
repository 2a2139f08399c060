package repository

import (
	"context"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// ListFilter narrows List results. Empty string fields are ignored;
// filters combine with AND.
type ListFilter struct {
	Provider  string
	Model     string
	SessionID string
	Limit     int
	Offset    int
}

// SessionSummary aggregates all interactions sharing one session ID.
type SessionSummary struct {
	SessionID        string   `json:"session_id"`
	InteractionCount int64    `json:"interaction_count"`
	FirstInteraction string   `json:"first_interaction"`
	LastInteraction  string   `json:"last_interaction"`
	Providers        []string `json:"providers"`
	Models           []string `json:"models"`
	TotalLatencyMs   *float64 `json:"total_latency_ms"`
}

// ConversationSummary aggregates all turns of one inferred conversation.
type ConversationSummary struct {
	ConversationID string   `json:"conversation_id"`
	TurnCount      int64    `json:"turn_count"`
	FirstTurn      string   `json:"first_turn"`
	LastTurn       string   `json:"last_turn"`
	Providers      []string `json:"providers"`
	Models         []string `json:"models"`
	InputTokens    int64    `json:"input_tokens"`
	OutputTokens   int64    `json:"output_tokens"`
}

// Stats is the aggregate view exposed by the introspection API.
type Stats struct {
	TotalInteractions    int64            `json:"total_interactions"`
	ByProvider           map[string]int64 `json:"by_provider"`
	ByModel              map[string]int64 `json:"by_model"`
	AvgLatencyMs         *float64         `json:"avg_latency_ms"`
	TotalConversations   int64            `json:"total_conversations"`
	AvgMessagesPerTurn   *float64         `json:"avg_messages_per_turn"`
	AvgContextDepthChars *float64         `json:"avg_context_depth_chars"`
	SystemPromptChanges  int64            `json:"system_prompt_changes"`
}

// InteractionRepository persists and queries intercepted interactions.
//
// Save resolves conversation threading and writes the record atomically:
// the threading lookup and the upsert observe one consistent view.
type InteractionRepository interface {
	Save(ctx context.Context, interaction *entity.Interaction) error
	FindByID(ctx context.Context, id string) (*entity.Interaction, error)
	List(ctx context.Context, filter ListFilter) ([]*entity.Interaction, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	ConversationTurns(ctx context.Context, conversationID string) ([]*entity.Interaction, error)
	RecentInSession(ctx context.Context, sessionID string, limit int) ([]*entity.Interaction, error)
	Stats(ctx context.Context) (*Stats, error)
	Clear(ctx context.Context) (int64, error)
}
