package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// continuationScanLimit is how many recent global interactions the fallback
// rule inspects when neither a conversation ID nor a session ID is present.
const continuationScanLimit = 10

// TurnLookup is the read view the threading engine needs. The persistence
// layer provides a transaction-scoped implementation so that lookup and
// insert observe one consistent snapshot.
type TurnLookup interface {
	// ConversationTurns returns all turns of a conversation ordered by
	// (turn_number ASC, timestamp ASC).
	ConversationTurns(ctx context.Context, conversationID string) ([]*entity.Interaction, error)
	// RecentInSession returns the newest interactions in a session, newest first.
	RecentInSession(ctx context.Context, sessionID string, limit int) ([]*entity.Interaction, error)
	// RecentGlobal returns the newest interactions across all sessions, newest first.
	RecentGlobal(ctx context.Context, limit int) ([]*entity.Interaction, error)
}

// ThreadingEngine links each interaction into a conversation thread, setting
// conversation_id, parent_interaction_id, turn_number, turn_type and filling
// the new_messages_this_turn context delta.
type ThreadingEngine struct {
	logger *zap.Logger
}

// NewThreadingEngine creates a threading engine.
func NewThreadingEngine(logger *zap.Logger) *ThreadingEngine {
	return &ThreadingEngine{logger: logger}
}

// Resolve assigns threading fields on the interaction. Rules, in order:
//
//  1. Explicit conversation ID (from header): link to that conversation's
//     latest turn, or start it at turn 1.
//  2. Session ID set: link to the session's most recent interaction when the
//     continuation predicate holds, else start a new conversation.
//  3. Neither: scan recent global interactions for a continuation match,
//     else start a new conversation.
func (e *ThreadingEngine) Resolve(ctx context.Context, lookup TurnLookup, in *entity.Interaction) error {
	// Rule 1: explicit conversation ID forces linking.
	if in.ConversationID != "" {
		turns, err := lookup.ConversationTurns(ctx, in.ConversationID)
		if err != nil {
			return fmt.Errorf("threading: conversation turns: %w", err)
		}
		if len(turns) == 0 {
			e.startConversation(in, in.ConversationID)
			return nil
		}
		last := turns[len(turns)-1]
		turnType := entity.TurnContinuation
		if last.SessionID != in.SessionID {
			turnType = entity.TurnHandoff
		} else if len(last.ToolCalls) > 0 && containsToolResults(in.Messages) {
			turnType = entity.TurnToolResult
		}
		e.linkTo(in, last, in.ConversationID, turnType)
		return nil
	}

	// Rule 2: session-scoped continuation.
	if in.SessionID != "" {
		recent, err := lookup.RecentInSession(ctx, in.SessionID, 1)
		if err != nil {
			return fmt.Errorf("threading: recent in session: %w", err)
		}
		if len(recent) > 0 && isContinuation(in, recent[0]) {
			e.continueFrom(in, recent[0])
			return nil
		}
		e.startConversation(in, uuid.NewString())
		return nil
	}

	// Rule 3: global fallback. Best-effort content matching; may miss, and
	// in pathological cases may false-link identical transcripts.
	recent, err := lookup.RecentGlobal(ctx, continuationScanLimit)
	if err != nil {
		return fmt.Errorf("threading: recent global: %w", err)
	}
	for _, prev := range recent {
		if isContinuation(in, prev) {
			e.continueFrom(in, prev)
			return nil
		}
	}
	e.startConversation(in, uuid.NewString())
	return nil
}

func (e *ThreadingEngine) startConversation(in *entity.Interaction, conversationID string) {
	turn := 1
	in.ConversationID = conversationID
	in.TurnNumber = &turn
	in.TurnType = entity.TurnInitial
}

// continueFrom links in to prev, inheriting prev's conversation ID or
// minting a fresh one when prev predates threading.
func (e *ThreadingEngine) continueFrom(in *entity.Interaction, prev *entity.Interaction) {
	conversationID := prev.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	turnType := entity.TurnContinuation
	if len(prev.ToolCalls) > 0 && containsToolResults(in.Messages) {
		turnType = entity.TurnToolResult
	}
	e.linkTo(in, prev, conversationID, turnType)
}

func (e *ThreadingEngine) linkTo(in *entity.Interaction, prev *entity.Interaction, conversationID, turnType string) {
	prevTurn := 1
	if prev.TurnNumber != nil {
		prevTurn = *prev.TurnNumber
	}
	turn := prevTurn + 1

	in.ConversationID = conversationID
	in.ParentInteractionID = prev.ID
	in.TurnNumber = &turn
	in.TurnType = turnType

	// Resolve the context delta now that the parent is known.
	if in.ContextMetrics != nil && in.ContextMetrics.NewMessagesThisTurn == nil && prev.ContextMetrics != nil {
		delta := in.ContextMetrics.MessageCount - prev.ContextMetrics.MessageCount
		in.ContextMetrics.NewMessagesThisTurn = &delta
	}

	e.logger.Debug("Linked interaction to conversation",
		zap.String("interaction_id", in.ID),
		zap.String("conversation_id", conversationID),
		zap.Int("turn_number", turn),
		zap.String("turn_type", turnType),
	)
}

// isContinuation reports whether cur plausibly extends prev: either an
// assistant message in cur echoes the first 100 characters of prev's
// response text, or prev issued tool calls and cur carries tool results.
func isContinuation(cur, prev *entity.Interaction) bool {
	if len(cur.Messages) > 0 && prev.ResponseText != "" {
		probe := prev.ResponseText
		if runes := []rune(probe); len(runes) > 100 {
			probe = string(runes[:100])
		}
		for _, msg := range cur.Messages {
			if role, _ := msg["role"].(string); role != "assistant" {
				continue
			}
			if strings.Contains(flattenContent(msg["content"]), probe) {
				return true
			}
		}
	}

	if len(prev.ToolCalls) > 0 && containsToolResults(cur.Messages) {
		return true
	}

	return false
}

// containsToolResults reports whether any message carries a tool result,
// either as a tool/tool_result role or as a tool_result content block.
func containsToolResults(messages []map[string]any) bool {
	for _, msg := range messages {
		if role, _ := msg["role"].(string); role == "tool" || role == "tool_result" {
			return true
		}
		blocks, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, item := range blocks {
			if block, ok := item.(map[string]any); ok && block["type"] == "tool_result" {
				return true
			}
		}
	}
	return false
}

// flattenContent joins the text of string or block-list content for
// substring matching.
func flattenContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}
