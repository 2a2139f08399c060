package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// ComputeContextMetrics measures the context window carried by a request.
//
// Pure function, no I/O: counts message roles, accumulates character lengths
// (string content, block-list content, and nested tool_result/tool_use
// blocks), and hashes the system prompt for change detection.
// prevMessageCount < 0 means "unknown previous turn"; the delta is then left
// nil and resolved later by the threading engine.
func ComputeContextMetrics(messages []map[string]any, systemPrompt string, prevMessageCount int) *entity.ContextMetrics {
	m := &entity.ContextMetrics{
		MessageCount: len(messages),
	}

	for _, msg := range messages {
		role, _ := msg["role"].(string)
		switch role {
		case "user":
			m.UserTurnCount++
		case "assistant":
			m.AssistantTurnCount++
		case "tool", "tool_result":
			m.ToolResultCount++
		}
		m.ContextDepthChars += measureContent(msg["content"])
	}

	m.SystemPromptLength = len([]rune(systemPrompt))
	m.ContextDepthChars += m.SystemPromptLength

	if systemPrompt != "" {
		digest := sha256.Sum256([]byte(systemPrompt))
		m.SystemPromptHash = hex.EncodeToString(digest[:])[:16]
	}

	if prevMessageCount >= 0 {
		delta := m.MessageCount - prevMessageCount
		m.NewMessagesThisTurn = &delta
	}

	return m
}

// measureContent recursively measures the character length of message
// content. Handles plain strings, lists of typed blocks, and nested
// tool_result content; tool_use inputs count as their JSON-serialized length.
func measureContent(content any) int {
	switch c := content.(type) {
	case nil:
		return 0
	case string:
		return len([]rune(c))
	case []any:
		total := 0
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					total += len([]rune(text))
				}
			case "tool_result", "tool_use":
				total += measureContent(block["content"])
				if input := block["input"]; input != nil {
					if raw, err := json.Marshal(input); err == nil {
						total += len(raw)
					}
				}
			}
		}
		return total
	default:
		return 0
	}
}
