package provider

import (
	"encoding/json"
	"strings"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// anthropicPricing maps model prefixes to (input, output) USD per million tokens.
var anthropicPricing = map[string][2]float64{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-opus":     {15.00, 75.00},
	"claude-3-sonnet":   {3.00, 15.00},
	"claude-3-haiku":    {0.25, 1.25},
}

// AnthropicParser handles the Anthropic Messages API. Streaming is SSE with
// typed events (message_start, content_block_delta, ...); the event type is
// read from the JSON "type" field rather than the SSE event: line.
type AnthropicParser struct{}

// NewAnthropicParser creates the Anthropic parser.
func NewAnthropicParser() *AnthropicParser { return &AnthropicParser{} }

var _ Parser = (*AnthropicParser)(nil)

func (p *AnthropicParser) Provider() entity.Provider { return entity.ProviderAnthropic }

// ParseRequest extracts model, system prompt (string or text-block list),
// messages and tools from a messages request.
func (p *AnthropicParser) ParseRequest(body map[string]any) ParsedRequest {
	messages := mapSlice(body, "messages")

	var systemPrompt string
	switch system := body["system"].(type) {
	case string:
		systemPrompt = system
	case []any:
		var parts []string
		for _, item := range system {
			if block, ok := item.(map[string]any); ok && block["type"] == "text" {
				parts = append(parts, strField(block, "text"))
			}
		}
		systemPrompt = strings.Join(parts, "\n")
	}

	return ParsedRequest{
		Model:         strField(body, "model"),
		SystemPrompt:  systemPrompt,
		Messages:      messages,
		Tools:         mapSlice(body, "tools"),
		IsStreaming:   boolField(body, "stream"),
		ImageMetadata: extractImageMetadata(messages),
	}
}

// ParseResponse flattens the content-block list of a non-streaming response:
// text blocks join with newlines, thinking blocks are wrapped in
// [thinking]...[/thinking] markers, tool_use blocks become tool calls.
func (p *AnthropicParser) ParseResponse(body map[string]any) ParsedResponse {
	result := ParsedResponse{Model: strField(body, "model")}

	var textParts []string
	for _, block := range mapSlice(body, "content") {
		switch block["type"] {
		case "text":
			textParts = append(textParts, strField(block, "text"))
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, block)
		case "thinking":
			textParts = append(textParts, "[thinking]"+strField(block, "thinking")+"[/thinking]")
		}
	}
	result.ResponseText = strings.Join(textParts, "\n")

	if usage := mapField(body, "usage"); usage != nil {
		result.TokenUsage = anthropicUsage(usage)
	}

	return result
}

// ParseStreamChunk parses one SSE data payload, dispatching on the event's
// "type" field.
func (p *AnthropicParser) ParseStreamChunk(data string) ChunkResult {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return ChunkResult{Parsed: map[string]any{"raw": data}}
	}

	result := ChunkResult{Parsed: parsed}

	switch strField(parsed, "type") {
	case "content_block_delta":
		delta := mapField(parsed, "delta")
		switch strField(delta, "type") {
		case "text_delta":
			result.DeltaText = strField(delta, "text")
		case "input_json_delta":
			result.ToolCallDelta = map[string]any{"partial_json": strField(delta, "partial_json")}
		case "thinking_delta":
			result.DeltaText = strField(delta, "thinking")
		}

	case "message_delta":
		delta := mapField(parsed, "delta")
		result.FinishReason = strField(delta, "stop_reason")
		if usage := mapField(parsed, "usage"); usage != nil {
			result.TokenUsage = &entity.TokenUsage{OutputTokens: intField(usage, "output_tokens")}
		}

	case "message_start":
		message := mapField(parsed, "message")
		if usage := mapField(message, "usage"); usage != nil {
			result.TokenUsage = anthropicUsage(usage)
		}

	case "content_block_start":
		block := mapField(parsed, "content_block")
		if block["type"] == "tool_use" {
			result.ToolCallDelta = map[string]any{
				"id":    strField(block, "id"),
				"name":  strField(block, "name"),
				"start": true,
			}
		}
	}

	return result
}

// ReconstructResponse replays the event sequence: message_start captures
// model and initial usage, content blocks accumulate text and tool-call JSON
// buffers, content_block_stop closes the open tool call (falling back to the
// raw string when its JSON buffer does not parse), message_delta carries the
// final output token count.
func (p *AnthropicParser) ReconstructResponse(chunks []entity.StreamChunk) ParsedResponse {
	var textParts []string
	var toolCalls []map[string]any
	var currentTool map[string]any
	var toolJSONParts []string
	var usage *entity.TokenUsage
	var model string

	for _, chunk := range chunks {
		if chunk.Parsed == nil {
			continue
		}

		switch strField(chunk.Parsed, "type") {
		case "message_start":
			message := mapField(chunk.Parsed, "message")
			model = strField(message, "model")
			if u := mapField(message, "usage"); u != nil {
				usage = &entity.TokenUsage{
					InputTokens:         intField(u, "input_tokens"),
					CacheCreationTokens: intField(u, "cache_creation_input_tokens"),
					CacheReadTokens:     intField(u, "cache_read_input_tokens"),
				}
			}

		case "content_block_start":
			block := mapField(chunk.Parsed, "content_block")
			if block["type"] == "tool_use" {
				currentTool = map[string]any{
					"type": "tool_use",
					"id":   strField(block, "id"),
					"name": strField(block, "name"),
				}
				toolJSONParts = nil
			}

		case "content_block_delta":
			delta := mapField(chunk.Parsed, "delta")
			switch strField(delta, "type") {
			case "text_delta":
				textParts = append(textParts, strField(delta, "text"))
			case "input_json_delta":
				toolJSONParts = append(toolJSONParts, strField(delta, "partial_json"))
			case "thinking_delta":
				textParts = append(textParts, strField(delta, "thinking"))
			}

		case "content_block_stop":
			if currentTool != nil {
				rawJSON := strings.Join(toolJSONParts, "")
				var input any
				if err := json.Unmarshal([]byte(rawJSON), &input); err != nil {
					currentTool["input"] = rawJSON
				} else {
					currentTool["input"] = input
				}
				toolCalls = append(toolCalls, currentTool)
				currentTool = nil
			}

		case "message_delta":
			if u := mapField(chunk.Parsed, "usage"); u != nil {
				if out := intField(u, "output_tokens"); out != nil {
					if usage == nil {
						usage = &entity.TokenUsage{}
					}
					usage.OutputTokens = out
				}
			}
		}
	}

	return ParsedResponse{
		Model:        model,
		ResponseText: strings.Join(textParts, ""),
		ToolCalls:    toolCalls,
		TokenUsage:   usage,
	}
}

// EstimateCost prices usage against the Anthropic table by model prefix.
func (p *AnthropicParser) EstimateCost(model string, usage *entity.TokenUsage) *entity.CostEstimate {
	if model == "" || usage == nil {
		return nil
	}
	return estimateFromTable(anthropicPricing, model, usage, false)
}

func anthropicUsage(usage map[string]any) *entity.TokenUsage {
	return &entity.TokenUsage{
		InputTokens:         intField(usage, "input_tokens"),
		OutputTokens:        intField(usage, "output_tokens"),
		CacheCreationTokens: intField(usage, "cache_creation_input_tokens"),
		CacheReadTokens:     intField(usage, "cache_read_input_tokens"),
	}
}
