package provider

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// openaiPricing maps model prefixes to (input, output) USD per million tokens.
var openaiPricing = map[string][2]float64{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-4":         {30.00, 60.00},
	"gpt-3.5-turbo": {0.50, 1.50},
	"o1":            {15.00, 60.00},
	"o1-mini":       {3.00, 12.00},
	"o3-mini":       {1.10, 4.40},
}

// OpenAIParser handles the OpenAI chat completions format, also spoken by
// compatible providers (vLLM, DeepSeek, MiniMax, ...). Streaming is SSE with
// a trailing "data: [DONE]" sentinel.
type OpenAIParser struct{}

// NewOpenAIParser creates the OpenAI parser.
func NewOpenAIParser() *OpenAIParser { return &OpenAIParser{} }

var _ Parser = (*OpenAIParser)(nil)

func (p *OpenAIParser) Provider() entity.Provider { return entity.ProviderOpenAI }

// ParseRequest extracts model, system prompt, messages and tools from a chat
// completion request.
func (p *OpenAIParser) ParseRequest(body map[string]any) ParsedRequest {
	messages := mapSlice(body, "messages")

	var systemPrompt string
	for _, msg := range messages {
		if strField(msg, "role") != "system" {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			systemPrompt = content
		case []any:
			parts := make([]string, 0, len(content))
			for _, item := range content {
				if block, ok := item.(map[string]any); ok {
					parts = append(parts, strField(block, "text"))
				}
			}
			systemPrompt = strings.Join(parts, " ")
		}
		break
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

// ParseResponse extracts text, tool calls and usage from a non-streaming
// chat completion response.
func (p *OpenAIParser) ParseResponse(body map[string]any) ParsedResponse {
	result := ParsedResponse{Model: strField(body, "model")}

	if choices := sliceField(body, "choices"); len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			message := mapField(choice, "message")
			result.ResponseText = strField(message, "content")
			result.ToolCalls = mapSlice(message, "tool_calls")
		}
	}

	if usage := mapField(body, "usage"); usage != nil {
		result.TokenUsage = openaiUsage(usage)
	}

	return result
}

// ParseStreamChunk parses one SSE data payload. "[DONE]" marks completion;
// anything that fails to decode is captured as {"raw": data}.
func (p *OpenAIParser) ParseStreamChunk(data string) ChunkResult {
	if strings.TrimSpace(data) == "[DONE]" {
		return ChunkResult{FinishReason: "done", Parsed: map[string]any{"done": true}}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return ChunkResult{Parsed: map[string]any{"raw": data}}
	}

	result := ChunkResult{Parsed: parsed}

	if choices := sliceField(parsed, "choices"); len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			delta := mapField(choice, "delta")
			if content, ok := delta["content"].(string); ok {
				result.DeltaText = content
			}
			if toolCalls, ok := delta["tool_calls"]; ok {
				result.ToolCallDelta = toolCalls
			}
			result.FinishReason = strField(choice, "finish_reason")
		}
	}

	if usage := mapField(parsed, "usage"); usage != nil {
		result.TokenUsage = openaiUsage(usage)
	}

	return result
}

// ReconstructResponse reassembles the final response from stream chunks:
// text deltas concatenate in order; tool-call fragments are indexed by their
// "index" field, with argument strings appended as they arrive.
func (p *OpenAIParser) ReconstructResponse(chunks []entity.StreamChunk) ParsedResponse {
	var text strings.Builder
	toolCalls := map[int]map[string]any{}
	var usage *entity.TokenUsage
	var model string

	for _, chunk := range chunks {
		text.WriteString(chunk.DeltaText)
		if chunk.Parsed == nil {
			continue
		}
		if model == "" {
			model = strField(chunk.Parsed, "model")
		}

		if choices := sliceField(chunk.Parsed, "choices"); len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				for _, tc := range mapSlice(mapField(choice, "delta"), "tool_calls") {
					idx := 0
					if n := intField(tc, "index"); n != nil {
						idx = *n
					}
					acc, ok := toolCalls[idx]
					if !ok {
						acc = map[string]any{
							"id":       strField(tc, "id"),
							"type":     "function",
							"function": map[string]any{"name": "", "arguments": ""},
						}
						toolCalls[idx] = acc
					}
					if id := strField(tc, "id"); id != "" {
						acc["id"] = id
					}
					fn := mapField(tc, "function")
					accFn := acc["function"].(map[string]any)
					if name, ok := fn["name"].(string); ok {
						accFn["name"] = name
					}
					if args, ok := fn["arguments"].(string); ok {
						accFn["arguments"] = accFn["arguments"].(string) + args
					}
				}
			}
		}

		if u := mapField(chunk.Parsed, "usage"); u != nil {
			usage = openaiUsage(u)
		}
	}

	result := ParsedResponse{
		Model:        model,
		ResponseText: text.String(),
		TokenUsage:   usage,
	}

	if len(toolCalls) > 0 {
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			result.ToolCalls = append(result.ToolCalls, toolCalls[idx])
		}
	}

	return result
}

// EstimateCost prices usage against the OpenAI table: exact model match
// first, then longest prefix. Unknown models yield a zero-total estimate
// with an explanatory note.
func (p *OpenAIParser) EstimateCost(model string, usage *entity.TokenUsage) *entity.CostEstimate {
	if model == "" || usage == nil {
		return nil
	}
	return estimateFromTable(openaiPricing, model, usage, true)
}

func openaiUsage(usage map[string]any) *entity.TokenUsage {
	return &entity.TokenUsage{
		InputTokens:  intField(usage, "prompt_tokens"),
		OutputTokens: intField(usage, "completion_tokens"),
		TotalTokens:  intField(usage, "total_tokens"),
	}
}

// estimateFromTable computes a cost estimate from a pricing table keyed by
// model prefix. exactFirst additionally tries an exact-key match before the
// prefix scan.
func estimateFromTable(pricing map[string][2]float64, model string, usage *entity.TokenUsage, exactFirst bool) *entity.CostEstimate {
	rate, found := [2]float64{}, false
	if exactFirst {
		if r, ok := pricing[model]; ok {
			rate, found = r, true
		}
	}
	if !found {
		longest := -1
		for prefix, r := range pricing {
			if strings.HasPrefix(model, prefix) && len(prefix) > longest {
				rate, found, longest = r, true, len(prefix)
			}
		}
	}
	if !found {
		return &entity.CostEstimate{Model: model, Note: "Unknown model, no pricing available"}
	}

	inputTokens, outputTokens := 0, 0
	if usage.InputTokens != nil {
		inputTokens = *usage.InputTokens
	}
	if usage.OutputTokens != nil {
		outputTokens = *usage.OutputTokens
	}

	inputCost := float64(inputTokens) / 1_000_000 * rate[0]
	outputCost := float64(outputTokens) / 1_000_000 * rate[1]

	return &entity.CostEstimate{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  inputCost + outputCost,
		Model:      model,
	}
}
