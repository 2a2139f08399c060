package provider

import (
	"encoding/json"
	"strings"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// OllamaParser handles the Ollama API: /api/chat (messages array) and
// /api/generate (prompt string). Streaming is NDJSON, one object per line,
// and defaults to on when the request does not say otherwise.
type OllamaParser struct{}

// NewOllamaParser creates the Ollama parser.
func NewOllamaParser() *OllamaParser { return &OllamaParser{} }

var _ Parser = (*OllamaParser)(nil)

func (p *OllamaParser) Provider() entity.Provider { return entity.ProviderOllama }

// ParseRequest handles both chat and generate shapes; a bare prompt is
// synthesized into a single user message.
func (p *OllamaParser) ParseRequest(body map[string]any) ParsedRequest {
	messages := mapSlice(body, "messages")

	systemPrompt := strField(body, "system")
	for _, msg := range messages {
		if strField(msg, "role") == "system" {
			systemPrompt = strField(msg, "content")
			break
		}
	}

	if prompt := strField(body, "prompt"); prompt != "" && len(messages) == 0 {
		messages = []map[string]any{{"role": "user", "content": prompt}}
	}

	// Ollama streams by default.
	isStreaming := true
	if v, ok := body["stream"].(bool); ok {
		isStreaming = v
	}

	return ParsedRequest{
		Model:        strField(body, "model"),
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        mapSlice(body, "tools"),
		IsStreaming:  isStreaming,
	}
}

// ParseResponse reads message.content (chat) or response (generate) and the
// prompt_eval_count/eval_count token counters.
func (p *OllamaParser) ParseResponse(body map[string]any) ParsedResponse {
	result := ParsedResponse{Model: strField(body, "model")}

	if message := mapField(body, "message"); message != nil {
		result.ResponseText = strField(message, "content")
		result.ToolCalls = mapSlice(message, "tool_calls")
	}
	if response, ok := body["response"].(string); ok {
		result.ResponseText = response
	}

	result.TokenUsage = ollamaUsage(body)

	return result
}

// ParseStreamChunk parses one NDJSON line. done:true marks completion and
// carries the final token counts.
func (p *OllamaParser) ParseStreamChunk(data string) ChunkResult {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return ChunkResult{Parsed: map[string]any{"raw": data}}
	}

	result := ChunkResult{Parsed: parsed}

	if message := mapField(parsed, "message"); message != nil {
		result.DeltaText = strField(message, "content")
	}
	if response, ok := parsed["response"].(string); ok {
		result.DeltaText = response
	}

	if boolField(parsed, "done") {
		result.FinishReason = "done"
		result.TokenUsage = ollamaUsage(parsed)
	}

	return result
}

// ReconstructResponse concatenates delta texts; the terminating done:true
// chunk supplies the final usage.
func (p *OllamaParser) ReconstructResponse(chunks []entity.StreamChunk) ParsedResponse {
	var text strings.Builder
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
		if boolField(chunk.Parsed, "done") {
			usage = ollamaUsage(chunk.Parsed)
		}
	}

	return ParsedResponse{
		Model:        model,
		ResponseText: text.String(),
		TokenUsage:   usage,
	}
}

// EstimateCost is always zero: Ollama runs locally.
func (p *OllamaParser) EstimateCost(model string, usage *entity.TokenUsage) *entity.CostEstimate {
	if model == "" {
		return nil
	}
	return &entity.CostEstimate{
		Model: model,
		Note:  "Local model (Ollama) - no API cost",
	}
}

func ollamaUsage(body map[string]any) *entity.TokenUsage {
	input := intField(body, "prompt_eval_count")
	output := intField(body, "eval_count")
	if input == nil && output == nil {
		return nil
	}
	return &entity.TokenUsage{InputTokens: input, OutputTokens: output}
}
