package provider

import (
	"math"
	"testing"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

func TestAnthropicParseRequestSystemString(t *testing.T) {
	body := decodeBody(t, `{
		"model": "claude-3-5-sonnet-20241022",
		"system": "Be concise.",
		"messages": [{"role": "user", "content": "Hi"}],
		"stream": true
	}`)

	parsed := NewAnthropicParser().ParseRequest(body)
	if parsed.SystemPrompt != "Be concise." {
		t.Errorf("system prompt = %q", parsed.SystemPrompt)
	}
	if parsed.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("model = %q", parsed.Model)
	}
	if !parsed.IsStreaming {
		t.Error("expected streaming request")
	}
}

func TestAnthropicParseRequestSystemBlocks(t *testing.T) {
	body := decodeBody(t, `{
		"model": "claude-3-5-sonnet-20241022",
		"system": [
			{"type": "text", "text": "First."},
			{"type": "text", "text": "Second."}
		],
		"messages": []
	}`)

	parsed := NewAnthropicParser().ParseRequest(body)
	if parsed.SystemPrompt != "First.\nSecond." {
		t.Errorf("system prompt = %q", parsed.SystemPrompt)
	}
}

func TestAnthropicParseResponse(t *testing.T) {
	body := decodeBody(t, `{
		"model": "claude-3-5-sonnet-20241022",
		"content": [
			{"type": "text", "text": "Sure."},
			{"type": "thinking", "thinking": "the user wants X"},
			{"type": "tool_use", "id": "tu_1", "name": "search", "input": {"q": "go"}}
		],
		"usage": {"input_tokens": 20, "output_tokens": 8, "cache_read_input_tokens": 5}
	}`)

	parsed := NewAnthropicParser().ParseResponse(body)
	if parsed.ResponseText != "Sure.\n[thinking]the user wants X[/thinking]" {
		t.Errorf("response text = %q", parsed.ResponseText)
	}
	if len(parsed.ToolCalls) != 1 || parsed.ToolCalls[0]["name"] != "search" {
		t.Errorf("tool calls = %+v", parsed.ToolCalls)
	}
	usage := parsed.TokenUsage
	if usage == nil || *usage.InputTokens != 20 || *usage.OutputTokens != 8 || *usage.CacheReadTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestAnthropicParseStreamChunkDeltas(t *testing.T) {
	parser := NewAnthropicParser()

	result := parser.ParseStreamChunk(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`)
	if result.DeltaText != "Hel" {
		t.Errorf("text delta = %q", result.DeltaText)
	}

	result = parser.ParseStreamChunk(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`)
	if result.DeltaText != "hmm" {
		t.Errorf("thinking delta = %q", result.DeltaText)
	}

	result = parser.ParseStreamChunk(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`)
	if result.FinishReason != "end_turn" {
		t.Errorf("finish reason = %q", result.FinishReason)
	}
	if result.TokenUsage == nil || *result.TokenUsage.OutputTokens != 42 {
		t.Errorf("usage = %+v", result.TokenUsage)
	}
}

func TestAnthropicReconstructResponse(t *testing.T) {
	parser := NewAnthropicParser()
	lines := []string{
		`{"type":"message_start","message":{"model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":30,"cache_creation_input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"I will "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"search."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"search"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}`,
	}

	chunks := make([]entity.StreamChunk, 0, len(lines))
	for i, line := range lines {
		result := parser.ParseStreamChunk(line)
		chunks = append(chunks, entity.StreamChunk{Index: i, Parsed: result.Parsed, DeltaText: result.DeltaText})
	}

	parsed := parser.ReconstructResponse(chunks)
	if parsed.ResponseText != "I will search." {
		t.Errorf("response text = %q", parsed.ResponseText)
	}
	if parsed.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("model = %q", parsed.Model)
	}
	if len(parsed.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(parsed.ToolCalls))
	}
	tool := parsed.ToolCalls[0]
	if tool["name"] != "search" {
		t.Errorf("tool name = %v", tool["name"])
	}
	input, ok := tool["input"].(map[string]any)
	if !ok || input["q"] != "go" {
		t.Errorf("tool input = %v", tool["input"])
	}
	usage := parsed.TokenUsage
	if usage == nil || *usage.InputTokens != 30 || *usage.OutputTokens != 17 || *usage.CacheCreationTokens != 10 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestAnthropicReconstructInvalidToolJSON(t *testing.T) {
	parser := NewAnthropicParser()
	lines := []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"search"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\": trunc"}}`,
		`{"type":"content_block_stop","index":0}`,
	}

	chunks := make([]entity.StreamChunk, 0, len(lines))
	for i, line := range lines {
		result := parser.ParseStreamChunk(line)
		chunks = append(chunks, entity.StreamChunk{Index: i, Parsed: result.Parsed})
	}

	parsed := parser.ReconstructResponse(chunks)
	if len(parsed.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(parsed.ToolCalls))
	}
	// Unparseable accumulated JSON is kept as the raw string.
	if parsed.ToolCalls[0]["input"] != `{"q": trunc` {
		t.Errorf("tool input = %v", parsed.ToolCalls[0]["input"])
	}
}

func TestAnthropicEstimateCost(t *testing.T) {
	parser := NewAnthropicParser()
	input, output := 1_000_000, 1_000_000
	usage := &entity.TokenUsage{InputTokens: &input, OutputTokens: &output}

	cost := parser.EstimateCost("claude-3-5-sonnet-20241022", usage)
	if cost == nil || math.Abs(cost.TotalCost-18.00) > 1e-9 {
		t.Errorf("sonnet cost = %+v, want total 18.00", cost)
	}

	cost = parser.EstimateCost("claude-99-unknown", usage)
	if cost == nil || cost.TotalCost != 0 || cost.Note == "" {
		t.Errorf("unknown model cost = %+v, want zero with note", cost)
	}
}
