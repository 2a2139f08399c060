package entity

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies which upstream LLM API an interaction was routed to.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// Turn classification values for conversation threading.
const (
	TurnInitial      = "initial"
	TurnContinuation = "continuation"
	TurnToolResult   = "tool_result"
	TurnHandoff      = "handoff"
)

// StreamChunk is a single parsed element of an SSE or NDJSON stream.
// Chunks for one interaction form a finite ordered sequence; reassembly
// is deterministic given the sequence.
type StreamChunk struct {
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Data      string         `json:"data"`
	Parsed    map[string]any `json:"parsed,omitempty"`
	DeltaText string         `json:"delta_text,omitempty"`
}

// TokenUsage holds token counts reported by the provider.
// Fields are pointers so "not reported" is distinguishable from zero.
type TokenUsage struct {
	InputTokens         *int `json:"input_tokens,omitempty"`
	OutputTokens        *int `json:"output_tokens,omitempty"`
	CacheCreationTokens *int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     *int `json:"cache_read_tokens,omitempty"`
	TotalTokens         *int `json:"total_tokens,omitempty"`
}

// ComputedTotal returns the reported total, or input + output when the
// provider did not report one.
func (u *TokenUsage) ComputedTotal() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens != nil {
		return *u.TotalTokens
	}
	total := 0
	if u.InputTokens != nil {
		total += *u.InputTokens
	}
	if u.OutputTokens != nil {
		total += *u.OutputTokens
	}
	return total
}

// CostEstimate is the estimated USD cost of one interaction.
// TotalCost is always InputCost + OutputCost.
type CostEstimate struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
	Model      string  `json:"model,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// ImageMetadata describes images found in a request without retaining the
// raw base64 payloads. Count equals len(MediaTypes) and len(ApproximateSizes).
type ImageMetadata struct {
	Count            int      `json:"count"`
	MediaTypes       []string `json:"media_types"`
	ApproximateSizes []int    `json:"approximate_sizes"`
}

// ContextMetrics are computed measurements of the context window carried by
// one request.
type ContextMetrics struct {
	MessageCount        int    `json:"message_count"`
	UserTurnCount       int    `json:"user_turn_count"`
	AssistantTurnCount  int    `json:"assistant_turn_count"`
	ToolResultCount     int    `json:"tool_result_count"`
	ContextDepthChars   int    `json:"context_depth_chars"`
	NewMessagesThisTurn *int   `json:"new_messages_this_turn,omitempty"`
	SystemPromptLength  int    `json:"system_prompt_length"`
	SystemPromptHash    string `json:"system_prompt_hash,omitempty"`
}

// Interaction is the canonical record of one intercepted request/response
// cycle. The proxy handler owns it exclusively until it is persisted; after
// that readers receive immutable copies from the store.
type Interaction struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Request
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	RequestHeaders map[string]string `json:"request_headers"`
	RequestBody    map[string]any    `json:"request_body,omitempty"`
	RawRequestBody string            `json:"raw_request_body,omitempty"`

	// Provider
	Provider Provider `json:"provider"`
	Model    string   `json:"model,omitempty"`

	// Parsed request content
	SystemPrompt  string           `json:"system_prompt,omitempty"`
	Messages      []map[string]any `json:"messages,omitempty"`
	Tools         []map[string]any `json:"tools,omitempty"`
	ImageMetadata *ImageMetadata   `json:"image_metadata,omitempty"`

	// Response
	StatusCode      *int              `json:"status_code,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    map[string]any    `json:"response_body,omitempty"`
	RawResponseBody string            `json:"raw_response_body,omitempty"`
	IsStreaming     bool              `json:"is_streaming"`

	StreamChunks []StreamChunk `json:"stream_chunks,omitempty"`

	// Extracted response content
	ResponseText string           `json:"response_text,omitempty"`
	ToolCalls    []map[string]any `json:"tool_calls,omitempty"`

	// Metrics
	TokenUsage         *TokenUsage   `json:"token_usage,omitempty"`
	CostEstimate       *CostEstimate `json:"cost_estimate,omitempty"`
	TimeToFirstTokenMs *float64      `json:"time_to_first_token_ms,omitempty"`
	TotalLatencyMs     *float64      `json:"total_latency_ms,omitempty"`

	Error string `json:"error,omitempty"`

	// Conversation threading
	ConversationID      string          `json:"conversation_id,omitempty"`
	ParentInteractionID string          `json:"parent_interaction_id,omitempty"`
	TurnNumber          *int            `json:"turn_number,omitempty"`
	TurnType            string          `json:"turn_type,omitempty"`
	ContextMetrics      *ContextMetrics `json:"context_metrics,omitempty"`
}

// NewInteraction creates an interaction skeleton with a fresh ID and a UTC
// receipt timestamp.
func NewInteraction(method, path string) *Interaction {
	return &Interaction{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Method:         method,
		Path:           path,
		RequestHeaders: map[string]string{},
		Provider:       ProviderUnknown,
	}
}

// Summary is the trimmed projection returned by list endpoints.
type Summary struct {
	ID                  string   `json:"id"`
	SessionID           string   `json:"session_id,omitempty"`
	Timestamp           string   `json:"timestamp"`
	Provider            Provider `json:"provider"`
	Model               string   `json:"model,omitempty"`
	Method              string   `json:"method"`
	Path                string   `json:"path"`
	StatusCode          *int     `json:"status_code"`
	IsStreaming         bool     `json:"is_streaming"`
	TotalLatencyMs      *float64 `json:"total_latency_ms"`
	ResponseTextPreview string   `json:"response_text_preview,omitempty"`
}

// Summary returns the list-endpoint projection of the interaction, with the
// response text truncated to 200 characters.
func (i *Interaction) Summary() Summary {
	return Summary{
		ID:                  i.ID,
		SessionID:           i.SessionID,
		Timestamp:           i.Timestamp.Format(time.RFC3339Nano),
		Provider:            i.Provider,
		Model:               i.Model,
		Method:              i.Method,
		Path:                i.Path,
		StatusCode:          i.StatusCode,
		IsStreaming:         i.IsStreaming,
		TotalLatencyMs:      i.TotalLatencyMs,
		ResponseTextPreview: previewText(i.ResponseText, 200),
	}
}

func previewText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
