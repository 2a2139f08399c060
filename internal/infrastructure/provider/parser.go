package provider

import (
	"encoding/base64"
	"strings"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// ParsedRequest is the normalized view of a provider request body.
type ParsedRequest struct {
	Model         string
	SystemPrompt  string
	Messages      []map[string]any
	Tools         []map[string]any
	IsStreaming   bool
	ImageMetadata *entity.ImageMetadata
}

// ParsedResponse is the normalized view of a provider response, whether read
// from a non-streaming body or reassembled from stream chunks.
type ParsedResponse struct {
	Model        string
	ResponseText string
	ToolCalls    []map[string]any
	TokenUsage   *entity.TokenUsage
}

// ChunkResult is the outcome of parsing a single stream line. Parsed always
// carries something storable: the decoded object, or {"raw": line} when the
// line is not valid JSON.
type ChunkResult struct {
	Parsed        map[string]any
	DeltaText     string
	ToolCallDelta any
	FinishReason  string
	TokenUsage    *entity.TokenUsage
}

// Parser normalizes one provider's wire format. Implementations never return
// errors: malformed input degrades to raw capture so the proxy stays
// transparent.
type Parser interface {
	Provider() entity.Provider
	ParseRequest(body map[string]any) ParsedRequest
	ParseResponse(body map[string]any) ParsedResponse
	ParseStreamChunk(data string) ChunkResult
	ReconstructResponse(chunks []entity.StreamChunk) ParsedResponse
	EstimateCost(model string, usage *entity.TokenUsage) *entity.CostEstimate
}

// --- shared JSON-shape helpers (bodies are decoded as generic maps) ---

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func sliceField(m map[string]any, key string) []any {
	v, _ := m[key].([]any)
	return v
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// intField reads a JSON number as *int, nil when absent or non-numeric.
func intField(m map[string]any, key string) *int {
	switch v := m[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		n := v
		return &n
	default:
		return nil
	}
}

// mapSlice converts a JSON array field into a slice of objects, skipping
// non-object entries.
func mapSlice(m map[string]any, key string) []map[string]any {
	items, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractImageMetadata scans message content blocks for images (OpenAI
// image_url and Anthropic image formats), recording media types and
// approximate decoded sizes without retaining the base64 payloads.
// Returns nil when no images are present.
func extractImageMetadata(messages []map[string]any) *entity.ImageMetadata {
	meta := &entity.ImageMetadata{}

	for _, msg := range messages {
		blocks, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, item := range blocks {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "image_url":
				url := strField(mapField(part, "image_url"), "url")
				meta.Count++
				if strings.HasPrefix(url, "data:") {
					meta.MediaTypes = append(meta.MediaTypes, dataURIMediaType(url))
					meta.ApproximateSizes = append(meta.ApproximateSizes, dataURISize(url))
				} else {
					meta.MediaTypes = append(meta.MediaTypes, "url")
					meta.ApproximateSizes = append(meta.ApproximateSizes, 0)
				}
			case "image":
				source := mapField(part, "source")
				meta.Count++
				mediaType := strField(source, "media_type")
				if mediaType == "" {
					mediaType = "unknown"
				}
				meta.MediaTypes = append(meta.MediaTypes, mediaType)
				meta.ApproximateSizes = append(meta.ApproximateSizes, base64Size(strField(source, "data")))
			}
		}
	}

	if meta.Count == 0 {
		return nil
	}
	return meta
}

func dataURIMediaType(url string) string {
	if !strings.Contains(url, ";") {
		return "unknown"
	}
	head := strings.SplitN(url, ";", 2)[0]
	if idx := strings.Index(head, ":"); idx >= 0 {
		return head[idx+1:]
	}
	return "unknown"
}

func dataURISize(url string) int {
	if idx := strings.Index(url, ","); idx >= 0 {
		return base64Size(url[idx+1:])
	}
	return 0
}

func base64Size(data string) int {
	if data == "" {
		return 0
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return 0
	}
	return len(decoded)
}
