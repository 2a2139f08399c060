package provider

import (
	"strings"

	"github.com/llmtap/llmtap/internal/domain/entity"
)

// Upstreams holds the configured base URLs per provider.
type Upstreams struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	OllamaBaseURL    string
}

// Registry detects the provider from the request path and headers and
// returns the matching parser singleton plus the upstream base URL.
type Registry struct {
	upstreams Upstreams
	openai    *OpenAIParser
	anthropic *AnthropicParser
	ollama    *OllamaParser
}

// NewRegistry creates a registry holding one parser instance per provider.
func NewRegistry(upstreams Upstreams) *Registry {
	return &Registry{
		upstreams: upstreams,
		openai:    NewOpenAIParser(),
		anthropic: NewAnthropicParser(),
		ollama:    NewOllamaParser(),
	}
}

// Detect applies the routing rules in order, first match wins:
//
//  1. /v1/messages*                          → Anthropic
//  2. /v1/* with anthropic-version header    → Anthropic
//  3. /api/*                                 → Ollama
//  4. /v1/*                                  → OpenAI
//  5. /_interceptor/*                        → unknown (reserved; routed
//     locally before reaching the proxy)
//  6. everything else                        → Ollama (root probes,
//     non-versioned Ollama endpoints)
//
// Header keys are matched case-insensitively.
func (r *Registry) Detect(path string, headers map[string]string) (entity.Provider, Parser, string) {
	if strings.HasPrefix(path, "/v1/messages") {
		return entity.ProviderAnthropic, r.anthropic, r.upstreams.AnthropicBaseURL
	}

	if strings.HasPrefix(path, "/v1/") && hasHeader(headers, "anthropic-version") {
		return entity.ProviderAnthropic, r.anthropic, r.upstreams.AnthropicBaseURL
	}

	if strings.HasPrefix(path, "/api/") {
		return entity.ProviderOllama, r.ollama, r.upstreams.OllamaBaseURL
	}

	if strings.HasPrefix(path, "/v1/") {
		return entity.ProviderOpenAI, r.openai, r.upstreams.OpenAIBaseURL
	}

	if strings.HasPrefix(path, "/_interceptor/") {
		return entity.ProviderUnknown, r.openai, ""
	}

	// OpenAI and Anthropic always use /v1/ prefixes; anything else is
	// Ollama (HEAD /, GET /api/tags without the slash, version probes).
	return entity.ProviderOllama, r.ollama, r.upstreams.OllamaBaseURL
}

// ParserFor returns the parser singleton for a provider, defaulting to the
// OpenAI parser for unknown providers.
func (r *Registry) ParserFor(p entity.Provider) Parser {
	switch p {
	case entity.ProviderAnthropic:
		return r.anthropic
	case entity.ProviderOllama:
		return r.ollama
	default:
		return r.openai
	}
}

func hasHeader(headers map[string]string, name string) bool {
	for key := range headers {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
