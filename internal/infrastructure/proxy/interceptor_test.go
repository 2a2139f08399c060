package proxy

import (
	"testing"
	"time"

	"github.com/llmtap/llmtap/internal/domain/entity"
	"github.com/llmtap/llmtap/internal/infrastructure/provider"
)

func TestInterceptorSSESplitAcrossBlocks(t *testing.T) {
	si := NewStreamInterceptor(provider.NewOpenAIParser(), entity.ProviderOpenAI)
	now := time.Now().UTC()

	// One SSE line arriving split mid-payload.
	si.Feed([]byte(`data: {"choices":[{"delta":{"con`), now)
	if len(si.Chunks()) != 0 {
		t.Fatalf("chunks = %d before line completes", len(si.Chunks()))
	}
	si.Feed([]byte("tent\":\"Hi\"}}]}\n\n"), now)

	chunks := si.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].DeltaText != "Hi" {
		t.Errorf("delta = %q", chunks[0].DeltaText)
	}
}

func TestInterceptorSSEIgnoresNonDataLines(t *testing.T) {
	si := NewStreamInterceptor(provider.NewAnthropicParser(), entity.ProviderAnthropic)
	now := time.Now().UTC()

	si.Feed([]byte("event: content_block_delta\n"), now)
	si.Feed([]byte(": keepalive comment\n"), now)
	si.Feed([]byte("data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n"), now)

	chunks := si.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].DeltaText != "ok" {
		t.Errorf("delta = %q", chunks[0].DeltaText)
	}
}

func TestInterceptorNDJSON(t *testing.T) {
	si := NewStreamInterceptor(provider.NewOllamaParser(), entity.ProviderOllama)
	now := time.Now().UTC()

	si.Feed([]byte(`{"message":{"content":"a"},"done":false}`+"\n"+`{"message":{"content":"b"},"do`), now)
	si.Feed([]byte("ne\":false}\n"), now)
	si.Feed([]byte(`{"message":{"content":""},"done":true,"eval_count":2}`+"\n"), now)

	chunks := si.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk %d has index %d", i, chunk.Index)
		}
	}
	if chunks[0].DeltaText != "a" || chunks[1].DeltaText != "b" {
		t.Errorf("deltas = %q, %q", chunks[0].DeltaText, chunks[1].DeltaText)
	}
}

func TestInterceptorFirstChunkTime(t *testing.T) {
	si := NewStreamInterceptor(provider.NewOpenAIParser(), entity.ProviderOpenAI)
	if si.FirstChunkTime() != nil {
		t.Fatal("first chunk time set before any feed")
	}

	first := time.Now().UTC()
	si.Feed([]byte("data: [DONE]\n"), first)
	si.Feed([]byte("data: [DONE]\n"), first.Add(time.Second))

	got := si.FirstChunkTime()
	if got == nil || !got.Equal(first) {
		t.Errorf("first chunk time = %v, want %v", got, first)
	}
}

func TestInterceptorInvalidUTF8(t *testing.T) {
	si := NewStreamInterceptor(provider.NewOllamaParser(), entity.ProviderOllama)
	si.Feed([]byte("{\"bad\": \"\xff\xfe\"}\n"), time.Now().UTC())

	chunks := si.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	// Invalid bytes were replaced, the line still lands as a raw capture.
	if chunks[0].Parsed == nil {
		t.Error("parsed is nil, want raw capture")
	}
}
