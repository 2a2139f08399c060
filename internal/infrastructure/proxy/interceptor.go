package proxy

import (
	"strings"
	"time"

	"github.com/llmtap/llmtap/internal/domain/entity"
	"github.com/llmtap/llmtap/internal/infrastructure/provider"
)

// StreamInterceptor produces a parsed chunk sequence from a byte stream that
// is being forwarded elsewhere. The caller forwards each block downstream
// FIRST and then feeds it here: parsing never touches the forward path, so
// the downstream client receives exactly the upstream bytes.
//
// SSE mode (OpenAI, Anthropic) parses only "data:" lines; NDJSON mode
// (Ollama) parses every non-empty line. At most one incomplete trailing line
// is buffered.
type StreamInterceptor struct {
	parser    provider.Parser
	ndjson    bool
	chunks    []entity.StreamChunk
	index     int
	firstTime *time.Time
	buffer    string
}

// NewStreamInterceptor creates an interceptor for the given parser; NDJSON
// line discipline is selected when the provider is Ollama.
func NewStreamInterceptor(parser provider.Parser, p entity.Provider) *StreamInterceptor {
	return &StreamInterceptor{
		parser: parser,
		ndjson: p == entity.ProviderOllama,
	}
}

// Feed buffers one received block and parses any complete lines in it.
func (si *StreamInterceptor) Feed(block []byte, now time.Time) {
	if si.firstTime == nil {
		t := now
		si.firstTime = &t
	}

	si.buffer += strings.ToValidUTF8(string(block), "�")

	for {
		idx := strings.IndexByte(si.buffer, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(si.buffer[:idx])
		si.buffer = si.buffer[idx+1:]
		if line == "" {
			continue
		}

		if si.ndjson {
			si.appendChunk(line, line, now)
			continue
		}

		// SSE: ignore event:, id:, retry:, comments.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		si.appendChunk(line, data, now)
	}
}

func (si *StreamInterceptor) appendChunk(line, data string, now time.Time) {
	result := si.parser.ParseStreamChunk(data)
	si.chunks = append(si.chunks, entity.StreamChunk{
		Index:     si.index,
		Timestamp: now,
		Data:      line,
		Parsed:    result.Parsed,
		DeltaText: result.DeltaText,
	})
	si.index++
}

// Chunks returns the parsed chunks accumulated so far.
func (si *StreamInterceptor) Chunks() []entity.StreamChunk {
	return si.chunks
}

// FirstChunkTime returns when the first block arrived, nil before any Feed.
func (si *StreamInterceptor) FirstChunkTime() *time.Time {
	return si.firstTime
}
