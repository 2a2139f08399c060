package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmtap/llmtap/internal/domain/entity"
	"github.com/llmtap/llmtap/internal/domain/repository"
	"github.com/llmtap/llmtap/internal/domain/service"
	"github.com/llmtap/llmtap/internal/infrastructure/config"
	"github.com/llmtap/llmtap/internal/infrastructure/eventbus"
	"github.com/llmtap/llmtap/internal/infrastructure/provider"
	domainErrors "github.com/llmtap/llmtap/pkg/errors"
)

// ConversationIDHeader forces explicit conversation threading.
const ConversationIDHeader = "x-interceptor-conversation-id"

// sessionPrefix is stripped from paths before provider detection; the id
// segment becomes the stored session ID.
const sessionPrefix = "/_session/"

// Listener is invoked once per interaction after successful persistence.
// Panics are suppressed; a listener can never break a request.
type Listener func(*entity.Interaction)

// Handler is the proxy core: receive → detect → forward → intercept →
// finalize. One instance serves all requests; per-request state lives on the
// interaction record, which the handler owns until it is persisted.
type Handler struct {
	cfg      *config.Config
	registry *provider.Registry
	repo     repository.InteractionRepository
	client   *http.Client
	bus      eventbus.Bus
	listener Listener
	logger   *zap.Logger
}

// NewHandler creates the proxy handler. client is the shared upstream HTTP
// client; bus and listener may be nil.
func NewHandler(cfg *config.Config, registry *provider.Registry, repo repository.InteractionRepository, client *http.Client, bus eventbus.Bus, listener Listener, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		repo:     repo,
		client:   client,
		bus:      bus,
		listener: listener,
		logger:   logger,
	}
}

var defaultDialer = &net.Dialer{Timeout: 10 * time.Second}

// NewUpstreamClient builds the shared upstream HTTP client: long total
// timeout for slow generations, short connect timeout.
func NewUpstreamClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = defaultDialer.DialContext
	return &http.Client{
		Timeout:   300 * time.Second,
		Transport: transport,
	}
}

// Handle proxies one request and records the interaction.
func (h *Handler) Handle(c *gin.Context) {
	startTime := time.Now()

	// /_session/{id}/... → session ID + stripped path. The prefix is cut
	// from the query-free path so the session ID never swallows a query
	// string.
	path := c.Request.URL.Path
	sessionID := ""
	if strings.HasPrefix(path, sessionPrefix) {
		parts := strings.SplitN(path, "/", 4)
		if len(parts) >= 4 {
			sessionID = parts[2]
			path = "/" + parts[3]
		} else if len(parts) == 3 {
			sessionID = parts[2]
			path = "/"
		}
	}
	if c.Request.URL.RawQuery != "" {
		path += "?" + c.Request.URL.RawQuery
	}

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	interaction := entity.NewInteraction(c.Request.Method, path)
	interaction.SessionID = sessionID
	requestHeaders := flattenHeaders(c.Request.Header)

	prov, parser, upstreamBase := h.registry.Detect(path, requestHeaders)
	if upstreamBase == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	var bodyMap map[string]any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &bodyMap); err != nil {
			bodyMap = nil
		}
		interaction.RawRequestBody = string(rawBody)
	}

	interaction.Provider = prov
	interaction.RequestHeaders = RedactHeaders(requestHeaders, h.cfg.RedactAPIKeys)
	interaction.RequestBody = bodyMap

	if convID := headerValue(requestHeaders, ConversationIDHeader); convID != "" {
		interaction.ConversationID = convID
	}

	if bodyMap != nil && prov != entity.ProviderUnknown {
		parsed := parser.ParseRequest(bodyMap)
		interaction.Model = parsed.Model
		interaction.SystemPrompt = parsed.SystemPrompt
		interaction.Messages = parsed.Messages
		interaction.Tools = parsed.Tools
		interaction.ImageMetadata = parsed.ImageMetadata
	}

	// Delta left unresolved (-1); the threading engine fills it once the
	// parent turn is known.
	interaction.ContextMetrics = service.ComputeContextMetrics(interaction.Messages, interaction.SystemPrompt, -1)

	forwardBody := rawBody
	if bodyMap != nil && shouldInjectStreamOptions(bodyMap, prov) {
		if injected, err := injectStreamOptions(bodyMap); err == nil {
			forwardBody = injected
		}
	}

	upstreamURL := upstreamBase + path

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, upstreamURL, bytes.NewReader(forwardBody))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	req.Header = forwardRequestHeaders(requestHeaders)

	resp, err := h.client.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		var forwardErr *domainErrors.AppError
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
			forwardErr = domainErrors.NewUpstreamTimeoutError("upstream request timed out", err)
			interaction.Error = "Timeout: " + err.Error()
		} else {
			forwardErr = domainErrors.NewUpstreamError("upstream connection failed", err)
			interaction.Error = "Connection error: " + err.Error()
		}
		latency := msSince(startTime)
		interaction.TotalLatencyMs = &latency
		h.finalize(interaction)
		h.publishUpstreamError(interaction, forwardErr)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	statusCode := resp.StatusCode
	interaction.StatusCode = &statusCode
	interaction.ResponseHeaders = flattenHeaders(resp.Header)

	if isStreamingResponse(resp.Header.Get("Content-Type"), prov, bodyMap) {
		interaction.IsStreaming = true
		h.handleStreaming(c, resp, interaction, parser, prov, startTime)
		return
	}
	h.handleNonStreaming(c, resp, interaction, parser, startTime)
}

// handleNonStreaming drains the upstream body, parses it and echoes it back.
func (h *Handler) handleNonStreaming(c *gin.Context, resp *http.Response, interaction *entity.Interaction, parser provider.Parser, startTime time.Time) {
	bodyBytes, readErr := io.ReadAll(resp.Body)
	latency := msSince(startTime)
	interaction.TotalLatencyMs = &latency

	if readErr != nil {
		interaction.Error = "Read error: " + readErr.Error()
	}
	interaction.RawResponseBody = string(bodyBytes)

	var bodyMap map[string]any
	if err := json.Unmarshal(bodyBytes, &bodyMap); err == nil {
		interaction.ResponseBody = bodyMap
		if interaction.Provider != entity.ProviderUnknown {
			suppressPanic(h.logger, "parse response", func() {
				parsed := parser.ParseResponse(bodyMap)
				interaction.ResponseText = parsed.ResponseText
				interaction.ToolCalls = parsed.ToolCalls
				interaction.TokenUsage = parsed.TokenUsage
				if parsed.Model != "" && interaction.Model == "" {
					interaction.Model = parsed.Model
				}
				interaction.CostEstimate = parser.EstimateCost(interaction.Model, interaction.TokenUsage)
			})
		}
	}

	h.finalize(interaction)

	echoResponseHeaders(resp.Header, c.Writer.Header())
	c.Writer.WriteHeader(resp.StatusCode)
	c.Writer.Write(bodyBytes) //nolint:errcheck // downstream disconnects are not actionable here
}

// handleStreaming forwards upstream blocks to the client as they arrive
// while feeding a buffered copy to the interceptor. A downstream write
// failure stops forwarding but whatever was captured is still parsed,
// reassembled and persisted.
func (h *Handler) handleStreaming(c *gin.Context, resp *http.Response, interaction *entity.Interaction, parser provider.Parser, prov entity.Provider, startTime time.Time) {
	interceptor := NewStreamInterceptor(parser, prov)

	echoResponseHeaders(resp.Header, c.Writer.Header())
	c.Writer.WriteHeader(resp.StatusCode)
	c.Writer.Flush()

	buf := make([]byte, 32*1024)
	clientGone := false
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			block := buf[:n]
			if !clientGone {
				if _, writeErr := c.Writer.Write(block); writeErr != nil {
					clientGone = true
					h.logger.Debug("Downstream client disconnected", zap.Error(writeErr))
				} else {
					c.Writer.Flush()
				}
			}
			// Parse after forwarding so the tee never delays bytes.
			interceptor.Feed(block, time.Now().UTC())
		}
		if readErr != nil {
			if readErr != io.EOF {
				interaction.Error = "Stream error: " + readErr.Error()
			}
			break
		}
		if clientGone {
			break
		}
	}

	latency := msSince(startTime)
	interaction.TotalLatencyMs = &latency
	if first := interceptor.FirstChunkTime(); first != nil {
		ttft := float64(first.Sub(interaction.Timestamp)) / float64(time.Millisecond)
		interaction.TimeToFirstTokenMs = &ttft
	}
	interaction.StreamChunks = interceptor.Chunks()

	if len(interaction.StreamChunks) > 0 {
		suppressPanic(h.logger, "reconstruct response", func() {
			reconstructed := parser.ReconstructResponse(interaction.StreamChunks)
			interaction.ResponseText = reconstructed.ResponseText
			interaction.ToolCalls = reconstructed.ToolCalls
			interaction.TokenUsage = reconstructed.TokenUsage
			if reconstructed.Model != "" && interaction.Model == "" {
				interaction.Model = reconstructed.Model
			}
			interaction.CostEstimate = parser.EstimateCost(interaction.Model, interaction.TokenUsage)
		})
	}

	h.finalize(interaction)
}

// finalize persists the interaction and notifies the listener. Runs with a
// background context: the downstream client may already be gone, but the
// record must still land. A storage failure loses the record and nothing
// else.
func (h *Handler) finalize(interaction *entity.Interaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.repo.Save(ctx, interaction); err != nil {
		h.logger.Error("Failed to persist interaction",
			zap.String("interaction_id", interaction.ID),
			zap.Error(err),
		)
		return
	}

	h.logger.Debug("Interaction persisted",
		zap.String("interaction_id", interaction.ID),
		zap.String("provider", string(interaction.Provider)),
		zap.String("model", interaction.Model),
		zap.Bool("streaming", interaction.IsStreaming),
	)

	if h.listener != nil {
		suppressPanic(h.logger, "interaction listener", func() {
			h.listener(interaction)
		})
	}
}

// publishUpstreamError emits an upstream.error event for observers.
// Best-effort; the downstream error response never waits on it.
func (h *Handler) publishUpstreamError(interaction *entity.Interaction, appErr *domainErrors.AppError) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeUpstreamError, &eventbus.UpstreamErrorPayload{
		InteractionID: interaction.ID,
		Provider:      string(interaction.Provider),
		Path:          interaction.Path,
		Error:         appErr.Error(),
	}))
}

// shouldInjectStreamOptions reports whether an OpenAI streaming request
// needs stream_options.include_usage injected so the final chunk reports
// usage.
func shouldInjectStreamOptions(body map[string]any, prov entity.Provider) bool {
	if prov != entity.ProviderOpenAI {
		return false
	}
	if stream, _ := body["stream"].(bool); !stream {
		return false
	}
	opts, _ := body["stream_options"].(map[string]any)
	usage, _ := opts["include_usage"].(bool)
	return !usage
}

// injectStreamOptions re-serializes the body with include_usage set. The
// original body object stays untouched; only the forwarded bytes change.
func injectStreamOptions(body map[string]any) ([]byte, error) {
	modified := make(map[string]any, len(body)+1)
	for k, v := range body {
		modified[k] = v
	}
	opts := map[string]any{}
	if existing, ok := body["stream_options"].(map[string]any); ok {
		for k, v := range existing {
			opts[k] = v
		}
	}
	opts["include_usage"] = true
	modified["stream_options"] = opts
	return json.Marshal(modified)
}

// isStreamingResponse classifies the upstream response. Ollama answers
// streamed chat with a plain JSON content type, so a JSON body counts as
// streaming when the request asked for it (Ollama defaults to streaming).
func isStreamingResponse(contentType string, prov entity.Provider, requestBody map[string]any) bool {
	if strings.Contains(contentType, "text/event-stream") || strings.Contains(contentType, "application/x-ndjson") {
		return true
	}
	if prov == entity.ProviderOllama && strings.Contains(contentType, "application/json") && requestBody != nil {
		requested := true
		if v, ok := requestBody["stream"].(bool); ok {
			requested = v
		}
		return requested
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func headerValue(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func suppressPanic(logger *zap.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Suppressed panic",
				zap.String("during", what),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
