package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmtap/llmtap/internal/domain/entity"
	"github.com/llmtap/llmtap/internal/domain/repository"
	"github.com/llmtap/llmtap/internal/interfaces/websocket"
	domainErrors "github.com/llmtap/llmtap/pkg/errors"
)

// IntrospectionHandler serves the read-side API over captured interactions.
// Everything lives under /_interceptor/ so it can never shadow a provider
// path.
type IntrospectionHandler struct {
	repo    repository.InteractionRepository
	hub     *websocket.Hub
	version string
	logger  *zap.Logger
}

// NewIntrospectionHandler creates the handler. hub may be nil when the live
// feed is disabled.
func NewIntrospectionHandler(repo repository.InteractionRepository, hub *websocket.Hub, version string, logger *zap.Logger) *IntrospectionHandler {
	return &IntrospectionHandler{
		repo:    repo,
		hub:     hub,
		version: version,
		logger:  logger,
	}
}

// Health reports liveness.
func (h *IntrospectionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
	})
}

// Stats returns aggregate counts over all stored interactions.
func (h *IntrospectionHandler) Stats(c *gin.Context) {
	stats, err := h.repo.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListSessions returns per-session aggregates.
func (h *IntrospectionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.repo.ListSessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// ListInteractions returns interaction summaries, newest first, filtered by
// optional provider/model/session_id query params.
func (h *IntrospectionHandler) ListInteractions(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		h.fail(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		h.fail(c, err)
		return
	}

	filter := repository.ListFilter{
		Provider:  c.Query("provider"),
		Model:     c.Query("model"),
		SessionID: c.Query("session_id"),
		Limit:     limit,
		Offset:    offset,
	}

	interactions, err := h.repo.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	summaries := make([]entity.Summary, 0, len(interactions))
	for _, in := range interactions {
		summaries = append(summaries, in.Summary())
	}
	c.JSON(http.StatusOK, gin.H{
		"interactions": summaries,
		"count":        len(summaries),
	})
}

// GetInteraction returns one full interaction record.
func (h *IntrospectionHandler) GetInteraction(c *gin.Context) {
	interaction, err := h.repo.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, interaction)
}

// DeleteInteractions clears the store and reports how many rows went away.
func (h *IntrospectionHandler) DeleteInteractions(c *gin.Context) {
	deleted, err := h.repo.Clear(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("Cleared interaction store", zap.Int64("deleted", deleted))
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// ListConversations returns per-conversation aggregates.
func (h *IntrospectionHandler) ListConversations(c *gin.Context) {
	conversations, err := h.repo.ListConversations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// GetConversation returns every turn of one conversation in order.
func (h *IntrospectionHandler) GetConversation(c *gin.Context) {
	turns, err := h.repo.ConversationTurns(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(turns) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": c.Param("id"),
		"turns":           turns,
		"turn_count":      len(turns),
	})
}

// Live upgrades to a websocket carrying interaction summaries as they are
// captured.
func (h *IntrospectionHandler) Live(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live feed disabled"})
		return
	}
	h.hub.ServeWS(c.Writer, c.Request)
}

func (h *IntrospectionHandler) fail(c *gin.Context, err error) {
	if domainErrors.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if domainErrors.IsInvalidInput(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("Introspection query failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domainErrors.NewInvalidInputError(name + " must be a non-negative integer")
	}
	return v, nil
}
