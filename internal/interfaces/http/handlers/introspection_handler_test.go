package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmtap/llmtap/internal/domain/entity"
	"github.com/llmtap/llmtap/internal/domain/repository"
	domainErrors "github.com/llmtap/llmtap/pkg/errors"
)

// stubRepo serves canned data to the introspection handler.
type stubRepo struct {
	interactions []*entity.Interaction
	lastFilter   repository.ListFilter
	cleared      int64
}

func (s *stubRepo) Save(context.Context, *entity.Interaction) error { return nil }

func (s *stubRepo) FindByID(_ context.Context, id string) (*entity.Interaction, error) {
	for _, in := range s.interactions {
		if in.ID == id {
			return in, nil
		}
	}
	return nil, domainErrors.NewNotFoundError("interaction not found")
}

func (s *stubRepo) List(_ context.Context, filter repository.ListFilter) ([]*entity.Interaction, error) {
	s.lastFilter = filter
	return s.interactions, nil
}

func (s *stubRepo) ListSessions(context.Context) ([]repository.SessionSummary, error) {
	return []repository.SessionSummary{{SessionID: "sess-1", InteractionCount: 2}}, nil
}

func (s *stubRepo) ListConversations(context.Context) ([]repository.ConversationSummary, error) {
	return []repository.ConversationSummary{{ConversationID: "conv-1", TurnCount: 3}}, nil
}

func (s *stubRepo) ConversationTurns(_ context.Context, conversationID string) ([]*entity.Interaction, error) {
	if conversationID == "conv-1" {
		return s.interactions, nil
	}
	return nil, nil
}

func (s *stubRepo) RecentInSession(context.Context, string, int) ([]*entity.Interaction, error) {
	return nil, nil
}

func (s *stubRepo) Stats(context.Context) (*repository.Stats, error) {
	return &repository.Stats{TotalInteractions: 7, ByProvider: map[string]int64{"openai": 7}}, nil
}

func (s *stubRepo) Clear(context.Context) (int64, error) { return s.cleared, nil }

func newTestRouter(repo repository.InteractionRepository) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewIntrospectionHandler(repo, nil, "0.0.0-test", zap.NewNop())

	router := gin.New()
	api := router.Group("/_interceptor")
	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/sessions", h.ListSessions)
	api.GET("/interactions", h.ListInteractions)
	api.DELETE("/interactions", h.DeleteInteractions)
	api.GET("/interactions/:id", h.GetInteraction)
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id", h.GetConversation)
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	if len(rec.Body.Bytes()) > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := doRequest(t, newTestRouter(&stubRepo{}), "GET", "/_interceptor/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" || body["version"] != "0.0.0-test" {
		t.Errorf("body = %v", body)
	}
}

func TestStats(t *testing.T) {
	rec, body := doRequest(t, newTestRouter(&stubRepo{}), "GET", "/_interceptor/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["total_interactions"] != float64(7) {
		t.Errorf("total = %v", body["total_interactions"])
	}
}

func TestListInteractionsQueryParams(t *testing.T) {
	repo := &stubRepo{interactions: []*entity.Interaction{entity.NewInteraction("POST", "/v1/chat/completions")}}
	router := newTestRouter(repo)

	rec, body := doRequest(t, router, "GET", "/_interceptor/interactions?provider=openai&limit=5&offset=10&session_id=s1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if repo.lastFilter.Provider != "openai" || repo.lastFilter.Limit != 5 || repo.lastFilter.Offset != 10 || repo.lastFilter.SessionID != "s1" {
		t.Errorf("filter = %+v", repo.lastFilter)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}

	// Summaries only: raw bodies never appear in list responses.
	items := body["interactions"].([]any)
	if _, has := items[0].(map[string]any)["request_body"]; has {
		t.Error("list response leaked full record fields")
	}
}

func TestListInteractionsRejectsBadPaging(t *testing.T) {
	router := newTestRouter(&stubRepo{})

	rec, body := doRequest(t, router, "GET", "/_interceptor/interactions?limit=abc")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for non-numeric limit", rec.Code)
	}
	if body["error"] == nil {
		t.Error("missing error message")
	}

	rec, _ = doRequest(t, router, "GET", "/_interceptor/interactions?offset=-1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for negative offset", rec.Code)
	}
}

func TestGetInteractionNotFound(t *testing.T) {
	rec, _ := doRequest(t, newTestRouter(&stubRepo{}), "GET", "/_interceptor/interactions/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteInteractions(t *testing.T) {
	rec, body := doRequest(t, newTestRouter(&stubRepo{cleared: 9}), "DELETE", "/_interceptor/interactions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["deleted"] != float64(9) {
		t.Errorf("deleted = %v", body["deleted"])
	}
}

func TestGetConversation(t *testing.T) {
	repo := &stubRepo{interactions: []*entity.Interaction{entity.NewInteraction("POST", "/v1/messages")}}
	router := newTestRouter(repo)

	rec, body := doRequest(t, router, "GET", "/_interceptor/conversations/conv-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["turn_count"] != float64(1) {
		t.Errorf("turn count = %v", body["turn_count"])
	}

	rec, _ = doRequest(t, router, "GET", "/_interceptor/conversations/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for empty conversation", rec.Code)
	}
}

func TestListSessionsAndConversations(t *testing.T) {
	router := newTestRouter(&stubRepo{})

	rec, body := doRequest(t, router, "GET", "/_interceptor/sessions")
	if rec.Code != http.StatusOK || body["sessions"] == nil {
		t.Errorf("sessions: status=%d body=%v", rec.Code, body)
	}

	rec, body = doRequest(t, router, "GET", "/_interceptor/conversations")
	if rec.Code != http.StatusOK || body["conversations"] == nil {
		t.Errorf("conversations: status=%d body=%v", rec.Code, body)
	}
}
