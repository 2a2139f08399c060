package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/llmtap/llmtap/internal/domain/entity"
	"github.com/llmtap/llmtap/internal/domain/repository"
	"github.com/llmtap/llmtap/internal/domain/service"
	"github.com/llmtap/llmtap/internal/infrastructure/persistence/models"
	domainErrors "github.com/llmtap/llmtap/pkg/errors"
)

// GormInteractionRepository is the SQLite-backed interaction store. Save runs
// the threading engine and the upsert inside one transaction so that lookup
// and insert observe a consistent view.
type GormInteractionRepository struct {
	db          *gorm.DB
	threader    *service.ThreadingEngine
	storeChunks bool
	logger      *zap.Logger
}

// NewGormInteractionRepository creates the repository. storeChunks=false
// persists stream chunks as NULL; reads then yield an empty list.
func NewGormInteractionRepository(db *gorm.DB, threader *service.ThreadingEngine, storeChunks bool, logger *zap.Logger) *GormInteractionRepository {
	return &GormInteractionRepository{
		db:          db,
		threader:    threader,
		storeChunks: storeChunks,
		logger:      logger,
	}
}

var _ repository.InteractionRepository = (*GormInteractionRepository)(nil)

// txLookup is the transaction-scoped read view handed to the threading
// engine during Save.
type txLookup struct {
	tx *gorm.DB
}

func (l *txLookup) ConversationTurns(ctx context.Context, conversationID string) ([]*entity.Interaction, error) {
	var rows []models.InteractionModel
	err := l.tx.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("turn_number ASC, timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toEntities(rows)
}

func (l *txLookup) RecentInSession(ctx context.Context, sessionID string, limit int) ([]*entity.Interaction, error) {
	var rows []models.InteractionModel
	err := l.tx.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toEntities(rows)
}

func (l *txLookup) RecentGlobal(ctx context.Context, limit int) ([]*entity.Interaction, error) {
	var rows []models.InteractionModel
	err := l.tx.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toEntities(rows)
}

// Save threads and upserts one interaction atomically.
func (r *GormInteractionRepository) Save(ctx context.Context, interaction *entity.Interaction) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.threader.Resolve(ctx, &txLookup{tx: tx}, interaction); err != nil {
			return err
		}
		model, err := toModel(interaction, r.storeChunks)
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(model).Error
	})
	if err != nil {
		return domainErrors.NewInternalErrorWithCause("failed to save interaction", err)
	}
	return nil
}

// FindByID returns one interaction or a not-found error.
func (r *GormInteractionRepository) FindByID(ctx context.Context, id string) (*entity.Interaction, error) {
	var model models.InteractionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("interaction not found")
		}
		return nil, domainErrors.NewInternalError("failed to find interaction: " + err.Error())
	}
	return toEntity(&model)
}

// List returns interactions ordered by timestamp descending, with optional
// AND-combined provider/model/session filters.
func (r *GormInteractionRepository) List(ctx context.Context, filter repository.ListFilter) ([]*entity.Interaction, error) {
	query := r.db.WithContext(ctx).Model(&models.InteractionModel{})
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}
	if filter.Model != "" {
		query = query.Where("model = ?", filter.Model)
	}
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows []models.InteractionModel
	err := query.Order("timestamp DESC").Limit(limit).Offset(filter.Offset).Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to list interactions: " + err.Error())
	}
	return toEntities(rows)
}

// ListSessions groups interactions by session ID.
func (r *GormInteractionRepository) ListSessions(ctx context.Context) ([]repository.SessionSummary, error) {
	var rows []struct {
		SessionID        string
		InteractionCount int64
		FirstInteraction string
		LastInteraction  string
		Providers        *string
		Models           *string
		TotalLatencyMs   *float64
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT
			session_id,
			COUNT(*) AS interaction_count,
			MIN(timestamp) AS first_interaction,
			MAX(timestamp) AS last_interaction,
			GROUP_CONCAT(DISTINCT provider) AS providers,
			GROUP_CONCAT(DISTINCT model) AS models,
			SUM(total_latency_ms) AS total_latency_ms
		FROM interactions
		WHERE session_id IS NOT NULL
		GROUP BY session_id
		ORDER BY first_interaction DESC`).Scan(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to list sessions: " + err.Error())
	}

	sessions := make([]repository.SessionSummary, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, repository.SessionSummary{
			SessionID:        row.SessionID,
			InteractionCount: row.InteractionCount,
			FirstInteraction: row.FirstInteraction,
			LastInteraction:  row.LastInteraction,
			Providers:        splitConcat(row.Providers),
			Models:           splitConcat(row.Models),
			TotalLatencyMs:   row.TotalLatencyMs,
		})
	}
	return sessions, nil
}

// ListConversations groups turns by conversation ID, summing token counts
// out of the usage JSON.
func (r *GormInteractionRepository) ListConversations(ctx context.Context) ([]repository.ConversationSummary, error) {
	var rows []struct {
		ConversationID string
		TurnCount      int64
		FirstTurn      string
		LastTurn       string
		Providers      *string
		Models         *string
		InputTokens    int64
		OutputTokens   int64
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT
			conversation_id,
			COUNT(*) AS turn_count,
			MIN(timestamp) AS first_turn,
			MAX(timestamp) AS last_turn,
			GROUP_CONCAT(DISTINCT provider) AS providers,
			GROUP_CONCAT(DISTINCT model) AS models,
			COALESCE(SUM(json_extract(token_usage, '$.input_tokens')), 0) AS input_tokens,
			COALESCE(SUM(json_extract(token_usage, '$.output_tokens')), 0) AS output_tokens
		FROM interactions
		WHERE conversation_id IS NOT NULL
		GROUP BY conversation_id
		ORDER BY first_turn DESC`).Scan(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to list conversations: " + err.Error())
	}

	conversations := make([]repository.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		conversations = append(conversations, repository.ConversationSummary{
			ConversationID: row.ConversationID,
			TurnCount:      row.TurnCount,
			FirstTurn:      row.FirstTurn,
			LastTurn:       row.LastTurn,
			Providers:      splitConcat(row.Providers),
			Models:         splitConcat(row.Models),
			InputTokens:    row.InputTokens,
			OutputTokens:   row.OutputTokens,
		})
	}
	return conversations, nil
}

// ConversationTurns returns all turns ordered by turn number with timestamp
// as the tie-breaker.
func (r *GormInteractionRepository) ConversationTurns(ctx context.Context, conversationID string) ([]*entity.Interaction, error) {
	turns, err := (&txLookup{tx: r.db}).ConversationTurns(ctx, conversationID)
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to load conversation: " + err.Error())
	}
	return turns, nil
}

// RecentInSession returns the newest interactions in a session, newest first.
func (r *GormInteractionRepository) RecentInSession(ctx context.Context, sessionID string, limit int) ([]*entity.Interaction, error) {
	rows, err := (&txLookup{tx: r.db}).RecentInSession(ctx, sessionID, limit)
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to load session: " + err.Error())
	}
	return rows, nil
}

// Stats aggregates the stored interactions.
func (r *GormInteractionRepository) Stats(ctx context.Context) (*repository.Stats, error) {
	stats := &repository.Stats{
		ByProvider: map[string]int64{},
		ByModel:    map[string]int64{},
	}
	db := r.db.WithContext(ctx)

	if err := db.Raw("SELECT COUNT(*) FROM interactions").Scan(&stats.TotalInteractions).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}

	var providerRows []struct {
		Provider string
		Count    int64
	}
	if err := db.Raw("SELECT provider, COUNT(*) AS count FROM interactions GROUP BY provider").Scan(&providerRows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}
	for _, row := range providerRows {
		stats.ByProvider[row.Provider] = row.Count
	}

	var modelRows []struct {
		Model string
		Count int64
	}
	if err := db.Raw(`SELECT model, COUNT(*) AS count FROM interactions
		WHERE model IS NOT NULL GROUP BY model ORDER BY count DESC LIMIT 10`).Scan(&modelRows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}
	for _, row := range modelRows {
		stats.ByModel[row.Model] = row.Count
	}

	if err := db.Raw(`SELECT AVG(total_latency_ms) FROM interactions
		WHERE total_latency_ms IS NOT NULL`).Scan(&stats.AvgLatencyMs).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}

	if err := db.Raw(`SELECT COUNT(DISTINCT conversation_id) FROM interactions
		WHERE conversation_id IS NOT NULL`).Scan(&stats.TotalConversations).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}

	if err := db.Raw(`SELECT AVG(json_extract(context_metrics, '$.message_count'))
		FROM interactions WHERE context_metrics IS NOT NULL`).Scan(&stats.AvgMessagesPerTurn).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}

	if err := db.Raw(`SELECT AVG(json_extract(context_metrics, '$.context_depth_chars'))
		FROM interactions WHERE context_metrics IS NOT NULL`).Scan(&stats.AvgContextDepthChars).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}

	if err := db.Raw(`SELECT COUNT(*)
		FROM interactions i
		JOIN interactions p ON i.parent_interaction_id = p.id
		WHERE json_extract(i.context_metrics, '$.system_prompt_hash')
		   IS NOT json_extract(p.context_metrics, '$.system_prompt_hash')`).Scan(&stats.SystemPromptChanges).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to compute stats: " + err.Error())
	}

	return stats, nil
}

// Clear deletes all interactions and returns how many were removed.
func (r *GormInteractionRepository) Clear(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Exec("DELETE FROM interactions")
	if result.Error != nil {
		return 0, domainErrors.NewInternalError("failed to clear interactions: " + result.Error.Error())
	}
	return result.RowsAffected, nil
}

// --- entity ↔ model conversion ---

// timestampLayout is fixed-width so that lexicographic ORDER BY timestamp
// matches chronological order (RFC3339Nano trims trailing zeros and does not).
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func toModel(in *entity.Interaction, storeChunks bool) (*models.InteractionModel, error) {
	requestHeaders, err := json.Marshal(in.RequestHeaders)
	if err != nil {
		return nil, err
	}
	responseHeaders, err := json.Marshal(orEmptyHeaders(in.ResponseHeaders))
	if err != nil {
		return nil, err
	}

	var chunks *string
	if storeChunks && in.StreamChunks != nil {
		chunks, err = jsonPtr(in.StreamChunks)
		if err != nil {
			return nil, err
		}
	}

	model := &models.InteractionModel{
		ID:                  in.ID,
		SessionID:           strPtr(in.SessionID),
		Timestamp:           in.Timestamp.UTC().Format(timestampLayout),
		Method:              in.Method,
		Path:                in.Path,
		RequestHeaders:      string(requestHeaders),
		RawRequestBody:      strPtr(in.RawRequestBody),
		Provider:            string(in.Provider),
		Model:               strPtr(in.Model),
		SystemPrompt:        strPtr(in.SystemPrompt),
		StatusCode:          in.StatusCode,
		ResponseHeaders:     string(responseHeaders),
		RawResponseBody:     strPtr(in.RawResponseBody),
		IsStreaming:         in.IsStreaming,
		StreamChunks:        chunks,
		ResponseText:        strPtr(in.ResponseText),
		TimeToFirstTokenMs:  in.TimeToFirstTokenMs,
		TotalLatencyMs:      in.TotalLatencyMs,
		Error:               strPtr(in.Error),
		ConversationID:      strPtr(in.ConversationID),
		ParentInteractionID: strPtr(in.ParentInteractionID),
		TurnNumber:          in.TurnNumber,
		TurnType:            strPtr(in.TurnType),
	}

	for _, field := range []struct {
		dst **string
		src any
	}{
		{&model.RequestBody, anyOrNil(in.RequestBody != nil, in.RequestBody)},
		{&model.Messages, anyOrNil(in.Messages != nil, in.Messages)},
		{&model.Tools, anyOrNil(in.Tools != nil, in.Tools)},
		{&model.ImageMetadata, anyOrNil(in.ImageMetadata != nil, in.ImageMetadata)},
		{&model.ResponseBody, anyOrNil(in.ResponseBody != nil, in.ResponseBody)},
		{&model.ToolCalls, anyOrNil(in.ToolCalls != nil, in.ToolCalls)},
		{&model.TokenUsage, anyOrNil(in.TokenUsage != nil, in.TokenUsage)},
		{&model.CostEstimate, anyOrNil(in.CostEstimate != nil, in.CostEstimate)},
		{&model.ContextMetrics, anyOrNil(in.ContextMetrics != nil, in.ContextMetrics)},
	} {
		if field.src == nil {
			continue
		}
		p, err := jsonPtr(field.src)
		if err != nil {
			return nil, err
		}
		*field.dst = p
	}

	return model, nil
}

func toEntity(m *models.InteractionModel) (*entity.Interaction, error) {
	timestamp, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		timestamp, err = time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			return nil, err
		}
	}

	in := &entity.Interaction{
		ID:                  m.ID,
		SessionID:           deref(m.SessionID),
		Timestamp:           timestamp.UTC(),
		Method:              m.Method,
		Path:                m.Path,
		RequestHeaders:      map[string]string{},
		RawRequestBody:      deref(m.RawRequestBody),
		Provider:            entity.Provider(m.Provider),
		Model:               deref(m.Model),
		SystemPrompt:        deref(m.SystemPrompt),
		StatusCode:          m.StatusCode,
		RawResponseBody:     deref(m.RawResponseBody),
		IsStreaming:         m.IsStreaming,
		StreamChunks:        []entity.StreamChunk{},
		ResponseText:        deref(m.ResponseText),
		TimeToFirstTokenMs:  m.TimeToFirstTokenMs,
		TotalLatencyMs:      m.TotalLatencyMs,
		Error:               deref(m.Error),
		ConversationID:      deref(m.ConversationID),
		ParentInteractionID: deref(m.ParentInteractionID),
		TurnNumber:          m.TurnNumber,
		TurnType:            deref(m.TurnType),
	}

	if err := json.Unmarshal([]byte(m.RequestHeaders), &in.RequestHeaders); err != nil {
		return nil, err
	}
	if m.ResponseHeaders != "" {
		if err := json.Unmarshal([]byte(m.ResponseHeaders), &in.ResponseHeaders); err != nil {
			return nil, err
		}
	}

	for _, field := range []struct {
		src *string
		dst any
	}{
		{m.RequestBody, &in.RequestBody},
		{m.Messages, &in.Messages},
		{m.Tools, &in.Tools},
		{m.ImageMetadata, &in.ImageMetadata},
		{m.ResponseBody, &in.ResponseBody},
		{m.StreamChunks, &in.StreamChunks},
		{m.ToolCalls, &in.ToolCalls},
		{m.TokenUsage, &in.TokenUsage},
		{m.CostEstimate, &in.CostEstimate},
		{m.ContextMetrics, &in.ContextMetrics},
	} {
		if field.src == nil {
			continue
		}
		if err := json.Unmarshal([]byte(*field.src), field.dst); err != nil {
			return nil, err
		}
	}

	return in, nil
}

func toEntities(rows []models.InteractionModel) ([]*entity.Interaction, error) {
	out := make([]*entity.Interaction, 0, len(rows))
	for i := range rows {
		in, err := toEntity(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func jsonPtr(v any) (*string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

func anyOrNil(present bool, v any) any {
	if !present {
		return nil
	}
	return v
}

func orEmptyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

func splitConcat(s *string) []string {
	if s == nil || *s == "" {
		return []string{}
	}
	return strings.Split(*s, ",")
}
