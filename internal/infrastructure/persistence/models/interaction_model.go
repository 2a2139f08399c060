package models

// InteractionModel is the database row for one interaction. Structured
// fields map to native columns; compound fields are stored as JSON text.
// The schema is owned by the versioned migrations, not by AutoMigrate.
type InteractionModel struct {
	ID        string  `gorm:"column:id;primaryKey"`
	SessionID *string `gorm:"column:session_id"`
	Timestamp string  `gorm:"column:timestamp"`

	Method         string  `gorm:"column:method"`
	Path           string  `gorm:"column:path"`
	RequestHeaders string  `gorm:"column:request_headers"`
	RequestBody    *string `gorm:"column:request_body"`
	RawRequestBody *string `gorm:"column:raw_request_body"`

	Provider string  `gorm:"column:provider"`
	Model    *string `gorm:"column:model"`

	SystemPrompt  *string `gorm:"column:system_prompt"`
	Messages      *string `gorm:"column:messages"`
	Tools         *string `gorm:"column:tools"`
	ImageMetadata *string `gorm:"column:image_metadata"`

	StatusCode      *int    `gorm:"column:status_code"`
	ResponseHeaders string  `gorm:"column:response_headers"`
	ResponseBody    *string `gorm:"column:response_body"`
	RawResponseBody *string `gorm:"column:raw_response_body"`
	IsStreaming     bool    `gorm:"column:is_streaming"`

	StreamChunks *string `gorm:"column:stream_chunks"`
	ResponseText *string `gorm:"column:response_text"`
	ToolCalls    *string `gorm:"column:tool_calls"`

	TokenUsage         *string  `gorm:"column:token_usage"`
	CostEstimate       *string  `gorm:"column:cost_estimate"`
	TimeToFirstTokenMs *float64 `gorm:"column:time_to_first_token_ms"`
	TotalLatencyMs     *float64 `gorm:"column:total_latency_ms"`

	Error *string `gorm:"column:error"`

	ConversationID      *string `gorm:"column:conversation_id"`
	ParentInteractionID *string `gorm:"column:parent_interaction_id"`
	TurnNumber          *int    `gorm:"column:turn_number"`
	TurnType            *string `gorm:"column:turn_type"`
	ContextMetrics      *string `gorm:"column:context_metrics"`
}

// TableName pins the table created by migration v1.
func (InteractionModel) TableName() string {
	return "interactions"
}
