package persistence

import (
	"fmt"

	"gorm.io/gorm"
)

// SchemaVersion is the newest migration this build knows about.
const SchemaVersion = 3

const createSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);`

const createInteractionsTable = `
CREATE TABLE IF NOT EXISTS interactions (
    id TEXT PRIMARY KEY,
    timestamp TEXT NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    request_headers TEXT NOT NULL DEFAULT '{}',
    request_body TEXT,
    raw_request_body TEXT,
    provider TEXT NOT NULL DEFAULT 'unknown',
    model TEXT,
    system_prompt TEXT,
    messages TEXT,
    tools TEXT,
    image_metadata TEXT,
    status_code INTEGER,
    response_headers TEXT NOT NULL DEFAULT '{}',
    response_body TEXT,
    raw_response_body TEXT,
    is_streaming INTEGER NOT NULL DEFAULT 0,
    stream_chunks TEXT,
    response_text TEXT,
    tool_calls TEXT,
    token_usage TEXT,
    cost_estimate TEXT,
    time_to_first_token_ms REAL,
    total_latency_ms REAL,
    error TEXT
);`

// migrations holds the ordered schema history. Version N's statements run in
// one transaction, then N is recorded in schema_version.
var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			createInteractionsTable,
			"CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp);",
			"CREATE INDEX IF NOT EXISTS idx_interactions_provider ON interactions(provider);",
			"CREATE INDEX IF NOT EXISTS idx_interactions_model ON interactions(model);",
			"CREATE INDEX IF NOT EXISTS idx_interactions_path ON interactions(path);",
		},
	},
	{
		version: 2,
		statements: []string{
			"ALTER TABLE interactions ADD COLUMN session_id TEXT;",
			"CREATE INDEX IF NOT EXISTS idx_interactions_session_id ON interactions(session_id);",
		},
	},
	{
		version: 3,
		statements: []string{
			"ALTER TABLE interactions ADD COLUMN conversation_id TEXT;",
			"ALTER TABLE interactions ADD COLUMN parent_interaction_id TEXT;",
			"ALTER TABLE interactions ADD COLUMN turn_number INTEGER;",
			"ALTER TABLE interactions ADD COLUMN turn_type TEXT;",
			"ALTER TABLE interactions ADD COLUMN context_metrics TEXT;",
			"CREATE INDEX IF NOT EXISTS idx_interactions_conversation_id ON interactions(conversation_id);",
		},
	},
}

// ApplyMigrations brings the schema up to SchemaVersion, one transaction per
// missing version.
func ApplyMigrations(db *gorm.DB) error {
	if err := db.Exec(createSchemaVersionTable).Error; err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.Raw("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current).Error; err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current >= m.version {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range m.statements {
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version).Error
		})
		if err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
	}

	return nil
}
