package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id     TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	action         TEXT NOT NULL,
	category       TEXT NOT NULL,
	resource_type  TEXT NOT NULL,
	resource_id    TEXT,
	before_state   TEXT,
	after_state    TEXT,
	justification  TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_log(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_log(resource_type, resource_id);
`

// #endregion schema

// #region types

// Entry is one append-only audit record of a governance action.
type Entry struct {
	ID            int64
	ProjectID     string
	ActorID       string
	Action        string
	Category      string
	ResourceType  string
	ResourceID    string
	BeforeState   string // JSON, empty when the action created the resource
	AfterState    string // JSON, empty when the action deleted nothing but read
	Justification string
	CreatedAt     time.Time
}

// #endregion types

// #region trail

// Trail writes and reads the append-only audit log. Entries are never
// updated or deleted.
type Trail struct {
	db *sql.DB
}

// NewTrail initializes the audit_log table and returns a Trail.
func NewTrail(db *sql.DB) (*Trail, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Trail{db: db}, nil
}

// #endregion trail

// #region record

// Record appends one audit entry. Callers treat a failure here as degraded
// operation, not as failure of the mutation being audited.
func (t *Trail) Record(e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.Exec(
		`INSERT INTO audit_log (project_id, actor_id, action, category, resource_type, resource_id, before_state, after_state, justification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProjectID,
		e.ActorID,
		e.Action,
		e.Category,
		e.ResourceType,
		nullIfEmpty(e.ResourceID),
		nullIfEmpty(e.BeforeState),
		nullIfEmpty(e.AfterState),
		nullIfEmpty(e.Justification),
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// #endregion record

// #region recent

// Recent returns the newest audit entries for a project, newest first.
func (t *Trail) Recent(projectID string, limit int) ([]Entry, error) {
	rows, err := t.db.Query(
		`SELECT id, project_id, actor_id, action, category, resource_type, resource_id, before_state, after_state, justification, created_at
		 FROM audit_log WHERE project_id = ? ORDER BY id DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var resourceID, before, after, justification sql.NullString
		var createdStr string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ActorID, &e.Action, &e.Category,
			&e.ResourceType, &resourceID, &before, &after, &justification, &createdStr); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.ResourceID = resourceID.String
		e.BeforeState = before.String
		e.AfterState = after.String
		e.Justification = justification.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion recent

// #region helpers

// JSONState renders a value as a JSON before/after snapshot for an Entry.
// Marshal failures degrade to empty rather than blocking the audit write.
func JSONState(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
