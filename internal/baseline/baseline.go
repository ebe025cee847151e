package baseline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS quality_baselines (
	baseline_id        TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	baseline_type      TEXT NOT NULL,
	metrics_json       TEXT NOT NULL,
	model_config_json  TEXT,
	is_current         INTEGER NOT NULL DEFAULT 0,
	established_by     TEXT NOT NULL,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_baselines_key ON quality_baselines(project_id, baseline_type, is_current);
`

// #endregion schema

// #region types

// Type names the category of AI behavior a baseline covers.
type Type string

const (
	TypeRetrieval     Type = "retrieval"
	TypeChunking      Type = "chunking"
	TypeEmbedding     Type = "embedding"
	TypeSummarization Type = "summarization"
	TypeOverall       Type = "overall"
)

// ParseType validates a baseline type string.
func ParseType(raw string) (Type, bool) {
	switch Type(raw) {
	case TypeRetrieval, TypeChunking, TypeEmbedding, TypeSummarization, TypeOverall:
		return Type(raw), true
	default:
		return "", false
	}
}

// Baseline is the last-accepted quality reference for one (project, type) key.
type Baseline struct {
	ID            string
	ProjectID     string
	Type          Type
	Metrics       metrics.Snapshot
	ModelConfig   map[string]interface{}
	IsCurrent     bool
	EstablishedBy string
	CreatedAt     time.Time
}

// #endregion types

// #region store

// Store manages quality baselines in SQLite. At most one baseline per
// (project, type) key is current at any time.
type Store struct {
	db *sql.DB
}

// NewStore initializes the quality_baselines table and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("baseline schema: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion store

// #region establish

// Establish inserts a new current baseline for (projectID, t), demoting any
// prior current baseline in the same transaction.
func (s *Store) Establish(projectID string, t Type, snap metrics.Snapshot, modelConfig map[string]interface{}, establishedBy string) (Baseline, error) {
	if _, ok := ParseType(string(t)); !ok {
		return Baseline{}, fmt.Errorf("establish baseline: unknown baseline type %q", t)
	}
	if err := snap.Validate(); err != nil {
		return Baseline{}, fmt.Errorf("establish baseline: %w", err)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	b := Baseline{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		Type:          t,
		Metrics:       snap,
		ModelConfig:   modelConfig,
		IsCurrent:     true,
		EstablishedBy: establishedBy,
		CreatedAt:     time.Now().UTC(),
	}

	metricsJSON, err := metrics.Encode(snap)
	if err != nil {
		return Baseline{}, fmt.Errorf("establish baseline: %w", err)
	}
	var configPtr interface{}
	if modelConfig != nil {
		raw, err := json.Marshal(modelConfig)
		if err != nil {
			return Baseline{}, fmt.Errorf("marshal model config: %w", err)
		}
		configPtr = string(raw)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Baseline{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE quality_baselines SET is_current = 0
		 WHERE project_id = ? AND baseline_type = ? AND is_current = 1`,
		projectID, string(t),
	)
	if err != nil {
		return Baseline{}, fmt.Errorf("demote prior baseline: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO quality_baselines (baseline_id, project_id, baseline_type, metrics_json, model_config_json, is_current, established_by, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		b.ID, projectID, string(t), metricsJSON, configPtr, establishedBy,
		b.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Baseline{}, fmt.Errorf("insert baseline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Baseline{}, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

// #endregion establish

// #region current

// Current returns the current baseline for (projectID, t), or nil when none
// has been established. Absence is not an error: detection against a missing
// baseline is a no-op for callers.
func (s *Store) Current(projectID string, t Type) (*Baseline, error) {
	row := s.db.QueryRow(
		`SELECT baseline_id, project_id, baseline_type, metrics_json, model_config_json, is_current, established_by, created_at
		 FROM quality_baselines
		 WHERE project_id = ? AND baseline_type = ? AND is_current = 1`,
		projectID, string(t),
	)
	b, err := scanBaseline(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current baseline: %w", err)
	}
	return &b, nil
}

// #endregion current

// #region history

// History lists baselines for (projectID, t), newest first.
func (s *Store) History(projectID string, t Type, limit int) ([]Baseline, error) {
	rows, err := s.db.Query(
		`SELECT baseline_id, project_id, baseline_type, metrics_json, model_config_json, is_current, established_by, created_at
		 FROM quality_baselines
		 WHERE project_id = ? AND baseline_type = ?
		 ORDER BY created_at DESC LIMIT ?`,
		projectID, string(t), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	defer rows.Close()

	var out []Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// #endregion history

// #region mapper

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanBaseline maps one quality_baselines row into a typed Baseline.
func scanBaseline(row rowScanner) (Baseline, error) {
	var b Baseline
	var btype, metricsJSON, createdStr string
	var configJSON sql.NullString
	var current int

	err := row.Scan(&b.ID, &b.ProjectID, &btype, &metricsJSON, &configJSON, &current, &b.EstablishedBy, &createdStr)
	if err != nil {
		return Baseline{}, err
	}

	b.Type = Type(btype)
	b.IsCurrent = current == 1
	b.Metrics, err = metrics.Decode(metricsJSON)
	if err != nil {
		return Baseline{}, err
	}
	if configJSON.Valid {
		if err := json.Unmarshal([]byte(configJSON.String), &b.ModelConfig); err != nil {
			return Baseline{}, fmt.Errorf("unmarshal model config: %w", err)
		}
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return b, nil
}

// #endregion mapper
