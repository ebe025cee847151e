package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/pipeline-governor/internal/audit"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// Sentinel errors for registry operations.
var (
	// ErrModelNotFound is returned when an operation references an unknown model id.
	ErrModelNotFound = errors.New("model not found")

	// ErrInvalidPercentage is returned when a deployment percentage falls
	// outside [0, 100]. Nothing is mutated.
	ErrInvalidPercentage = errors.New("deployment percentage must be between 0 and 100")
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS model_registry (
	model_id               TEXT PRIMARY KEY,
	project_id             TEXT NOT NULL,
	model_type             TEXT NOT NULL,
	name                   TEXT NOT NULL,
	version                TEXT NOT NULL,
	is_active              INTEGER NOT NULL DEFAULT 0,
	is_baseline            INTEGER NOT NULL DEFAULT 0,
	config_json            TEXT,
	metrics_json           TEXT,
	deployment_percentage  REAL NOT NULL DEFAULT 0,
	created_by             TEXT NOT NULL,
	created_at             TEXT NOT NULL,
	deployed_at            TEXT
);
CREATE INDEX IF NOT EXISTS idx_registry_project ON model_registry(project_id, model_type);
`

// #endregion schema

// #region types

// ModelType names the pipeline role a registered model/config version plays.
type ModelType string

const (
	ModelEmbedding     ModelType = "embedding"
	ModelChunking      ModelType = "chunking"
	ModelSummarization ModelType = "summarization"
	ModelGeneration    ModelType = "generation"
)

// ParseModelType validates a model type string.
func ParseModelType(raw string) (ModelType, bool) {
	switch ModelType(raw) {
	case ModelEmbedding, ModelChunking, ModelSummarization, ModelGeneration:
		return ModelType(raw), true
	default:
		return "", false
	}
}

// Entry is the declarative record of one model/config version and the share
// of traffic an external router should send it. The registry never routes
// traffic itself.
type Entry struct {
	ID                   string
	ProjectID            string
	Type                 ModelType
	Name                 string
	Version              string
	IsActive             bool
	IsBaseline           bool
	Config               map[string]interface{}
	Metrics              *metrics.Snapshot // last known performance, nil until reported
	DeploymentPercentage float64
	CreatedBy            string
	CreatedAt            time.Time
	DeployedAt           *time.Time
}

// #endregion types

// #region registry

// Registry tracks registered model versions in SQLite.
type Registry struct {
	db    *sql.DB
	trail *audit.Trail
}

// NewRegistry initializes the model_registry table and returns a Registry.
func NewRegistry(db *sql.DB, trail *audit.Trail) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("registry schema: %w", err)
	}
	return &Registry{db: db, trail: trail}, nil
}

// #endregion registry

// #region register

// Register inserts a new model version at 0% rollout, inactive.
func (r *Registry) Register(projectID string, mtype ModelType, name, version string, config map[string]interface{}, createdBy string) (Entry, error) {
	if _, ok := ParseModelType(string(mtype)); !ok {
		return Entry{}, fmt.Errorf("register model: unknown model type %q", mtype)
	}
	if name == "" || version == "" {
		return Entry{}, fmt.Errorf("register model: name and version are required")
	}

	e := Entry{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Type:      mtype,
		Name:      name,
		Version:   version,
		Config:    config,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}

	var configPtr interface{}
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal model config: %w", err)
		}
		configPtr = string(raw)
	}

	_, err := r.db.Exec(
		`INSERT INTO model_registry (model_id, project_id, model_type, name, version, config_json, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, projectID, string(mtype), name, version, configPtr, createdBy,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert model: %w", err)
	}

	r.auditOrLog(audit.Entry{
		ProjectID:    projectID,
		ActorID:      createdBy,
		Action:       "model_registered",
		Category:     "registry",
		ResourceType: "model",
		ResourceID:   e.ID,
		AfterState:   audit.JSONState(map[string]interface{}{"name": name, "version": version, "model_type": string(mtype)}),
	})
	return e, nil
}

// #endregion register

// #region rollout

// SetDeploymentPercentage declares the rollout share for a model version.
// Percentages outside [0,100] are rejected without mutation. Activity is
// derived from the percentage; deployed_at is stamped only on the
// transition from inactive into active.
func (r *Registry) SetDeploymentPercentage(projectID, modelID string, percentage float64, updatedBy string) (Entry, error) {
	if percentage < 0 || percentage > 100 {
		return Entry{}, fmt.Errorf("set deployment percentage %v: %w", percentage, ErrInvalidPercentage)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Touch the row first so the transaction holds the write lock before
	// reading; deferred read-to-write upgrades fail under concurrent writers.
	res, err := tx.Exec(
		`UPDATE model_registry SET deployment_percentage = deployment_percentage
		 WHERE model_id = ? AND project_id = ?`,
		modelID, projectID,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("lock model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, fmt.Errorf("set deployment percentage for %s: %w", modelID, ErrModelNotFound)
	}

	var prior float64
	var deployedAt sql.NullString
	err = tx.QueryRow(
		`SELECT deployment_percentage, deployed_at FROM model_registry
		 WHERE model_id = ? AND project_id = ?`,
		modelID, projectID,
	).Scan(&prior, &deployedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("read model: %w", err)
	}

	active := percentage > 0
	stamp := deployedAt
	if active && prior == 0 {
		stamp = sql.NullString{String: time.Now().UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err = tx.Exec(
		`UPDATE model_registry SET deployment_percentage = ?, is_active = ?, deployed_at = ?
		 WHERE model_id = ? AND project_id = ?`,
		percentage, boolToInt(active), nullableString(stamp), modelID, projectID,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("update rollout: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}

	r.auditOrLog(audit.Entry{
		ProjectID:    projectID,
		ActorID:      updatedBy,
		Action:       "deployment_percentage_changed",
		Category:     "registry",
		ResourceType: "model",
		ResourceID:   modelID,
		BeforeState:  audit.JSONState(map[string]float64{"deployment_percentage": prior}),
		AfterState:   audit.JSONState(map[string]float64{"deployment_percentage": percentage}),
	})

	return r.Get(projectID, modelID)
}

// MarkBaseline flags a model as the baseline for its (project, type) key,
// demoting any prior baseline model of the same type in the same transaction.
func (r *Registry) MarkBaseline(projectID, modelID, updatedBy string) (Entry, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Take the write lock before reading, as in SetDeploymentPercentage.
	res, err := tx.Exec(
		`UPDATE model_registry SET is_baseline = is_baseline
		 WHERE model_id = ? AND project_id = ?`,
		modelID, projectID,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("lock model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, fmt.Errorf("mark baseline for %s: %w", modelID, ErrModelNotFound)
	}

	var mtype string
	err = tx.QueryRow(
		`SELECT model_type FROM model_registry WHERE model_id = ? AND project_id = ?`,
		modelID, projectID,
	).Scan(&mtype)
	if err != nil {
		return Entry{}, fmt.Errorf("read model: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE model_registry SET is_baseline = 0
		 WHERE project_id = ? AND model_type = ? AND is_baseline = 1`,
		projectID, mtype,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("demote prior baseline model: %w", err)
	}
	_, err = tx.Exec(
		`UPDATE model_registry SET is_baseline = 1 WHERE model_id = ? AND project_id = ?`,
		modelID, projectID,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("mark baseline model: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}

	r.auditOrLog(audit.Entry{
		ProjectID:    projectID,
		ActorID:      updatedBy,
		Action:       "model_marked_baseline",
		Category:     "registry",
		ResourceType: "model",
		ResourceID:   modelID,
	})
	return r.Get(projectID, modelID)
}

// #endregion rollout

// #region update-metrics

// UpdateMetrics records the last known performance snapshot for a model.
func (r *Registry) UpdateMetrics(projectID, modelID string, snap metrics.Snapshot, updatedBy string) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("update model metrics: %w", err)
	}
	raw, err := metrics.Encode(snap)
	if err != nil {
		return fmt.Errorf("update model metrics: %w", err)
	}
	res, err := r.db.Exec(
		`UPDATE model_registry SET metrics_json = ? WHERE model_id = ? AND project_id = ?`,
		raw, modelID, projectID,
	)
	if err != nil {
		return fmt.Errorf("update model metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update metrics for %s: %w", modelID, ErrModelNotFound)
	}

	r.auditOrLog(audit.Entry{
		ProjectID:    projectID,
		ActorID:      updatedBy,
		Action:       "model_metrics_updated",
		Category:     "registry",
		ResourceType: "model",
		ResourceID:   modelID,
		AfterState:   raw,
	})
	return nil
}

// #endregion update-metrics

// #region queries

// Get returns a single registry entry.
func (r *Registry) Get(projectID, modelID string) (Entry, error) {
	entries, err := r.query(
		`SELECT model_id, project_id, model_type, name, version, is_active, is_baseline,
		        config_json, metrics_json, deployment_percentage, created_by, created_at, deployed_at
		 FROM model_registry WHERE model_id = ? AND project_id = ?`,
		modelID, projectID,
	)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("get model %s: %w", modelID, ErrModelNotFound)
	}
	return entries[0], nil
}

// List returns all registry entries for a project, newest first.
func (r *Registry) List(projectID string) ([]Entry, error) {
	return r.query(
		`SELECT model_id, project_id, model_type, name, version, is_active, is_baseline,
		        config_json, metrics_json, deployment_percentage, created_by, created_at, deployed_at
		 FROM model_registry WHERE project_id = ? ORDER BY created_at DESC`,
		projectID,
	)
}

func (r *Registry) query(q string, args ...interface{}) ([]Entry, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query registry: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var active, isBaseline int
		var configJSON, metricsJSON, deployedAt sql.NullString
		var createdStr string
		err := rows.Scan(&e.ID, &e.ProjectID, (*string)(&e.Type), &e.Name, &e.Version,
			&active, &isBaseline, &configJSON, &metricsJSON, &e.DeploymentPercentage,
			&e.CreatedBy, &createdStr, &deployedAt)
		if err != nil {
			return nil, fmt.Errorf("scan registry row: %w", err)
		}
		e.IsActive = active == 1
		e.IsBaseline = isBaseline == 1
		if configJSON.Valid {
			if err := json.Unmarshal([]byte(configJSON.String), &e.Config); err != nil {
				return nil, fmt.Errorf("unmarshal model config: %w", err)
			}
		}
		if metricsJSON.Valid {
			snap, err := metrics.Decode(metricsJSON.String)
			if err != nil {
				return nil, fmt.Errorf("decode model metrics: %w", err)
			}
			e.Metrics = &snap
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		if deployedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, deployedAt.String)
			if err == nil {
				e.DeployedAt = &t
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion queries

// #region helpers

func (r *Registry) auditOrLog(e audit.Entry) {
	if err := r.trail.Record(e); err != nil {
		log.Printf("[GOV] audit write failed for %s: %v", e.Action, err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s sql.NullString) interface{} {
	if !s.Valid {
		return nil
	}
	return s.String
}

// #endregion helpers
