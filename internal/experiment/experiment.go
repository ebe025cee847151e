package experiment

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// Sentinel errors for experiment operations.
var (
	// ErrExperimentNotFound is returned for unknown experiment ids.
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrBadTransition is returned when a lifecycle operation does not apply
	// to the experiment's current status.
	ErrBadTransition = errors.New("invalid experiment status transition")

	// ErrInvalidSplit is returned when the control percentage falls outside [0,100].
	ErrInvalidSplit = errors.New("control percentage must be between 0 and 100")
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS ab_experiments (
	experiment_id        TEXT PRIMARY KEY,
	project_id           TEXT NOT NULL,
	name                 TEXT NOT NULL,
	control_model_id     TEXT NOT NULL,
	treatment_model_id   TEXT NOT NULL,
	control_percentage   REAL NOT NULL,
	status               TEXT NOT NULL DEFAULT 'draft',
	min_sample_size      INTEGER NOT NULL DEFAULT 0,
	current_sample_size  INTEGER NOT NULL DEFAULT 0,
	control_samples      INTEGER NOT NULL DEFAULT 0,
	treatment_samples    INTEGER NOT NULL DEFAULT 0,
	control_metrics      TEXT,
	treatment_metrics    TEXT,
	winner               TEXT,
	significance         REAL,
	created_by           TEXT NOT NULL,
	created_at           TEXT NOT NULL,
	start_date           TEXT,
	end_date             TEXT
);
CREATE INDEX IF NOT EXISTS idx_experiments_project ON ab_experiments(project_id, status);
`

// #endregion schema

// #region types

// Status is the experiment lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Experiment runs two model configurations side by side at a declared
// traffic split, accumulating running-average metrics per arm. Winner and
// significance are filled in by an external analysis step, never computed
// here.
type Experiment struct {
	ID                string
	ProjectID         string
	Name              string
	ControlModelID    string
	TreatmentModelID  string
	ControlPercentage float64
	Status            Status
	MinSampleSize     int
	CurrentSampleSize int
	ControlSamples    int
	TreatmentSamples  int
	ControlMetrics    metrics.Snapshot
	TreatmentMetrics  metrics.Snapshot
	Winner            string
	Significance      *float64
	CreatedBy         string
	CreatedAt         time.Time
	StartDate         *time.Time
	EndDate           *time.Time
}

// #endregion types

// #region coordinator

// Coordinator manages A/B experiments in SQLite.
type Coordinator struct {
	db *sql.DB
}

// NewCoordinator initializes the ab_experiments table and returns a Coordinator.
func NewCoordinator(db *sql.DB) (*Coordinator, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("experiment schema: %w", err)
	}
	return &Coordinator{db: db}, nil
}

// #endregion coordinator

// #region create

// Create inserts a new experiment in draft.
func (c *Coordinator) Create(projectID, name, controlModelID, treatmentModelID string, controlPercentage float64, minSampleSize int, createdBy string) (Experiment, error) {
	if controlPercentage < 0 || controlPercentage > 100 {
		return Experiment{}, fmt.Errorf("create experiment: %w", ErrInvalidSplit)
	}
	if controlModelID == "" || treatmentModelID == "" {
		return Experiment{}, fmt.Errorf("create experiment: control and treatment model ids are required")
	}

	e := Experiment{
		ID:                uuid.New().String(),
		ProjectID:         projectID,
		Name:              name,
		ControlModelID:    controlModelID,
		TreatmentModelID:  treatmentModelID,
		ControlPercentage: controlPercentage,
		Status:            StatusDraft,
		MinSampleSize:     minSampleSize,
		CreatedBy:         createdBy,
		CreatedAt:         time.Now().UTC(),
	}

	_, err := c.db.Exec(
		`INSERT INTO ab_experiments (experiment_id, project_id, name, control_model_id, treatment_model_id, control_percentage, status, min_sample_size, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'draft', ?, ?, ?)`,
		e.ID, projectID, name, controlModelID, treatmentModelID, controlPercentage,
		minSampleSize, createdBy, e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}
	return e, nil
}

// #endregion create

// #region lifecycle

// Start transitions draft -> running and stamps the start date.
func (c *Coordinator) Start(projectID, experimentID string) error {
	return c.transition(projectID, experimentID, []Status{StatusDraft},
		StatusRunning, "start_date")
}

// Pause transitions running -> paused.
func (c *Coordinator) Pause(projectID, experimentID string) error {
	return c.transition(projectID, experimentID, []Status{StatusRunning},
		StatusPaused, "")
}

// Resume transitions paused -> running.
func (c *Coordinator) Resume(projectID, experimentID string) error {
	return c.transition(projectID, experimentID, []Status{StatusPaused},
		StatusRunning, "")
}

// Cancel abandons a draft, running, or paused experiment.
func (c *Coordinator) Cancel(projectID, experimentID string) error {
	return c.transition(projectID, experimentID, []Status{StatusDraft, StatusRunning, StatusPaused},
		StatusCancelled, "end_date")
}

// Complete closes a running or paused experiment, recording an externally
// computed winner and significance. Either may be empty/nil when analysis
// was inconclusive.
func (c *Coordinator) Complete(projectID, experimentID, winner string, significance *float64) error {
	cur, err := c.Get(projectID, experimentID)
	if err != nil {
		return err
	}
	if cur.Status != StatusRunning && cur.Status != StatusPaused {
		return fmt.Errorf("complete experiment in %s: %w", cur.Status, ErrBadTransition)
	}

	var sig interface{}
	if significance != nil {
		sig = *significance
	}
	_, err = c.db.Exec(
		`UPDATE ab_experiments SET status = 'completed', winner = ?, significance = ?, end_date = ?
		 WHERE experiment_id = ? AND project_id = ? AND status IN ('running', 'paused')`,
		nullIfEmpty(winner), sig, time.Now().UTC().Format(time.RFC3339Nano),
		experimentID, projectID,
	)
	if err != nil {
		return fmt.Errorf("complete experiment: %w", err)
	}
	return nil
}

// transition performs a guarded status change; dateColumn, when set, is
// stamped with the transition time.
func (c *Coordinator) transition(projectID, experimentID string, from []Status, to Status, dateColumn string) error {
	cur, err := c.Get(projectID, experimentID)
	if err != nil {
		return err
	}
	allowed := false
	for _, s := range from {
		if cur.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("transition %s -> %s: %w", cur.Status, to, ErrBadTransition)
	}

	q := `UPDATE ab_experiments SET status = ?`
	args := []interface{}{string(to)}
	if dateColumn != "" {
		q += `, ` + dateColumn + ` = ?`
		args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	}
	q += ` WHERE experiment_id = ? AND project_id = ?`
	args = append(args, experimentID, projectID)

	if _, err := c.db.Exec(q, args...); err != nil {
		return fmt.Errorf("transition experiment: %w", err)
	}
	return nil
}

// #endregion lifecycle

// #region record-sample

// RecordSample folds one measured sample into the running mean of the named
// arm and bumps the overall sample count. The read-modify-write runs inside
// one transaction so concurrent samples cannot lose updates.
func (c *Coordinator) RecordSample(projectID, experimentID string, isControl bool, sample metrics.Snapshot) (Experiment, error) {
	if err := sample.Validate(); err != nil {
		return Experiment{}, fmt.Errorf("record sample: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return Experiment{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Touch the row first so the transaction holds the write lock before
	// reading; a deferred read-to-write upgrade under WAL fails with a
	// non-retryable busy error when a concurrent writer got there first.
	res, err := tx.Exec(
		`UPDATE ab_experiments SET current_sample_size = current_sample_size
		 WHERE experiment_id = ? AND project_id = ?`,
		experimentID, projectID,
	)
	if err != nil {
		return Experiment{}, fmt.Errorf("lock experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Experiment{}, fmt.Errorf("record sample for %s: %w", experimentID, ErrExperimentNotFound)
	}

	var status string
	var armSamples, total int
	var armJSON sql.NullString
	armCol, armCountCol := "treatment_metrics", "treatment_samples"
	if isControl {
		armCol, armCountCol = "control_metrics", "control_samples"
	}
	err = tx.QueryRow(
		`SELECT status, `+armCountCol+`, current_sample_size, `+armCol+`
		 FROM ab_experiments WHERE experiment_id = ? AND project_id = ?`,
		experimentID, projectID,
	).Scan(&status, &armSamples, &total, &armJSON)
	if err != nil {
		return Experiment{}, fmt.Errorf("read experiment: %w", err)
	}
	if Status(status) != StatusRunning {
		return Experiment{}, fmt.Errorf("record sample in %s: %w", status, ErrBadTransition)
	}

	mean, err := metrics.Decode(armJSON.String)
	if err != nil {
		return Experiment{}, fmt.Errorf("decode arm metrics: %w", err)
	}
	mean = metrics.Accumulate(mean, armSamples, sample)
	raw, err := metrics.Encode(mean)
	if err != nil {
		return Experiment{}, fmt.Errorf("encode arm metrics: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE ab_experiments SET `+armCol+` = ?, `+armCountCol+` = ?, current_sample_size = ?
		 WHERE experiment_id = ? AND project_id = ?`,
		raw, armSamples+1, total+1, experimentID, projectID,
	)
	if err != nil {
		return Experiment{}, fmt.Errorf("update arm: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Experiment{}, fmt.Errorf("commit: %w", err)
	}

	return c.Get(projectID, experimentID)
}

// #endregion record-sample

// #region queries

// Get returns one experiment.
func (c *Coordinator) Get(projectID, experimentID string) (Experiment, error) {
	row := c.db.QueryRow(
		`SELECT experiment_id, project_id, name, control_model_id, treatment_model_id, control_percentage,
		        status, min_sample_size, current_sample_size, control_samples, treatment_samples,
		        control_metrics, treatment_metrics, winner, significance, created_by, created_at, start_date, end_date
		 FROM ab_experiments WHERE experiment_id = ? AND project_id = ?`,
		experimentID, projectID,
	)
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return Experiment{}, fmt.Errorf("get experiment %s: %w", experimentID, ErrExperimentNotFound)
	}
	if err != nil {
		return Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	return e, nil
}

// List returns a project's experiments, newest first.
func (c *Coordinator) List(projectID string) ([]Experiment, error) {
	rows, err := c.db.Query(
		`SELECT experiment_id, project_id, name, control_model_id, treatment_model_id, control_percentage,
		        status, min_sample_size, current_sample_size, control_samples, treatment_samples,
		        control_metrics, treatment_metrics, winner, significance, created_by, created_at, start_date, end_date
		 FROM ab_experiments WHERE project_id = ? ORDER BY created_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row rowScanner) (Experiment, error) {
	var e Experiment
	var status, createdStr string
	var controlJSON, treatmentJSON, winner, startDate, endDate sql.NullString
	var significance sql.NullFloat64

	err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.ControlModelID, &e.TreatmentModelID,
		&e.ControlPercentage, &status, &e.MinSampleSize, &e.CurrentSampleSize,
		&e.ControlSamples, &e.TreatmentSamples, &controlJSON, &treatmentJSON,
		&winner, &significance, &e.CreatedBy, &createdStr, &startDate, &endDate)
	if err != nil {
		return Experiment{}, err
	}

	e.Status = Status(status)
	e.ControlMetrics, err = metrics.Decode(controlJSON.String)
	if err != nil {
		return Experiment{}, err
	}
	e.TreatmentMetrics, err = metrics.Decode(treatmentJSON.String)
	if err != nil {
		return Experiment{}, err
	}
	e.Winner = winner.String
	if significance.Valid {
		v := significance.Float64
		e.Significance = &v
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	e.StartDate = parseTimePtr(startDate)
	e.EndDate = parseTimePtr(endDate)
	return e, nil
}

// #endregion queries

// #region helpers

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
