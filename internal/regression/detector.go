package regression

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/pipeline-governor/internal/baseline"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// ErrAlertNotFound is returned when acknowledge/resolve references an
// unknown alert id.
var ErrAlertNotFound = errors.New("alert not found")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS regression_alerts (
	alert_id           TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	alert_type         TEXT NOT NULL,
	severity           TEXT NOT NULL,
	metric             TEXT NOT NULL,
	baseline_value     REAL NOT NULL,
	current_value      REAL NOT NULL,
	delta_percent      REAL NOT NULL,
	threshold          REAL NOT NULL,
	change_request_id  TEXT,
	acknowledged       INTEGER NOT NULL DEFAULT 0,
	acknowledged_by    TEXT,
	acknowledged_at    TEXT,
	resolved           INTEGER NOT NULL DEFAULT 0,
	resolved_by        TEXT,
	resolution_notes   TEXT,
	resolved_at        TEXT,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_open ON regression_alerts(project_id, resolved, created_at);
`

// #endregion schema

// #region detector

// Detector compares live metric snapshots against the current baseline and
// records classified alerts. Detection observes and records; it never blocks
// traffic or rolls anything back.
type Detector struct {
	db        *sql.DB
	baselines *baseline.Store
	config    Config
}

// NewDetector initializes the regression_alerts table and returns a Detector.
func NewDetector(db *sql.DB, baselines *baseline.Store, config Config) (*Detector, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("regression schema: %w", err)
	}
	return &Detector{db: db, baselines: baselines, config: config}, nil
}

// #endregion detector

// #region detect

// Detect compares a live snapshot against the current baseline of the given type and
// persists one alert per exceeded severity tier. An empty type defaults to
// retrieval. With no current baseline there is nothing to compare against and
// the result is empty.
func (d *Detector) Detect(projectID string, current metrics.Snapshot, btype baseline.Type) ([]Alert, error) {
	if btype == "" {
		btype = baseline.TypeRetrieval
	}
	base, err := d.baselines.Current(projectID, btype)
	if err != nil {
		return nil, fmt.Errorf("detect regressions: %w", err)
	}
	if base == nil {
		return nil, nil
	}

	var alerts []Alert

	// Quality drops are ratios of the baseline value, negative when worse.
	if base.Metrics.Precision > 0 {
		ratio := (current.Precision - base.Metrics.Precision) / base.Metrics.Precision
		if a, ok := classifyDrop(ratio, d.config.PrecisionWarnDrop, d.config.PrecisionCriticalDrop); ok {
			alerts = append(alerts, Alert{
				Type:          AlertPrecisionDrop,
				Severity:      a.severity,
				Metric:        "precision",
				BaselineValue: base.Metrics.Precision,
				CurrentValue:  current.Precision,
				DeltaPercent:  ratio * 100,
				Threshold:     a.threshold,
			})
		}
	}
	if base.Metrics.Recall > 0 {
		ratio := (current.Recall - base.Metrics.Recall) / base.Metrics.Recall
		if a, ok := classifyDrop(ratio, d.config.RecallWarnDrop, d.config.RecallCriticalDrop); ok {
			alerts = append(alerts, Alert{
				Type:          AlertRecallDrop,
				Severity:      a.severity,
				Metric:        "recall",
				BaselineValue: base.Metrics.Recall,
				CurrentValue:  current.Recall,
				DeltaPercent:  ratio * 100,
				Threshold:     a.threshold,
			})
		}
	}

	// Latency and cost grow as ratios of the baseline, positive when worse.
	if base.Metrics.AvgLatencyMs > 0 {
		ratio := current.AvgLatencyMs / base.Metrics.AvgLatencyMs
		if a, ok := classifyRatio(ratio, d.config.LatencyWarnRatio, d.config.LatencyCriticalRatio, SeverityCritical); ok {
			alerts = append(alerts, Alert{
				Type:          AlertLatencySpike,
				Severity:      a.severity,
				Metric:        "avg_latency_ms",
				BaselineValue: base.Metrics.AvgLatencyMs,
				CurrentValue:  current.AvgLatencyMs,
				DeltaPercent:  (ratio - 1) * 100,
				Threshold:     a.threshold,
			})
		}
	}
	if base.Metrics.AvgCostUsd > 0 {
		ratio := current.AvgCostUsd / base.Metrics.AvgCostUsd
		// Cost overruns top out at high severity; they do not page like latency.
		if a, ok := classifyRatio(ratio, d.config.CostWarnRatio, d.config.CostCriticalRatio, SeverityHigh); ok {
			alerts = append(alerts, Alert{
				Type:          AlertCostAnomaly,
				Severity:      a.severity,
				Metric:        "avg_cost_usd",
				BaselineValue: base.Metrics.AvgCostUsd,
				CurrentValue:  current.AvgCostUsd,
				DeltaPercent:  (ratio - 1) * 100,
				Threshold:     a.threshold,
			})
		}
	}

	now := time.Now().UTC()
	for i := range alerts {
		alerts[i].ID = uuid.New().String()
		alerts[i].ProjectID = projectID
		alerts[i].CreatedAt = now
		if err := d.insert(alerts[i]); err != nil {
			return nil, fmt.Errorf("persist alert: %w", err)
		}
	}
	return alerts, nil
}

type tier struct {
	severity  Severity
	threshold float64
}

// classifyDrop checks a signed drop ratio against warn/critical tiers.
func classifyDrop(ratio, warn, critical float64) (tier, bool) {
	switch {
	case ratio <= -critical:
		return tier{SeverityCritical, critical}, true
	case ratio <= -warn:
		return tier{SeverityMedium, warn}, true
	default:
		return tier{}, false
	}
}

// classifyRatio checks a growth ratio against warn/critical tiers; top names
// the severity of the critical tier.
func classifyRatio(ratio, warn, critical float64, top Severity) (tier, bool) {
	switch {
	case ratio >= critical:
		return tier{top, critical}, true
	case ratio >= warn:
		return tier{SeverityMedium, warn}, true
	default:
		return tier{}, false
	}
}

// #endregion detect

// #region insert

func (d *Detector) insert(a Alert) error {
	_, err := d.db.Exec(
		`INSERT INTO regression_alerts
		 (alert_id, project_id, alert_type, severity, metric, baseline_value, current_value,
		  delta_percent, threshold, change_request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, string(a.Type), string(a.Severity), a.Metric,
		a.BaselineValue, a.CurrentValue, a.DeltaPercent, a.Threshold,
		nullIfEmpty(a.ChangeRequestID), a.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// #endregion insert

// #region acknowledge

// Acknowledge marks an alert as seen by an operator.
func (d *Detector) Acknowledge(alertID, by string) error {
	res, err := d.db.Exec(
		`UPDATE regression_alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		 WHERE alert_id = ?`,
		by, time.Now().UTC().Format(time.RFC3339Nano), alertID,
	)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("acknowledge alert %s: %w", alertID, ErrAlertNotFound)
	}
	return nil
}

// Resolve closes an alert with operator notes.
func (d *Detector) Resolve(alertID, notes, by string) error {
	res, err := d.db.Exec(
		`UPDATE regression_alerts SET resolved = 1, resolved_by = ?, resolution_notes = ?, resolved_at = ?
		 WHERE alert_id = ?`,
		by, notes, time.Now().UTC().Format(time.RFC3339Nano), alertID,
	)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("resolve alert %s: %w", alertID, ErrAlertNotFound)
	}
	return nil
}

// #endregion acknowledge

// #region queries

// OpenAlerts returns unresolved alerts for a project, newest first.
func (d *Detector) OpenAlerts(projectID string) ([]Alert, error) {
	return d.query(
		`SELECT alert_id, project_id, alert_type, severity, metric, baseline_value, current_value,
		        delta_percent, threshold, change_request_id, acknowledged, acknowledged_by, acknowledged_at,
		        resolved, resolved_by, resolution_notes, resolved_at, created_at
		 FROM regression_alerts WHERE project_id = ? AND resolved = 0 ORDER BY created_at DESC`,
		projectID,
	)
}

// Get returns a single alert by id.
func (d *Detector) Get(alertID string) (Alert, error) {
	alerts, err := d.query(
		`SELECT alert_id, project_id, alert_type, severity, metric, baseline_value, current_value,
		        delta_percent, threshold, change_request_id, acknowledged, acknowledged_by, acknowledged_at,
		        resolved, resolved_by, resolution_notes, resolved_at, created_at
		 FROM regression_alerts WHERE alert_id = ?`,
		alertID,
	)
	if err != nil {
		return Alert{}, err
	}
	if len(alerts) == 0 {
		return Alert{}, fmt.Errorf("get alert %s: %w", alertID, ErrAlertNotFound)
	}
	return alerts[0], nil
}

func (d *Detector) query(q string, args ...interface{}) ([]Alert, error) {
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var ackedBy, ackedAt, resolvedBy, notes, resolvedAt, crID sql.NullString
		var acked, resolved int
		var createdStr string
		err := rows.Scan(&a.ID, &a.ProjectID, (*string)(&a.Type), (*string)(&a.Severity), &a.Metric,
			&a.BaselineValue, &a.CurrentValue, &a.DeltaPercent, &a.Threshold, &crID,
			&acked, &ackedBy, &ackedAt, &resolved, &resolvedBy, &notes, &resolvedAt, &createdStr)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.ChangeRequestID = crID.String
		a.Acknowledged = acked == 1
		a.AcknowledgedBy = ackedBy.String
		a.AcknowledgedAt = parseTimePtr(ackedAt)
		a.Resolved = resolved == 1
		a.ResolvedBy = resolvedBy.String
		a.ResolutionNotes = notes.String
		a.ResolvedAt = parseTimePtr(resolvedAt)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, a)
	}
	return out, rows.Err()
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
