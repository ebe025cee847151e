package changes

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/pipeline-governor/internal/audit"
	"github.com/danielpatrickdp/pipeline-governor/internal/gate"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// Sentinel errors for change request operations.
var (
	// ErrChangeNotFound is returned when an operation references an unknown
	// change request id.
	ErrChangeNotFound = errors.New("change request not found")

	// ErrPolicyViolation is returned when deployment or rollback is blocked
	// by the change's state or the deployment policy. The wrapping error
	// carries the reason; nothing is mutated.
	ErrPolicyViolation = errors.New("deployment policy violation")

	// ErrInvalidRequest is returned for malformed input to a change request
	// operation, rejected before any mutation.
	ErrInvalidRequest = errors.New("invalid change request input")
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS change_requests (
	change_id        TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL,
	change_type      TEXT NOT NULL,
	proposed_by      TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT,
	current_config   TEXT,
	proposed_config  TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	is_breaking      INTEGER NOT NULL DEFAULT 0,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	rollback_reason  TEXT,
	approved_by      TEXT,
	created_at       TEXT NOT NULL,
	evaluated_at     TEXT,
	approved_at      TEXT,
	deployed_at      TEXT,
	rolled_back_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_changes_project ON change_requests(project_id, status);

CREATE TABLE IF NOT EXISTS evaluation_gates (
	gate_id            TEXT PRIMARY KEY,
	change_id          TEXT NOT NULL,
	project_id         TEXT NOT NULL,
	baseline_metrics   TEXT NOT NULL,
	proposed_metrics   TEXT NOT NULL,
	result_json        TEXT NOT NULL,
	evaluated_by       TEXT,
	created_at         TEXT NOT NULL,
	FOREIGN KEY (change_id) REFERENCES change_requests(change_id)
);
CREATE INDEX IF NOT EXISTS idx_gates_change ON evaluation_gates(change_id, created_at);
`

// #endregion schema

// #region manager

// Manager owns the change request lifecycle. All mutations write an audit
// entry; audit failures degrade to a log line because the governed mutation
// has already committed.
type Manager struct {
	db     *sql.DB
	trail  *audit.Trail
	policy DeployPolicy
}

// NewManager initializes the change request tables and returns a Manager.
// A nil policy selects the default GatePolicy.
func NewManager(db *sql.DB, trail *audit.Trail, policy DeployPolicy) (*Manager, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("changes schema: %w", err)
	}
	m := &Manager{db: db, trail: trail, policy: policy}
	if m.policy == nil {
		m.policy = NewGatePolicy(m)
	}
	return m, nil
}

// #endregion manager

// #region create

// CreateParams carries the proposer's input for a new change request.
type CreateParams struct {
	Type           ChangeType
	ProposedBy     string
	Title          string
	Description    string
	CurrentConfig  map[string]interface{}
	ProposedConfig map[string]interface{}
	IsBreaking     bool
}

// Create inserts a new change request in pending. Config payloads are not
// validated here; they are opaque to governance. Breaking changes require
// explicit approval before deployment.
func (m *Manager) Create(projectID string, p CreateParams) (ChangeRequest, error) {
	if _, ok := ParseChangeType(string(p.Type)); !ok {
		return ChangeRequest{}, fmt.Errorf("create change request: unknown change type %q: %w", p.Type, ErrInvalidRequest)
	}
	if p.Title == "" {
		return ChangeRequest{}, fmt.Errorf("create change request: title is required: %w", ErrInvalidRequest)
	}

	cr := ChangeRequest{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		Type:             p.Type,
		ProposedBy:       p.ProposedBy,
		Title:            p.Title,
		Description:      p.Description,
		CurrentConfig:    p.CurrentConfig,
		ProposedConfig:   p.ProposedConfig,
		Status:           StatusPending,
		IsBreaking:       p.IsBreaking,
		RequiresApproval: p.IsBreaking,
		CreatedAt:        time.Now().UTC(),
	}

	currentJSON, err := marshalConfig(p.CurrentConfig)
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("marshal current config: %w", err)
	}
	proposedJSON, err := marshalConfig(p.ProposedConfig)
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("marshal proposed config: %w", err)
	}

	_, err = m.db.Exec(
		`INSERT INTO change_requests (change_id, project_id, change_type, proposed_by, title, description,
		   current_config, proposed_config, status, is_breaking, requires_approval, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		cr.ID, projectID, string(p.Type), p.ProposedBy, p.Title, nullIfEmpty(p.Description),
		currentJSON, proposedJSON, boolToInt(p.IsBreaking), boolToInt(cr.RequiresApproval),
		cr.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("insert change request: %w", err)
	}

	m.auditOrLog(audit.Entry{
		ProjectID:    projectID,
		ActorID:      p.ProposedBy,
		Action:       "change_request_created",
		Category:     "change_request",
		ResourceType: "change_request",
		ResourceID:   cr.ID,
		AfterState:   audit.JSONState(map[string]interface{}{"status": string(StatusPending), "change_type": string(p.Type), "is_breaking": p.IsBreaking}),
	})
	return cr, nil
}

// #endregion create

// #region evaluate

// Evaluate scores the change against a baseline, records an immutable gate
// record, and moves the request to approved or rejected. A nil thresholds
// pointer selects the defaults. Deployed or rolled back changes cannot be
// re-evaluated.
func (m *Manager) Evaluate(projectID, changeID string, baselineSnap, proposedSnap metrics.Snapshot, thresholds *gate.Thresholds, evaluatedBy string) (GateRecord, error) {
	cr, err := m.Get(projectID, changeID)
	if err != nil {
		return GateRecord{}, err
	}
	if cr.Status == StatusDeployed || cr.Status == StatusRolledBack {
		return GateRecord{}, fmt.Errorf("cannot evaluate change in status %s: %w", cr.Status, ErrPolicyViolation)
	}
	if err := baselineSnap.Validate(); err != nil {
		return GateRecord{}, fmt.Errorf("baseline metrics: %w", err)
	}
	if err := proposedSnap.Validate(); err != nil {
		return GateRecord{}, fmt.Errorf("proposed metrics: %w", err)
	}

	th := gate.DefaultThresholds()
	if thresholds != nil {
		th = *thresholds
	}
	result := gate.Evaluate(baselineSnap, proposedSnap, th)

	rec := GateRecord{
		ID:              uuid.New().String(),
		ChangeRequestID: changeID,
		ProjectID:       projectID,
		Baseline:        baselineSnap,
		Proposed:        proposedSnap,
		Result:          result,
		EvaluatedBy:     evaluatedBy,
		CreatedAt:       time.Now().UTC(),
	}

	newStatus := StatusRejected
	if result.Passed {
		newStatus = StatusApproved
	}

	baselineJSON, err := metrics.Encode(baselineSnap)
	if err != nil {
		return GateRecord{}, fmt.Errorf("encode baseline: %w", err)
	}
	proposedJSON, err := metrics.Encode(proposedSnap)
	if err != nil {
		return GateRecord{}, fmt.Errorf("encode proposed: %w", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return GateRecord{}, fmt.Errorf("encode gate result: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return GateRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO evaluation_gates (gate_id, change_id, project_id, baseline_metrics, proposed_metrics, result_json, evaluated_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, changeID, projectID, baselineJSON, proposedJSON, string(resultJSON),
		nullIfEmpty(evaluatedBy), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return GateRecord{}, fmt.Errorf("insert gate record: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE change_requests SET status = ?, evaluated_at = ?
		 WHERE change_id = ? AND project_id = ?`,
		string(newStatus), rec.CreatedAt.Format(time.RFC3339Nano), changeID, projectID,
	)
	if err != nil {
		return GateRecord{}, fmt.Errorf("update change status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return GateRecord{}, fmt.Errorf("commit: %w", err)
	}

	action := "evaluation_failed"
	if result.Passed {
		action = "evaluation_passed"
	}
	m.auditOrLog(audit.Entry{
		ProjectID:    projectID,
		ActorID:      evaluatedBy,
		Action:       action,
		Category:     "evaluation",
		ResourceType: "change_request",
		ResourceID:   changeID,
		BeforeState:  audit.JSONState(map[string]string{"status": string(cr.Status)}),
		AfterState:   audit.JSONState(map[string]interface{}{"status": string(newStatus), "gate_id": rec.ID, "failure_reasons": result.FailureReasons}),
	})
	return rec, nil
}

// #endregion evaluate

// #region deploy

// Deploy consults the deployment policy and, if it allows, flips an approved
// change to deployed. The status flip is a compare-and-swap so two
// concurrent deploy calls cannot both succeed.
func (m *Manager) Deploy(projectID, changeID, deployedBy string) error {
	ok, reason, err := m.policy.CanDeploy(projectID, changeID)
	if err != nil {
		return fmt.Errorf("deployment policy: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", reason, ErrPolicyViolation)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := m.db.Exec(
		`UPDATE change_requests
		 SET status = 'deployed', deployed_at = ?, approved_by = ?, approved_at = ?
		 WHERE change_id = ? AND project_id = ? AND status = 'approved'`,
		now, deployedBy, now, changeID, projectID,
	)
	if err != nil {
		return fmt.Errorf("deploy change: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race or the state moved between policy check and swap.
		cr, err := m.Get(projectID, changeID)
		if err != nil {
			return err
		}
		return fmt.Errorf("change is %s, not approved: %w", cr.Status, ErrPolicyViolation)
	}

	m.auditOrLog(audit.Entry{
		ProjectID:    projectID,
		ActorID:      deployedBy,
		Action:       "change_deployed",
		Category:     "deployment",
		ResourceType: "change_request",
		ResourceID:   changeID,
		BeforeState:  audit.JSONState(map[string]string{"status": string(StatusApproved)}),
		AfterState:   audit.JSONState(map[string]string{"status": string(StatusDeployed)}),
	})
	return nil
}

// #endregion deploy

// #region rollback

// Rollback reverts a deployed change. Any other starting state is a caller
// error: there is nothing live to revert.
func (m *Manager) Rollback(projectID, changeID, reason, rolledBackBy string) error {
	if reason == "" {
		return fmt.Errorf("rollback change: a reason is required: %w", ErrInvalidRequest)
	}

	res, err := m.db.Exec(
		`UPDATE change_requests
		 SET status = 'rolled_back', rollback_reason = ?, rolled_back_at = ?
		 WHERE change_id = ? AND project_id = ? AND status = 'deployed'`,
		reason, time.Now().UTC().Format(time.RFC3339Nano), changeID, projectID,
	)
	if err != nil {
		return fmt.Errorf("rollback change: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		cr, err := m.Get(projectID, changeID)
		if err != nil {
			return err
		}
		return fmt.Errorf("cannot roll back change in status %s: %w", cr.Status, ErrPolicyViolation)
	}

	m.auditOrLog(audit.Entry{
		ProjectID:     projectID,
		ActorID:       rolledBackBy,
		Action:        "change_rolled_back",
		Category:      "deployment",
		ResourceType:  "change_request",
		ResourceID:    changeID,
		BeforeState:   audit.JSONState(map[string]string{"status": string(StatusDeployed)}),
		AfterState:    audit.JSONState(map[string]string{"status": string(StatusRolledBack)}),
		Justification: reason,
	})
	return nil
}

// #endregion rollback

// #region queries

// Get returns one change request.
func (m *Manager) Get(projectID, changeID string) (ChangeRequest, error) {
	crs, err := m.query(
		selectChangeRequest+` WHERE change_id = ? AND project_id = ?`,
		changeID, projectID,
	)
	if err != nil {
		return ChangeRequest{}, err
	}
	if len(crs) == 0 {
		return ChangeRequest{}, fmt.Errorf("get change request %s: %w", changeID, ErrChangeNotFound)
	}
	return crs[0], nil
}

// List returns a project's change requests, newest first, optionally
// filtered by status ("" means all).
func (m *Manager) List(projectID string, status Status) ([]ChangeRequest, error) {
	if status == "" {
		return m.query(
			selectChangeRequest+` WHERE project_id = ? ORDER BY created_at DESC`,
			projectID,
		)
	}
	return m.query(
		selectChangeRequest+` WHERE project_id = ? AND status = ? ORDER BY created_at DESC`,
		projectID, string(status),
	)
}

// LatestGate returns the most recent evaluation gate for a change, or nil
// when the change has never been evaluated.
func (m *Manager) LatestGate(changeID string) (*GateRecord, error) {
	gates, err := m.queryGates(
		`SELECT gate_id, change_id, project_id, baseline_metrics, proposed_metrics, result_json, evaluated_by, created_at
		 FROM evaluation_gates WHERE change_id = ? ORDER BY created_at DESC LIMIT 1`,
		changeID,
	)
	if err != nil {
		return nil, err
	}
	if len(gates) == 0 {
		return nil, nil
	}
	return &gates[0], nil
}

// Gates returns all evaluation attempts for a change, newest first.
func (m *Manager) Gates(changeID string) ([]GateRecord, error) {
	return m.queryGates(
		`SELECT gate_id, change_id, project_id, baseline_metrics, proposed_metrics, result_json, evaluated_by, created_at
		 FROM evaluation_gates WHERE change_id = ? ORDER BY created_at DESC`,
		changeID,
	)
}

// #endregion queries

// #region mappers

const selectChangeRequest = `
SELECT change_id, project_id, change_type, proposed_by, title, description,
       current_config, proposed_config, status, is_breaking, requires_approval,
       rollback_reason, approved_by, created_at, evaluated_at, approved_at, deployed_at, rolled_back_at
FROM change_requests`

func (m *Manager) query(q string, args ...interface{}) ([]ChangeRequest, error) {
	rows, err := m.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query change requests: %w", err)
	}
	defer rows.Close()

	var out []ChangeRequest
	for rows.Next() {
		var cr ChangeRequest
		var description, currentJSON, proposedJSON, rollbackReason, approvedBy sql.NullString
		var evaluatedAt, approvedAt, deployedAt, rolledBackAt sql.NullString
		var status, createdStr string
		var isBreaking, requiresApproval int

		err := rows.Scan(&cr.ID, &cr.ProjectID, (*string)(&cr.Type), &cr.ProposedBy, &cr.Title,
			&description, &currentJSON, &proposedJSON, &status, &isBreaking, &requiresApproval,
			&rollbackReason, &approvedBy, &createdStr, &evaluatedAt, &approvedAt, &deployedAt, &rolledBackAt)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}

		cr.Description = description.String
		cr.Status = Status(status)
		cr.IsBreaking = isBreaking == 1
		cr.RequiresApproval = requiresApproval == 1
		cr.RollbackReason = rollbackReason.String
		cr.ApprovedBy = approvedBy.String
		if currentJSON.Valid {
			if err := json.Unmarshal([]byte(currentJSON.String), &cr.CurrentConfig); err != nil {
				return nil, fmt.Errorf("unmarshal current config: %w", err)
			}
		}
		if proposedJSON.Valid {
			if err := json.Unmarshal([]byte(proposedJSON.String), &cr.ProposedConfig); err != nil {
				return nil, fmt.Errorf("unmarshal proposed config: %w", err)
			}
		}
		cr.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		cr.EvaluatedAt = parseTimePtr(evaluatedAt)
		cr.ApprovedAt = parseTimePtr(approvedAt)
		cr.DeployedAt = parseTimePtr(deployedAt)
		cr.RolledBackAt = parseTimePtr(rolledBackAt)
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (m *Manager) queryGates(q string, args ...interface{}) ([]GateRecord, error) {
	rows, err := m.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query gates: %w", err)
	}
	defer rows.Close()

	var out []GateRecord
	for rows.Next() {
		var g GateRecord
		var baselineJSON, proposedJSON, resultJSON, createdStr string
		var evaluatedBy sql.NullString
		if err := rows.Scan(&g.ID, &g.ChangeRequestID, &g.ProjectID, &baselineJSON, &proposedJSON,
			&resultJSON, &evaluatedBy, &createdStr); err != nil {
			return nil, fmt.Errorf("scan gate record: %w", err)
		}
		if g.Baseline, err = metrics.Decode(baselineJSON); err != nil {
			return nil, fmt.Errorf("decode baseline: %w", err)
		}
		if g.Proposed, err = metrics.Decode(proposedJSON); err != nil {
			return nil, fmt.Errorf("decode proposed: %w", err)
		}
		if err := json.Unmarshal([]byte(resultJSON), &g.Result); err != nil {
			return nil, fmt.Errorf("decode gate result: %w", err)
		}
		g.EvaluatedBy = evaluatedBy.String
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, g)
	}
	return out, rows.Err()
}

// #endregion mappers

// #region helpers

func (m *Manager) auditOrLog(e audit.Entry) {
	if err := m.trail.Record(e); err != nil {
		log.Printf("[GOV] audit write failed for %s: %v", e.Action, err)
	}
}

func marshalConfig(cfg map[string]interface{}) (interface{}, error) {
	if cfg == nil {
		return nil, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
