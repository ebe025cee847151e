package changes

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/pipeline-governor/internal/audit"
	"github.com/danielpatrickdp/pipeline-governor/internal/gate"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
	"github.com/danielpatrickdp/pipeline-governor/internal/store"
)

func tempManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	trail, err := audit.NewTrail(db.DB())
	if err != nil {
		t.Fatalf("audit.NewTrail: %v", err)
	}
	m, err := NewManager(db.DB(), trail, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func snap(precision float64) metrics.Snapshot {
	return metrics.Snapshot{Precision: precision, Recall: 0.75, NDCG: 0.7, AvgLatencyMs: 200, AvgCostUsd: 0.01, SampleSize: 100}
}

func createChange(t *testing.T, m *Manager, breaking bool) ChangeRequest {
	t.Helper()
	cr, err := m.Create("proj-1", CreateParams{
		Type:           ChangeEmbeddingModel,
		ProposedBy:     "alice",
		Title:          "swap to bge-large",
		Description:    "larger embedding model for retrieval quality",
		CurrentConfig:  map[string]interface{}{"model": "bge-small"},
		ProposedConfig: map[string]interface{}{"model": "bge-large"},
		IsBreaking:     breaking,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return cr
}

func TestCreateStartsPending(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	if cr.Status != StatusPending {
		t.Fatalf("expected pending, got %s", cr.Status)
	}
	if cr.RequiresApproval {
		t.Fatal("non-breaking change should not require approval")
	}

	got, err := m.Get("proj-1", cr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending || got.Title != "swap to bge-large" {
		t.Fatalf("unexpected stored request: %+v", got)
	}
	if got.ProposedConfig["model"] != "bge-large" {
		t.Fatalf("proposed config not round-tripped: %+v", got.ProposedConfig)
	}
}

func TestCreateBreakingRequiresApproval(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, true)
	if !cr.RequiresApproval {
		t.Fatal("breaking change must require approval")
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	m := tempManager(t)
	_, err := m.Create("proj-1", CreateParams{Type: "hyperparam", ProposedBy: "alice", Title: "x"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown change type, got %v", err)
	}
	_, err = m.Create("proj-1", CreateParams{Type: ChangeEmbeddingModel, ProposedBy: "alice"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing title, got %v", err)
	}
}

func TestEvaluatePassApprovesAndRecordsGate(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	rec, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.82), nil, "eval-bot")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !rec.Result.Passed {
		t.Fatalf("expected pass, got reasons %v", rec.Result.FailureReasons)
	}

	got, err := m.Get("proj-1", cr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	if got.EvaluatedAt == nil {
		t.Fatal("evaluated_at not stamped")
	}
}

func TestEvaluateFailRejects(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	rec, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.78), nil, "eval-bot")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rec.Result.Passed {
		t.Fatal("expected failure")
	}
	if len(rec.Result.FailureReasons) != 1 || !strings.Contains(rec.Result.FailureReasons[0], "2.00%") {
		t.Fatalf("unexpected failure reasons: %v", rec.Result.FailureReasons)
	}

	got, _ := m.Get("proj-1", cr.ID)
	if got.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
}

func TestReEvaluationKeepsEveryGateRecord(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	if _, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.78), nil, "eval-bot"); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}
	if _, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.83), nil, "eval-bot"); err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}

	gates, err := m.Gates(cr.ID)
	if err != nil {
		t.Fatalf("Gates: %v", err)
	}
	if len(gates) != 2 {
		t.Fatalf("expected 2 gate records, got %d", len(gates))
	}

	latest, err := m.LatestGate(cr.ID)
	if err != nil {
		t.Fatalf("LatestGate: %v", err)
	}
	if latest == nil || !latest.Result.Passed {
		t.Fatalf("latest gate should be the passing one: %+v", latest)
	}

	got, _ := m.Get("proj-1", cr.ID)
	if got.Status != StatusApproved {
		t.Fatalf("expected approved after re-evaluation, got %s", got.Status)
	}
}

func TestEvaluateCustomThresholds(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	th := gate.DefaultThresholds()
	th.MinPrecisionDelta = -0.05 // tolerate small drops
	rec, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.78), &th, "eval-bot")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !rec.Result.Passed {
		t.Fatalf("drop inside tolerance should pass, got %v", rec.Result.FailureReasons)
	}
}

func TestDeployRequiresApprovedStatus(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	// Pending: never evaluated.
	err := m.Deploy("proj-1", cr.ID, "bob")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation for pending change, got %v", err)
	}
	if got, _ := m.Get("proj-1", cr.ID); got.Status != StatusPending {
		t.Fatalf("blocked deploy must not mutate, got %s", got.Status)
	}

	// Rejected: failed evaluation.
	if _, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.70), nil, "eval-bot"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	err = m.Deploy("proj-1", cr.ID, "bob")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation for rejected change, got %v", err)
	}
	if got, _ := m.Get("proj-1", cr.ID); got.Status != StatusRejected {
		t.Fatalf("blocked deploy must not mutate, got %s", got.Status)
	}
}

func TestDeployApprovedChange(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	if _, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.85), nil, "eval-bot"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if err := m.Deploy("proj-1", cr.ID, "bob"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	got, _ := m.Get("proj-1", cr.ID)
	if got.Status != StatusDeployed {
		t.Fatalf("expected deployed, got %s", got.Status)
	}
	if got.DeployedAt == nil || got.ApprovedAt == nil {
		t.Fatal("deployed_at and approved_at must be stamped")
	}
	if got.ApprovedBy != "bob" {
		t.Fatalf("expected approver bob, got %q", got.ApprovedBy)
	}

	// Second deploy of the same change is blocked.
	err := m.Deploy("proj-1", cr.ID, "bob")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation on redeploy, got %v", err)
	}
}

func TestRollbackDeployedChange(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	if _, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.85), nil, "eval-bot"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if err := m.Deploy("proj-1", cr.ID, "bob"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := m.Rollback("proj-1", cr.ID, "precision regressed in production", "bob"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, _ := m.Get("proj-1", cr.ID)
	if got.Status != StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s", got.Status)
	}
	if got.RollbackReason != "precision regressed in production" {
		t.Fatalf("rollback reason not stored: %q", got.RollbackReason)
	}
	if got.RolledBackAt == nil {
		t.Fatal("rolled_back_at not stamped")
	}

	// Rolled back changes cannot be redeployed or re-evaluated.
	if err := m.Deploy("proj-1", cr.ID, "bob"); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if _, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.85), nil, "eval-bot"); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
}

func TestRollbackRequiresDeployed(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)

	err := m.Rollback("proj-1", cr.ID, "oops", "bob")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation rolling back pending change, got %v", err)
	}
}

func TestRollbackRequiresReason(t *testing.T) {
	m := tempManager(t)
	cr := createChange(t, m, false)
	if err := m.Rollback("proj-1", cr.ID, "", "bob"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty rollback reason, got %v", err)
	}
}

func TestGetUnknownChange(t *testing.T) {
	m := tempManager(t)
	_, err := m.Get("proj-1", "no-such-id")
	if !errors.Is(err, ErrChangeNotFound) {
		t.Fatalf("expected ErrChangeNotFound, got %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	m := tempManager(t)
	a := createChange(t, m, false)
	createChange(t, m, false)

	if _, err := m.Evaluate("proj-1", a.ID, snap(0.80), snap(0.85), nil, "eval-bot"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	all, err := m.List("proj-1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(all))
	}

	approved, err := m.List("proj-1", StatusApproved)
	if err != nil {
		t.Fatalf("List approved: %v", err)
	}
	if len(approved) != 1 || approved[0].ID != a.ID {
		t.Fatalf("unexpected approved list: %+v", approved)
	}

	other, err := m.List("proj-2", "")
	if err != nil {
		t.Fatalf("List other project: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("project scoping leaked: %+v", other)
	}
}

func TestLifecycleWritesAuditEntries(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	trail, err := audit.NewTrail(db.DB())
	if err != nil {
		t.Fatalf("audit.NewTrail: %v", err)
	}
	m, err := NewManager(db.DB(), trail, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cr := createChange(t, m, false)
	if _, err := m.Evaluate("proj-1", cr.ID, snap(0.80), snap(0.85), nil, "eval-bot"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if err := m.Deploy("proj-1", cr.ID, "bob"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := m.Rollback("proj-1", cr.ID, "latency spike", "bob"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	entries, err := trail.Recent("proj-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(entries))
	}
	// Newest first.
	wantActions := []string{"change_rolled_back", "change_deployed", "evaluation_passed", "change_request_created"}
	for i, want := range wantActions {
		if entries[i].Action != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, entries[i].Action)
		}
	}
}
