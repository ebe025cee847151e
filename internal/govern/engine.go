package govern

// #region imports
import (
	"errors"
	"fmt"
	"log"

	"github.com/danielpatrickdp/pipeline-governor/internal/audit"
	"github.com/danielpatrickdp/pipeline-governor/internal/baseline"
	"github.com/danielpatrickdp/pipeline-governor/internal/changes"
	"github.com/danielpatrickdp/pipeline-governor/internal/config"
	"github.com/danielpatrickdp/pipeline-governor/internal/experiment"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
	"github.com/danielpatrickdp/pipeline-governor/internal/registry"
	"github.com/danielpatrickdp/pipeline-governor/internal/regression"
	"github.com/danielpatrickdp/pipeline-governor/internal/store"
)

// #endregion

// ErrNoBaseline is returned by operations that need an established current
// baseline when the project has none for the requested type.
var ErrNoBaseline = errors.New("no current baseline established")

// #region engine-struct

// Engine is the top-level coordinator: it owns the shared database handle
// and wires every governance component over it. Callers reach components
// through the accessors; the Engine itself adds the cross-component flows.
type Engine struct {
	store       *store.Store
	cfg         config.Config
	trail       *audit.Trail
	baselines   *baseline.Store
	changes     *changes.Manager
	detector    *regression.Detector
	registry    *registry.Registry
	experiments *experiment.Coordinator
}

// #endregion

// #region constructor

// Open creates a fully wired engine over the configured sqlite database.
func Open(cfg config.Config) (*Engine, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	db := st.DB()

	trail, err := audit.NewTrail(db)
	if err != nil {
		st.Close()
		return nil, err
	}
	baselines, err := baseline.NewStore(db)
	if err != nil {
		st.Close()
		return nil, err
	}
	mgr, err := changes.NewManager(db, trail, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	detector, err := regression.NewDetector(db, baselines, cfg.Regression)
	if err != nil {
		st.Close()
		return nil, err
	}
	reg, err := registry.NewRegistry(db, trail)
	if err != nil {
		st.Close()
		return nil, err
	}
	experiments, err := experiment.NewCoordinator(db)
	if err != nil {
		st.Close()
		return nil, err
	}

	log.Printf("[GOV] engine open: db=%s", cfg.DBPath)
	return &Engine{
		store:       st,
		cfg:         cfg,
		trail:       trail,
		baselines:   baselines,
		changes:     mgr,
		detector:    detector,
		registry:    reg,
		experiments: experiments,
	}, nil
}

// Close releases the database handle.
func (e *Engine) Close() error {
	return e.store.Close()
}

// #endregion

// #region accessors

func (e *Engine) Changes() *changes.Manager            { return e.changes }
func (e *Engine) Baselines() *baseline.Store           { return e.baselines }
func (e *Engine) Detector() *regression.Detector       { return e.detector }
func (e *Engine) Registry() *registry.Registry         { return e.registry }
func (e *Engine) Experiments() *experiment.Coordinator { return e.experiments }
func (e *Engine) Audit() *audit.Trail                  { return e.trail }
func (e *Engine) Config() config.Config                { return e.cfg }

// #endregion

// #region evaluate-against-baseline

// EvaluateChange gates a change request's proposed metrics against the
// project's current baseline of the given type, using the configured
// thresholds. This is the standard evaluation path; callers with an
// out-of-band baseline snapshot use Changes().Evaluate directly.
func (e *Engine) EvaluateChange(projectID, changeID string, btype baseline.Type, proposed metrics.Snapshot, evaluatedBy string) (changes.GateRecord, error) {
	cur, err := e.baselines.Current(projectID, btype)
	if err != nil {
		return changes.GateRecord{}, err
	}
	if cur == nil {
		return changes.GateRecord{}, fmt.Errorf("evaluate change %s against %s: %w", changeID, btype, ErrNoBaseline)
	}

	th := e.cfg.Gate
	rec, err := e.changes.Evaluate(projectID, changeID, cur.Metrics, proposed, &th, evaluatedBy)
	if err != nil {
		return changes.GateRecord{}, err
	}

	log.Printf("[GOV] evaluate: change=%s baseline=%s passed=%v reasons=%d",
		changeID, cur.ID, rec.Result.Passed, len(rec.Result.FailureReasons))
	return rec, nil
}

// #endregion

// #region monitor

// Monitor runs regression detection for a live metrics snapshot against the
// project's current baseline and returns any raised alerts. Absent baseline
// means nothing to compare, so no alerts.
func (e *Engine) Monitor(projectID string, current metrics.Snapshot, btype baseline.Type) ([]regression.Alert, error) {
	alerts, err := e.detector.Detect(projectID, current, btype)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		log.Printf("[GOV] alert: project=%s type=%s severity=%s delta=%.2f%%",
			projectID, a.Type, a.Severity, a.DeltaPercent)
	}
	return alerts, nil
}

// #endregion

// #region promote

// PromoteToBaseline establishes a new current baseline from a deployed
// change's proposed metrics. The change must be in deployed status so a
// baseline can only advance to something the gate and the deploy policy
// already accepted.
func (e *Engine) PromoteToBaseline(projectID, changeID string, btype baseline.Type, snap metrics.Snapshot, promotedBy string) (baseline.Baseline, error) {
	cr, err := e.changes.Get(projectID, changeID)
	if err != nil {
		return baseline.Baseline{}, err
	}
	if cr.Status != changes.StatusDeployed {
		return baseline.Baseline{}, fmt.Errorf("promote change %s: status is %s, not deployed", changeID, cr.Status)
	}
	return e.baselines.Establish(projectID, btype, snap, cr.ProposedConfig, promotedBy)
}

// #endregion
