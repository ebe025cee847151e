package changes

import "fmt"

// #region policy

// DeployPolicy decides whether a change request may be deployed. The exact
// rule is injectable so stricter policies can be swapped in without touching
// the manager.
type DeployPolicy interface {
	// CanDeploy returns false with a human-readable reason when deployment
	// must be blocked. An error means the policy itself could not run.
	CanDeploy(projectID, changeID string) (bool, string, error)
}

// #endregion policy

// #region gate-policy

// GatePolicy is the default deployment policy: the change must be approved
// and its latest evaluation gate must have passed.
type GatePolicy struct {
	mgr *Manager
}

// NewGatePolicy builds the default policy over a manager's records.
func NewGatePolicy(mgr *Manager) *GatePolicy {
	return &GatePolicy{mgr: mgr}
}

// CanDeploy blocks unevaluated, failed, and terminal change requests.
func (p *GatePolicy) CanDeploy(projectID, changeID string) (bool, string, error) {
	cr, err := p.mgr.Get(projectID, changeID)
	if err != nil {
		return false, "", err
	}

	switch cr.Status {
	case StatusDeployed:
		return false, "change is already deployed", nil
	case StatusRolledBack:
		return false, "change was rolled back and cannot be redeployed", nil
	case StatusPending:
		return false, "change has not been evaluated", nil
	case StatusRejected:
		return false, "change was rejected by evaluation", nil
	}

	latest, err := p.mgr.LatestGate(changeID)
	if err != nil {
		return false, "", err
	}
	if latest == nil {
		return false, "no evaluation gate recorded", nil
	}
	if !latest.Result.Passed {
		return false, fmt.Sprintf("latest evaluation failed: %s", latest.Result.FailureReasons[0]), nil
	}
	return true, "", nil
}

// #endregion gate-policy
