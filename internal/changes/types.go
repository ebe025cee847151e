package changes

import (
	"time"

	"github.com/danielpatrickdp/pipeline-governor/internal/gate"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// #region change-type

// ChangeType names which AI-facing configuration surface a change touches.
type ChangeType string

const (
	ChangeChunkingStrategy    ChangeType = "chunking-strategy"
	ChangeEmbeddingModel      ChangeType = "embedding-model"
	ChangeRetrievalConfig     ChangeType = "retrieval-config"
	ChangePromptTemplate      ChangeType = "prompt-template"
	ChangeThresholdAdjustment ChangeType = "threshold-adjustment"
)

// ParseChangeType validates a change type string.
func ParseChangeType(raw string) (ChangeType, bool) {
	switch ChangeType(raw) {
	case ChangeChunkingStrategy, ChangeEmbeddingModel, ChangeRetrievalConfig,
		ChangePromptTemplate, ChangeThresholdAdjustment:
		return ChangeType(raw), true
	default:
		return "", false
	}
}

// #endregion change-type

// #region status

// Status is the change request lifecycle state.
// pending -> {approved | rejected} -> deployed -> rolled_back.
// Rejected and rolled_back requests are retained for audit, never deleted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusDeployed   Status = "deployed"
	StatusRolledBack Status = "rolled_back"
)

// #endregion status

// #region change-request

// ChangeRequest is one proposed configuration change moving through the
// governance lifecycle. Config payloads are opaque at this layer.
type ChangeRequest struct {
	ID               string
	ProjectID        string
	Type             ChangeType
	ProposedBy       string
	Title            string
	Description      string
	CurrentConfig    map[string]interface{}
	ProposedConfig   map[string]interface{}
	Status           Status
	IsBreaking       bool
	RequiresApproval bool
	RollbackReason   string
	ApprovedBy       string
	CreatedAt        time.Time
	EvaluatedAt      *time.Time
	ApprovedAt       *time.Time
	DeployedAt       *time.Time
	RolledBackAt     *time.Time
}

// #endregion change-request

// #region gate-record

// GateRecord is one immutable evaluation attempt for a change request.
// Re-evaluation creates a new record; existing records are never mutated, so
// historical judgments stay reproducible under later threshold changes.
type GateRecord struct {
	ID              string
	ChangeRequestID string
	ProjectID       string
	Baseline        metrics.Snapshot
	Proposed        metrics.Snapshot
	Result          gate.Result
	EvaluatedBy     string
	CreatedAt       time.Time
}

// #endregion gate-record
