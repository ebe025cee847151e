package regression

import "time"

// #region alert-type

// AlertType names the live metric that regressed.
type AlertType string

const (
	AlertPrecisionDrop  AlertType = "precision_drop"
	AlertRecallDrop     AlertType = "recall_drop"
	AlertLatencySpike   AlertType = "latency_spike"
	AlertCostAnomaly    AlertType = "cost_anomaly"
	AlertQualityDrift   AlertType = "quality_drift"
	AlertErrorRateSpike AlertType = "error_rate_spike"
)

// #endregion alert-type

// #region severity

// Severity classifies how bad a regression is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// #endregion severity

// #region alert

// Alert is one detected regression of a live metric against the current
// baseline. Created by detection, mutated only by acknowledge/resolve,
// never deleted.
type Alert struct {
	ID              string
	ProjectID       string
	Type            AlertType
	Severity        Severity
	Metric          string
	BaselineValue   float64
	CurrentValue    float64
	DeltaPercent    float64 // signed
	Threshold       float64 // the tier value that was crossed
	ChangeRequestID string  // optional link to a suspected cause
	Acknowledged    bool
	AcknowledgedBy  string
	AcknowledgedAt  *time.Time
	Resolved        bool
	ResolvedBy      string
	ResolutionNotes string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

// #endregion alert

// #region config

// Config holds the severity tiers for detection. Drop tiers are fractions of
// the baseline value; ratio tiers are multiples of it.
type Config struct {
	PrecisionWarnDrop     float64 `yaml:"precision_warn_drop"`
	PrecisionCriticalDrop float64 `yaml:"precision_critical_drop"`
	RecallWarnDrop        float64 `yaml:"recall_warn_drop"`
	RecallCriticalDrop    float64 `yaml:"recall_critical_drop"`
	LatencyWarnRatio      float64 `yaml:"latency_warn_ratio"`
	LatencyCriticalRatio  float64 `yaml:"latency_critical_ratio"`
	CostWarnRatio         float64 `yaml:"cost_warn_ratio"`
	CostCriticalRatio     float64 `yaml:"cost_critical_ratio"`
}

// DefaultConfig returns the standard severity tiers.
func DefaultConfig() Config {
	return Config{
		PrecisionWarnDrop:     0.05,
		PrecisionCriticalDrop: 0.10,
		RecallWarnDrop:        0.05,
		RecallCriticalDrop:    0.10,
		LatencyWarnRatio:      1.5,
		LatencyCriticalRatio:  2.0,
		CostWarnRatio:         1.2,
		CostCriticalRatio:     1.5,
	}
}

// #endregion config
