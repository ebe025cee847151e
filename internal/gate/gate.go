package gate

import (
	"fmt"

	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// #region thresholds

// Thresholds bounds how much a proposed configuration may regress relative
// to the baseline before the gate fails.
type Thresholds struct {
	MinPrecisionDelta      float64 `json:"min_precision_delta" yaml:"min_precision_delta"`
	MinRecallDelta         float64 `json:"min_recall_delta" yaml:"min_recall_delta"`
	MaxLatencyIncreaseMs   float64 `json:"max_latency_increase_ms" yaml:"max_latency_increase_ms"`
	MaxCostIncreasePercent float64 `json:"max_cost_increase_percent" yaml:"max_cost_increase_percent"`
}

// DefaultThresholds allows no precision or recall drop, up to 500ms of added
// latency, and up to a 20% cost increase.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinPrecisionDelta:      0,
		MinRecallDelta:         0,
		MaxLatencyIncreaseMs:   500,
		MaxCostIncreasePercent: 20,
	}
}

// #endregion thresholds

// #region result

// Deltas holds the signed differences between proposed and baseline metrics.
type Deltas struct {
	Precision           float64 `json:"precision"`
	Recall              float64 `json:"recall"`
	NDCG                float64 `json:"ndcg"`
	LatencyMs           float64 `json:"latency_ms"`
	CostUsd             float64 `json:"cost_usd"`
	CostIncreasePercent float64 `json:"cost_increase_percent"`
}

// Result is one pass/fail judgment over a baseline/proposed pair. The
// thresholds used are carried so persisted results stay reproducible after
// defaults change.
type Result struct {
	Deltas         Deltas     `json:"deltas"`
	Passed         bool       `json:"passed"`
	FailureReasons []string   `json:"failure_reasons,omitempty"`
	Thresholds     Thresholds `json:"thresholds"`
}

// #endregion result

// #region evaluate

// Evaluate scores a proposed configuration's metrics against a baseline.
// Pure function; failure reasons accumulate, one per violated threshold.
func Evaluate(baseline, proposed metrics.Snapshot, t Thresholds) Result {
	d := Deltas{
		Precision: proposed.Precision - baseline.Precision,
		Recall:    proposed.Recall - baseline.Recall,
		NDCG:      proposed.NDCG - baseline.NDCG,
		LatencyMs: proposed.AvgLatencyMs - baseline.AvgLatencyMs,
		CostUsd:   proposed.AvgCostUsd - baseline.AvgCostUsd,
	}
	if baseline.AvgCostUsd > 0 {
		d.CostIncreasePercent = d.CostUsd / baseline.AvgCostUsd * 100
	}

	var reasons []string
	if d.Precision < t.MinPrecisionDelta {
		reasons = append(reasons, fmt.Sprintf(
			"precision dropped by %.2f%%: %.4f -> %.4f (minimum delta %.4f)",
			-d.Precision*100, baseline.Precision, proposed.Precision, t.MinPrecisionDelta))
	}
	if d.Recall < t.MinRecallDelta {
		reasons = append(reasons, fmt.Sprintf(
			"recall dropped by %.2f%%: %.4f -> %.4f (minimum delta %.4f)",
			-d.Recall*100, baseline.Recall, proposed.Recall, t.MinRecallDelta))
	}
	if d.LatencyMs > t.MaxLatencyIncreaseMs {
		reasons = append(reasons, fmt.Sprintf(
			"latency increased by %.0fms: %.0fms -> %.0fms (max increase %.0fms)",
			d.LatencyMs, baseline.AvgLatencyMs, proposed.AvgLatencyMs, t.MaxLatencyIncreaseMs))
	}
	if d.CostIncreasePercent > t.MaxCostIncreasePercent {
		reasons = append(reasons, fmt.Sprintf(
			"cost increased by %.2f%%: $%.6f -> $%.6f (max increase %.2f%%)",
			d.CostIncreasePercent, baseline.AvgCostUsd, proposed.AvgCostUsd, t.MaxCostIncreasePercent))
	}

	return Result{
		Deltas:         d,
		Passed:         len(reasons) == 0,
		FailureReasons: reasons,
		Thresholds:     t,
	}
}

// #endregion evaluate
