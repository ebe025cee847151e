package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSnapshot is returned by Validate for out-of-range fields.
// Mutating operations reject the snapshot before touching any state.
var ErrInvalidSnapshot = errors.New("invalid metrics snapshot")

// #region snapshot

// Snapshot is an externally produced quality/performance measurement for one
// configuration over one sample window. Values are never computed here.
type Snapshot struct {
	Precision    float64   `json:"precision" yaml:"precision"`
	Recall       float64   `json:"recall" yaml:"recall"`
	NDCG         float64   `json:"ndcg" yaml:"ndcg"`
	AvgLatencyMs float64   `json:"avg_latency_ms" yaml:"avg_latency_ms"`
	AvgCostUsd   float64   `json:"avg_cost_usd" yaml:"avg_cost_usd"`
	SampleSize   int       `json:"sample_size" yaml:"sample_size"`
	Timestamp    time.Time `json:"timestamp,omitempty" yaml:"-"`
}

// Validate rejects snapshots with negative fields.
func (s Snapshot) Validate() error {
	checks := []struct {
		name  string
		value float64
	}{
		{"precision", s.Precision},
		{"recall", s.Recall},
		{"ndcg", s.NDCG},
		{"avg_latency_ms", s.AvgLatencyMs},
		{"avg_cost_usd", s.AvgCostUsd},
		{"sample_size", float64(s.SampleSize)},
	}
	for _, c := range checks {
		if c.value < 0 {
			return fmt.Errorf("%s must be >= 0, got %v: %w", c.name, c.value, ErrInvalidSnapshot)
		}
	}
	return nil
}

// #endregion snapshot

// #region accumulate

// Accumulate folds one sample into a running mean over n prior samples and
// returns the new mean. The standard incremental-mean update, applied to each
// numeric field; SampleSize of the returned snapshot is n+1.
func Accumulate(mean Snapshot, n int, sample Snapshot) Snapshot {
	if n <= 0 {
		out := sample
		out.SampleSize = 1
		return out
	}
	fn := float64(n)
	next := func(old, s float64) float64 {
		return (old*fn + s) / (fn + 1)
	}
	return Snapshot{
		Precision:    next(mean.Precision, sample.Precision),
		Recall:       next(mean.Recall, sample.Recall),
		NDCG:         next(mean.NDCG, sample.NDCG),
		AvgLatencyMs: next(mean.AvgLatencyMs, sample.AvgLatencyMs),
		AvgCostUsd:   next(mean.AvgCostUsd, sample.AvgCostUsd),
		SampleSize:   n + 1,
		Timestamp:    sample.Timestamp,
	}
}

// #endregion accumulate

// #region json

// Encode serializes a snapshot for TEXT column storage.
func Encode(s Snapshot) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(b), nil
}

// Decode parses a snapshot stored by Encode. Empty input yields a zero snapshot.
func Decode(raw string) (Snapshot, error) {
	var s Snapshot
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return s, nil
}

// #endregion json
