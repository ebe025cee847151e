package regression

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/pipeline-governor/internal/baseline"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
	"github.com/danielpatrickdp/pipeline-governor/internal/store"
)

func tempDetector(t *testing.T) (*Detector, *baseline.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	baselines, err := baseline.NewStore(db.DB())
	if err != nil {
		t.Fatalf("baseline.NewStore: %v", err)
	}
	d, err := NewDetector(db.DB(), baselines, DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d, baselines
}

func baseSnap() metrics.Snapshot {
	return metrics.Snapshot{Precision: 0.80, Recall: 0.75, NDCG: 0.70, AvgLatencyMs: 200, AvgCostUsd: 0.01, SampleSize: 100}
}

func TestDetectNoBaselineIsNoop(t *testing.T) {
	d, _ := tempDetector(t)

	alerts, err := d.Detect("proj-1", baseSnap(), baseline.TypeRetrieval)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts without baseline, got %d", len(alerts))
	}
}

func TestLatencySpikeCritical(t *testing.T) {
	d, baselines := tempDetector(t)
	baselines.Establish("proj-1", baseline.TypeRetrieval, baseSnap(), nil, "alice")

	live := baseSnap()
	live.AvgLatencyMs = 410 // ratio 2.05

	alerts, err := d.Detect("proj-1", live, baseline.TypeRetrieval)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Type != AlertLatencySpike {
		t.Errorf("expected latency_spike, got %s", a.Type)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("expected critical, got %s", a.Severity)
	}
	if math.Abs(a.DeltaPercent-105) > 1e-6 {
		t.Errorf("expected delta percent 105, got %f", a.DeltaPercent)
	}
	if a.Threshold != 2.0 {
		t.Errorf("expected crossed threshold 2.0, got %f", a.Threshold)
	}
}

func TestPrecisionDropTiers(t *testing.T) {
	cases := []struct {
		name      string
		precision float64
		severity  Severity
		none      bool
	}{
		{"no drop", 0.80, "", true},
		{"small drop below warn", 0.79, "", true},
		{"warn tier", 0.75, SeverityMedium, false},       // -6.25%
		{"critical tier", 0.70, SeverityCritical, false}, // -12.5%
	}
	for _, c := range cases {
		d, baselines := tempDetector(t)
		baselines.Establish("proj-1", baseline.TypeRetrieval, baseSnap(), nil, "alice")

		live := baseSnap()
		live.Precision = c.precision
		alerts, err := d.Detect("proj-1", live, baseline.TypeRetrieval)
		if err != nil {
			t.Fatalf("%s: Detect: %v", c.name, err)
		}
		if c.none {
			if len(alerts) != 0 {
				t.Errorf("%s: expected no alerts, got %+v", c.name, alerts)
			}
			continue
		}
		if len(alerts) != 1 {
			t.Fatalf("%s: expected 1 alert, got %d", c.name, len(alerts))
		}
		if alerts[0].Type != AlertPrecisionDrop || alerts[0].Severity != c.severity {
			t.Errorf("%s: got %s/%s", c.name, alerts[0].Type, alerts[0].Severity)
		}
		if alerts[0].DeltaPercent >= 0 {
			t.Errorf("%s: drop delta must be negative, got %f", c.name, alerts[0].DeltaPercent)
		}
	}
}

func TestCostAnomalyTopsOutAtHigh(t *testing.T) {
	d, baselines := tempDetector(t)
	baselines.Establish("proj-1", baseline.TypeRetrieval, baseSnap(), nil, "alice")

	live := baseSnap()
	live.AvgCostUsd = 0.016 // ratio 1.6

	alerts, err := d.Detect("proj-1", live, baseline.TypeRetrieval)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Type != AlertCostAnomaly {
		t.Errorf("expected cost_anomaly, got %s", alerts[0].Type)
	}
	if alerts[0].Severity != SeverityHigh {
		t.Errorf("cost overruns classify as high, got %s", alerts[0].Severity)
	}
}

func TestMultipleIndependentAlerts(t *testing.T) {
	d, baselines := tempDetector(t)
	baselines.Establish("proj-1", baseline.TypeRetrieval, baseSnap(), nil, "alice")

	live := metrics.Snapshot{
		Precision:    0.70, // critical drop
		Recall:       0.71, // warn drop (-5.33%)
		NDCG:         0.70,
		AvgLatencyMs: 320,   // ratio 1.6, warn
		AvgCostUsd:   0.013, // ratio 1.3, warn
	}
	alerts, err := d.Detect("proj-1", live, baseline.TypeRetrieval)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(alerts) != 4 {
		t.Fatalf("expected 4 alerts, got %d: %+v", len(alerts), alerts)
	}

	// All persisted and open.
	open, err := d.OpenAlerts("proj-1")
	if err != nil {
		t.Fatalf("OpenAlerts: %v", err)
	}
	if len(open) != 4 {
		t.Fatalf("expected 4 open alerts, got %d", len(open))
	}
}

func TestZeroBaselineCostSkipsCost(t *testing.T) {
	d, baselines := tempDetector(t)
	base := baseSnap()
	base.AvgCostUsd = 0
	baselines.Establish("proj-1", baseline.TypeRetrieval, base, nil, "alice")

	live := base
	live.AvgCostUsd = 5.0
	alerts, err := d.Detect("proj-1", live, baseline.TypeRetrieval)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected cost check skipped, got %+v", alerts)
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	d, baselines := tempDetector(t)
	baselines.Establish("proj-1", baseline.TypeRetrieval, baseSnap(), nil, "alice")

	live := baseSnap()
	live.AvgLatencyMs = 500
	alerts, _ := d.Detect("proj-1", live, baseline.TypeRetrieval)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	id := alerts[0].ID

	if err := d.Acknowledge(id, "oncall"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	a, err := d.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !a.Acknowledged || a.AcknowledgedBy != "oncall" || a.AcknowledgedAt == nil {
		t.Fatalf("acknowledge state wrong: %+v", a)
	}

	if err := d.Resolve(id, "rolled back embedding change", "oncall"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a, _ = d.Get(id)
	if !a.Resolved || a.ResolutionNotes != "rolled back embedding change" || a.ResolvedAt == nil {
		t.Fatalf("resolve state wrong: %+v", a)
	}

	open, _ := d.OpenAlerts("proj-1")
	if len(open) != 0 {
		t.Fatalf("resolved alert still open: %+v", open)
	}
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	d, _ := tempDetector(t)
	err := d.Acknowledge("no-such-alert", "oncall")
	if !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("expected ErrAlertNotFound, got %v", err)
	}
	err = d.Resolve("no-such-alert", "notes", "oncall")
	if !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestDetectDefaultsToRetrievalBaseline(t *testing.T) {
	d, baselines := tempDetector(t)
	baselines.Establish("proj-1", baseline.TypeRetrieval, baseSnap(), nil, "alice")

	live := baseSnap()
	live.AvgLatencyMs = 410

	alerts, err := d.Detect("proj-1", live, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != AlertLatencySpike {
		t.Fatalf("expected latency alert against the retrieval baseline, got %+v", alerts)
	}
}
