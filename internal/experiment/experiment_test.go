package experiment

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
	"github.com/danielpatrickdp/pipeline-governor/internal/store"
)

func tempCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	c, err := NewCoordinator(db.DB())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func runningExperiment(t *testing.T, c *Coordinator) Experiment {
	t.Helper()
	e, err := c.Create("proj-1", "embedding-v2-rollout", "model-a", "model-b", 50, 100, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Start("proj-1", e.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

func sample(precision, latency float64) metrics.Snapshot {
	return metrics.Snapshot{Precision: precision, Recall: 0.7, NDCG: 0.6, AvgLatencyMs: latency, AvgCostUsd: 0.01}
}

func TestCreateStartsInDraft(t *testing.T) {
	c := tempCoordinator(t)
	e, err := c.Create("proj-1", "exp", "a", "b", 50, 10, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _ := c.Get("proj-1", e.ID)
	if got.Status != StatusDraft {
		t.Fatalf("expected draft, got %s", got.Status)
	}
	if got.StartDate != nil {
		t.Fatal("draft experiment must have no start date")
	}
}

func TestCreateValidatesSplit(t *testing.T) {
	c := tempCoordinator(t)
	if _, err := c.Create("proj-1", "exp", "a", "b", 150, 10, "alice"); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
	if _, err := c.Create("proj-1", "exp", "", "b", 50, 10, "alice"); err == nil {
		t.Fatal("expected error for missing control model")
	}
}

func TestStartStampsDate(t *testing.T) {
	c := tempCoordinator(t)
	e := runningExperiment(t, c)

	got, _ := c.Get("proj-1", e.ID)
	if got.Status != StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.StartDate == nil {
		t.Fatal("start must stamp start date")
	}

	// Starting again is a bad transition.
	if err := c.Start("proj-1", e.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestRunningAverageCorrectness(t *testing.T) {
	c := tempCoordinator(t)
	e := runningExperiment(t, c)

	samples := []metrics.Snapshot{
		sample(0.80, 100),
		sample(0.90, 200),
		sample(0.70, 300),
	}
	var last Experiment
	var err error
	for _, s := range samples {
		last, err = c.RecordSample("proj-1", e.ID, true, s)
		if err != nil {
			t.Fatalf("RecordSample: %v", err)
		}
	}

	if last.CurrentSampleSize != 3 {
		t.Fatalf("expected overall sample size 3, got %d", last.CurrentSampleSize)
	}
	if last.ControlSamples != 3 || last.TreatmentSamples != 0 {
		t.Fatalf("arm counts wrong: control=%d treatment=%d", last.ControlSamples, last.TreatmentSamples)
	}
	if math.Abs(last.ControlMetrics.Precision-0.80) > 1e-9 {
		t.Errorf("precision mean: got %f, want 0.80", last.ControlMetrics.Precision)
	}
	if math.Abs(last.ControlMetrics.AvgLatencyMs-200) > 1e-9 {
		t.Errorf("latency mean: got %f, want 200", last.ControlMetrics.AvgLatencyMs)
	}
}

func TestArmsAccumulateIndependently(t *testing.T) {
	c := tempCoordinator(t)
	e := runningExperiment(t, c)

	c.RecordSample("proj-1", e.ID, true, sample(0.80, 100))
	got, err := c.RecordSample("proj-1", e.ID, false, sample(0.60, 400))
	if err != nil {
		t.Fatalf("RecordSample treatment: %v", err)
	}
	if got.ControlMetrics.Precision != 0.80 || got.TreatmentMetrics.Precision != 0.60 {
		t.Fatalf("arm means mixed: %+v / %+v", got.ControlMetrics, got.TreatmentMetrics)
	}
	if got.CurrentSampleSize != 2 {
		t.Fatalf("expected overall 2, got %d", got.CurrentSampleSize)
	}
}

func TestRecordSampleRequiresRunning(t *testing.T) {
	c := tempCoordinator(t)
	e, _ := c.Create("proj-1", "exp", "a", "b", 50, 10, "alice")

	if _, err := c.RecordSample("proj-1", e.ID, true, sample(0.8, 100)); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition on draft, got %v", err)
	}
	if _, err := c.RecordSample("proj-1", "missing", true, sample(0.8, 100)); !errors.Is(err, ErrExperimentNotFound) {
		t.Fatalf("expected ErrExperimentNotFound, got %v", err)
	}
}

func TestConcurrentSamplesNoLostUpdates(t *testing.T) {
	c := tempCoordinator(t)
	e := runningExperiment(t, c)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.RecordSample("proj-1", e.ID, true, sample(0.8, 100)); err != nil {
				t.Errorf("RecordSample: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := c.Get("proj-1", e.ID)
	if got.ControlSamples != n || got.CurrentSampleSize != n {
		t.Fatalf("lost updates: control=%d overall=%d", got.ControlSamples, got.CurrentSampleSize)
	}
	if math.Abs(got.ControlMetrics.Precision-0.8) > 1e-9 {
		t.Fatalf("mean drifted: %f", got.ControlMetrics.Precision)
	}
}

func TestPauseResumeCompleteLifecycle(t *testing.T) {
	c := tempCoordinator(t)
	e := runningExperiment(t, c)

	if err := c.Pause("proj-1", e.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := c.RecordSample("proj-1", e.ID, true, sample(0.8, 100)); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected no samples while paused, got %v", err)
	}
	if err := c.Resume("proj-1", e.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	sig := 0.03
	if err := c.Complete("proj-1", e.ID, "treatment", &sig); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := c.Get("proj-1", e.ID)
	if got.Status != StatusCompleted || got.Winner != "treatment" {
		t.Fatalf("completion state wrong: %+v", got)
	}
	if got.Significance == nil || *got.Significance != 0.03 {
		t.Fatalf("significance not stored: %v", got.Significance)
	}
	if got.EndDate == nil {
		t.Fatal("complete must stamp end date")
	}

	// Terminal: no further transitions.
	if err := c.Cancel("proj-1", e.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition after completion, got %v", err)
	}
}

func TestCancelFromDraft(t *testing.T) {
	c := tempCoordinator(t)
	e, _ := c.Create("proj-1", "exp", "a", "b", 50, 10, "alice")
	if err := c.Cancel("proj-1", e.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := c.Get("proj-1", e.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}
