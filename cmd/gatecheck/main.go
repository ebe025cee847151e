package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/pipeline-governor/internal/config"
	"github.com/danielpatrickdp/pipeline-governor/internal/gate"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
)

// gatecheck runs the evaluation gate offline against two metrics snapshot
// files. No database involved; exit 0 means the gate passed, exit 1 means
// it failed. Useful in CI ahead of proposing a change.

// #region main

func main() {
	baselinePath := flag.String("baseline", "", "path to baseline metrics JSON")
	proposedPath := flag.String("proposed", "", "path to proposed metrics JSON")
	cfgPath := flag.String("config", "", "path to governor.yaml for thresholds (optional)")
	jsonOut := flag.Bool("json", false, "output the full gate result as JSON")
	flag.Parse()

	if *baselinePath == "" || *proposedPath == "" {
		fmt.Fprintln(os.Stderr, "usage: gatecheck --baseline base.json --proposed new.json [--config governor.yaml] [--json]")
		os.Exit(2)
	}

	baselineSnap, err := readSnapshot(*baselinePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	proposedSnap, err := readSnapshot(*proposedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	result := gate.Evaluate(baselineSnap, proposedSnap, cfg.Gate)

	if *jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		fmt.Println(string(data))
	} else {
		printResult(result)
	}

	if !result.Passed {
		os.Exit(1)
	}
}

// #endregion main

// #region output

func printResult(r gate.Result) {
	if r.Passed {
		fmt.Println("PASSED")
	} else {
		fmt.Println("FAILED")
	}
	fmt.Printf("  precision %+.4f  recall %+.4f  ndcg %+.4f\n",
		r.Deltas.Precision, r.Deltas.Recall, r.Deltas.NDCG)
	fmt.Printf("  latency %+.1fms  cost %+.2f%%\n",
		r.Deltas.LatencyMs, r.Deltas.CostIncreasePercent)
	for _, reason := range r.FailureReasons {
		fmt.Printf("  - %s\n", reason)
	}
}

// #endregion output

// #region input

func readSnapshot(path string) (metrics.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	snap, err := metrics.Decode(string(data))
	if err != nil {
		return metrics.Snapshot{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := snap.Validate(); err != nil {
		return metrics.Snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

// #endregion input
