package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/pipeline-governor/internal/baseline"
	"github.com/danielpatrickdp/pipeline-governor/internal/changes"
	"github.com/danielpatrickdp/pipeline-governor/internal/config"
	"github.com/danielpatrickdp/pipeline-governor/internal/govern"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to governor.db")
	project := flag.String("project", "default", "project id")
	change := flag.String("change", "", "show one change request with its gate history")
	btype := flag.String("baselines", "", "show baseline history for a baseline type")
	alerts := flag.Bool("alerts", false, "show open regression alerts")
	auditN := flag.Int("audit", 0, "show N most recent audit entries")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/governor.db [--project id] [--change id] [--baselines type] [--alerts] [--audit N] [--json]")
		os.Exit(2)
	}

	cfg := config.Default()
	cfg.DBPath = *dbPath
	engine, err := govern.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	switch {
	case *change != "":
		err = runChangeDetail(engine, *project, *change, *jsonOut)
	case *btype != "":
		err = runBaselines(engine, *project, *btype, *jsonOut)
	case *alerts:
		err = runAlerts(engine, *project, *jsonOut)
	case *auditN > 0:
		err = runAudit(engine, *project, *auditN, *jsonOut)
	default:
		err = runChangeList(engine, *project, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region change-list

func runChangeList(engine *govern.Engine, project string, jsonOut bool) error {
	crs, err := engine.Changes().List(project, "")
	if err != nil {
		return err
	}
	if len(crs) == 0 {
		fmt.Fprintln(os.Stderr, "no change requests found")
		return nil
	}
	if jsonOut {
		return printJSON(crs)
	}

	fmt.Printf("%-10s  %-20s  %-11s  %-8s  %-20s  %s\n",
		"Change", "Type", "Status", "Breaking", "Time", "Title")
	for _, cr := range crs {
		fmt.Printf("%-10s  %-20s  %-11s  %-8v  %-20s  %s\n",
			shortID(cr.ID), cr.Type, cr.Status, cr.IsBreaking,
			cr.CreatedAt.Format("2006-01-02T15:04:05Z"), cr.Title)
	}
	return nil
}

// #endregion change-list

// #region change-detail

type changeDetail struct {
	Change changes.ChangeRequest `json:"change"`
	Gates  []changes.GateRecord  `json:"gates"`
}

func runChangeDetail(engine *govern.Engine, project, changeID string, jsonOut bool) error {
	cr, err := engine.Changes().Get(project, changeID)
	if err != nil {
		return err
	}
	gates, err := engine.Changes().Gates(changeID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(changeDetail{Change: cr, Gates: gates})
	}

	fmt.Printf("Change:     %s\n", cr.ID)
	fmt.Printf("Type:       %s\n", cr.Type)
	fmt.Printf("Status:     %s\n", cr.Status)
	fmt.Printf("Proposed:   %s by %s\n", cr.CreatedAt.Format("2006-01-02T15:04:05Z"), cr.ProposedBy)
	fmt.Printf("Title:      %s\n", cr.Title)
	if cr.RollbackReason != "" {
		fmt.Printf("Rollback:   %s\n", cr.RollbackReason)
	}

	if len(gates) > 0 {
		fmt.Printf("\nEvaluation gates (newest first):\n")
		for _, g := range gates {
			verdict := "FAILED"
			if g.Result.Passed {
				verdict = "PASSED"
			}
			fmt.Printf("  %s  %-6s  precision %+.4f  recall %+.4f  latency %+.1fms\n",
				g.CreatedAt.Format("2006-01-02T15:04:05Z"), verdict,
				g.Result.Deltas.Precision, g.Result.Deltas.Recall, g.Result.Deltas.LatencyMs)
			for _, r := range g.Result.FailureReasons {
				fmt.Printf("    - %s\n", r)
			}
		}
	}
	return nil
}

// #endregion change-detail

// #region baselines

func runBaselines(engine *govern.Engine, project, rawType string, jsonOut bool) error {
	t, ok := baseline.ParseType(rawType)
	if !ok {
		return fmt.Errorf("unknown baseline type %q", rawType)
	}
	history, err := engine.Baselines().History(project, t, 20)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintln(os.Stderr, "no baselines found")
		return nil
	}
	if jsonOut {
		return printJSON(history)
	}

	fmt.Printf("%-10s  %-7s  %9s  %6s  %10s  %9s  %s\n",
		"Baseline", "Current", "Precision", "Recall", "Latency ms", "Cost usd", "Time")
	for _, b := range history {
		fmt.Printf("%-10s  %-7v  %9.4f  %6.4f  %10.1f  %9.4f  %s\n",
			shortID(b.ID), b.IsCurrent, b.Metrics.Precision, b.Metrics.Recall,
			b.Metrics.AvgLatencyMs, b.Metrics.AvgCostUsd, b.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// #endregion baselines

// #region alerts

func runAlerts(engine *govern.Engine, project string, jsonOut bool) error {
	alerts, err := engine.Detector().OpenAlerts(project)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stderr, "no open alerts")
		return nil
	}
	if jsonOut {
		return printJSON(alerts)
	}

	fmt.Printf("%-10s  %-16s  %-8s  %-12s  %8s  %s\n",
		"Alert", "Type", "Severity", "Metric", "Delta", "Time")
	for _, a := range alerts {
		fmt.Printf("%-10s  %-16s  %-8s  %-12s  %+7.2f%%  %s\n",
			shortID(a.ID), a.Type, a.Severity, a.Metric, a.DeltaPercent,
			a.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// #endregion alerts

// #region audit

func runAudit(engine *govern.Engine, project string, n int, jsonOut bool) error {
	entries, err := engine.Audit().Recent(project, n)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	for _, e := range entries {
		fmt.Printf("%s  %-28s  %-12s  %-16s  %s\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Action, e.ActorID, e.ResourceType, shortID(e.ResourceID))
	}
	return nil
}

// #endregion audit

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
