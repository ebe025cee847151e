package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/pipeline-governor/internal/baseline"
	"github.com/danielpatrickdp/pipeline-governor/internal/changes"
	"github.com/danielpatrickdp/pipeline-governor/internal/config"
	"github.com/danielpatrickdp/pipeline-governor/internal/govern"
	"github.com/danielpatrickdp/pipeline-governor/internal/metrics"
	"github.com/danielpatrickdp/pipeline-governor/internal/registry"
)

// #region main
func main() {
	cfgPath := flag.String("config", "", "path to governor.yaml (optional)")
	project := flag.String("project", "default", "project id to operate on")
	actor := flag.String("actor", envOr("USER", "operator"), "actor id recorded in the audit trail")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	engine, err := govern.Open(cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer engine.Close()

	fmt.Println("Pipeline Governor ready.")
	fmt.Printf("  DB: %s | Project: %s | Actor: %s\n", cfg.DBPath, *project, *actor)
	fmt.Println("Commands: propose, evaluate, deploy, rollback, baseline, monitor, changes, alerts,")
	fmt.Println("          ack, resolve, register, rollout, experiment, audit, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		args := strings.Fields(line)
		if err := runCommand(engine, *project, *actor, args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// #endregion main

// #region commands

func runCommand(engine *govern.Engine, project, actor string, args []string) error {
	switch args[0] {
	case "propose":
		return cmdPropose(engine, project, actor, args[1:])
	case "evaluate":
		return cmdEvaluate(engine, project, actor, args[1:])
	case "deploy":
		return cmdDeploy(engine, project, actor, args[1:])
	case "rollback":
		return cmdRollback(engine, project, actor, args[1:])
	case "baseline":
		return cmdBaseline(engine, project, actor, args[1:])
	case "monitor":
		return cmdMonitor(engine, project, args[1:])
	case "changes":
		return cmdChanges(engine, project)
	case "alerts":
		return cmdAlerts(engine, project)
	case "ack":
		return cmdAck(engine, actor, args[1:])
	case "resolve":
		return cmdResolve(engine, actor, args[1:])
	case "register":
		return cmdRegister(engine, project, actor, args[1:])
	case "rollout":
		return cmdRollout(engine, project, actor, args[1:])
	case "experiment":
		return cmdExperiment(engine, project, actor, args[1:])
	case "audit":
		return cmdAudit(engine, project)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// propose <change-type> <title...>
func cmdPropose(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: propose <change-type> <title>")
	}
	ctype, ok := changes.ParseChangeType(args[0])
	if !ok {
		return fmt.Errorf("unknown change type %q", args[0])
	}
	cr, err := engine.Changes().Create(project, changes.CreateParams{
		Type:       ctype,
		ProposedBy: actor,
		Title:      strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Printf("created change %s (%s, %s)\n", cr.ID, cr.Type, cr.Status)
	return nil
}

// evaluate <change-id> <baseline-type> <precision> <recall> <latency-ms> <cost-usd>
func cmdEvaluate(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("usage: evaluate <change-id> <baseline-type> <precision> <recall> <latency-ms> <cost-usd>")
	}
	btype, ok := baseline.ParseType(args[1])
	if !ok {
		return fmt.Errorf("unknown baseline type %q", args[1])
	}
	snap, err := parseSnapshot(args[2:])
	if err != nil {
		return err
	}
	rec, err := engine.EvaluateChange(project, args[0], btype, snap, actor)
	if err != nil {
		return err
	}
	if rec.Result.Passed {
		fmt.Printf("PASSED gate %s\n", rec.ID)
	} else {
		fmt.Printf("FAILED gate %s:\n", rec.ID)
		for _, r := range rec.Result.FailureReasons {
			fmt.Printf("  - %s\n", r)
		}
	}
	return nil
}

func cmdDeploy(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: deploy <change-id>")
	}
	if err := engine.Changes().Deploy(project, args[0], actor); err != nil {
		return err
	}
	fmt.Printf("deployed change %s\n", args[0])
	return nil
}

func cmdRollback(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: rollback <change-id> <reason...>")
	}
	if err := engine.Changes().Rollback(project, args[0], strings.Join(args[1:], " "), actor); err != nil {
		return err
	}
	fmt.Printf("rolled back change %s\n", args[0])
	return nil
}

// baseline <baseline-type> <precision> <recall> <latency-ms> <cost-usd>
func cmdBaseline(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("usage: baseline <baseline-type> <precision> <recall> <latency-ms> <cost-usd>")
	}
	btype, ok := baseline.ParseType(args[0])
	if !ok {
		return fmt.Errorf("unknown baseline type %q", args[0])
	}
	snap, err := parseSnapshot(args[1:])
	if err != nil {
		return err
	}
	b, err := engine.Baselines().Establish(project, btype, snap, nil, actor)
	if err != nil {
		return err
	}
	fmt.Printf("established %s baseline %s\n", b.Type, b.ID)
	return nil
}

// monitor [baseline-type] <precision> <recall> <latency-ms> <cost-usd>
// Omitting the type monitors against the retrieval baseline.
func cmdMonitor(engine *govern.Engine, project string, args []string) error {
	btype := baseline.TypeRetrieval
	if len(args) == 5 {
		var ok bool
		if btype, ok = baseline.ParseType(args[0]); !ok {
			return fmt.Errorf("unknown baseline type %q", args[0])
		}
		args = args[1:]
	}
	if len(args) != 4 {
		return fmt.Errorf("usage: monitor [baseline-type] <precision> <recall> <latency-ms> <cost-usd>")
	}
	snap, err := parseSnapshot(args)
	if err != nil {
		return err
	}
	alerts, err := engine.Monitor(project, snap, btype)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("no regressions detected")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("[%s] %s: %s %.4f -> %.4f (%+.2f%%)\n",
			strings.ToUpper(string(a.Severity)), a.Type, a.Metric, a.BaselineValue, a.CurrentValue, a.DeltaPercent)
	}
	return nil
}

func cmdChanges(engine *govern.Engine, project string) error {
	crs, err := engine.Changes().List(project, "")
	if err != nil {
		return err
	}
	if len(crs) == 0 {
		fmt.Println("no change requests")
		return nil
	}
	for _, cr := range crs {
		fmt.Printf("%-36s  %-20s  %-11s  %s\n", cr.ID, cr.Type, cr.Status, cr.Title)
	}
	return nil
}

func cmdAlerts(engine *govern.Engine, project string) error {
	alerts, err := engine.Detector().OpenAlerts(project)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("no open alerts")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("%-36s  %-16s  %-8s  %+.2f%%\n", a.ID, a.Type, a.Severity, a.DeltaPercent)
	}
	return nil
}

func cmdAudit(engine *govern.Engine, project string) error {
	entries, err := engine.Audit().Recent(project, 20)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-28s  %-12s  %s\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Action, e.ActorID, e.ResourceID)
	}
	return nil
}

func cmdAck(engine *govern.Engine, actor string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ack <alert-id>")
	}
	if err := engine.Detector().Acknowledge(args[0], actor); err != nil {
		return err
	}
	fmt.Printf("acknowledged alert %s\n", args[0])
	return nil
}

func cmdResolve(engine *govern.Engine, actor string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: resolve <alert-id> <notes...>")
	}
	if err := engine.Detector().Resolve(args[0], strings.Join(args[1:], " "), actor); err != nil {
		return err
	}
	fmt.Printf("resolved alert %s\n", args[0])
	return nil
}

// register <model-type> <name> <version>
func cmdRegister(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: register <model-type> <name> <version>")
	}
	mtype, ok := registry.ParseModelType(args[0])
	if !ok {
		return fmt.Errorf("unknown model type %q", args[0])
	}
	e, err := engine.Registry().Register(project, mtype, args[1], args[2], nil, actor)
	if err != nil {
		return err
	}
	fmt.Printf("registered model %s (%s %s %s)\n", e.ID, e.Type, e.Name, e.Version)
	return nil
}

// rollout <model-id> <percentage>
func cmdRollout(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: rollout <model-id> <percentage>")
	}
	pct, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad percentage %q: %w", args[1], err)
	}
	e, err := engine.Registry().SetDeploymentPercentage(project, args[0], pct, actor)
	if err != nil {
		return err
	}
	fmt.Printf("model %s at %.1f%% (active=%v)\n", e.ID, e.DeploymentPercentage, e.IsActive)
	return nil
}

// experiment create <name> <control-model-id> <treatment-model-id> <control-pct> <min-samples>
// experiment start|pause|resume|cancel <id>
// experiment complete <id> <winner>
// experiment sample <id> control|treatment <precision> <recall> <latency-ms> <cost-usd>
// experiment list
func cmdExperiment(engine *govern.Engine, project, actor string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: experiment <create|start|pause|resume|cancel|complete|sample|list> ...")
	}
	exps := engine.Experiments()
	switch args[0] {
	case "create":
		if len(args) != 6 {
			return fmt.Errorf("usage: experiment create <name> <control-id> <treatment-id> <control-pct> <min-samples>")
		}
		pct, err := strconv.ParseFloat(args[4], 64)
		if err != nil {
			return fmt.Errorf("bad percentage %q: %w", args[4], err)
		}
		minSamples, err := strconv.Atoi(args[5])
		if err != nil {
			return fmt.Errorf("bad sample count %q: %w", args[5], err)
		}
		e, err := exps.Create(project, args[1], args[2], args[3], pct, minSamples, actor)
		if err != nil {
			return err
		}
		fmt.Printf("created experiment %s (%s)\n", e.ID, e.Status)
		return nil
	case "start":
		return oneArg(args, "experiment start <id>", func(id string) error { return exps.Start(project, id) })
	case "pause":
		return oneArg(args, "experiment pause <id>", func(id string) error { return exps.Pause(project, id) })
	case "resume":
		return oneArg(args, "experiment resume <id>", func(id string) error { return exps.Resume(project, id) })
	case "cancel":
		return oneArg(args, "experiment cancel <id>", func(id string) error { return exps.Cancel(project, id) })
	case "complete":
		if len(args) != 3 {
			return fmt.Errorf("usage: experiment complete <id> <winner>")
		}
		return exps.Complete(project, args[1], args[2], nil)
	case "sample":
		if len(args) != 7 {
			return fmt.Errorf("usage: experiment sample <id> control|treatment <precision> <recall> <latency-ms> <cost-usd>")
		}
		if args[2] != "control" && args[2] != "treatment" {
			return fmt.Errorf("arm must be control or treatment, got %q", args[2])
		}
		snap, err := parseSnapshot(args[3:])
		if err != nil {
			return err
		}
		e, err := exps.RecordSample(project, args[1], args[2] == "control", snap)
		if err != nil {
			return err
		}
		fmt.Printf("experiment %s at %d samples (control=%d treatment=%d)\n",
			e.ID, e.CurrentSampleSize, e.ControlSamples, e.TreatmentSamples)
		return nil
	case "list":
		list, err := exps.List(project)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no experiments")
			return nil
		}
		for _, e := range list {
			fmt.Printf("%-36s  %-10s  %-24s  samples=%d/%d\n",
				e.ID, e.Status, e.Name, e.CurrentSampleSize, e.MinSampleSize)
		}
		return nil
	default:
		return fmt.Errorf("unknown experiment subcommand %q", args[0])
	}
}

func oneArg(args []string, usage string, fn func(id string) error) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s", usage)
	}
	return fn(args[1])
}

// #endregion commands

// #region helpers

// parseSnapshot reads "<precision> <recall> <latency-ms> <cost-usd>".
func parseSnapshot(args []string) (metrics.Snapshot, error) {
	if len(args) != 4 {
		return metrics.Snapshot{}, fmt.Errorf("expected precision recall latency-ms cost-usd")
	}
	vals := make([]float64, 4)
	for i, raw := range args {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return metrics.Snapshot{}, fmt.Errorf("bad number %q: %w", raw, err)
		}
		vals[i] = v
	}
	return metrics.Snapshot{
		Precision:    vals[0],
		Recall:       vals[1],
		AvgLatencyMs: vals[2],
		AvgCostUsd:   vals[3],
		SampleSize:   1,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
