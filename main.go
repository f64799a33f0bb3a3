package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"dverity/rostersync/config"
	"dverity/rostersync/executor"
	"dverity/rostersync/history"
	"dverity/rostersync/ldapstore"
	"dverity/rostersync/metrics"
	"dverity/rostersync/ops"
	"dverity/rostersync/planner"
	"dverity/rostersync/progress"
	"dverity/rostersync/reconcile"
	"dverity/rostersync/retry"
	"dverity/rostersync/roster"
	"dverity/rostersync/snapshot"
	"dverity/rostersync/upgrade"
)

func main() {
	var (
		envFile    = flag.String("env", "settings.env", "env file with directory and database settings")
		rosterPath = flag.String("roster", "roster.csv", "roster CSV file")
		dryRun     = flag.Bool("dry-run", false, "compute and print the plan without applying it")
		doUpgrade  = flag.Bool("upgrade", false, "run the attribute upgrade instead of a sync")
		verify     = flag.Bool("verify", false, "verify upgraded identities after applying (with -upgrade)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	cfg := config.LoadEnvConfig(*envFile)
	cfg.MaxWorkers = config.ClampWorkers(cfg.MaxWorkers)

	desired, err := roster.LoadCSVFile(*rosterPath)
	if err != nil {
		log.Fatalf("load roster: %v", err)
	}
	logger.Info("roster loaded", "records", len(desired), "path", *rosterPath)

	collector := metrics.NewCollector()
	collector.MarkStart()

	policy := retry.New(cfg.RetryMaxAttempts, cfg.RetryInitialDelay, cfg.RetryBackoffFactor, logger)
	policy.Recorder = collector

	store := ldapstore.New(cfg, policy, logger)
	if err := store.Connect(cfg.BindUser, cfg.BindPassword); err != nil {
		log.Fatalf("connect to directory: %v", err)
	}
	defer store.Close()

	collector.StartPhase("snapshot")
	snap := snapshot.New()
	if err := snap.Build(ctx, store, logger); err != nil {
		log.Fatalf("build snapshot: %v", err)
	}
	collector.EndPhase("snapshot")

	if *doUpgrade {
		runUpgrade(ctx, store, cfg, snap, desired, logger, collector, *dryRun, *verify)
		return
	}

	startedAt := time.Now()
	collector.StartPhase("plan")
	plan, err := planner.Plan(desired, snap, cfg)
	if err != nil {
		log.Fatalf("plan: %v", err)
	}
	collector.EndPhase("plan")

	fmt.Printf("sync plan: %d creates, %d updates, %d deletes, %d unchanged\n",
		len(plan.ToCreate), len(plan.ToUpdate), len(plan.ToDelete), plan.Unchanged)

	if *dryRun || plan.Empty() {
		if *dryRun {
			fmt.Println("dry run, nothing applied")
		}
		return
	}

	service := reconcile.NewService(store, cfg, snap, logger, collector)
	pool := &executor.Pool{
		Workers:          cfg.MaxWorkers,
		Timeout:          cfg.OperationTimeout,
		ProgressInterval: cfg.ProgressInterval,
		Logger:           logger,
		Reporter:         progress.NewTracker("sync", os.Stdout),
	}

	results := service.ExecutePlan(ctx, plan, pool)
	collector.MarkEnd()

	report := collector.GenerateReport()
	printReport(report)

	for _, rec := range service.FailedRecords() {
		fmt.Printf("failed %s %s: %s\n  fix: %s\n", rec.Kind, rec.Target, rec.ErrorMessage, rec.SuggestedFix)
	}

	if cfg.PostgresDSN != "" {
		recordRun(ctx, cfg, logger, history.Run{
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			RosterSize: len(desired),
			Creates:    len(plan.ToCreate),
			Updates:    len(plan.ToUpdate),
			Deletes:    len(plan.ToDelete),
			Successful: results.TotalSuccessful(),
			Failed:     results.TotalFailed(),
			Report:     report,
			Operations: collectOperations(results),
		})
	}

	if results.TotalFailed() > 0 {
		os.Exit(1)
	}
}

func runUpgrade(ctx context.Context, store *ldapstore.Store, cfg config.Config, snap *snapshot.Snapshot, desired []roster.DesiredIdentity, logger *slog.Logger, collector *metrics.Collector, dryRun, verify bool) {
	engine := upgrade.NewEngine(store, cfg, logger)
	plan := engine.GeneratePlan(snap.Users(), desired)
	fmt.Print(plan.Preview(cfg))

	result := engine.Apply(ctx, plan, dryRun)
	if dryRun {
		fmt.Println("dry run, nothing applied")
		return
	}
	fmt.Printf("upgrade: %d/%d succeeded (%.0f%%)\n",
		result.Successful, result.TotalUsers, result.SuccessRate()*100)

	if verify {
		stats := engine.Verify(ctx, result.Operations)
		fmt.Printf("verification: %d passed, %d failed\n", stats.Passed, stats.Failed)
		for _, e := range stats.Errors {
			fmt.Println("  " + e)
		}
	}

	collector.MarkEnd()
	printReport(collector.GenerateReport())

	if result.Failed > 0 {
		os.Exit(1)
	}
}

func recordRun(ctx context.Context, cfg config.Config, logger *slog.Logger, run history.Run) {
	store := history.NewStore(cfg.PostgresDSN, logger)
	if err := store.Connect(ctx); err != nil {
		logger.Error("history store unavailable, run not recorded", "err", err)
		return
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		logger.Error("history schema init failed", "err", err)
		return
	}
	if err := store.InsertRun(ctx, run); err != nil {
		logger.Error("recording run failed", "err", err)
	}
}

func collectOperations(results reconcile.PlanResults) []ops.OperationResult {
	out := make([]ops.OperationResult, 0,
		len(results.Creates.Results)+len(results.Updates.Results)+len(results.Deletes.Results))
	out = append(out, results.Creates.Results...)
	out = append(out, results.Updates.Results...)
	out = append(out, results.Deletes.Results...)
	return out
}

func printReport(r metrics.Report) {
	fmt.Println("run report:")
	for _, p := range r.Phases {
		fmt.Printf("  phase %-14s %s\n", p.Name, p.Duration.Round(time.Millisecond))
	}
	fmt.Printf("  api calls: %d (%d failed), avg response %s\n",
		r.APICalls.Total, r.APICalls.Failed, r.AvgResponseTime.Round(time.Millisecond))
	for kind, t := range r.Operations {
		fmt.Printf("  %s: %d ok, %d failed\n", kind, t.Success, t.Failed)
	}
	fmt.Printf("  total duration %s, %.2f users/sec\n",
		r.TotalDuration.Round(time.Millisecond), r.UsersPerSecond)
}
