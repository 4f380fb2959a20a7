/*
main.go - Application entry point

PURPOSE:
  Runs the grants-registry pipeline and its supporting operations. One
  binary, verb-style:

    etl run            execute the step catalog for one exercise year
    etl list           print the step catalog with dependencies
    etl reconcile      diff the trailing window against upstream and apply
    etl rebuild-stats  recompute every aggregate row from award rows
    etl verify-stats   compare stored aggregates with a fresh recomputation
    etl reset          return a terminal job unit to pending
    etl serve          read-only status API for the dashboard

EXIT CODES (run):
  0  every step succeeded
  1  at least one step was skipped or sidelined
  2  at least one step failed

EXAMPLES:
  ./etl run -year=2024 -db=./data/grants.db -source=https://registry.example/api
  ./etl run -year=2024 -only=extract-awards,transform-awards -dry-run
  ./etl reconcile -db=./data/grants.db -source=https://registry.example/api
  ./etl serve -db=./data/grants.db -port=8080

SEE ALSO:
  - app.go: component wiring and step handlers
  - configs/pipeline.yaml: the default step catalog
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grantsync/etl-engine/api"
	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/load"
	"github.com/grantsync/etl-engine/pipeline"
	"github.com/grantsync/etl-engine/reconcile"
	"github.com/grantsync/etl-engine/stats"
	"github.com/grantsync/etl-engine/store/sqlite"
	"github.com/grantsync/etl-engine/transform"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "reconcile":
		cmdReconcile(os.Args[2:])
	case "rebuild-stats":
		cmdRebuildStats(os.Args[2:])
	case "verify-stats":
		cmdVerifyStats(os.Args[2:])
	case "reset":
		cmdReset(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: etl <command> [flags]

commands:
  run            execute the step catalog for one exercise year
  list           print the step catalog with dependencies
  reconcile      diff the trailing window against upstream and apply
  rebuild-stats  recompute every aggregate row from award rows
  verify-stats   compare stored aggregates with a fresh recomputation
  reset          return a terminal job unit to pending
  serve          read-only status API for the dashboard

run 'etl <command> -h' for the command's flags`)
}

// =============================================================================
// RUN
// =============================================================================

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dbPath := fs.String("db", "grants.db", "SQLite database path")
	catalogPath := fs.String("catalog", "configs/pipeline.yaml", "step catalog file")
	artifactDir := fs.String("artifacts", "./artifacts", "raw artifact directory")
	changesetDir := fs.String("changesets", "./changesets", "changeset file directory")
	sourceURL := fs.String("source", "", "upstream registry base URL")
	year := fs.Int("year", 0, "exercise year to process (required)")
	month := fs.Int("month", 0, "restrict to one month (0 = whole year)")
	scopeType := fs.String("type", "", "restrict to one registry type code")
	only := fs.String("only", "", "comma-separated steps to run (plus their dependencies)")
	skip := fs.String("skip", "", "comma-separated steps to skip")
	dryRun := fs.Bool("dry-run", false, "report the execution plan without running anything")
	workers := fs.Int("workers", 4, "concurrent steps")
	fs.Parse(args)

	if *year == 0 {
		log.Fatal("run: -year is required")
	}
	if *sourceURL == "" && !*dryRun {
		log.Fatal("run: -source is required")
	}

	catalog, err := pipeline.LoadCatalog(*catalogPath)
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("run: opening database: %v", err)
	}
	defer store.Close()

	ledger := etl.NewLedger(store, etl.DefaultLedgerConfig())
	app, err := newApp(store, ledger, *artifactDir, *sourceURL, *changesetDir)
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	orchestrator := pipeline.NewOrchestrator(catalog, ledger, *workers)
	if err := app.registerSteps(orchestrator, catalog); err != nil {
		log.Fatalf("run: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := orchestrator.Run(ctx, pipeline.Options{
		Year:   *year,
		Month:  time.Month(*month),
		Type:   *scopeType,
		Only:   splitList(*only),
		Skip:   splitList(*skip),
		DryRun: *dryRun,
	})
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	fmt.Print(report.Summary())
	os.Exit(int(report.ExitCode()))
}

// =============================================================================
// LIST
// =============================================================================

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	catalogPath := fs.String("catalog", "configs/pipeline.yaml", "step catalog file")
	fs.Parse(args)

	catalog, err := pipeline.LoadCatalog(*catalogPath)
	if err != nil {
		log.Fatalf("list: %v", err)
	}

	for _, name := range catalog.Order() {
		step, _ := catalog.Step(name)
		fmt.Printf("%-26s %-12s %-10s %-16s", step.Name, step.Entity, step.Stage, step.OnError)
		if len(step.DependsOn) > 0 {
			fmt.Printf(" after %s", strings.Join(step.DependsOn, ", "))
		}
		fmt.Println()
	}
}

// =============================================================================
// RECONCILE
// =============================================================================

func cmdReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	dbPath := fs.String("db", "grants.db", "SQLite database path")
	sourceURL := fs.String("source", "", "upstream registry base URL (required)")
	changesetDir := fs.String("changesets", "./changesets", "changeset file directory")
	window := fs.Int("window", 48, "trailing window in months")
	detectOnly := fs.Bool("detect-only", false, "write the changeset file without applying it")
	applyPath := fs.String("apply", "", "apply one previously detected changeset file")
	fs.Parse(args)

	if *sourceURL == "" {
		log.Fatal("reconcile: -source is required")
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("reconcile: opening database: %v", err)
	}
	defer store.Close()

	aggregator := stats.New(store, store)
	loader := load.New(store, store, aggregator, "sync_system")
	ledger := etl.NewLedger(store, etl.DefaultLedgerConfig())
	reconciler := reconcile.New(
		reconcile.Config{WindowMonths: *window, ChangesetDir: *changesetDir},
		reconcile.NewHTTPSource(*sourceURL),
		store, store,
		transform.New(transform.DefaultConfig()),
		loader, store,
		ledger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *applyPath != "":
		if err := reconciler.Apply(ctx, *applyPath); err != nil {
			if etl.IsSkip(err) {
				log.Printf("reconcile: %v", err)
				os.Exit(int(etl.ExitWarning))
			}
			log.Fatalf("reconcile: %v", err)
		}

	case *detectOnly:
		changeset, path, err := reconciler.Detect(ctx)
		if err != nil {
			log.Fatalf("reconcile: %v", err)
		}
		fmt.Printf("detected %d added, %d modified, %d removed -> %s\n",
			len(changeset.Added), len(changeset.Modified), len(changeset.Removed), path)

	default:
		changeset, err := reconciler.Run(ctx)
		if err != nil {
			log.Fatalf("reconcile: %v", err)
		}
		fmt.Printf("applied %d added, %d modified, %d removed\n",
			len(changeset.Added), len(changeset.Modified), len(changeset.Removed))
	}
}

// =============================================================================
// STATS
// =============================================================================

func cmdRebuildStats(args []string) {
	fs := flag.NewFlagSet("rebuild-stats", flag.ExitOnError)
	dbPath := fs.String("db", "grants.db", "SQLite database path")
	fs.Parse(args)

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("rebuild-stats: opening database: %v", err)
	}
	defer store.Close()

	rows, err := stats.New(store, store).RebuildAll(context.Background())
	if err != nil {
		log.Fatalf("rebuild-stats: %v", err)
	}
	fmt.Printf("rebuilt %d aggregate rows\n", rows)
}

func cmdVerifyStats(args []string) {
	fs := flag.NewFlagSet("verify-stats", flag.ExitOnError)
	dbPath := fs.String("db", "grants.db", "SQLite database path")
	fs.Parse(args)

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("verify-stats: opening database: %v", err)
	}
	defer store.Close()

	drifted, err := stats.New(store, store).Verify(context.Background())
	if err != nil {
		log.Fatalf("verify-stats: %v", err)
	}
	if len(drifted) == 0 {
		fmt.Println("aggregates consistent")
		return
	}
	for _, key := range drifted {
		fmt.Printf("drift: beneficiary=%d year=%d authority=%s\n",
			key.BeneficiaryID, key.Year, key.AuthorityID)
	}
	os.Exit(int(etl.ExitWarning))
}

// =============================================================================
// RESET
// =============================================================================

func cmdReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	dbPath := fs.String("db", "grants.db", "SQLite database path")
	entity := fs.String("entity", "", "scope entity (required)")
	year := fs.Int("year", 0, "scope year (required)")
	month := fs.Int("month", 0, "scope month")
	scopeType := fs.String("type", "", "scope type code")
	stage := fs.String("stage", "", "job stage (required)")
	fs.Parse(args)

	if *entity == "" || *year == 0 || *stage == "" {
		log.Fatal("reset: -entity, -year and -stage are required")
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("reset: opening database: %v", err)
	}
	defer store.Close()

	scope := etl.Scope{
		Entity: etl.Entity(*entity),
		Year:   *year,
		Month:  time.Month(*month),
		Type:   *scopeType,
	}
	ledger := etl.NewLedger(store, etl.DefaultLedgerConfig())
	if err := ledger.Reset(context.Background(), scope, etl.Stage(*stage)); err != nil {
		log.Fatalf("reset: %v", err)
	}
	fmt.Printf("reset %s %s to pending\n", scope, *stage)
}

// =============================================================================
// SERVE
// =============================================================================

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "grants.db", "SQLite database path")
	port := fs.Int("port", 8080, "HTTP server port")
	fs.Parse(args)

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("serve: opening database: %v", err)
	}
	defer store.Close()

	router := api.NewRouter(api.NewHandler(store))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Serve] status API on http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Serve] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("serve: forced shutdown: %v", err)
	}
	log.Println("[Serve] stopped")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
