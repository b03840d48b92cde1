// raporcalc runs a batch recompute for one course offering against the
// configured database. It is an operational shim around the engine, not
// a service: scheduling and transport belong to the surrounding platform.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sekolahlabs/rapor/internal/config"
	"github.com/sekolahlabs/rapor/internal/db"
	"github.com/sekolahlabs/rapor/internal/grade"
)

func main() {
	var (
		offeringID = flag.String("offering", "", "course offering id to recompute (required)")
		trigger    = flag.String("trigger", "manual", "trigger type recorded in the ledger")
		workers    = flag.Int("workers", 0, "max concurrent students (default BATCH_WORKERS)")
	)
	flag.Parse()
	if *offeringID == "" {
		flag.Usage()
		os.Exit(2)
	}

	trig, ok := grade.ParseTrigger(*trigger)
	if !ok {
		log.Fatalf("unknown trigger %q", *trigger)
	}

	cfg := config.FromEnv()
	if *workers <= 0 {
		*workers = cfg.BatchWorkers
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	defer conn.Close()

	engine := grade.NewEngine(grade.NewSQLStore(conn),
		grade.WithLogger(logger),
		grade.WithLockTimeout(cfg.LockTimeout),
		grade.WithStoreTimeout(cfg.StoreTimeout))

	res, err := engine.RecomputeOffering(ctx, *offeringID, trig, *workers)
	if err != nil {
		log.Fatalf("batch recompute: %v", err)
	}

	log.Printf("offering %s: %d students, %d completed, %d failed (cancelled=%v)",
		*offeringID, res.Total, res.Completed, res.Failed, res.Cancelled)
	for studentID, msg := range res.Errors {
		log.Printf("  student %s: %s", studentID, msg)
	}
	if res.Failed > 0 || res.Cancelled {
		os.Exit(1)
	}
}
