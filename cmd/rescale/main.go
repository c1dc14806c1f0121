/*
main.go - One-time repair for amounts stored 100x too large

PURPOSE:
  Older imports wrote display units multiplied into cents twice. This tool
  divides the line amounts of selected entries by 100. An entry is only
  changed when every one of its lines divides exactly, so balances hold.
  It is never called by the server.

FLAGS:
  --db          SQLite database path (default: $DB_PATH or ./data/ledger.db)
  --ref-prefix  Only entries whose ref starts with this prefix
  --since       Only entries dated on or after YYYY-MM-DD
  --dry-run     Report without writing (default: true)

EXAMPLES:
  ./rescale --ref-prefix=IMP-
  ./rescale --ref-prefix=IMP- --dry-run=false
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/store/sqlite"
)

func main() {
	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/ledger.db"
	}

	dbPath := pflag.String("db", defaultDB, "SQLite database path")
	refPrefix := pflag.String("ref-prefix", "", "only entries whose ref starts with this prefix")
	since := pflag.String("since", "", "only entries dated on or after YYYY-MM-DD")
	dryRun := pflag.Bool("dry-run", true, "report without writing")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger, *dbPath, *refPrefix, *since, *dryRun); err != nil {
		logger.Error("rescale failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, dbPath, refPrefix, since string, dryRun bool) error {
	f := sqlite.RescaleFilter{RefPrefix: refPrefix, DryRun: dryRun, Actor: "rescale-tool"}
	if since != "" {
		d, err := ledger.ParseDate(since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		f.Since = &d
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rep, err := store.RescaleEntries(context.Background(), f)
	if err != nil {
		return err
	}

	for _, e := range rep.Rescaled {
		fmt.Printf("%-24s %14s -> %12s\n", e.Ref, display(e.Before), display(e.After))
	}
	for _, ref := range rep.Skipped {
		fmt.Printf("%-24s skipped: not an exact multiple\n", ref)
	}
	logger.Info("rescale complete",
		slog.Bool("dry_run", dryRun),
		slog.Int("scanned", rep.Scanned),
		slog.Int("rescaled", len(rep.Rescaled)),
		slog.Int("skipped", len(rep.Skipped)),
	)
	return nil
}

func display(m ledger.Money) string {
	return decimal.New(int64(m), -2).StringFixed(2)
}
