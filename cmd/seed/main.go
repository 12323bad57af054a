package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattledger/wattledger/pkg/backfill"
	"github.com/wattledger/wattledger/pkg/ess"
	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/notify"
	"github.com/wattledger/wattledger/pkg/storage"
	"github.com/wattledger/wattledger/pkg/types"
)

// Seeds storage with hourly statistics from the deterministic mock provider
// so the API has data to serve during local development.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	e := ess.Configured()
	s := storage.Configured()
	n := notify.Configured()

	deviceSN := lflag.String("seed-device-sn", "MOCK-0001", "device serial to publish the series under")
	startStr := lflag.String("seed-start", "", "first day to seed (YYYY-MM-DD), defaults to 13 days before the last")
	endStr := lflag.String("seed-end", "", "last day to seed (YYYY-MM-DD), defaults to yesterday")
	includePower := lflag.Bool("seed-power", true, "also seed hourly mean power series")
	lflag.Configure()
	log.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	settings := types.Settings{
		ESS:           "mock",
		DeviceSN:      *deviceSN,
		BatterySN:     *deviceSN,
		MaxImportDays: 366,
	}
	if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
		os.Exit(1)
	}

	sys, err := e.System(ctx, settings)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get mock system", "error", err)
		os.Exit(1)
	}
	loc, err := sys.Location(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve timezone", "error", err)
		os.Exit(1)
	}

	now := time.Now().In(loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	if *endStr != "" {
		end, err = time.ParseInLocation(time.DateOnly, *endStr, loc)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid seed-end", "error", err)
			os.Exit(1)
		}
	}
	start := end.AddDate(0, 0, -13)
	if *startStr != "" {
		start, err = time.ParseInLocation(time.DateOnly, *startStr, loc)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid seed-start", "error", err)
			os.Exit(1)
		}
	}

	engine := backfill.NewEngine(sys, s, backfill.Registry{BatterySN: settings.BatterySN}, n)
	result, err := engine.Run(ctx, settings.DeviceSN, start, end, *includePower)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "seed import failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded %d day(s), %d record(s) covering %s through %s\n",
		result.ImportedDays, result.Records,
		result.Start.Format(time.DateOnly), result.End.Format(time.DateOnly))

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
