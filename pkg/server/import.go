package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wattledger/wattledger/pkg/backfill"
	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/types"
)

// ErrImportInProgress is returned while another import holds the single
// import slot.
var ErrImportInProgress = errors.New("an import is already in progress")

type importRequest struct {
	// StartDate and EndDate are local calendar dates (YYYY-MM-DD) in the
	// device's timezone, both inclusive. A missing date defaults to the
	// other one, and with neither set the import covers yesterday.
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	// IncludePower also imports hourly mean power statistics from the
	// minute charts.
	IncludePower bool `json:"includePower"`
}

type importResponse struct {
	Status string               `json:"status"`
	Result types.BackfillResult `json:"result"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.isAdmin(r) {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized for import", slog.String("email", s.getEmail(r)))
		writeJSONError(w, "unauthorized", http.StatusForbidden)
		return
	}

	// one import at a time, concurrent triggers are rejected outright
	if !s.importing.CompareAndSwap(false, true) {
		writeJSONError(w, ErrImportInProgress.Error(), http.StatusConflict)
		return
	}
	defer s.importing.Store(false)

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode import request", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settings, creds, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	if settings.Pause {
		log.Ctx(ctx).InfoContext(ctx, "import: paused")
		// 200 OK so the scheduler doesn't think it failed
		writeJSON(w, map[string]any{"status": "paused"})
		return
	}

	if settings.DeviceSN == "" {
		writeJSONError(w, "no device serial configured", http.StatusBadRequest)
		return
	}

	sys, err := s.getSystem(ctx, settings, creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get ess system", slog.Any("error", err))
		writeJSONError(w, "failed to get ess system", http.StatusInternalServerError)
		return
	}

	loc, err := sys.Location(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve device timezone", slog.Any("error", err))
		writeJSONError(w, "failed to resolve device timezone", http.StatusInternalServerError)
		return
	}

	start, end, err := importRange(req, loc)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if maxDays := settings.MaxImportDays; maxDays > 0 {
		days := 0
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			days++
			if days > maxDays {
				writeJSONError(w, fmt.Sprintf("date range exceeds the maximum of %d day(s)", maxDays), http.StatusBadRequest)
				return
			}
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "import: starting",
		slog.String("start", start.Format(time.DateOnly)),
		slog.String("end", end.Format(time.DateOnly)),
		slog.Bool("includePower", req.IncludePower))

	engine := backfill.NewEngine(sys, s.storage, backfill.Registry{
		BatterySN: settings.BatterySN,
		Overrides: settings.StatisticOverrides,
	}, s.notifier)

	result, err := engine.Run(ctx, settings.DeviceSN, start, end, req.IncludePower)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "import failed", slog.Any("error", err))
		writeJSONError(w, "import failed", http.StatusInternalServerError)
		return
	}

	status := "success"
	if result.ImportedDays == 0 {
		status = "no data imported"
	}
	writeJSON(w, importResponse{Status: status, Result: result})
}

// importRange resolves the requested date range in the device's timezone.
// With no dates at all the import covers yesterday, and a single date means
// that one day.
func importRange(req importRequest, loc *time.Location) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if req.StartDate != "" {
		start, err = time.ParseInLocation(time.DateOnly, req.StartDate, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid startDate: %v", err)
		}
	}
	if req.EndDate != "" {
		end, err = time.ParseInLocation(time.DateOnly, req.EndDate, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid endDate: %v", err)
		}
	}
	switch {
	case start.IsZero() && end.IsZero():
		now := time.Now().In(loc)
		yesterday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
		start, end = yesterday, yesterday
	case start.IsZero():
		start = end
	case end.IsZero():
		end = start
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("endDate %s is before startDate %s",
			end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return start, end, nil
}
