package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/types"
)

// maxStatisticsRangeDays caps a single statistics query. Records are hourly,
// so this is still under 10k records per response.
const maxStatisticsRangeDays = 400

type statisticsListResponse struct {
	Statistics []types.StatMetadata `json:"statistics"`
}

type statisticsResponse struct {
	StatisticID string             `json:"statisticID"`
	Records     []types.StatRecord `json:"records"`
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.URL.Query().Get("id")
	if id == "" {
		metas, err := s.storage.ListStatistics(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to list statistics", slog.Any("error", err))
			writeJSONError(w, "failed to list statistics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=60")
		writeJSON(w, statisticsListResponse{Statistics: metas})
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	records, err := s.storage.QueryStatistics(ctx, id, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to query statistics", slog.String("statisticID", id), slog.Any("error", err))
		writeJSONError(w, "failed to query statistics", http.StatusInternalServerError)
		return
	}

	// ranges fully in the past are stable and cache for a day, anything
	// touching today only for a minute
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}

	writeJSON(w, statisticsResponse{StatisticID: id, Records: records})
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to the last 7 days if not specified
		end := time.Now()
		start := end.AddDate(0, 0, -7)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxStatisticsRangeDays*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %d days", maxStatisticsRangeDays)
	}

	return start, end, nil
}
