package server

import (
	"log/slog"
	"net/http"

	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/types"
)

type systemStatusResponse struct {
	Status  types.SystemStatus   `json:"status"`
	Battery *types.BatteryStatus `json:"battery,omitempty"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	settings, creds, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	sys, err := s.getSystem(ctx, settings, creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get ess system", slog.Any("error", err))
		writeJSONError(w, "failed to get ess system", http.StatusInternalServerError)
		return
	}

	status, err := sys.GetStatus(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get system status", slog.Any("error", err))
		writeJSONError(w, "failed to get system status", http.StatusInternalServerError)
		return
	}

	resp := systemStatusResponse{Status: status}
	if settings.BatterySN != "" {
		battery, err := sys.GetBatteryStatus(ctx)
		if err != nil {
			// status is still useful without the rack details
			log.Ctx(ctx).WarnContext(ctx, "failed to get battery status", slog.Any("error", err))
		} else {
			resp.Battery = &battery
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}
