package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/types"
)

func (s *Server) handleSetWorkMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.isAdmin(r) {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized for work mode change", slog.String("email", s.getEmail(r)))
		writeJSONError(w, "unauthorized", http.StatusForbidden)
		return
	}

	var req struct {
		Mode types.WorkMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Mode.Valid() {
		writeJSONError(w, "invalid work mode", http.StatusBadRequest)
		return
	}

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

	if err := sys.SetWorkMode(ctx, req.Mode); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set work mode", slog.Any("error", err))
		writeJSONError(w, "failed to set work mode", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "work mode changed", slog.String("mode", req.Mode.String()))
	writeJSON(w, map[string]any{"status": "success"})
}
