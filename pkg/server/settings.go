package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wattledger/wattledger/pkg/ess"
	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/types"
)

type settingsWithVersion struct {
	types.Settings
	version int
}

func (s *Server) getSettingsWithMigration(ctx context.Context) (settingsWithVersion, types.Credentials, error) {
	settings, version, err := s.storage.GetSettings(ctx)
	if err != nil {
		return settingsWithVersion{}, types.Credentials{}, err
	}
	sv := settingsWithVersion{
		Settings: settings,
		version:  version,
	}

	// Check for migration
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// best effort, the un-migrated settings still work
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			sv.Settings = newSettings
			sv.version = types.CurrentSettingsVersion
			if err := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
				// keep serving the migrated settings even though the save failed
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
	}

	var creds types.Credentials
	if len(sv.EncryptedCredentials) > 0 {
		creds, err = s.decryptCredentials(ctx, sv.EncryptedCredentials)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
			return settingsWithVersion{}, types.Credentials{}, err
		}
	}

	return sv, creds, nil
}

// getSystem resolves the configured ESS provider and authenticates it. If the
// provider refreshed its credentials (e.g. a new session token) the refreshed
// set is persisted so the next request skips the login.
func (s *Server) getSystem(ctx context.Context, settings settingsWithVersion, creds types.Credentials) (ess.System, error) {
	sys, err := s.ess.System(ctx, settings.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to get ess system: %w", err)
	}

	newCreds, updated, err := sys.Authenticate(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	if updated {
		log.Ctx(ctx).DebugContext(ctx, "credentials updated by ess system")
		encrypted, err := s.encryptCredentials(ctx, newCreds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
		} else {
			settings.EncryptedCredentials = encrypted
			if err := s.storage.SetSettings(ctx, settings.Settings, settings.version); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
			}
		}
	}

	return sys, nil
}

// SettingsRes is what GET /api/settings returns.
type SettingsRes struct {
	types.Settings
	HasCredentials map[string]bool `json:"hasCredentials"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, creds, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	// the encrypted blob never leaves the server
	settings.EncryptedCredentials = nil

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, SettingsRes{
		Settings:       settings.Settings,
		HasCredentials: creds.Has(),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.isAdmin(r) {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized for settings update", slog.String("email", s.getEmail(r)))
		writeJSONError(w, "unauthorized", http.StatusForbidden)
		return
	}

	var req struct {
		types.Settings
		Credentials *types.Credentials `json:"credentials,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	newSettings := req.Settings

	if newSettings.MaxImportDays < 0 {
		writeJSONError(w, "max import days cannot be negative", http.StatusBadRequest)
		return
	}
	if newSettings.Timezone != "" {
		if _, err := time.LoadLocation(newSettings.Timezone); err != nil {
			writeJSONError(w, fmt.Sprintf("invalid timezone: %v", err), http.StatusBadRequest)
			return
		}
	}

	// resolve the provider with the new settings applied so a bad provider
	// name is rejected before anything is saved
	sys, err := s.ess.System(ctx, newSettings)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get ess system", slog.String("ess", newSettings.ESS), slog.Any("error", err))
		writeJSONError(w, fmt.Sprintf("invalid ess provider settings: %v", err), http.StatusBadRequest)
		return
	}

	// the stored settings hold the credential blob the request may not replace
	existing, _, err := s.storage.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	if req.Credentials != nil && req.Credentials.Hanchu != nil {
		var existingCreds types.Credentials
		if len(existing.EncryptedCredentials) > 0 {
			existingCreds, err = s.decryptCredentials(ctx, existing.EncryptedCredentials)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
				writeJSONError(w, "failed to decrypt credentials", http.StatusInternalServerError)
				return
			}
		}

		incoming := *req.Credentials.Hanchu
		if existingCreds.Hanchu != nil && incoming.Account == existingCreds.Hanchu.Account {
			// an empty password means the password is unchanged
			if incoming.Password == "" {
				incoming.Password = existingCreds.Hanchu.Password
			}
			// keep the cached session token when the login is the same
			if incoming.Password == existingCreds.Hanchu.Password {
				incoming.Token = existingCreds.Hanchu.Token
			}
		}
		existingCreds.Hanchu = &incoming

		// Verify the credentials against the provider before saving them
		existingCreds, _, err = sys.Authenticate(ctx, existingCreds)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to verify ess credentials", slog.Any("error", err))
			writeJSONError(w, fmt.Sprintf("failed to verify ess credentials: %v", err), http.StatusBadRequest)
			return
		}

		encrypted, err := s.encryptCredentials(ctx, existingCreds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
			writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
			return
		}
		newSettings.EncryptedCredentials = encrypted
	} else {
		// no credentials in the request keeps the stored blob
		newSettings.EncryptedCredentials = existing.EncryptedCredentials
	}

	if err := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	w.WriteHeader(http.StatusOK)
}
