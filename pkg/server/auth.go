package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wattledger/wattledger/pkg/log"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/auth/logout"
		isImportPath := r.URL.Path == "/api/import"

		if s.bypassAuth {
			ctx = context.WithValue(ctx, adminContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		var email string
		var admin bool
		var authSuccess bool

		// scheduler tokens arrive in the Authorization header and are only
		// honored for the import endpoint
		if isImportPath {
			authHeader := r.Header.Get("Authorization")
			if authHeader != "" {
				if !strings.HasPrefix(authHeader, "Bearer ") {
					log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
					writeJSONError(w, "invalid auth header", http.StatusBadRequest)
					return
				}
				token := strings.TrimPrefix(authHeader, "Bearer ")
				specificClient := ""
				if _, ok := s.oidcVerifiers["google_import_specific"]; ok {
					specificClient = "google_import_specific"
				}
				emailRet, _, err := s.authenticateToken(ctx, token, specificClient)
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "import token validation failed", slog.Any("error", err))
				} else if s.importSpecificEmail != "" && subtle.ConstantTimeCompare([]byte(emailRet), []byte(s.importSpecificEmail)) == 1 {
					email = emailRet
					authSuccess = true
					admin = true
				} else {
					log.Ctx(ctx).WarnContext(ctx, "import email mismatch", slog.String("got", emailRet))
				}
			}
		}

		// normal user auth (cookie)
		if !authSuccess {
			authCookie, err := r.Cookie(authTokenCookie)
			if err != nil && !errors.Is(err, http.ErrNoCookie) {
				log.Ctx(ctx).ErrorContext(ctx, "failed to get auth cookie", slog.Any("error", err))
				writeJSONError(w, "missing auth cookie", http.StatusBadRequest)
				return
			}
			if authCookie != nil {
				emailRet, _, err := s.authenticateToken(ctx, authCookie.Value, "")
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
					s.clearCookie(w)
					writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
					return
				}
				email = emailRet
				authSuccess = true
			} else if !allowNoLogin {
				log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		if authSuccess && !admin {
			for _, adminEmail := range s.adminEmails {
				if email == adminEmail {
					admin = true
					break
				}
			}
		}

		if email != "" {
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
			ctx = context.WithValue(ctx, emailContextKey, email)
		}
		if admin {
			ctx = context.WithValue(ctx, adminContextKey, true)
		}

		log.Ctx(ctx).DebugContext(ctx, "authenticated request", slog.Bool("admin", admin))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) getEmail(r *http.Request) string {
	if email, ok := r.Context().Value(emailContextKey).(string); ok {
		return email
	}
	return ""
}

func (s *Server) isAdmin(r *http.Request) bool {
	admin, _ := r.Context().Value(adminContextKey).(bool)
	return admin
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		Client string `json:"client"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// the body never parsed, so skip the JSON error shape
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	email, expires, err := s.authenticateToken(r.Context(), req.Token, req.Client)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}

	if email == "" {
		log.Ctx(r.Context()).WarnContext(r.Context(), "invalid email in id token")
		writeJSONError(w, "invalid oidc claims", http.StatusUnauthorized)
		return
	}

	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("email", email))

	// Set the cookie
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool              `json:"loggedIn"`
	Email        string            `json:"email"`
	Admin        bool              `json:"admin"`
	AuthRequired bool              `json:"authRequired"`
	ClientIDs    map[string]string `json:"clientIDs"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	email := s.getEmail(r)
	writeJSON(w, authStatusResponse{
		LoggedIn:     email != "" || s.bypassAuth,
		Email:        email,
		Admin:        s.isAdmin(r),
		AuthRequired: len(s.oidcAudiences) > 0,
		ClientIDs:    s.oidcAudiences,
	})
}

// authenticateToken validates the token against the configured verifiers and
// returns the token's email claim and expiry. specificClient restricts
// validation to a single named verifier.
func (s *Server) authenticateToken(ctx context.Context, token string, specificClient string) (string, time.Time, error) {
	var errs []error

	for providerName, verifier := range s.oidcVerifiers {
		if specificClient != "" && providerName != specificClient {
			continue
		}
		idToken, err := verifier(ctx, token)
		if err == nil {
			var claims struct {
				Email string `json:"email"`
			}
			err = idToken.Claims(&claims)
			if err == nil {
				return claims.Email, idToken.Expiry, nil
			}
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", providerName, err))
	}

	if len(errs) > 1 {
		return "", time.Time{}, errors.Join(errs...)
	}
	if len(errs) == 1 {
		return "", time.Time{}, errs[0]
	}
	return "", time.Time{}, errors.New("no valid audiences configured or token invalid")
}
