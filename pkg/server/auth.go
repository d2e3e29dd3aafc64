package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/raterudder/tarifa/pkg/log"
)

// refreshAuth requires a bearer ID token on requests that change state. The
// token's email must match refresh-email when that is set.
func (s *Server) refreshAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.bypassAuth {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		email, err := s.authenticateToken(ctx, parts[1])
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
		if s.refreshEmail != "" && email != s.refreshEmail {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email for refresh", slog.String("email", email))
			writeJSONError(w, "unauthorized email", http.StatusForbidden)
			return
		}

		ctx = log.WithAttrs(ctx, slog.String("email", email))
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	if s.verifier == nil {
		return "", errors.New("no oidc audience configured")
	}
	idToken, err := s.verifier(ctx, token)
	if err != nil {
		return "", err
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Email == "" {
		return "", errors.New("id token has no email")
	}
	if !claims.EmailVerified {
		return "", fmt.Errorf("email %s is not verified", claims.Email)
	}
	return claims.Email, nil
}
