package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/security"
)

type contextKey string

const PeerContextKey contextKey = "peer"

// TokenValidator is the part of security.Manager the middleware needs.
type TokenValidator interface {
	ValidateToken(raw string) (*security.AuthToken, error)
	ValidateSession(sessionID string) security.SessionValidation
}

// PeerFromContext returns the credential attached by RequirePeer.
func PeerFromContext(ctx context.Context) (*security.AuthToken, bool) {
	t, ok := ctx.Value(PeerContextKey).(*security.AuthToken)
	return t, ok
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func isCredentialError(err error) bool {
	for _, target := range []error{
		security.ErrTokenMissing,
		security.ErrTokenMalformed,
		security.ErrTokenExpired,
		security.ErrTokenSignature,
		security.ErrTokenInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RequirePeer verifies the Bearer token of a peer request and, when sent, the
// X-Session-ID and X-Node-ID headers. Credential problems answer 401, a token
// without perm answers 403.
func RequirePeer(v TokenValidator, perm security.Permission, log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "auth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				deny(w, http.StatusUnauthorized, "TOKEN_MISSING", "Authorization header required")
				return
			}

			// Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				deny(w, http.StatusUnauthorized, "TOKEN_MALFORMED", "Invalid authorization header format")
				return
			}

			token, err := v.ValidateToken(parts[1])
			if err != nil {
				if isCredentialError(err) {
					log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected peer token")
					deny(w, http.StatusUnauthorized, "TOKEN_INVALID", err.Error())
					return
				}
				log.Error().Err(err).Str("path", r.URL.Path).Msg("Token validation failed")
				deny(w, http.StatusInternalServerError, "INTERNAL", "authentication failed")
				return
			}

			if nodeID := r.Header.Get("X-Node-ID"); nodeID != "" && nodeID != token.NodeID {
				log.Warn().Str("header_node_id", nodeID).Str("node_id", token.NodeID).Msg("Node id does not match token")
				deny(w, http.StatusUnauthorized, "NODE_MISMATCH", "X-Node-ID does not match token")
				return
			}

			if sessionID := r.Header.Get("X-Session-ID"); sessionID != "" {
				sv := v.ValidateSession(sessionID)
				if !sv.Valid {
					deny(w, http.StatusUnauthorized, "SESSION_INVALID", sv.ErrorMessage)
					return
				}
				if sv.Session.NodeID != token.NodeID {
					deny(w, http.StatusUnauthorized, "SESSION_MISMATCH", "session belongs to another node")
					return
				}
			}

			if perm != "" && !token.Has(perm) {
				deny(w, http.StatusForbidden, "FORBIDDEN", "missing permission "+string(perm))
				return
			}

			ctx := context.WithValue(r.Context(), PeerContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
