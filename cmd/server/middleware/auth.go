// Package middleware provides HTTP middleware for the sandbox engine server.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/corraldb/corral/pkg/api"
	"github.com/corraldb/corral/pkg/models"
	"github.com/corraldb/corral/pkg/session"
)

// AuthMiddleware authenticates requests with HS256 bearer tokens and binds
// them to tracked sessions.
type AuthMiddleware struct {
	secret  []byte
	tracker *session.Tracker
	logger  zerolog.Logger
}

// NewAuthMiddleware creates an auth middleware.
func NewAuthMiddleware(secret string, tracker *session.Tracker, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret:  []byte(secret),
		tracker: tracker,
		logger:  logger,
	}
}

// Handler verifies the bearer token, registers the session on first sight,
// and injects it into the request context.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			m.unauthorized(w, "missing bearer token")
			return
		}

		sess, err := m.parseSession(token)
		if err != nil {
			m.logger.Debug().Err(err).Msg("token rejected")
			m.unauthorized(w, "invalid token")
			return
		}

		// Registration is idempotent; a re-presented token refreshes the
		// stored session and keeps its counters and history.
		registered := m.tracker.Register(*sess)
		next.ServeHTTP(w, r.WithContext(api.WithSession(r.Context(), &registered)))
	})
}

// parseSession validates the token and maps its claims onto a session.
func (m *AuthMiddleware) parseSession(tokenString string) (*models.Session, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unsupported claim type %T", token.Claims)
	}

	sess := &models.Session{Role: models.RoleSandbox}
	if sid, ok := claims["sid"].(string); ok {
		sess.ID = sid
	}
	if sub, ok := claims["sub"].(string); ok {
		sess.UserID = sub
	}
	if role, ok := claims["role"].(string); ok && role == string(models.RoleAdmin) {
		sess.Role = models.RoleAdmin
	}
	if sandboxID, ok := claims["sandbox_id"].(string); ok {
		sess.SandboxID = sandboxID
	}
	if database, ok := claims["sandbox_db"].(string); ok {
		sess.SandboxDatabase = database
	}
	if exp, ok := claims["exp"].(float64); ok {
		sess.ExpiresAt = time.Unix(int64(exp), 0)
	}

	if sess.ID == "" || sess.UserID == "" {
		return nil, fmt.Errorf("token missing sid or sub claim")
	}
	if sess.Role == models.RoleSandbox && sess.SandboxID == "" {
		return nil, fmt.Errorf("sandbox token missing sandbox_id claim")
	}
	return sess, nil
}

func (m *AuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    "UNAUTHORIZED",
		"message": message,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
