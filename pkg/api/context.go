package api

import (
	"context"

	"github.com/corraldb/corral/pkg/models"
)

type contextKey struct{}

var sessionKey contextKey

// WithSession attaches an authenticated session to the request context. The
// auth middleware is the only writer.
func WithSession(ctx context.Context, sess *models.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext returns the authenticated session, if any.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*models.Session)
	return sess, ok
}
