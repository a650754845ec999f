package tools

import (
	"context"

	"github.com/relayops/relay/pkg/models"
)

type sessionKey struct{}

// WithSession stores a session snapshot in the context for tools that
// need to know which session they run in.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext retrieves the session snapshot from context.
func SessionFromContext(ctx context.Context) *models.Session {
	session, ok := ctx.Value(sessionKey{}).(*models.Session)
	if !ok {
		return nil
	}
	return session
}
