package app

import (
	"context"
	"errors"
	"fmt"

	"tripdesk/internal/domain"
	"tripdesk/internal/engine"
	"tripdesk/internal/repo"
)

// DefaultSessionID is used when no session is given and none exists yet.
const DefaultSessionID = "default"

// ResolveSession picks the active session. It prefers the override, then the only
// session in the workspace. A missing override session, or the default one, is created
// on the fly.
func ResolveSession(ctx context.Context, e engine.Engine, override, actorID string) (domain.Session, error) {
	sessionID := override
	if sessionID == "" {
		sessions, err := e.ListSessions(ctx, 2)
		if err != nil {
			return domain.Session{}, err
		}
		switch len(sessions) {
		case 0:
			sessionID = DefaultSessionID
		case 1:
			return sessions[0], nil
		default:
			return domain.Session{}, fmt.Errorf("multiple sessions exist; specify --session")
		}
	}
	s, err := e.GetSession(ctx, sessionID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, err
	}
	if actorID == "" {
		actorID = "local-user"
	}
	s, err = e.CreateSession(ctx, sessionID, "", actorID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return s, nil
}
