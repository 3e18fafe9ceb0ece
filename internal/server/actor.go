package server

import (
	"context"
	"net/http"
	"strings"
)

// Actor identity rides in on the X-Actor-Id header. Authentication is a
// deployment concern handled in front of this service; the header only names
// who to record in the ledger and event log.
const actorHeader = "X-Actor-Id"

const anonymousActor = "anonymous"

type actorKey struct{}

func newActorMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			actor := strings.TrimSpace(req.Header.Get(actorHeader))
			if actor == "" {
				actor = anonymousActor
			}
			ctx := context.WithValue(req.Context(), actorKey{}, actor)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func actorIDFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return anonymousActor
}
