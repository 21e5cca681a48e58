package api

import (
	"net/http"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/contextkeys"
	"github.com/platinummonkey/renewal/pkg/httputil"
	"github.com/platinummonkey/renewal/pkg/observability"
)

const (
	// HeaderActorID carries the authenticated principal's id
	HeaderActorID = "X-Actor-ID"
	// HeaderActorRole carries the principal's role: admin or customer
	HeaderActorRole = "X-Actor-Role"
)

// ActorMiddleware resolves the caller from the actor headers. Requests
// without an actor are rejected; the system role is reserved for jobs running
// inside the process and cannot be claimed over HTTP.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderActorID)
		if id == "" {
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, "missing "+HeaderActorID+" header")
			return
		}

		role := billing.Role(r.Header.Get(HeaderActorRole))
		switch role {
		case "":
			role = billing.RoleCustomer
		case billing.RoleAdmin, billing.RoleCustomer:
		default:
			httputil.WriteBadRequest(w, "unsupported actor role: "+string(role))
			return
		}

		actor := &billing.Actor{ID: id, Role: role}
		ctx := contextkeys.WithActor(r.Context(), actor)
		ctx = observability.WithActorID(ctx, string(role)+":"+id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the actor set by ActorMiddleware
func actorFrom(r *http.Request) *billing.Actor {
	actor, _ := contextkeys.Actor(r.Context()).(*billing.Actor)
	return actor
}
