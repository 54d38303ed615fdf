package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type contextKey string

const actorKey contextKey = "actor"

// ErrNoActor is returned by operations that require an identified caller
// when none is present in the context.
var ErrNoActor = errors.New("no acting user in context")

// Actor is the identified caller of a request. Services receive it
// explicitly; there is no package-level current user.
type Actor struct {
	ID    uuid.UUID
	Name  string
	Roles []string
}

// HasRole reports whether the actor holds the role. Admins hold every role.
func (a *Actor) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the actor from context, or nil.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorKey).(*Actor)
	return actor
}
