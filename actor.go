package auth

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// SystemActor is written to audit columns when no principal is present
const SystemActor = "SYSTEM"

var actorCtxKey = &contextKey{"actor"}

// WithActor sets the name recorded in created_by/updated_by for writes made
// with the returned context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext returns the current actor, SystemActor when none is set.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}
	if actor, ok := ctx.Value(actorCtxKey).(string); ok && actor != "" {
		return actor
	}
	if p, ok := PrincipalFromContext(ctx); ok && p.Username != "" {
		return p.Username
	}
	return SystemActor
}

func stampAudit(ctx context.Context, query bun.Query, createdAt *time.Time, createdBy *string, updatedAt *time.Time, updatedBy *string) {
	now := time.Now().UTC()
	actor := ActorFromContext(ctx)

	switch query.(type) {
	case *bun.InsertQuery:
		if createdAt.IsZero() {
			*createdAt = now
		}
		if *createdBy == "" {
			*createdBy = actor
		}
		*updatedAt = now
		*updatedBy = actor
	case *bun.UpdateQuery:
		*updatedAt = now
		*updatedBy = actor
	}
}

// auditSet adds the update audit columns to a column-targeted update
func auditSet(ctx context.Context, q *bun.UpdateQuery) *bun.UpdateQuery {
	return q.
		Set("updated_at = ?", time.Now().UTC()).
		Set("updated_by = ?", ActorFromContext(ctx))
}
