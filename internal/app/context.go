package app

import (
	"context"
	"log/slog"
	"net/http"

	"pipecd/api/internal/auth"
	"pipecd/api/internal/rbac"
	"pipecd/api/internal/store"
)

// RequestContext is built once per request and never shared. A nil
// identity means the caller is anonymous.
type RequestContext struct {
	identity    *auth.Identity
	client      store.Client
	permissions rbac.Set
}

func NewRequestContext(identity *auth.Identity, client store.Client, permissions rbac.Set) *RequestContext {
	return &RequestContext{identity: identity, client: client, permissions: permissions}
}

func (rc *RequestContext) Identity() *auth.Identity {
	if rc == nil || rc.identity == nil {
		return nil
	}
	identity := *rc.identity
	return &identity
}

func (rc *RequestContext) Client() store.Client { return rc.client }

func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.identity != nil
}

// Can is the single capability check.
func (rc *RequestContext) Can(capability rbac.Capability) bool {
	return rc != nil && rbac.Has(rc.permissions, capability)
}

func (rc *RequestContext) Permissions() []rbac.Capability {
	if rc == nil {
		return nil
	}
	return rc.permissions.Sorted()
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the request context, or nil outside a request.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// IdentityResolver verifies a bearer token.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

// ContextBuilder composes credential extraction, verification and client
// scoping. It never fails: any problem yields an anonymous context.
type ContextBuilder struct {
	resolver IdentityResolver
	db       store.DB
	logger   *slog.Logger
}

func NewContextBuilder(resolver IdentityResolver, db store.DB, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{resolver: resolver, db: db, logger: logger}
}

func (b *ContextBuilder) Build(r *http.Request) *RequestContext {
	token := auth.BearerToken(r.Header)
	if token == "" {
		return b.anonymous()
	}

	identity, err := b.resolver.Resolve(r.Context(), token)
	if err != nil {
		b.logger.WarnContext(r.Context(), "bearer verification failed",
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		return b.anonymous()
	}

	role := rbac.Normalize(identity.Role)
	identity.Role = string(role)
	client := b.db.Scoped(store.Claims{
		Subject: identity.ID,
		Email:   identity.Email,
		Role:    identity.Role,
	})
	return NewRequestContext(&identity, client, rbac.Permissions(role))
}

func (b *ContextBuilder) anonymous() *RequestContext {
	return NewRequestContext(nil, b.db.Anonymous(), rbac.NewSet())
}
