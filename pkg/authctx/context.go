// Package authctx carries the acting principal and tenant boundary through
// command and query calls.
package authctx

import (
	"context"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

type contextKey struct{}

// Context identifies the instance, organization and user a call acts for.
type Context struct {
	InstanceID string
	OrgID      string
	UserID     string
	RequestID  string
}

// SystemUser is the creator recorded for events emitted without an
// authenticated principal.
const SystemUser = "system"

// Creator returns the acting principal, or SystemUser when none is set.
func (c Context) Creator() string {
	if c.UserID == "" {
		return SystemUser
	}
	return c.UserID
}

// WithContext attaches the call context.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext retrieves the call context. The instance ID is mandatory:
// every event, constraint and projection row is scoped to one instance.
func FromContext(ctx context.Context) (Context, error) {
	c, ok := ctx.Value(contextKey{}).(Context)
	if !ok || c.InstanceID == "" {
		return Context{}, zerrors.ThrowPermissionDenied(nil, "AUTHZ-ctx-01", "instance not set on context")
	}
	return c, nil
}

// InstanceID returns the instance bound to ctx, or empty when unset.
func InstanceID(ctx context.Context) string {
	c, ok := ctx.Value(contextKey{}).(Context)
	if !ok {
		return ""
	}
	return c.InstanceID
}
