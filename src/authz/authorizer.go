package authz

import "context"

// Authorization is the outcome of an authorize() call: either Allowed, or
// Forbidden with a human-readable reason (spec.md §4.5).
type Authorization struct {
	allowed bool
	reason  string
}

// Allow constructs an Allowed Authorization.
func Allow() Authorization { return Authorization{allowed: true} }

// Forbid constructs a Forbidden Authorization with reason.
func Forbid(reason string) Authorization { return Authorization{allowed: false, reason: reason} }

// Allowed reports whether this authorization permits the activity.
func (a Authorization) Allowed() bool { return a.allowed }

// Reason returns the forbidding reason; empty when Allowed.
func (a Authorization) Reason() string { return a.reason }

// Authorizer decides whether an Activity is permitted. Implementations must
// not block for long: they are consulted synchronously from the broker's
// single-consumer loop (spec.md §5, "Shared resources").
type Authorizer interface {
	Authorize(ctx context.Context, activity Activity) (Authorization, error)
}

// AuthorizerFunc adapts a plain function to an Authorizer.
type AuthorizerFunc func(ctx context.Context, activity Activity) (Authorization, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, activity Activity) (Authorization, error) {
	return f(ctx, activity)
}
