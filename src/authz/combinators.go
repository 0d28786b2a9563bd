package authz

import "context"

// AndThen composes two authorizers: if a yields Allowed, its result is
// returned immediately; otherwise — on Forbidden OR on error from a — b is
// consulted and its result (or error) returned. Grounded on
// _examples/original_source/mqtt/mqtt-edgehub/src/auth/authorization/combinators.rs.
//
// This "errors fall through" behavior is preserved as documented contract
// per spec.md §9, Open Question (a): it can hide a misbehaving authorizer a
// behind a permissive b, so it is pinned explicitly by tests rather than
// silently relied upon.
func AndThen(a, b Authorizer) Authorizer {
	return AuthorizerFunc(func(ctx context.Context, activity Activity) (Authorization, error) {
		result, err := a.Authorize(ctx, activity)
		if err == nil && result.Allowed() {
			return result, nil
		}
		return b.Authorize(ctx, activity)
	})
}
