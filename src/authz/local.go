package authz

import "context"

// LocalAuthorizer allows any activity that originates on the loopback
// listener and delegates everything else to Inner. Grounded on
// _examples/original_source/mqtt/mqtt-edgehub/src/auth/authorization/mod.rs.
type LocalAuthorizer struct {
	// IsLocal reports whether activity originated on a loopback connection.
	// The connection task supplies this via the activity's transport origin.
	IsLocal func(activity Activity) bool
	Inner    Authorizer
}

func NewLocalAuthorizer(isLocal func(Activity) bool, inner Authorizer) *LocalAuthorizer {
	return &LocalAuthorizer{IsLocal: isLocal, Inner: inner}
}

func (l *LocalAuthorizer) Authorize(ctx context.Context, activity Activity) (Authorization, error) {
	if l.IsLocal != nil && l.IsLocal(activity) {
		return Allow(), nil
	}
	return l.Inner.Authorize(ctx, activity)
}
