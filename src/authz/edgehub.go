package authz

import (
	"context"

	"github.com/sandrolain/mqtt-edgebroker/src/policy"
)

// EdgeHubAuthorizer recognizes a single distinguished service identity (the
// edge hub companion process itself) and grants it the resources named in
// its registered table, regardless of the general policy; every other
// identity delegates to Inner. Grounded on
// _examples/original_source/mqtt/mqtt-edgehub/src/auth/authorization/mod.rs.
type EdgeHubAuthorizer struct {
	ServiceIdentity string
	// Resources lists the topic filters (per operation) the service
	// identity may use, e.g. {"mqtt:publish": {"$edgehub/#"}}.
	Resources map[string][]string
	Inner     Authorizer

	matcher policy.Matcher
}

// NewEdgeHubAuthorizer builds an EdgeHubAuthorizer with the MQTT topic
// filter matcher used throughout this codebase's policy engine.
func NewEdgeHubAuthorizer(serviceIdentity string, resources map[string][]string, inner Authorizer) *EdgeHubAuthorizer {
	return &EdgeHubAuthorizer{
		ServiceIdentity: serviceIdentity,
		Resources:       resources,
		Inner:           inner,
		matcher:         policy.TopicFilterMatcher{},
	}
}

func (e *EdgeHubAuthorizer) Authorize(ctx context.Context, activity Activity) (Authorization, error) {
	if activity.ClientInfo.AuthId.String() != e.ServiceIdentity {
		return e.Inner.Authorize(ctx, activity)
	}

	opName := OperationName(activity.Operation)
	if _, ok := activity.Operation.(ConnectOp); ok {
		return Allow(), nil
	}

	resource := ResourceName(activity.Operation)
	for _, pattern := range e.Resources[opName] {
		if e.matcher.Matches(pattern, resource) {
			return Allow(), nil
		}
	}
	return Forbid("edge hub identity is not authorized for this resource"), nil
}
