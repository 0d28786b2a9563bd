package authz

import (
	"context"

	"github.com/sandrolain/mqtt-edgebroker/src/policy"
)

// PolicyAuthorizer adapts a built policy.Policy to the Authorizer contract.
// Grounded on
// _examples/original_source/mqtt/mqtt-edgehub/src/auth/authorization/policy.rs.
type PolicyAuthorizer struct {
	Policy *policy.Policy
}

func NewPolicyAuthorizer(p *policy.Policy) *PolicyAuthorizer {
	return &PolicyAuthorizer{Policy: p}
}

func (p *PolicyAuthorizer) Authorize(ctx context.Context, activity Activity) (Authorization, error) {
	req := buildRequest(activity)
	switch p.Policy.Evaluate(req) {
	case policy.DecisionAllowed:
		return Allow(), nil
	default:
		return Forbid("denied by policy"), nil
	}
}

// buildRequest translates an Activity into a policy.Request, populating
// Properties per spec.md §9 Open Question (b): the original source left
// this commented out, but substitution by property lookup requires it.
func buildRequest(activity Activity) policy.Request {
	identity := activity.ClientInfo.AuthId.String()
	deviceID, moduleID := policy.SplitIdentity(identity)

	return policy.Request{
		Identity:  identity,
		Operation: OperationName(activity.Operation),
		Resource:  ResourceName(activity.Operation),
		Context:   activity,
		Properties: map[string]string{
			"mqtt:client_id": activity.ClientID.String(),
			"iot:identity":   identity,
			"iot:device_id":  deviceID,
			"iot:module_id":  moduleID,
			"mqtt:topic":     ResourceName(activity.Operation),
		},
	}
}
