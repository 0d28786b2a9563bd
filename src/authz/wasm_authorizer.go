package authz

import (
	"context"

	wasmpolicy "github.com/sandrolain/mqtt-edgebroker/src/policy/wasm"
)

// WasmAuthorizer adapts a WASM-hosted external policy module to the
// Authorizer contract (spec.md §4.6, "External policy option").
type WasmAuthorizer struct {
	Engine *wasmpolicy.Authorizer
}

func NewWasmAuthorizer(engine *wasmpolicy.Authorizer) *WasmAuthorizer {
	return &WasmAuthorizer{Engine: engine}
}

func (w *WasmAuthorizer) Authorize(ctx context.Context, activity Activity) (Authorization, error) {
	identity := activity.ClientInfo.AuthId.String()
	operation := OperationName(activity.Operation)
	resource := ResourceName(activity.Operation)

	decision, err := w.Engine.Evaluate(ctx, activity.ClientID.String(), identity, operation, resource)
	if err != nil {
		return Forbid(err.Error()), err
	}
	if decision.Allowed {
		return Allow(), nil
	}
	return Forbid(decision.Reason), nil
}
