package policy

import (
	"fmt"
	"strings"
)

// Validator checks a Definition for structural and semantic soundness
// before it can be built into an evaluator. Grounded on
// _examples/original_source/mqtt/policy/src/validator.rs generalized to the
// MQTT profile rules of _examples/original_source/mqtt/mqtt-policy/src/lib.rs.
type Validator interface {
	Validate(def Definition) error
}

// identityVariables are the {{…}} names permitted inside an identity string.
var identityVariables = map[string]bool{
	"iot:identity":      true,
	"iot:device_id":     true,
	"iot:module_id":     true,
	"mqtt:client_id":    true,
	"iot:this_device_id": true,
}

// resourceVariables additionally permits the topic placeholder.
var resourceVariables = map[string]bool{
	"iot:identity":       true,
	"iot:device_id":      true,
	"iot:module_id":      true,
	"mqtt:client_id":     true,
	"iot:this_device_id": true,
	"mqtt:topic":         true,
}

var validOperations = map[string]bool{
	OpConnect:   true,
	OpPublish:   true,
	OpSubscribe: true,
}

// MqttValidator enforces the MQTT authorization profile's semantic rules,
// beyond the struct-tag validation performed by go-playground/validator.
type MqttValidator struct {
	// Matcher is used to confirm a resource string parses as a topic filter
	// once its variables are substituted with representative placeholders.
	Matcher Matcher
}

// NewMqttValidator returns a validator that matches the MQTT profile rules
// of spec.md §4.6.
func NewMqttValidator(matcher Matcher) *MqttValidator {
	return &MqttValidator{Matcher: matcher}
}

func (v *MqttValidator) Validate(def Definition) error {
	if def.SchemaVersion != SchemaVersion {
		return fmt.Errorf("policy: unsupported schemaVersion %q, want %q", def.SchemaVersion, SchemaVersion)
	}
	if len(def.Statements) == 0 {
		return fmt.Errorf("policy: document has no statements")
	}
	for i, s := range def.Statements {
		if err := v.validateStatement(i, s); err != nil {
			return err
		}
	}
	return nil
}

func (v *MqttValidator) validateStatement(i int, s Statement) error {
	if len(s.Identities) == 0 {
		return fmt.Errorf("policy: statement %d: identities must be non-empty", i)
	}
	if len(s.Operations) == 0 {
		return fmt.Errorf("policy: statement %d: operations must be non-empty", i)
	}
	for _, op := range s.Operations {
		if !validOperations[op] {
			return fmt.Errorf("policy: statement %d: unsupported operation %q", i, op)
		}
	}
	connectOnly := len(s.Operations) == 1 && s.Operations[0] == OpConnect
	if len(s.Resources) == 0 && !connectOnly {
		return fmt.Errorf("policy: statement %d: resources must be non-empty unless operations == [%q]", i, OpConnect)
	}

	for _, id := range s.Identities {
		if name, ok := extractVariable(id); ok && !identityVariables[name] {
			return fmt.Errorf("policy: statement %d: identity %q references unknown variable %q", i, id, name)
		}
	}
	for _, res := range s.Resources {
		if name, ok := extractVariable(res); ok && !resourceVariables[name] {
			return fmt.Errorf("policy: statement %d: resource %q references unknown variable %q", i, res, name)
		}
		if err := v.checkResourceParsesAsFilter(i, res); err != nil {
			return err
		}
	}
	return nil
}

// checkResourceParsesAsFilter substitutes a representative placeholder for
// every variable and checks the result parses as a valid MQTT topic filter.
func (v *MqttValidator) checkResourceParsesAsFilter(i int, resource string) error {
	placeholder := substituteAllVariables(resource, "x")
	if !v.Matcher.ValidPattern(placeholder) {
		return fmt.Errorf("policy: statement %d: resource %q does not parse as a topic filter", i, resource)
	}
	return nil
}

// extractVariable reports the variable name if s is exactly one {{name}}
// token (optionally with surrounding literal text); it returns the first
// variable found, if any.
func extractVariable(s string) (string, bool) {
	start := strings.Index(s, "{{")
	if start < 0 {
		return "", false
	}
	end := strings.Index(s[start:], "}}")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(s[start+2 : start+end]), true
}

func substituteAllVariables(s string, placeholder string) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return s
		}
		relEnd := strings.Index(s[start:], "}}")
		if relEnd < 0 {
			return s
		}
		end := start + relEnd + 2
		s = s[:start] + placeholder + s[end:]
	}
}
