package policy

import (
	"bytes"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sandrolain/mqtt-edgebroker/src/encdec"
)

var structValidator = validator.New()

// DecodeDefinition parses and struct-validates a policy document (spec.md
// §6, "Policy document"). The document is parsed as JSON when it begins
// with a '{' or '[' once leading whitespace is trimmed, and as YAML
// otherwise — a sniffing convention like the one src/config uses for
// inline content.
// Structural validation (go-playground/validator tags) runs first; the
// MQTT semantic rules in Validator run afterward, at Builder.Build time —
// mirroring the teacher's decode-then-validate config-loading idiom.
func DecodeDefinition(data []byte) (Definition, error) {
	var def Definition
	if looksLikeJSON(data) {
		if err := encdec.DecodeJSON(data, &def); err != nil {
			return Definition{}, fmt.Errorf("policy: decoding document: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("policy: decoding document: %w", err)
	}
	if err := structValidator.Struct(def); err != nil {
		return Definition{}, fmt.Errorf("policy: document failed structural validation: %w", err)
	}
	return def, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
