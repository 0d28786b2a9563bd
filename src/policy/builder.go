package policy

import "fmt"

// Policy is a validated, evaluatable Definition. The only way to obtain one
// is through Builder.Build, which fails closed on an invalid document
// (spec.md §4.6, "Build pipeline").
type Policy struct {
	def             Definition
	matcher         Matcher
	substituter     Substituter
	defaultDecision Decision
}

// Builder constructs a Policy, running validation before the document can
// be evaluated.
type Builder struct {
	Definition      Definition
	Validator       Validator
	Matcher         Matcher
	Substituter     Substituter
	DefaultDecision Decision
}

// NewBuilder returns a Builder wired with the MQTT profile's validator,
// matcher, and substituter.
func NewBuilder(def Definition, thisDeviceID string) *Builder {
	matcher := TopicFilterMatcher{}
	return &Builder{
		Definition:      def,
		Validator:       NewMqttValidator(matcher),
		Matcher:         matcher,
		Substituter:     MqttSubstituter{ThisDeviceID: thisDeviceID},
		DefaultDecision: DecisionDenied,
	}
}

// Build validates b.Definition and, on success, returns an evaluatable
// Policy. It fails closed: any validation error prevents construction.
func (b *Builder) Build() (*Policy, error) {
	if b.Validator == nil || b.Matcher == nil || b.Substituter == nil {
		return nil, fmt.Errorf("policy: builder is missing a required component")
	}
	if err := b.Validator.Validate(b.Definition); err != nil {
		return nil, err
	}
	return &Policy{
		def:             b.Definition,
		matcher:         b.Matcher,
		substituter:     b.Substituter,
		defaultDecision: b.DefaultDecision,
	}, nil
}

// Evaluate runs req against the policy's statements in document order; the
// first statement whose identity, operation, and any resource all match
// decides the outcome. Evaluation never mutates the Policy (spec.md §8,
// invariant 6: deterministic and idempotent).
func (p *Policy) Evaluate(req Request) Decision {
	for _, stmt := range p.def.Statements {
		if !p.matchesStatement(stmt, req) {
			continue
		}
		return effectToDecision(stmt.Effect)
	}
	return p.defaultDecision
}

func (p *Policy) matchesStatement(stmt Statement, req Request) bool {
	if !containsSubstituted(p.substituter, stmt.Identities, req, req.Identity) {
		return false
	}
	if !contains(stmt.Operations, req.Operation) {
		return false
	}
	if len(stmt.Resources) == 0 {
		return true
	}
	for _, res := range stmt.Resources {
		substituted := p.substituter.Substitute(res, req)
		if p.matcher.Matches(substituted, req.Resource) {
			return true
		}
	}
	return false
}

func containsSubstituted(sub Substituter, values []string, req Request, want string) bool {
	for _, v := range values {
		if sub.Substitute(v, req) == want {
			return true
		}
	}
	return false
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func effectToDecision(e Effect) Decision {
	if e == EffectAllow {
		return DecisionAllowed
	}
	return DecisionDenied
}
