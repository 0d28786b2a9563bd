package policy

import "github.com/sandrolain/mqtt-edgebroker/src/mqtt/topic"

// Matcher tests whether an activity's resource (the "input") matches a
// statement's resource (the "pattern"), after substitution. Grounded on
// _examples/original_source/mqtt/policy/src/matcher.rs.
type Matcher interface {
	// Matches reports whether input satisfies pattern.
	Matches(pattern, input string) bool
	// ValidPattern reports whether pattern is well-formed for this matcher,
	// used by Validator to reject malformed resource strings at build time.
	ValidPattern(pattern string) bool
}

// TopicFilterMatcher treats the policy-side resource as an MQTT topic
// filter and the request-side resource as a plain topic name or filter,
// per spec.md §4.6 ("Resource matching (MQTT)").
type TopicFilterMatcher struct{}

func (TopicFilterMatcher) Matches(pattern, input string) bool {
	f, err := topic.ParseFilter(pattern)
	if err != nil {
		return false
	}
	return f.Matches(input)
}

func (TopicFilterMatcher) ValidPattern(pattern string) bool {
	_, err := topic.ParseFilter(pattern)
	return err == nil
}
