// Package topic implements MQTT v3.1.1 topic name and topic filter matching,
// including the '+' single-level and '#' multi-level wildcards.
package topic

import "strings"

// Filter is a parsed MQTT topic filter, e.g. from a SUBSCRIBE packet.
type Filter struct {
	raw      string
	segments []string
}

// ParseFilter validates and parses an MQTT topic filter.
func ParseFilter(raw string) (Filter, error) {
	if raw == "" {
		return Filter{}, errInvalid("empty topic filter")
	}
	segs := strings.Split(raw, "/")
	for i, s := range segs {
		if s == "#" && i != len(segs)-1 {
			return Filter{}, errInvalid("'#' must be the last level of a topic filter")
		}
		if s == "" {
			continue
		}
		if (strings.Contains(s, "+") || strings.Contains(s, "#")) && s != "+" && s != "#" {
			return Filter{}, errInvalid("'+' and '#' must occupy an entire topic level")
		}
	}
	return Filter{raw: raw, segments: segs}, nil
}

// String returns the original filter text.
func (f Filter) String() string { return f.raw }

// Matches reports whether topic (a published topic name, never itself
// containing wildcards) matches this filter, per MQTT v3.1.1 §4.7.
//
// Topics beginning with '$' (e.g. "$SYS/...") are never matched by a filter
// whose first level is '+' or '#' — [MQTT-4.7.2-1].
func (f Filter) Matches(publishedTopic string) bool {
	topicSegs := strings.Split(publishedTopic, "/")

	if strings.HasPrefix(publishedTopic, "$") {
		if len(f.segments) > 0 && (f.segments[0] == "+" || f.segments[0] == "#") {
			return false
		}
	}

	return matchSegments(f.segments, topicSegs)
}

func matchSegments(filter, topic []string) bool {
	for i := 0; i < len(filter); i++ {
		if filter[i] == "#" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if filter[i] == "+" {
			if topic[i] == "" {
				return false
			}
		} else if filter[i] != topic[i] {
			return false
		}
	}
	return len(filter) == len(topic)
}

// ValidTopicName reports whether s is a legal published topic name: non-empty
// and free of the '+' and '#' wildcard characters.
func ValidTopicName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "+#")
}

type invalidFilterError string

func errInvalid(reason string) error { return invalidFilterError(reason) }

func (e invalidFilterError) Error() string { return "invalid topic filter: " + string(e) }
