package topic

import "testing"

func TestMatchesExact(t *testing.T) {
	f, err := ParseFilter("a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Matches("a/b/c") {
		t.Error("expected exact match")
	}
	if f.Matches("a/b") {
		t.Error("expected no match on shorter topic")
	}
}

func TestMatchesSingleLevelWildcard(t *testing.T) {
	f, _ := ParseFilter("a/+/c")
	cases := map[string]bool{
		"a/b/c":   true,
		"a/x/c":   true,
		"a/b/c/d": false,
		"a/c":     false,
		"a//c":    false, // '+' matches a single non-empty level (spec.md §8).
	}
	for topic, want := range cases {
		if got := f.Matches(topic); got != want {
			t.Errorf("Matches(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestMatchesMultiLevelWildcard(t *testing.T) {
	f, _ := ParseFilter("a/#")
	cases := map[string]bool{
		"a":       true,
		"a/b":     true,
		"a/b/c":   true,
		"b/c":     false,
	}
	for topic, want := range cases {
		if got := f.Matches(topic); got != want {
			t.Errorf("Matches(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestBareHashMatchesEverythingExceptDollar(t *testing.T) {
	f, _ := ParseFilter("#")
	if !f.Matches("a/b/c") {
		t.Error("expected '#' to match any topic")
	}
	if f.Matches("$SYS/broker/uptime") {
		t.Error("'#' must not match $-prefixed topics [MQTT-4.7.2-1]")
	}
}

func TestPlusFirstLevelExcludesDollarTopics(t *testing.T) {
	f, _ := ParseFilter("+/monitor/Clients")
	if f.Matches("$SYS/monitor/Clients") {
		t.Error("'+' as first level must not match $-prefixed topics")
	}
}

func TestParseFilterRejectsInvalid(t *testing.T) {
	invalid := []string{"", "a/#/b", "a/b#", "a/+c"}
	for _, raw := range invalid {
		if _, err := ParseFilter(raw); err == nil {
			t.Errorf("ParseFilter(%q) expected error", raw)
		}
	}
}

func TestValidTopicName(t *testing.T) {
	if !ValidTopicName("a/b/c") {
		t.Error("expected valid")
	}
	if ValidTopicName("a/+/c") || ValidTopicName("a/#") || ValidTopicName("") {
		t.Error("expected invalid")
	}
}
