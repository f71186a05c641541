// Package matcher provides MQTT topic filter matching. Filters use the broker
// wildcards: "+" matches exactly one topic level and "#" matches the rest of
// the topic, including the parent level.
package matcher

import (
	"fmt"
	"strings"
)

const (
	// SingleLevel matches exactly one topic level.
	SingleLevel = "+"
	// MultiLevel matches any number of trailing levels.
	MultiLevel = "#"

	separator = "/"
)

// Matcher is the main interface for topic matching operations.
type Matcher interface {
	// Match checks if the topic matches the filter
	Match(topic string) bool
	// Filter returns the original filter string.
	Filter() string
}

// matcher is the concrete implementation of the Matcher interface.
// levels is the filter split on "/", computed once.
type matcher struct {
	filter string
	levels []string
	exact  bool
}

// New creates a Matcher for a topic filter.
func New(filter string) (Matcher, error) {
	if err := Validate(filter); err != nil {
		return nil, err
	}
	levels := strings.Split(filter, separator)
	return &matcher{
		filter: filter,
		levels: levels,
		exact:  !strings.ContainsAny(filter, SingleLevel+MultiLevel),
	}, nil
}

// Validate reports whether filter is a well-formed topic filter: not empty,
// wildcards occupying a whole level, and "#" only as the last level.
func Validate(filter string) error {
	if filter == "" {
		return fmt.Errorf("topic filter must not be empty")
	}
	if strings.ContainsRune(filter, 0) {
		return fmt.Errorf("topic filter %q contains a NUL character", filter)
	}

	levels := strings.Split(filter, separator)
	for i, level := range levels {
		switch {
		case level == MultiLevel:
			if i != len(levels)-1 {
				return fmt.Errorf("topic filter %q: %q must be the last level", filter, MultiLevel)
			}
		case level == SingleLevel:
		case strings.ContainsAny(level, SingleLevel+MultiLevel):
			return fmt.Errorf("topic filter %q: wildcards must occupy a whole level", filter)
		}
	}
	return nil
}

// Match checks if the topic matches the filter. Topics starting with "$" are
// never matched by a leading wildcard.
func (m *matcher) Match(topic string) bool {
	if m.exact {
		return topic == m.filter
	}
	if strings.HasPrefix(topic, "$") && (m.levels[0] == SingleLevel || m.levels[0] == MultiLevel) {
		return false
	}

	levels := strings.Split(topic, separator)
	for i, f := range m.levels {
		if f == MultiLevel {
			return true
		}
		if i >= len(levels) {
			return false
		}
		if f != SingleLevel && f != levels[i] {
			return false
		}
	}
	return len(levels) == len(m.levels)
}

// Filter returns the original filter string.
func (m *matcher) Filter() string {
	return m.filter
}

// MultiMatcher handles multiple filters simultaneously, such as a
// subscription set.
type MultiMatcher struct {
	matchers []Matcher
}

// NewMultiMatcher creates a matcher with multiple filters.
func NewMultiMatcher(filters ...string) (*MultiMatcher, error) {
	mm := &MultiMatcher{matchers: make([]Matcher, 0, len(filters))}
	for _, f := range filters {
		m, err := New(f)
		if err != nil {
			return nil, err
		}
		mm.matchers = append(mm.matchers, m)
	}
	return mm, nil
}

// Match returns true if any filter matches.
func (mm *MultiMatcher) Match(topic string) bool {
	_, ok := mm.Matching(topic)
	return ok
}

// Matching returns the first filter, in the order they were added, that
// matches topic.
func (mm *MultiMatcher) Matching(topic string) (string, bool) {
	for _, m := range mm.matchers {
		if m.Match(topic) {
			return m.Filter(), true
		}
	}
	return "", false
}
