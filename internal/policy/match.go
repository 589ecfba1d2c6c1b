package policy

import (
	"fmt"
	"path"
	"strings"
)

// Matcher checks names against a set of allow-list glob patterns.
// Patterns use path.Match syntax, so '*' does not match across '/'.
// An empty Matcher matches everything.
type Matcher struct {
	patterns []string
}

// NewMatcher creates a Matcher, rejecting blank or malformed patterns.
func NewMatcher(rawPatterns []string) (*Matcher, error) {
	patterns := make([]string, 0, len(rawPatterns))
	for _, raw := range rawPatterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			return nil, fmt.Errorf("blank pattern")
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		patterns = append(patterns, pattern)
	}
	return &Matcher{patterns: patterns}, nil
}

// Empty reports whether the Matcher has no patterns.
func (m *Matcher) Empty() bool {
	return len(m.patterns) == 0
}

// Match reports whether name matches at least one pattern, or whether the
// Matcher is empty.
func (m *Matcher) Match(name string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	for _, pattern := range m.patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Matcher) String() string {
	return strings.Join(m.patterns, ",")
}
