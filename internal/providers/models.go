package providers

import (
	"fmt"
	"regexp"
)

// ModelMatcher decides whether a model name is allowed for a provider. It
// supports two matching modes:
//
//   - Exact match: the model string must equal the rule exactly.
//   - Regex match: the model string is tested against a compiled regexp.
//
// A nil *ModelMatcher is safe to call; Matches always returns false.
type ModelMatcher struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewModelMatcher compiles exact names and regex patterns. It returns an
// error for an invalid pattern so misconfiguration is caught at load time.
func NewModelMatcher(exact, patterns []string) (*ModelMatcher, error) {
	m := &ModelMatcher{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			m.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("providers: invalid model pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}

	return m, nil
}

// Matches reports whether model is allowed. Exact rules are checked first,
// then regex patterns in order.
func (m *ModelMatcher) Matches(model string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[model]; ok {
		return true
	}
	for _, re := range m.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (m *ModelMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exact) + len(m.patterns)
}
