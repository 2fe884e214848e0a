package classifier

import "strings"

// RuleSet is a deterministic keyword classifier used when the model path is
// unavailable. Rules are evaluated in order; the first label whose keywords
// match wins.
type RuleSet struct {
	rules        []rule
	defaultLabel string
}

type rule struct {
	label    string
	keywords []string
}

// NewRuleSet creates a fallback rule set with the given default label.
func NewRuleSet(defaultLabel string) *RuleSet {
	return &RuleSet{defaultLabel: defaultLabel}
}

// Add registers keywords for a label. Matching is case-insensitive substring
// search over the input text.
func (rs *RuleSet) Add(label string, keywords ...string) *RuleSet {
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	rs.rules = append(rs.rules, rule{label: label, keywords: lowered})
	return rs
}

// Match classifies input text. The second return reports whether any rule
// matched; when false the default label was used.
func (rs *RuleSet) Match(input string) (string, bool) {
	lowered := strings.ToLower(input)
	for _, r := range rs.rules {
		for _, kw := range r.keywords {
			if strings.Contains(lowered, kw) {
				return r.label, true
			}
		}
	}
	return rs.defaultLabel, false
}

// DefaultLabel returns the label used when nothing matches.
func (rs *RuleSet) DefaultLabel() string {
	return rs.defaultLabel
}
