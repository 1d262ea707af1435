// Package secrets redacts credentials from package manager output before it
// is streamed, logged or returned in errors.
package secrets

import (
	"fmt"
	"regexp"
	"slices"
)

// Placeholder replaces every redacted span.
const Placeholder = "[REDACTED]"

type compiledRule struct {
	id      string
	pattern *regexp.Regexp
}

// Redactor replaces secrets in text. It is safe for concurrent use.
type Redactor struct {
	rules []compiledRule
}

// span is a byte range to redact.
type span struct {
	start, end int
}

// New compiles rules into a Redactor.
func New(rules []Rule) (*Redactor, error) {
	r := &Redactor{rules: make([]compiledRule, 0, len(rules))}
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		r.rules = append(r.rules, compiledRule{id: rule.ID, pattern: pattern})
	}
	return r, nil
}

// Default returns a Redactor over DefaultRules.
func Default() *Redactor {
	r, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return r
}

// Redact returns s with every secret replaced by Placeholder.
func (r *Redactor) Redact(s string) string {
	spans := r.find(s)
	if len(spans) == 0 {
		return s
	}

	// Apply back to front so earlier offsets stay valid.
	for i := len(spans) - 1; i >= 0; i-- {
		sp := spans[i]
		s = s[:sp.start] + Placeholder + s[sp.end:]
	}
	return s
}

// Matches returns the IDs of the rules that matched s, without the values.
func (r *Redactor) Matches(s string) []string {
	var ids []string
	for _, rule := range r.rules {
		if rule.pattern.MatchString(s) {
			ids = append(ids, rule.id)
		}
	}
	return ids
}

// find returns the merged spans to redact, sorted by start.
func (r *Redactor) find(s string) []span {
	var spans []span
	for _, rule := range r.rules {
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(s, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			if start < end {
				spans = append(spans, span{start, end})
			}
		}
	}
	if len(spans) < 2 {
		return spans
	}

	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	merged := spans[:1]
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			last.end = max(last.end, cur.end)
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}
