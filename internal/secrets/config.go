package secrets

import (
	"fmt"
	"regexp"
)

// DefaultRedaction replaces each detected span.
const DefaultRedaction = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	Enabled bool
	// Gitleaks adds the gitleaks default rule set on top of Rules.
	Gitleaks bool
	// Redaction replaces detected spans. Empty means DefaultRedaction.
	Redaction string
	// AllowList patterns exempt matching spans from redaction.
	AllowList []string
	Rules     []Rule
}

// DefaultConfig enables the built-in rules without gitleaks.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Redaction: DefaultRedaction,
		Rules:     DefaultRules(),
	}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		out = append(out, cr)
	}
	return out, nil
}

func compileAllowList(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (r compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}
