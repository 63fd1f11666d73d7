package secrets

// Rule is a single regexp detection rule.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Keywords gate the rule: when set, at least one must appear
	// (case-insensitive) before the pattern runs.
	Keywords []string `koanf:"keywords"`
}

// DefaultRules covers credentials the engine is likely to have in reach.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "telegram-bot-token", Pattern: `\b[0-9]{8,10}:[A-Za-z0-9_-]{35}\b`},
		{ID: "anthropic-api-key", Pattern: `sk-ant-[A-Za-z0-9_-]{20,}`},
		{ID: "openai-api-key", Pattern: `sk-(?:proj-)?[A-Za-z0-9]{20,}`},
		{ID: "github-token", Pattern: `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9_-]{20,}`},
		{ID: "aws-access-key-id", Pattern: `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9-]{10,}`},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`,
			Keywords: []string{"bearer"},
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:secret|password|passwd|api[_-]?key|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"secret", "password", "passwd", "key", "token"},
		},
	}
}
