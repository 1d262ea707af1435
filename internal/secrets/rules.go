package secrets

// Rule is one secret pattern. When Pattern has a capture group only the
// first group is redacted, so the surrounding key stays readable.
type Rule struct {
	ID      string
	Pattern string
}

// DefaultRules returns the patterns of credentials npm and git print in
// errors: registry tokens, .npmrc auth entries and credentialed URLs.
func DefaultRules() []Rule {
	return []Rule{
		// npm_ prefix is self-identifying
		{ID: "npm-token", Pattern: `npm_[A-Za-z0-9]{36}`},
		{ID: "npmrc-auth", Pattern: `(?i)_(?:authToken|auth|password)\s*=\s*"?([^\s"]+)`},
		{ID: "url-credentials", Pattern: `(?i)[a-z][a-z0-9+.-]*://[^\s:/@]+:([^\s@/]+)@`},
		{ID: "github-token", Pattern: `gh[pousr]_[A-Za-z0-9]{36}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "bearer-token", Pattern: `(?i)bearer\s+([A-Za-z0-9_\-.=]{20,})`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`},
	}
}
