package aluvia

import (
	"strings"
)

// RuleKind identifies the matching behavior of a parsed rule token.
type RuleKind int

const (
	// RuleMatchAll matches every hostname ("*").
	RuleMatchAll RuleKind = iota

	// RuleExactHost matches a single hostname, case-insensitively.
	RuleExactHost

	// RuleSubdomainWildcard ("*.example.com") matches any hostname
	// ending in ".example.com", but not "example.com" itself.
	RuleSubdomainWildcard

	// RulePrefixWildcard ("google.*") matches any hostname whose first
	// label equals the prefix ("google.com", "google.co.uk").
	RulePrefixWildcard

	// RuleAuto is the "AUTO" preset: it matches hostnames present in a
	// separately supplied allowlist, typically the set of hostnames the
	// detection engine has flagged as blocked.
	RuleAuto
)

// RuleToken is a single parsed routing rule. Raw pattern strings are
// parsed once at config-ingestion time so the dispatch hot path never
// touches the string form.
type RuleToken struct {
	// Kind selects the matching behavior.
	Kind RuleKind

	// Value is the match operand: the hostname for RuleExactHost, the
	// suffix (without "*.") for RuleSubdomainWildcard, the first label
	// (without ".*") for RulePrefixWildcard. Empty for RuleMatchAll
	// and RuleAuto.
	Value string

	// Exclude inverts the rule: a matching hostname is forced direct
	// regardless of any other rule in the set. Parsed from a leading "-".
	Exclude bool

	// Pattern is the original pattern string, retained for listing and
	// re-serialization through the admin surface.
	Pattern string
}

// ParseRulePattern parses a single pattern string into a RuleToken.
//
// Supported forms:
//
//	*                match every hostname
//	example.com      exact hostname match
//	*.example.com    subdomains of example.com (not the apex)
//	google.*         any hostname whose first label is "google"
//	AUTO             hostnames in the auto allowlist
//	-<pattern>       exclusion form of any of the above
func ParseRulePattern(pattern string) RuleToken {
	tok := RuleToken{Pattern: pattern}

	p := strings.TrimSpace(pattern)
	if strings.HasPrefix(p, "-") {
		tok.Exclude = true
		p = strings.TrimSpace(p[1:])
	}

	switch {
	case p == "*":
		tok.Kind = RuleMatchAll
	case p == "AUTO":
		tok.Kind = RuleAuto
	case strings.HasPrefix(p, "*."):
		tok.Kind = RuleSubdomainWildcard
		tok.Value = strings.ToLower(p[2:])
	case strings.HasSuffix(p, ".*"):
		tok.Kind = RulePrefixWildcard
		tok.Value = strings.ToLower(p[:len(p)-2])
	default:
		tok.Kind = RuleExactHost
		tok.Value = strings.ToLower(p)
	}

	return tok
}

// ParseRules parses a list of pattern strings. Empty patterns are skipped.
func ParseRules(patterns []string) []RuleToken {
	rules := make([]RuleToken, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rules = append(rules, ParseRulePattern(p))
	}
	return rules
}

// matches reports whether the token's pattern matches the hostname.
// Exclusion is handled by the caller; matches only evaluates the pattern.
func (t RuleToken) matches(hostname string, autoHosts map[string]struct{}) bool {
	switch t.Kind {
	case RuleMatchAll:
		return true
	case RuleExactHost:
		return hostname == t.Value
	case RuleSubdomainWildcard:
		return strings.HasSuffix(hostname, "."+t.Value)
	case RulePrefixWildcard:
		label, _, _ := strings.Cut(hostname, ".")
		return label == t.Value
	case RuleAuto:
		_, ok := autoHosts[hostname]
		return ok
	}
	return false
}

// Decide reports whether traffic for hostname should be routed through
// the gateway. A hostname is routed iff it matches at least one
// non-exclusion rule and matches no exclusion rule; exclusions win
// regardless of position in the set. An empty rule set routes nothing.
//
// autoHosts is the allowlist consulted by the AUTO preset; nil is valid
// and means the preset matches nothing.
//
// Decide is pure and safe to call concurrently without synchronization.
func Decide(hostname string, rules []RuleToken, autoHosts map[string]struct{}) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	included := false
	for _, r := range rules {
		if !r.matches(hostname, autoHosts) {
			continue
		}
		if r.Exclude {
			return false
		}
		included = true
	}
	return included
}
