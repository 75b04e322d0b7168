package tlsupgrade

// RuleSet is a named, immutable bundle of rules targeting one or more
// hosts. Once constructed it is safe to share across goroutines via the
// RuleSets index.
type RuleSet struct {
	Name string

	Rules       []Rule
	Exclusions  string // combined alternation regex, empty if none
	CookieRules []CookieRule

	Active       bool
	DefaultState bool

	// Scope restricts this RuleSet to URLs matching the regex, shared
	// across every RuleSet loaded from the same update channel bundle.
	Scope *string

	Note string
}

// Apply rewrites url according to this RuleSet's rules, honoring
// exclusions. It returns the rewritten URL and true if some rule fired, or
// the original URL and false if the RuleSet left it alone.
func (rs *RuleSet) Apply(url string) (string, bool) {
	if rs.Exclusions != "" {
		re := compiledPatterns.compile(rs.Exclusions)
		if re != nil && re.MatchString(url) {
			return url, false
		}
	}

	for _, rule := range rs.Rules {
		if rewritten, ok := rule.apply(url); ok {
			return rewritten, true
		}
	}
	return url, false
}

// InScope reports whether url is within this RuleSet's scope. A RuleSet
// with no scope applies everywhere.
func (rs *RuleSet) InScope(url string) bool {
	if rs.Scope == nil {
		return true
	}
	re := compiledPatterns.compile(*rs.Scope)
	if re == nil {
		return false
	}
	return re.MatchString(url)
}

// cookieEligible reports whether some CookieRule on this RuleSet matches
// the given cookie domain and name.
func (rs *RuleSet) cookieEligible(domain, name string) bool {
	for _, cr := range rs.CookieRules {
		if cr.matches(domain, name) {
			return true
		}
	}
	return false
}
