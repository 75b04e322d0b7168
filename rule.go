package tlsupgrade

import (
	"regexp"
	"sync"
)

// regexCache memoizes compiled regexes by pattern so hot-path Apply calls
// never pay compilation cost more than once per pattern, regardless of how
// many RuleSets happen to share it.
type regexCache struct {
	mx    sync.RWMutex
	byPat map[string]*regexp.Regexp
}

var compiledPatterns = &regexCache{byPat: make(map[string]*regexp.Regexp)}

func (c *regexCache) compile(pattern string) *regexp.Regexp {
	c.mx.RLock()
	if re, ok := c.byPat[pattern]; ok {
		c.mx.RUnlock()
		return re
	}
	c.mx.RUnlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Errorf("could not compile regex %q: %v", pattern, err)
		return nil
	}

	c.mx.Lock()
	c.byPat[pattern] = re
	c.mx.Unlock()
	return re
}

// trivialFrom is the pattern for the canonical plaintext-to-TLS upgrade,
// optimized into the Trivial rule variant so it never needs its own
// compiled regex at apply time.
const trivialFrom = "^http:"
const trivialTo = "https:"

var trivialRegex = regexp.MustCompile(trivialFrom)

// RuleKind distinguishes the fast-pathed canonical upgrade from a general
// regex substitution.
type RuleKind int

const (
	// KindTrivial is the ^http: -> https: upgrade.
	KindTrivial RuleKind = iota
	// KindNonTrivial is any other from/to regex pair.
	KindNonTrivial
)

// Rule rewrites a URL from some regular expression to some replacement
// string. A Rule constructed with the canonical "^http:" -> "https:" pair
// collapses to KindTrivial so RuleSet.Apply can skip regex compilation for
// the overwhelmingly common case.
type Rule struct {
	Kind RuleKind
	From string
	To   string
}

// backrefRegex finds $N backreferences in a replacement string. Go's
// regexp would read "$1foo" as a reference to a group named "1foo", so
// NewRule rewrites each one as ${N}.
var backrefRegex = regexp.MustCompile(`\$(\d)`)

// NewRule returns a Rule for the given from-pattern and replacement. The
// canonical pair ("^http:", "https:") always yields a Trivial rule. For any
// other pair, $N backreferences in to are stored as ${N}.
func NewRule(from, to string) Rule {
	if from == trivialFrom && to == trivialTo {
		return Rule{Kind: KindTrivial, From: from, To: to}
	}
	return Rule{Kind: KindNonTrivial, From: from, To: backrefRegex.ReplaceAllString(to, "$${$1}")}
}

// apply attempts to rewrite url using this rule. It returns the rewritten
// URL and true if the rule fired (i.e. the result differs from the input
// for non-trivial rules, or the URL begins with "http:" for the trivial
// rule).
func (r Rule) apply(url string) (string, bool) {
	switch r.Kind {
	case KindTrivial:
		if !trivialRegex.MatchString(url) {
			return url, false
		}
		return trivialRegex.ReplaceAllString(url, trivialTo), true
	default:
		re := compiledPatterns.compile(r.From)
		if re == nil {
			return url, false
		}
		rewritten := re.ReplaceAllString(url, r.To)
		return rewritten, rewritten != url
	}
}

// CookieRule secures cookies whose host and name both match the given
// regexes.
type CookieRule struct {
	HostRegex string
	NameRegex string
}

// NewCookieRule returns a CookieRule matching the given host and name
// regexes.
func NewCookieRule(hostRegex, nameRegex string) CookieRule {
	return CookieRule{HostRegex: hostRegex, NameRegex: nameRegex}
}

func (c CookieRule) matches(domain, name string) bool {
	hostRe := compiledPatterns.compile(c.HostRegex)
	nameRe := compiledPatterns.compile(c.NameRegex)
	if hostRe == nil || nameRe == nil {
		return false
	}
	return hostRe.MatchString(domain) && nameRe.MatchString(name)
}
