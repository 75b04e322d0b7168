package tlsupgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleSetApplyRewrites(t *testing.T) {
	rs := &RuleSet{
		Name:   "Example",
		Active: true,
		Rules:  []Rule{NewRule("^http:", "https:")},
	}

	out, ok := rs.Apply("http://example.com/")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/", out)
}

func TestRuleSetApplyHonorsExclusions(t *testing.T) {
	rs := &RuleSet{
		Name:       "Example",
		Active:     true,
		Rules:      []Rule{NewRule("^http:", "https:")},
		Exclusions: `^http://example\.com/insecure/`,
	}

	out, ok := rs.Apply("http://example.com/insecure/page")
	assert.False(t, ok)
	assert.Equal(t, "http://example.com/insecure/page", out)

	out, ok = rs.Apply("http://example.com/secure/page")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/secure/page", out)
}

func TestRuleSetApplyFirstRuleWins(t *testing.T) {
	rs := &RuleSet{
		Rules: []Rule{
			NewRule(`^http://specific\.example\.com/`, "https://specific.example.com/special"),
			NewRule("^http:", "https:"),
		},
	}

	out, _ := rs.Apply("http://specific.example.com/")
	assert.Equal(t, "https://specific.example.com/special", out)
}

func TestRuleSetInScopeNilMeansEverywhere(t *testing.T) {
	rs := &RuleSet{}
	assert.True(t, rs.InScope("http://anything.example.com/"))
}

func TestRuleSetInScopeRestricts(t *testing.T) {
	scope := `^http://[^/]*\.example\.com/`
	rs := &RuleSet{Scope: &scope}

	assert.True(t, rs.InScope("http://foo.example.com/"))
	assert.False(t, rs.InScope("http://unrelated.com/"))
}

func TestRuleSetCookieEligible(t *testing.T) {
	rs := &RuleSet{
		CookieRules: []CookieRule{
			NewCookieRule("^example\\.com$", "^session$"),
		},
	}

	assert.True(t, rs.cookieEligible("example.com", "session"))
	assert.False(t, rs.cookieEligible("example.com", "other"))
}
