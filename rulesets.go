package tlsupgrade

import (
	"strings"
	"sync"

	radix "github.com/armon/go-radix"
)

const maxWellFormedHostLen = 255

// RuleSets is a target-FQDN -> []*RuleSet index. A target may contain a
// single "*" wildcard label. The underlying radix tree keeps target keys
// lexicographically ordered; RuleSets sharing one target are kept in the
// order they were inserted, which is the order PotentiallyApplicable
// returns them in.
type RuleSets struct {
	mx   sync.RWMutex
	tree *radix.Tree
}

// NewRuleSets returns an empty index.
func NewRuleSets() *RuleSets {
	return &RuleSets{tree: radix.New()}
}

// CountTargets returns the number of distinct targets currently indexed.
func (r *RuleSets) CountTargets() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.tree.Len()
}

// Clear removes every target from the index.
func (r *RuleSets) Clear() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.tree = radix.New()
}

// insert adds ruleSet under target, appending to any existing slice so a
// single target can accumulate RuleSets from multiple ingestion calls.
func (r *RuleSets) insert(target string, ruleSet *RuleSet) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if existing, ok := r.tree.Get(target); ok {
		r.tree.Insert(target, append(existing.([]*RuleSet), ruleSet))
	} else {
		r.tree.Insert(target, []*RuleSet{ruleSet})
	}
}

// PotentiallyApplicable returns every RuleSet that could apply to host, in
// deterministic order: an exact match, then a single right-wildcard
// expansion (www.example.com -> www.example.*), then one left-wildcard
// expansion per label position except the last, replacing that label with
// "*" and keeping all the others (x.y.z.google.com -> *.y.z.google.com,
// x.*.z.google.com, x.y.*.google.com, x.y.z.*.com).
//
// A RuleSet indexed under multiple matching targets appears once per
// matching target; callers tolerate duplicates.
func (r *RuleSets) PotentiallyApplicable(host string) []*RuleSet {
	var results []*RuleSet

	r.tryAdd(&results, host)

	// Well-formedness gate (RFC 1035): if it fails, only the exact match
	// (already appended above) is returned.
	if len(host) == 0 || len(host) > maxWellFormedHostLen || strings.Contains(host, "..") {
		return results
	}

	segments := strings.Split(host, ".")
	lastIndex := len(segments) - 1
	tld := segments[lastIndex]

	segments[lastIndex] = "*"
	r.tryAdd(&results, strings.Join(segments, "."))
	segments[lastIndex] = tld

	for i := 0; i < len(segments)-1; i++ {
		tmp := make([]string, len(segments))
		copy(tmp, segments)
		tmp[i] = "*"
		r.tryAdd(&results, strings.Join(tmp, "."))
	}

	return results
}

func (r *RuleSets) tryAdd(results *[]*RuleSet, target string) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	if v, ok := r.tree.Get(target); ok {
		*results = append(*results, v.([]*RuleSet)...)
	}
}
