package tlsupgrade

import "encoding/json"

const userRuleOff = "user rule"
const mixedContentPlatform = "mixedcontent"

// jsonRule is the wire shape of one rule entry.
type jsonRule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// jsonCookieRule is the wire shape of one securecookie entry.
type jsonCookieRule struct {
	Host string `json:"host"`
	Name string `json:"name"`
}

// jsonRuleSet is the wire shape of one ruleset entry in a bundle.
type jsonRuleSet struct {
	Name         string           `json:"name"`
	Target       []string         `json:"target"`
	Rule         []jsonRule       `json:"rule"`
	Exclusion    []string         `json:"exclusion"`
	SecureCookie []jsonCookieRule `json:"securecookie"`
	DefaultOff   *string          `json:"default_off"`
	Platform     *string          `json:"platform"`
}

// jsonBundle is the decoded shape of a ruleset bundle: {timestamp, rulesets}.
type jsonBundle struct {
	Timestamp int64         `json:"timestamp"`
	RuleSets  []jsonRuleSet `json:"rulesets"`
}

// AddAllFromJSON decodes a JSON array of ruleset objects (or a {rulesets:
// [...]} bundle) and indexes them under scope. enableMixedRulesets controls
// whether platform="mixedcontent" rulesets default to active; activeStates
// overrides a ruleset's default_state by name.
func (r *RuleSets) AddAllFromJSON(data []byte, enableMixedRulesets bool, activeStates map[string]bool, scope *string) error {
	var rulesets []jsonRuleSet
	if err := json.Unmarshal(data, &rulesets); err == nil {
		r.addAll(rulesets, enableMixedRulesets, activeStates, scope)
		return nil
	}

	var bundle jsonBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return err
	}
	r.addAll(bundle.RuleSets, enableMixedRulesets, activeStates, scope)
	return nil
}

func (r *RuleSets) addAll(rulesets []jsonRuleSet, enableMixedRulesets bool, activeStates map[string]bool, scope *string) {
	for _, jrs := range rulesets {
		r.addOne(jrs, enableMixedRulesets, activeStates, scope)
	}
}

// addOne converts a single wire ruleset into a RuleSet and indexes it under
// every target it names. Rulesets lacking a name are silently skipped.
func (r *RuleSets) addOne(jrs jsonRuleSet, enableMixedRulesets bool, activeStates map[string]bool, scope *string) {
	if jrs.Name == "" {
		return
	}

	defaultState := true
	var note string

	if jrs.DefaultOff != nil {
		if *jrs.DefaultOff != userRuleOff {
			defaultState = false
		}
		note += *jrs.DefaultOff + "\n"
	}

	if jrs.Platform != nil {
		if *jrs.Platform == mixedContentPlatform {
			if !enableMixedRulesets {
				defaultState = false
			}
		} else {
			defaultState = false
		}
		note += "Platform(s): " + *jrs.Platform + "\n"
	}

	active := defaultState
	if override, ok := activeStates[jrs.Name]; ok {
		active = override
	}

	rs := &RuleSet{
		Name:         jrs.Name,
		Active:       active,
		DefaultState: defaultState,
		Scope:        scope,
	}
	if note != "" {
		rs.Note = trimNote(note)
	}

	rs.Rules = make([]Rule, 0, len(jrs.Rule))
	for _, jr := range jrs.Rule {
		rs.Rules = append(rs.Rules, NewRule(jr.From, jr.To))
	}

	if len(jrs.Exclusion) > 0 {
		rs.Exclusions = joinAlternation(jrs.Exclusion)
	}

	if len(jrs.SecureCookie) > 0 {
		rs.CookieRules = make([]CookieRule, 0, len(jrs.SecureCookie))
		for _, jcr := range jrs.SecureCookie {
			rs.CookieRules = append(rs.CookieRules, NewCookieRule(jcr.Host, jcr.Name))
		}
	}

	for _, target := range jrs.Target {
		r.insert(target, rs)
	}
}

func joinAlternation(patterns []string) string {
	joined := patterns[0]
	for _, p := range patterns[1:] {
		joined += "|" + p
	}
	return joined
}

func trimNote(note string) string {
	for len(note) > 0 && (note[len(note)-1] == '\n' || note[len(note)-1] == ' ') {
		note = note[:len(note)-1]
	}
	return note
}
