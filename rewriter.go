package tlsupgrade

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/mtime"
	lru "github.com/hashicorp/golang-lru"
)

const (
	cookieCacheSize   = 250
	maxHistoryEntries = 15
	loopThreshold     = 8
)

var localhostIPRegex = regexp.MustCompile(`^127(\.[0-9]{1,3}){3}$`)

// isExemptFromEase reports whether hostname is one of the loopback/onion
// hosts EASE mode still allows plaintext requests to, per spec section 4.3
// step 4.
func isExemptFromEase(hostname string) bool {
	return strings.HasSuffix(hostname, ".onion") ||
		hostname == "localhost" ||
		strings.HasSuffix(hostname, ".localhost") ||
		localhostIPRegex.MatchString(hostname) ||
		hostname == "0.0.0.0" ||
		hostname == "::1"
}

type historyEntry struct {
	url    string
	action RewriteAction
}

// rewriteStats accumulates average/max RewriteURL duration: a channel feeds
// a single goroutine so the hot path never blocks on a stats mutex.
type rewriteStats struct {
	mx        sync.Mutex
	runs      int64
	totalTime int64
	max       int64
	maxHost   string
}

func (s *rewriteStats) record(host string, dur time.Duration) {
	ms := dur.Nanoseconds() / int64(time.Millisecond)
	s.mx.Lock()
	s.runs++
	s.totalTime += ms
	if ms > s.max {
		s.max = ms
		s.maxHost = host
	}
	runs, total, max, maxHost := s.runs, s.totalTime, s.max, s.maxHost
	s.mx.Unlock()

	if runs > 0 {
		log.Debugf("rewrite_url average %vms over %v runs, max %vms for %v", total/runs, runs, max, maxHost)
	}
}

// Rewriter is the decision engine: URL in, {NoOp, Rewrite, Cancel,
// RedirectLoopWarning} out, plus cookie-securing decisions. Rulesets and
// Settings are shared, mutex-guarded handles; the cookie-safety cache and
// rewrite history below are owned exclusively by this Rewriter and require
// no external locking beyond what's here.
type Rewriter struct {
	rulesets *RuleSets
	settings *Settings

	cookieSafe *lru.Cache

	historyMx sync.Mutex
	history   []historyEntry

	rewriteCount uint64

	stats   *rewriteStats
	statsCh chan statTiming
}

type statTiming struct {
	host string
	dur  time.Duration
}

// NewRewriter returns a Rewriter operating over the given shared RuleSets
// and Settings handles.
func NewRewriter(rulesets *RuleSets, settings *Settings) *Rewriter {
	cache, err := lru.New(cookieCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which cookieCacheSize never is.
		panic(err)
	}

	rw := &Rewriter{
		rulesets:   rulesets,
		settings:   settings,
		cookieSafe: cache,
		stats:      &rewriteStats{},
		statsCh:    make(chan statTiming),
	}
	go rw.collectStats()
	return rw
}

func (rw *Rewriter) collectStats() {
	for t := range rw.statsCh {
		rw.stats.record(t.host, t.dur)
	}
}

// GetRewriteCount returns the number of times RewriteURL has produced a
// rewrite since this Rewriter was constructed.
func (rw *Rewriter) GetRewriteCount() uint64 {
	return atomic.LoadUint64(&rw.rewriteCount)
}

// RewriteURL decides what to do with rawURL: leave it alone, rewrite it,
// cancel it, or flag it as a likely redirect loop.
func (rw *Rewriter) RewriteURL(rawURL string) (RewriteAction, error) {
	start := mtime.Now()
	defer func() {
		rw.statsCh <- statTiming{host: rawURL, dur: mtime.Now().Sub(start)}
	}()

	if enabled, ok := rw.settings.GlobalEnabled(); ok && !enabled {
		return NoOpAction, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return RewriteAction{}, err
	}

	hostname := strings.TrimSuffix(u.Hostname(), ".")
	if hostname == "" {
		hostname = "."
	}

	if rw.settings.SiteDisabled(ParseHost(hostname)) {
		return rw.recordAndMaybeFlagLoop(rawURL, NoOpAction), nil
	}

	easeOn, _ := rw.settings.EaseModeEnabled()
	wouldCancel := false
	if easeOn && (u.Scheme == "http" || u.Scheme == "ftp") && !isExemptFromEase(hostname) {
		wouldCancel = true
	}

	userinfo := u.User
	u.User = nil

	var newURL *url.URL
	for _, rs := range rw.rulesets.PotentiallyApplicable(hostname) {
		if newURL != nil {
			break
		}
		if !rs.Active || !rs.InScope(u.String()) {
			continue
		}
		if rewritten, ok := rs.Apply(u.String()); ok {
			if parsed, perr := url.Parse(rewritten); perr == nil {
				newURL = parsed
			}
		}
	}

	if userinfo != nil {
		if newURL != nil {
			newURL.User = userinfo
		} else {
			u.User = userinfo
		}
	}

	if easeOn {
		if wouldCancel && newURL == nil {
			return rw.recordAndMaybeFlagLoop(rawURL, CancelAction), nil
		}
		if newURL != nil && (strings.HasPrefix(newURL.String(), "http:") || strings.HasPrefix(newURL.String(), "ftp:")) {
			return rw.recordAndMaybeFlagLoop(rawURL, CancelAction), nil
		}
	}

	if newURL != nil {
		atomic.AddUint64(&rw.rewriteCount, 1)
		log.Debugf("rewrite_url returning redirect url: %v", newURL.String())
		return rw.recordAndMaybeFlagLoop(rawURL, RewriteTo(newURL.String())), nil
	}

	return rw.recordAndMaybeFlagLoop(rawURL, NoOpAction), nil
}

// recordAndMaybeFlagLoop appends (rawURL, action) to the rewrite history
// and upgrades the returned action to RedirectLoopWarning if that exact
// pair has now appeared loopThreshold or more times among the last
// maxHistoryEntries entries.
func (rw *Rewriter) recordAndMaybeFlagLoop(rawURL string, action RewriteAction) RewriteAction {
	rw.historyMx.Lock()
	defer rw.historyMx.Unlock()

	rw.history = append(rw.history, historyEntry{url: rawURL, action: action})
	if len(rw.history) > maxHistoryEntries {
		rw.history = rw.history[len(rw.history)-maxHistoryEntries:]
	}

	count := 0
	for _, e := range rw.history {
		if e.url == rawURL && e.action == action {
			count++
		}
	}
	if count >= loopThreshold {
		return RedirectLoopWarningAction
	}
	return action
}

// ShouldSecureCookie decides whether a cookie set for domain under name
// should carry the Secure flag.
func (rw *Rewriter) ShouldSecureCookie(domain, name string) bool {
	domain = strings.TrimPrefix(domain, ".")

	if cached, ok := rw.cookieSafe.Get(domain); ok && !cached.(bool) {
		return false
	}

	candidates := rw.rulesets.PotentiallyApplicable(domain)

	eligible := false
	for _, rs := range candidates {
		if rs.Active && rs.cookieEligible(domain, name) {
			eligible = true
			break
		}
	}
	if !eligible {
		return false
	}

	return rw.domainSafeToSecure(domain, candidates)
}

func (rw *Rewriter) domainSafeToSecure(domain string, candidates []*RuleSet) bool {
	if cached, ok := rw.cookieSafe.Get(domain); ok {
		return cached.(bool)
	}

	testURL := "http://" + domain + "/is_it_safe/to_secure_this_cookie"
	safe := false
	for _, rs := range candidates {
		if !rs.Active {
			continue
		}
		if _, ok := rs.Apply(testURL); ok {
			safe = true
			break
		}
	}

	rw.cookieSafe.Add(domain, safe)
	return safe
}
