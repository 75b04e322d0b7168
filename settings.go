package tlsupgrade

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
)

const (
	keyGlobalEnabled = "global_enabled"
	keyHTTPNowhereOn = "http_nowhere_on"
	keySitesDisabled = "sites_disabled"
)

// Host is a canonicalized domain or IP-literal host, suitable for use as a
// set member: two different-cased or differently-bracketed spellings of
// the same host compare equal.
type Host string

// ParseHost canonicalizes s into a Host: IP literals are normalized via
// net.ParseIP, domains are lowercased with a trailing dot stripped.
func ParseHost(s string) Host {
	s = strings.TrimSuffix(s, ".")
	unbracketed := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if ip := net.ParseIP(unbracketed); ip != nil {
		return Host(ip.String())
	}
	return Host(strings.ToLower(s))
}

// Settings is a typed, storage-backed view over the global enable flag,
// EASE (block-all-plaintext) mode, and the set of hosts the user has
// disabled rewriting for. It loads sites_disabled once at construction and
// keeps it in sync with Storage on every mutation.
type Settings struct {
	storage Storage

	mx            sync.RWMutex
	sitesDisabled map[Host]struct{}
}

// NewSettings returns a Settings backed by storage, loading any previously
// persisted disabled-sites list.
func NewSettings(storage Storage) *Settings {
	s := &Settings{storage: storage, sitesDisabled: make(map[Host]struct{})}
	s.loadSitesDisabled()
	return s
}

// GlobalEnabled reports whether rewriting is enabled, and whether a value
// was ever stored at all.
func (s *Settings) GlobalEnabled() (value bool, ok bool) {
	return s.storage.GetBool(keyGlobalEnabled)
}

// GlobalEnabledOr returns the stored value for global_enabled, or dflt if
// unset.
func (s *Settings) GlobalEnabledOr(dflt bool) bool {
	if v, ok := s.storage.GetBool(keyGlobalEnabled); ok {
		return v
	}
	return dflt
}

// SetGlobalEnabled enables or disables rewriting globally.
func (s *Settings) SetGlobalEnabled(value bool) {
	s.storage.SetBool(keyGlobalEnabled, value)
}

// EaseModeEnabled reports whether EASE (block-all-plaintext) mode is on,
// and whether a value was ever stored at all.
func (s *Settings) EaseModeEnabled() (value bool, ok bool) {
	return s.storage.GetBool(keyHTTPNowhereOn)
}

// EaseModeEnabledOr returns the stored value for http_nowhere_on, or dflt
// if unset.
func (s *Settings) EaseModeEnabledOr(dflt bool) bool {
	if v, ok := s.storage.GetBool(keyHTTPNowhereOn); ok {
		return v
	}
	return dflt
}

// SetEaseModeEnabled turns EASE mode on or off.
func (s *Settings) SetEaseModeEnabled(value bool) {
	s.storage.SetBool(keyHTTPNowhereOn, value)
}

func (s *Settings) loadSitesDisabled() {
	raw, ok := s.storage.GetString(keySitesDisabled)
	if !ok || raw == "" {
		return
	}

	var hosts []string
	if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
		log.Errorf("sites_disabled is not a JSON array: %v", err)
		return
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	for _, h := range hosts {
		s.sitesDisabled[ParseHost(h)] = struct{}{}
	}
}

func (s *Settings) storeSitesDisabled() {
	s.mx.RLock()
	hosts := make([]string, 0, len(s.sitesDisabled))
	for h := range s.sitesDisabled {
		hosts = append(hosts, string(h))
	}
	s.mx.RUnlock()

	encoded, err := json.Marshal(hosts)
	if err != nil {
		log.Errorf("could not marshal sites_disabled: %v", err)
		return
	}
	s.storage.SetString(keySitesDisabled, string(encoded))
}

// SetSiteDisabled enables or disables rewriting for a single site.
func (s *Settings) SetSiteDisabled(site Host, disabled bool) {
	s.mx.Lock()
	_, currentlyDisabled := s.sitesDisabled[site]
	if currentlyDisabled == disabled {
		s.mx.Unlock()
		return
	}
	if disabled {
		s.sitesDisabled[site] = struct{}{}
	} else {
		delete(s.sitesDisabled, site)
	}
	s.mx.Unlock()

	s.storeSitesDisabled()
}

// SiteDisabled reports whether site has rewriting disabled.
func (s *Settings) SiteDisabled(site Host) bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	_, ok := s.sitesDisabled[site]
	return ok
}

// SitesDisabled returns a snapshot of every disabled site.
func (s *Settings) SitesDisabled() []Host {
	s.mx.RLock()
	defer s.mx.RUnlock()
	out := make([]Host, 0, len(s.sitesDisabled))
	for h := range s.sitesDisabled {
		out = append(out, h)
	}
	return out
}
