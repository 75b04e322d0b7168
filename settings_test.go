package tlsupgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHostCanonicalizesCase(t *testing.T) {
	assert.Equal(t, Host("example.com"), ParseHost("Example.COM"))
}

func TestParseHostStripsTrailingDot(t *testing.T) {
	assert.Equal(t, Host("example.com"), ParseHost("example.com."))
}

func TestParseHostNormalizesIPv6Literal(t *testing.T) {
	assert.Equal(t, Host("::1"), ParseHost("[::1]"))
	assert.Equal(t, Host("::1"), ParseHost("::1"))
}

func TestParseHostNormalizesIPv4(t *testing.T) {
	assert.Equal(t, Host("127.0.0.1"), ParseHost("127.0.0.1"))
}

func TestSettingsGlobalEnabledUnsetIsNotOK(t *testing.T) {
	s := NewSettings(NewMemStorage())

	_, ok := s.GlobalEnabled()
	assert.False(t, ok)
	assert.True(t, s.GlobalEnabledOr(true))
	assert.False(t, s.GlobalEnabledOr(false))
}

func TestSettingsSetGlobalEnabled(t *testing.T) {
	s := NewSettings(NewMemStorage())

	s.SetGlobalEnabled(false)
	v, ok := s.GlobalEnabled()
	assert.True(t, ok)
	assert.False(t, v)
}

func TestSettingsEaseMode(t *testing.T) {
	s := NewSettings(NewMemStorage())

	assert.False(t, s.EaseModeEnabledOr(false))
	s.SetEaseModeEnabled(true)
	v, ok := s.EaseModeEnabled()
	assert.True(t, ok)
	assert.True(t, v)
}

func TestSettingsSitesDisabledRoundTrip(t *testing.T) {
	s := NewSettings(NewMemStorage())

	host := ParseHost("example.com")
	assert.False(t, s.SiteDisabled(host))

	s.SetSiteDisabled(host, true)
	assert.True(t, s.SiteDisabled(host))
	assert.Contains(t, s.SitesDisabled(), host)

	s.SetSiteDisabled(host, false)
	assert.False(t, s.SiteDisabled(host))
}

func TestSettingsSitesDisabledPersistsAcrossInstances(t *testing.T) {
	storage := NewMemStorage()
	s1 := NewSettings(storage)
	s1.SetSiteDisabled(ParseHost("example.com"), true)

	s2 := NewSettings(storage)
	assert.True(t, s2.SiteDisabled(ParseHost("example.com")))
}
