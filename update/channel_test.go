package update

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testPEMPublicKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	assert.NoError(t, err)

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), priv
}

func TestParseUpdateChannelsValid(t *testing.T) {
	pubPEM, _ := testPEMPublicKey(t)

	data := `[{
		"name": "default",
		"update_path_prefix": "https://updates.example.com/rulesets",
		"replaces_default_rulesets": true,
		"format": "rulesets",
		"pem": ` + jsonString(pubPEM) + `
	}]`

	channels, err := ParseUpdateChannels([]byte(data))
	assert.NoError(t, err)
	assert.Len(t, channels, 1)
	assert.Equal(t, "default", channels[0].Name)
	assert.True(t, channels[0].ReplacesDefaultRulesets)
	assert.Equal(t, FormatRulesets, channels[0].Format)
	assert.NotNil(t, channels[0].Key)
}

func TestParseUpdateChannelsDefaultsToRulesetsFormat(t *testing.T) {
	pubPEM, _ := testPEMPublicKey(t)

	data := `[{"name": "x", "update_path_prefix": "https://x.example.com", "pem": ` + jsonString(pubPEM) + `}]`
	channels, err := ParseUpdateChannels([]byte(data))
	assert.NoError(t, err)
	assert.Equal(t, FormatRulesets, channels[0].Format)
}

func TestParseUpdateChannelsBloomFormat(t *testing.T) {
	pubPEM, _ := testPEMPublicKey(t)

	data := `[{"name": "b", "update_path_prefix": "https://b.example.com", "format": "bloom", "pem": ` + jsonString(pubPEM) + `}]`
	channels, err := ParseUpdateChannels([]byte(data))
	assert.NoError(t, err)
	assert.Equal(t, FormatBloom, channels[0].Format)
}

func TestParseUpdateChannelsMissingNameIsFatal(t *testing.T) {
	pubPEM, _ := testPEMPublicKey(t)
	data := `[{"update_path_prefix": "https://x.example.com", "pem": ` + jsonString(pubPEM) + `}]`

	_, err := ParseUpdateChannels([]byte(data))
	assert.Error(t, err)
}

func TestParseUpdateChannelsMissingPrefixIsFatal(t *testing.T) {
	pubPEM, _ := testPEMPublicKey(t)
	data := `[{"name": "x", "pem": ` + jsonString(pubPEM) + `}]`

	_, err := ParseUpdateChannels([]byte(data))
	assert.Error(t, err)
}

func TestParseUpdateChannelsMissingPEMIsFatal(t *testing.T) {
	data := `[{"name": "x", "update_path_prefix": "https://x.example.com"}]`

	_, err := ParseUpdateChannels([]byte(data))
	assert.Error(t, err)
}

func TestParseUpdateChannelsMalformedPEMIsFatal(t *testing.T) {
	data := `[{"name": "x", "update_path_prefix": "https://x.example.com", "pem": "not a pem"}]`

	_, err := ParseUpdateChannels([]byte(data))
	assert.Error(t, err)
}

func TestParseUpdateChannelsUnknownFormatIsFatal(t *testing.T) {
	pubPEM, _ := testPEMPublicKey(t)
	data := `[{"name": "x", "update_path_prefix": "https://x.example.com", "format": "xml", "pem": ` + jsonString(pubPEM) + `}]`

	_, err := ParseUpdateChannels([]byte(data))
	assert.Error(t, err)
}

func jsonString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}
