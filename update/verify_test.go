package update

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPSSRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	message := []byte("a bundle of rulesets")
	sig, err := sign(priv, message)
	assert.NoError(t, err)

	assert.NoError(t, VerifyPSS(&priv.PublicKey, message, sig))
}

func TestVerifyPSSRejectsTamperedMessage(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	sig, err := sign(priv, []byte("original"))
	assert.NoError(t, err)

	assert.Error(t, VerifyPSS(&priv.PublicKey, []byte("tampered"), sig))
}

func TestVerifyPSSRejectsWrongKey(t *testing.T) {
	priv1, _ := rsa.GenerateKey(rand.Reader, 2048)
	priv2, _ := rsa.GenerateKey(rand.Reader, 2048)

	message := []byte("payload")
	sig, err := sign(priv1, message)
	assert.NoError(t, err)

	assert.Error(t, VerifyPSS(&priv2.PublicKey, message, sig))
}
