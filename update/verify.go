package update

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// VerifyPSS checks sig against message under pub using RSA-PSS/SHA-256, the
// signature scheme every channel's bundles are published under. Go's
// crypto/rsa implements RSA-PSS verification directly, unlike the ancestor
// runtime this pipeline was first built against, which had to reach for an
// external crypto binding for the same primitive.
func VerifyPSS(pub *rsa.PublicKey, message, sig []byte) error {
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts); err != nil {
		return fmt.Errorf("update: signature verification failed: %w", err)
	}
	return nil
}

// sign is used only by tests to produce fixtures; production channels are
// always verified against keys signed out of band.
func sign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], opts)
}
