package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Signer signs payloads with a parsed private key. Parse once, sign many.
type Signer struct {
	priv      ed25519.PrivateKey
	PublicPEM string
	KeyID     string
}

// NewSigner parses a PEM private key into a reusable Signer.
func NewSigner(privateKeyPEM string) (*Signer, error) {
	priv, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	pubPEM, err := EncodePublicKeyPEM(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Signer{
		priv:      priv,
		PublicPEM: pubPEM,
		KeyID:     KeyID(pubPEM),
	}, nil
}

// Sign produces a detached base64 signature over data.
func (s *Signer) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, data))
}

// Sign produces a detached base64 signature over data with a PEM private key.
func Sign(data []byte, privateKeyPEM string) (string, error) {
	priv, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}

// Verify checks a detached base64 signature against a PEM public key.
// Malformed keys or signatures return an error; a well-formed signature that
// simply does not match returns (false, nil).
func Verify(data []byte, signatureBase64, publicKeyPEM string) (bool, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size %d", len(sig))
	}
	return ed25519.Verify(pub, data, sig), nil
}
