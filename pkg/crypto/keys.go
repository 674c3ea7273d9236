// Package crypto provides the Ed25519 key handling, detached signatures, and
// HMAC primitives that bind events and artifacts to their signers. Keys move
// through the system as PEM strings; private keys are never serialized into
// artifacts, only public PEMs and derived keyIds are.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
)

const (
	pemTypePublic  = "PUBLIC KEY"
	pemTypePrivate = "PRIVATE KEY"

	// KeyIDPrefix tags every derived key identifier with its algorithm.
	KeyIDPrefix = "ed25519:"
)

// KeyPair holds a generated Ed25519 keypair in PEM form.
type KeyPair struct {
	PublicPEM  string
	PrivatePEM string
	KeyID      string
}

// GenerateKeyPair creates a fresh Ed25519 keypair and derives its keyId.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}

	pubPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	privPEM, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicPEM:  pubPEM,
		PrivatePEM: privPEM,
		KeyID:      KeyID(pubPEM),
	}, nil
}

// KeyID derives the stable identifier for a PEM public key:
// "ed25519:" plus the first 32 hex characters of SHA-256 over the PEM text.
// Surrounding whitespace is trimmed first so a trailing newline does not
// change the identity of a key.
func KeyID(publicKeyPEM string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(publicKeyPEM)))
	return KeyIDPrefix + hex.EncodeToString(sum[:])[:32]
}

// EncodePublicKeyPEM serializes an Ed25519 public key as a PKIX PEM block.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der})), nil
}

// EncodePrivateKeyPEM serializes an Ed25519 private key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: der})), nil
}

// ParsePublicKeyPEM decodes a PEM public key and requires it to be Ed25519.
func ParsePublicKeyPEM(publicKeyPEM string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != pemTypePublic {
		return nil, fmt.Errorf("invalid public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ed25519")
	}
	return pub, nil
}

// ParsePrivateKeyPEM decodes a PEM private key and requires it to be Ed25519.
func ParsePrivateKeyPEM(privateKeyPEM string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil || block.Type != pemTypePrivate {
		return nil, fmt.Errorf("invalid private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ed25519")
	}
	return priv, nil
}
