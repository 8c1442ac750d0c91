// Package identity implements the permanent cryptographic identity, the
// per-pair shared-key derivation, message encryption and signing, and the
// fingerprints and rendezvous slugs derived from them.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrCryptoUnavailable is returned (wrapped) by NewKeypair and
// DeriveSharedKey when the runtime lacks the secure primitives this
// package needs. No caller in this module falls back to plaintext on it:
// peernsd's commands fail when no keypair can be created, and the session
// and rendezvous code abandon a hello or rendezvous whose shared key
// cannot be derived.
var ErrCryptoUnavailable = errors.New("identity: secure primitives unavailable")

// Keypair is the long-lived ECDSA P-521 signing identity. Its public key's
// SPKI encoding is the cryptographic identity referenced throughout the
// rest of the system.
type Keypair struct {
	Private *ecdsa.PrivateKey
}

// NewKeypair generates a fresh ECDSA P-521 keypair.
func NewKeypair() (*Keypair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return &Keypair{Private: priv}, nil
}

// Public returns the public key.
func (k *Keypair) Public() *ecdsa.PublicKey {
	return &k.Private.PublicKey
}

// EncodePublicKey returns the base64 SPKI encoding of pub — the wire and
// on-disk form of the cryptographic identity.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal SPKI: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses a base64 SPKI-encoded public key, as produced by
// EncodePublicKey. It rejects keys not on P-521, since that's the only
// curve this system's identities use.
func DecodePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA public key")
	}
	if ecPub.Curve != elliptic.P521() {
		return nil, fmt.Errorf("public key is not on P-521")
	}
	return ecPub, nil
}

// EncodePrivateKey returns a base64 PKCS#8 encoding for persistence.
func EncodePrivateKey(priv *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal PKCS8: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePrivateKey parses a base64 PKCS#8-encoded ECDSA private key.
func DecodePrivateKey(b64 string) (*Keypair, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA private key")
	}
	return &Keypair{Private: ecKey}, nil
}

// NewUUID returns a device-local 32-hex-char opaque token (the discovery
// UUID). It carries no trust; it's only for local rendezvous-string
// stability across sessions.
func NewUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewPersistentIDSuffix returns the 32-hex-char random suffix of a
// persistent ID: "{prefix}-{32 lowercase hex chars}".
func NewPersistentIDSuffix() string {
	return NewUUID()
}
