package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sharedKeyInfo is the HKDF info string domain-separating this derivation
// from any other use of the same underlying ECDH secret.
const sharedKeyInfo = "peerns-e2e-v1"

// SharedKey is a 32-byte AES-256-GCM key derived once per contact pair.
type SharedKey [32]byte

// DeriveSharedKey re-imports ours and theirs as ECDH keys on the same
// P-521 curve, computes the ECDH shared secret, and expands it with
// HKDF-SHA-256 (empty salt, info "peerns-e2e-v1") to a 32-byte AES key.
// Both sides of a contact pair derive the identical key given each
// other's public key.
func DeriveSharedKey(ours *ecdsa.PrivateKey, theirs *ecdsa.PublicKey) (SharedKey, error) {
	var key SharedKey

	ecdhPriv, err := ours.ECDH()
	if err != nil {
		return key, fmt.Errorf("%w: import ECDSA private key as ECDH: %v", ErrCryptoUnavailable, err)
	}
	ecdhPub, err := theirs.ECDH()
	if err != nil {
		return key, fmt.Errorf("%w: import ECDSA public key as ECDH: %v", ErrCryptoUnavailable, err)
	}

	secret, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return key, fmt.Errorf("ecdh: %w", err)
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte(sharedKeyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}
