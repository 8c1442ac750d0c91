package identity

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// rendezvousInfoPrefix domain-separates the rendezvous slug HMAC from any
// other HMAC use of the shared key.
const rendezvousInfoPrefix = "peerns-rvz-v1-"

// fingerprintLen is the number of leading SHA-256 bytes kept for a
// human-verifiable fingerprint.
const fingerprintLen = 8

// IdentityFingerprint returns the first 8 bytes of SHA-256 of the base64
// SPKI encoding of pub, hex-encoded, for human verification.
func IdentityFingerprint(pub *ecdsa.PublicKey) (string, error) {
	b64, err := EncodePublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(b64))
	return hex.EncodeToString(sum[:fingerprintLen]), nil
}

// SharedKeyFingerprint returns the first 8 bytes of SHA-256 of the raw AES
// key bytes, hex-encoded.
func SharedKeyFingerprint(key SharedKey) string {
	sum := sha256.Sum256(key[:])
	return hex.EncodeToString(sum[:fingerprintLen])
}

// RendezvousSlug computes the time-windowed rendezvous slug: the first 8
// bytes of HMAC-SHA-256(key, "peerns-rvz-v1-" || windowIndex), hex-encoded.
// Both sides of a contact pair compute the same slug for the same window
// because the shared key is symmetric.
func RendezvousSlug(key SharedKey, windowIndex int64) string {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(rendezvousInfoPrefix + strconv.FormatInt(windowIndex, 10)))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:fingerprintLen])
}
