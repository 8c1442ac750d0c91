package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// ErrSignatureInvalid is returned when a signature fails to verify against
// the recorded public key. Per spec.md §7, the connection is dropped and
// the incident logged by the caller — this package only reports the fact.
var ErrSignatureInvalid = errors.New("identity: signature verification failed")

type ecdsaSignature struct {
	R, S *big.Int
}

// Sign produces a base64 ASN.1 ECDSA signature over sha256(data) using k.
func (k *Keypair) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, k.Private, digest[:])
	if err != nil {
		return "", fmt.Errorf("ecdsa sign: %w", err)
	}
	der, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	if err != nil {
		return "", fmt.Errorf("marshal signature: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Verify checks a base64 ASN.1 ECDSA signature over sha256(data) against
// pub. Returns ErrSignatureInvalid itself (unwrapped) on mismatch; a
// signature that fails to decode yields a wrapped decode error instead.
func Verify(pub *ecdsa.PublicKey, data []byte, sigB64 string) error {
	der, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return fmt.Errorf("unmarshal signature: %w", err)
	}
	digest := sha256.Sum256(data)
	if !ecdsa.Verify(pub, digest[:], sig.R, sig.S) {
		return ErrSignatureInvalid
	}
	return nil
}
