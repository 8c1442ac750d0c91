package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecryptFailed is returned when AES-GCM authentication fails. Per
// spec.md §7 this is not retried; the caller stores sentinel content.
var ErrDecryptFailed = errors.New("identity: decrypt failed")

// Envelope is the encrypted-and-signed form of a message body: a fresh IV,
// the AES-256-GCM ciphertext, and an ECDSA signature over the ciphertext
// computed with the sender's signing key — so recipients can prove
// authorship even if the shared AES key is later compromised.
type Envelope struct {
	IV  string // base64, 12 bytes
	CT  string // base64 ciphertext (includes GCM tag)
	Sig string // base64 ASN.1 ECDSA signature over the raw ciphertext bytes
}

// Encrypt produces an Envelope for plaintext under key, signed by signer.
func Encrypt(key SharedKey, signer *Keypair, plaintext []byte) (Envelope, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)

	sig, err := signer.Sign(ct)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign ciphertext: %w", err)
	}

	return Envelope{
		IV:  base64.StdEncoding.EncodeToString(iv),
		CT:  base64.StdEncoding.EncodeToString(ct),
		Sig: sig,
	}, nil
}

// DecryptAndVerify verifies env.Sig against senderPub over the raw
// ciphertext, then decrypts under key. A signature mismatch is reported
// as ErrSignatureInvalid; a GCM authentication failure as ErrDecryptFailed.
// Both are terminal for this message — the caller stores sentinel text,
// per spec.md §7, rather than retrying.
func DecryptAndVerify(key SharedKey, senderPub *ecdsa.PublicKey, env Envelope) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	if err := Verify(senderPub, ct, env.Sig); err != nil {
		return nil, err
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}
