package session

import (
	"crypto/ecdsa"
	"errors"

	"github.com/smileytechness/peerns/identity"
)

// sentinelUndecryptable and sentinelBadSignature are stored in place of
// content that failed its E2E envelope checks, per spec.md §7: these
// failures are logged, not silently dropped, and not retried.
const (
	sentinelUndecryptable = "[message could not be decrypted]"
	sentinelBadSignature  = "[message signature invalid]"
)

// errNoSharedKey is the loggable cause when an e2e-flagged message
// arrives before a shared key has been established with its sender.
var errNoSharedKey = errors.New("session: e2e message received with no shared key")

// encodeContent applies spec.md §4.6's envelope rule: encrypt-and-sign
// when a shared key exists, plaintext content otherwise. It returns the
// fields to set on a wire.Message/MessageEdit (which share the same
// envelope shape).
func encodeContent(key *identity.SharedKey, signer *identity.Keypair, content string) (e2e bool, iv, ct, sig, plain string, err error) {
	if key == nil {
		return false, "", "", "", content, nil
	}
	env, err := identity.Encrypt(*key, signer, []byte(content))
	if err != nil {
		return false, "", "", "", "", err
	}
	return true, env.IV, env.CT, env.Sig, "", nil
}

// decodeContent reverses encodeContent. A decrypt or signature failure is
// reported via the returned sentinel text, not an error, matching
// spec.md §7's "store sentinel content, don't retry" policy — the caller
// still logs the underlying cause.
func decodeContent(e2e bool, iv, ct, sig, plain string, key *identity.SharedKey, senderPub *ecdsa.PublicKey) (content string, loggable error) {
	if !e2e {
		return plain, nil
	}
	if key == nil || senderPub == nil {
		return sentinelUndecryptable, errNoSharedKey
	}
	env := identity.Envelope{IV: iv, CT: ct, Sig: sig}
	pt, err := identity.DecryptAndVerify(*key, senderPub, env)
	if err != nil {
		if err == identity.ErrSignatureInvalid {
			return sentinelBadSignature, err
		}
		return sentinelUndecryptable, err
	}
	return string(pt), nil
}

// envelopeOutcome maps a sentinel returned by decodeContent to a metrics
// label.
func envelopeOutcome(content string) string {
	switch content {
	case sentinelBadSignature:
		return "bad_signature"
	default:
		return "undecryptable"
	}
}
