package identity

import (
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	msg := []byte("hello peerns")

	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(kp.Public(), msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kpA, _ := NewKeypair()
	kpB, _ := NewKeypair()
	msg := []byte("hello")

	sig, err := kpA.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(kpB.Public(), msg, sig); err == nil {
		t.Fatal("expected verification failure with mismatched key")
	}
}

func TestEncodeDecodePublicKeyRoundTrip(t *testing.T) {
	kp, _ := NewKeypair()
	b64, err := EncodePublicKey(kp.Public())
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	pub, err := DecodePublicKey(b64)
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	if !pub.Equal(kp.Public()) {
		t.Fatal("decoded public key does not match original")
	}
}

func TestDeriveSharedKeySymmetric(t *testing.T) {
	a, _ := NewKeypair()
	b, _ := NewKeypair()

	keyAB, err := DeriveSharedKey(a.Private, b.Public())
	if err != nil {
		t.Fatalf("DeriveSharedKey A->B: %v", err)
	}
	keyBA, err := DeriveSharedKey(b.Private, a.Public())
	if err != nil {
		t.Fatalf("DeriveSharedKey B->A: %v", err)
	}
	if keyAB != keyBA {
		t.Fatal("derived shared keys differ between sides")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, _ := NewKeypair()
	b, _ := NewKeypair()
	key, err := DeriveSharedKey(a.Private, b.Public())
	if err != nil {
		t.Fatalf("DeriveSharedKey: %v", err)
	}

	plaintext := []byte("the quick brown fox")
	env, err := Encrypt(key, a, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := DecryptAndVerify(key, a.Public(), env)
	if err != nil {
		t.Fatalf("DecryptAndVerify: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptDetectsTamperedCiphertext(t *testing.T) {
	a, _ := NewKeypair()
	b, _ := NewKeypair()
	key, _ := DeriveSharedKey(a.Private, b.Public())

	env, err := Encrypt(key, a, []byte("do not tamper"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip a bit in the ciphertext: signature no longer matches, caught before decrypt.
	tampered := env
	ctBytes := []byte(tampered.CT)
	ctBytes[len(ctBytes)-2] ^= 0x01
	tampered.CT = string(ctBytes)

	if _, err := DecryptAndVerify(key, a.Public(), tampered); err == nil {
		t.Fatal("expected tamper detection to fail verification or decryption")
	}
}

func TestRendezvousSlugSymmetric(t *testing.T) {
	a, _ := NewKeypair()
	b, _ := NewKeypair()
	keyAB, _ := DeriveSharedKey(a.Private, b.Public())
	keyBA, _ := DeriveSharedKey(b.Private, a.Public())

	slugA := RendezvousSlug(keyAB, 12345)
	slugB := RendezvousSlug(keyBA, 12345)
	if slugA != slugB {
		t.Fatalf("rendezvous slugs differ: %s vs %s", slugA, slugB)
	}
	if len(slugA) != 16 { // 8 bytes hex-encoded
		t.Fatalf("unexpected slug length: %d", len(slugA))
	}
}

func TestRendezvousSlugChangesByWindow(t *testing.T) {
	a, _ := NewKeypair()
	b, _ := NewKeypair()
	key, _ := DeriveSharedKey(a.Private, b.Public())

	if RendezvousSlug(key, 1) == RendezvousSlug(key, 2) {
		t.Fatal("expected different windows to produce different slugs")
	}
}

func TestNewUUIDShape(t *testing.T) {
	u := NewUUID()
	if len(u) != 32 {
		t.Fatalf("expected 32 hex chars, got %d: %q", len(u), u)
	}
	if strings.ToLower(u) != u {
		t.Fatalf("expected lowercase hex, got %q", u)
	}
	if strings.Contains(u, "-") {
		t.Fatalf("expected no dashes, got %q", u)
	}
}

func TestFingerprintsAreStable(t *testing.T) {
	kp, _ := NewKeypair()
	fp1, err := IdentityFingerprint(kp.Public())
	if err != nil {
		t.Fatalf("IdentityFingerprint: %v", err)
	}
	fp2, err := IdentityFingerprint(kp.Public())
	if err != nil {
		t.Fatalf("IdentityFingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatal("fingerprint is not stable across calls")
	}
	if len(fp1) != 16 {
		t.Fatalf("expected 16 hex chars (8 bytes), got %d", len(fp1))
	}
}
