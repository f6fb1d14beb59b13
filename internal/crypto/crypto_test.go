package crypto

import (
	"bytes"
	"testing"
)

func TestRSARoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	plaintext := []byte("room password hash material")
	ciphertext, err := RSAEncrypt(&key.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("RSAEncrypt failed: %v", err)
	}

	decrypted, err := RSADecrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("RSADecrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("decrypted plaintext does not match")
	}

	// A different key must not decrypt it
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if _, err := RSADecrypt(other, ciphertext); err == nil {
		t.Error("decryption with wrong key should fail")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	pemStr, err := PublicKeyToPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("PublicKeyToPEM failed: %v", err)
	}

	parsed, err := PublicKeyFromPEM(pemStr)
	if err != nil {
		t.Fatalf("PublicKeyFromPEM failed: %v", err)
	}
	if parsed.N.Cmp(key.PublicKey.N) != 0 || parsed.E != key.PublicKey.E {
		t.Error("parsed key does not match original")
	}

	if _, err := PublicKeyFromPEM("not a pem block"); err == nil {
		t.Error("parsing garbage should fail")
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	pemStr, err := PrivateKeyToPEM(key)
	if err != nil {
		t.Fatalf("PrivateKeyToPEM failed: %v", err)
	}

	parsed, err := PrivateKeyFromPEM(pemStr)
	if err != nil {
		t.Fatalf("PrivateKeyFromPEM failed: %v", err)
	}
	if parsed.D.Cmp(key.D) != 0 {
		t.Error("parsed private key does not match original")
	}
}

func TestAESRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey failed: %v", err)
	}

	plaintext := []byte("hello room")
	ciphertext, err := AESEncrypt(key, plaintext)
	if err != nil {
		t.Fatalf("AESEncrypt failed: %v", err)
	}

	decrypted, err := AESDecrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("AESDecrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("decrypted plaintext does not match")
	}
}

func TestAESDecryptRejectsTampering(t *testing.T) {
	key, _ := NewSessionKey()
	ciphertext, err := AESEncrypt(key, []byte("untampered"))
	if err != nil {
		t.Fatalf("AESEncrypt failed: %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := AESDecrypt(key, ciphertext); err == nil {
		t.Error("tampered ciphertext should fail authentication")
	}

	if _, err := AESDecrypt(key, []byte{1, 2, 3}); err == nil {
		t.Error("short ciphertext should be rejected")
	}

	wrongKey, _ := NewSessionKey()
	good, _ := AESEncrypt(key, []byte("data"))
	if _, err := AESDecrypt(wrongKey, good); err == nil {
		t.Error("wrong key should fail authentication")
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := HashPassword("hunter2")
	b := HashPassword("hunter2")
	c := HashPassword("hunter3")

	if !VerifyPasswordHash(a, b) {
		t.Error("same password must hash identically on every device")
	}
	if VerifyPasswordHash(a, c) {
		t.Error("different passwords must not collide")
	}
	if len(a) != 32 {
		t.Errorf("expected 32-byte hash, got %d", len(a))
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("proposer-device-id")
	k1 := DeriveKey("new password", salt)
	k2 := DeriveKey("new password", salt)
	k3 := DeriveKey("new password", []byte("other-device"))

	if !bytes.Equal(k1, k2) {
		t.Error("derivation must be deterministic for the same salt")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different salts must derive different keys")
	}
	if len(k1) != SessionKeySize {
		t.Errorf("expected %d-byte key, got %d", SessionKeySize, len(k1))
	}

	// Derived keys must actually work as AES session keys
	ciphertext, err := AESEncrypt(k1, []byte("rotated"))
	if err != nil {
		t.Fatalf("AESEncrypt with derived key failed: %v", err)
	}
	plaintext, err := AESDecrypt(k2, ciphertext)
	if err != nil {
		t.Fatalf("AESDecrypt with derived key failed: %v", err)
	}
	if string(plaintext) != "rotated" {
		t.Error("derived key round trip failed")
	}
}
