// Package crypto provides the primitives the room protocol is built
// on: RSA key exchange for the join handshake, AES-256-GCM for message
// transport, SHA-256 password hashing, and PBKDF2 key derivation for
// password rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// RSAKeyBits is the size of handshake keypairs. OAEP with SHA-256
	// leaves 190 bytes of plaintext room, enough for a session key or
	// a password hash.
	RSAKeyBits = 2048

	// SessionKeySize is the AES-256 room session key length
	SessionKeySize = 32

	// PBKDF2Iterations is the work factor for password-derived keys
	PBKDF2Iterations = 100_000
)

// Encrypted message format: [nonce (12 bytes)][AES-GCM ciphertext+tag]

// GenerateKeyPair creates a fresh RSA keypair for the handshake.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return key, nil
}

// PublicKeyToPEM serializes a public key as PKIX DER wrapped in PEM.
func PublicKeyToPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PublicKeyFromPEM parses a PEM-encoded PKIX public key.
func PublicKeyFromPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key: %T", pub)
	}
	return rsaPub, nil
}

// PrivateKeyToPEM serializes a private key as PKCS#8 DER wrapped in PEM.
func PrivateKeyToPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PrivateKeyFromPEM parses a PEM-encoded PKCS#8 private key.
func PrivateKeyFromPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key: %T", key)
	}
	return rsaKey, nil
}

// RSAEncrypt encrypts a small payload (session key, password hash)
// with OAEP/SHA-256.
func RSAEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA encrypt: %w", err)
	}
	return ciphertext, nil
}

// RSADecrypt reverses RSAEncrypt.
func RSADecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, errors.New("RSA decrypt failed: invalid ciphertext or key")
	}
	return plaintext, nil
}

// NewSessionKey generates a random AES-256 room session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// AESEncrypt encrypts a payload with AES-256-GCM. The random nonce is
// prepended to the ciphertext.
func AESEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// AESDecrypt reverses AESEncrypt.
func AESDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	body := ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errors.New("decryption failed: invalid ciphertext or key")
	}
	return plaintext, nil
}

// HashPassword hashes the room password with SHA-256. Every device
// must compute the identical hash without any shared salt, so the hash
// is deliberately unsalted; it only ever travels RSA-encrypted.
func HashPassword(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

// VerifyPasswordHash compares two password hashes in constant time.
func VerifyPasswordHash(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DeriveKey derives an AES key from a password via PBKDF2-SHA256.
// Password rotation uses the proposer's device ID as the salt so every
// voter can derive the same key once the new password is known.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, SessionKeySize, sha256.New)
}

// ZeroBytes clears sensitive material.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
