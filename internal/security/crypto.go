package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// EncryptedPayload is the wire form of an encrypted JSON value.
// Data is base64(nonce || ciphertext); Signature is hex HMAC-SHA256 over Data.
type EncryptedPayload struct {
	Data      string `json:"encryptedData"`
	Signature string `json:"signature"`
}

// HashRegistrationKey derives the value peers advertise to prove they share
// the registration secret: hex(SHA-256(secret + serviceName)).
func HashRegistrationKey(secret, serviceName string) string {
	sum := sha256.Sum256([]byte(secret + serviceName))
	return hex.EncodeToString(sum[:])
}

// deriveKey expands secret into a 32 byte key bound to salt and info.
func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func macKey(key []byte) ([]byte, error) {
	return deriveKey(key, nil, "eckmesh-payload-mac")
}

// EncryptData serializes payload to JSON, encrypts it with AES-256-GCM and
// signs the ciphertext.
func EncryptData(payload any, key []byte) (*EncryptedPayload, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	data := base64.StdEncoding.EncodeToString(sealed)

	sig, err := sign(key, data)
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{Data: data, Signature: sig}, nil
}

// DecryptData verifies and decrypts enc, returning the exact JSON bytes that
// were encrypted.
func DecryptData(enc *EncryptedPayload, key []byte) (json.RawMessage, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	if enc == nil {
		return nil, ErrDecrypt
	}

	expected, err := sign(key, enc.Data)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(expected), []byte(enc.Signature)) {
		return nil, ErrSignature
	}

	sealed, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return json.RawMessage(plaintext), nil
}

func sign(key []byte, data string) (string, error) {
	mk, err := macKey(key)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, mk)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ChallengeProof answers a discovery challenge with
// hex(HMAC-SHA256(k, nonce)), where k is derived from the registration secret
// and the service name. The key hash broadcast in presences is not enough to
// compute it.
func ChallengeProof(secret, serviceName, nonce string) (string, error) {
	key, err := deriveKey([]byte(secret), []byte(serviceName), "eckmesh-challenge")
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyChallengeProof checks proof in constant time.
func VerifyChallengeProof(secret, serviceName, nonce, proof string) bool {
	want, err := ChallengeProof(secret, serviceName, nonce)
	if err != nil || proof == "" {
		return false
	}
	return hmac.Equal([]byte(want), []byte(proof))
}

// RandomNonce returns n random bytes, hex encoded.
func RandomNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
