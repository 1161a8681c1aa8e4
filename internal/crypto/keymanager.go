// Package crypto provides at-rest protection for the fairness master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-secret JSON schema version.
	currentVersion = 1
	// minSecretLen is the minimum decoded secret length in bytes.
	minSecretLen = 16
)

// encryptedSecretJSON is the on-disk format for an encrypted master secret.
type encryptedSecretJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// SecretConfig carries the information LoadSecret needs to resolve the
// master secret. Populate the fields from environment variables or a config
// file.
type SecretConfig struct {
	// RawSecret is the hex-encoded master secret. If non-empty, LoadSecret
	// returns it directly.
	RawSecret string

	// EncryptedSecretPath is the path to a JSON file produced by
	// EncryptSecret.
	EncryptedSecretPath string

	// SecretPassword is the password used to decrypt the file at
	// EncryptedSecretPath.
	SecretPassword string
}

// EncryptSecret encrypts a hex-encoded master secret with a password using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated encryption.
// It returns the JSON blob suitable for writing to disk.
func EncryptSecret(secretHex string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	secret, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid secret hex: %w", err)
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("crypto: secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}

	// Generate random salt and derive AES key.
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	// AES-256-GCM encrypt.
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, secret, nil)

	out := encryptedSecretJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return json.MarshalIndent(out, "", "  ")
}

// DecryptSecret decrypts a JSON blob produced by EncryptSecret, returning
// the hex-encoded master secret.
func DecryptSecret(encryptedJSON []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var stored encryptedSecretJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing encrypted secret JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	return hex.EncodeToString(plaintext), nil
}

// LoadSecret resolves the master secret from the provided configuration.
//
// Resolution order:
//  1. If RawSecret is set, return it.
//  2. If EncryptedSecretPath is set, read the file and decrypt with
//     SecretPassword.
//  3. Otherwise, return an error.
func LoadSecret(cfg SecretConfig) (string, error) {
	// 1. Raw secret takes precedence.
	if cfg.RawSecret != "" {
		s := strings.TrimSpace(cfg.RawSecret)
		if _, err := hex.DecodeString(s); err != nil {
			return "", fmt.Errorf("crypto: RawSecret is not valid hex: %w", err)
		}
		return s, nil
	}

	// 2. Encrypted secret file.
	if cfg.EncryptedSecretPath != "" {
		data, err := os.ReadFile(cfg.EncryptedSecretPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading encrypted secret file: %w", err)
		}
		return DecryptSecret(data, cfg.SecretPassword)
	}

	return "", errors.New("crypto: no master secret source configured (set RawSecret or EncryptedSecretPath)")
}
