package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/betforge/gamecore/internal/domain"
)

// SeedChain derives per-epoch server seeds from a single master secret using
// HKDF-SHA256. Rotating the epoch retires a server seed (so it can be
// disclosed for verification) without touching the master secret. The
// commitment for an epoch's seed is published before any bet resolves
// against it.
type SeedChain struct {
	master []byte
}

// NewSeedChain creates a SeedChain from a hex-encoded master secret.
func NewSeedChain(masterSecretHex string) (*SeedChain, error) {
	master, err := hex.DecodeString(masterSecretHex)
	if err != nil {
		return nil, fmt.Errorf("fairness: decode master secret: %w", err)
	}
	if len(master) < 16 {
		return nil, fmt.Errorf("fairness: master secret must be at least 16 bytes, got %d", len(master))
	}
	return &SeedChain{master: master}, nil
}

// NewMasterSecret generates a fresh 32-byte master secret, hex encoded.
func NewMasterSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("fairness: generate master secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SeedFor deterministically derives the hex server seed for the given epoch.
// Epochs are non-negative; negative values are rejected.
func (c *SeedChain) SeedFor(epoch int64) (string, error) {
	if epoch < 0 {
		return "", fmt.Errorf("fairness: seed for epoch %d: %w", epoch, domain.ErrInvalidSeed)
	}
	info := fmt.Sprintf("server-seed:%d", epoch)
	r := hkdf.New(sha256.New, c.master, nil, []byte(info))

	seed := make([]byte, 32)
	if _, err := io.ReadFull(r, seed); err != nil {
		return "", fmt.Errorf("fairness: derive seed for epoch %d: %w", epoch, err)
	}
	return hex.EncodeToString(seed), nil
}

// Commitment returns the SHA-256 hex hash of a server seed. The hash is
// published ahead of play; the seed itself is disclosed only after the epoch
// is retired.
func Commitment(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// VerifyCommitment reports whether a disclosed server seed matches a
// previously published commitment.
func VerifyCommitment(serverSeed, commitment string) bool {
	return Commitment(serverSeed) == commitment
}
