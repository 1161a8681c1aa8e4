// Package fairness implements the provably-fair random value generator. A
// value is derived from a (server seed, client seed, nonce) triple with
// HMAC-SHA256, so once the server seed is disclosed any party can recompute
// the value and confirm it was fixed before the bet was placed.
package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/betforge/gamecore/internal/domain"
)

// valueBits is the number of leading digest bits folded into the uniform
// value. 52 bits fill a float64 mantissa exactly.
const valueBits = 52

// Generator resolves fairness seed triples. It holds no mutable state and is
// safe for concurrent use.
type Generator struct {
	// defaultClientSeed substitutes for an empty client seed so resolutions
	// are still well-defined when the player declines to supply one.
	defaultClientSeed string
}

// NewGenerator creates a Generator. defaultClientSeed is used whenever a
// resolution arrives with an empty client seed.
func NewGenerator(defaultClientSeed string) *Generator {
	if defaultClientSeed == "" {
		defaultClientSeed = "gamecore"
	}
	return &Generator{defaultClientSeed: defaultClientSeed}
}

// Resolve derives the uniform value and proof for the given seed triple. It
// returns domain.ErrInvalidSeed if the server seed is empty or the nonce is
// negative.
func (g *Generator) Resolve(seed domain.FairnessSeed) (domain.FairnessResult, error) {
	if seed.ServerSeed == "" {
		return domain.FairnessResult{}, fmt.Errorf("fairness: empty server seed: %w", domain.ErrInvalidSeed)
	}
	if seed.Nonce < 0 {
		return domain.FairnessResult{}, fmt.Errorf("fairness: negative nonce %d: %w", seed.Nonce, domain.ErrInvalidSeed)
	}
	if seed.ClientSeed == "" {
		seed.ClientSeed = g.defaultClientSeed
	}

	digest := resolveDigest(seed)

	return domain.FairnessResult{
		Value: valueFromDigest(digest),
		Proof: hex.EncodeToString(digest),
		Seed:  seed,
	}, nil
}

// Verify recomputes the result for the disclosed seed triple and reports
// whether it matches. This is the third-party audit path.
func Verify(seed domain.FairnessSeed, result domain.FairnessResult) bool {
	if seed.ServerSeed == "" || seed.Nonce < 0 {
		return false
	}
	digest := resolveDigest(seed)
	return hex.EncodeToString(digest) == result.Proof &&
		valueFromDigest(digest) == result.Value
}

// resolveDigest computes HMAC-SHA256 keyed by the server seed over
// "clientSeed:nonce".
func resolveDigest(seed domain.FairnessSeed) []byte {
	mac := hmac.New(sha256.New, []byte(seed.ServerSeed))
	mac.Write([]byte(seed.ClientSeed))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(seed.Nonce, 10)))
	return mac.Sum(nil)
}

// valueFromDigest folds the first 52 bits of the digest into a float64 in
// [0, 1).
func valueFromDigest(digest []byte) float64 {
	bits := binary.BigEndian.Uint64(digest[:8]) >> (64 - valueBits)
	return float64(bits) / float64(uint64(1)<<valueBits)
}
