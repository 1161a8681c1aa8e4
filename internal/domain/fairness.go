package domain

import "context"

// FairnessSeed is the input triple for one provably-fair resolution. The
// server seed is an opaque secret committed to (by hash) before any bet that
// uses it; the client seed is supplied by the player or defaulted; the nonce
// is a monotonically increasing counter per seed pair, so a triple is never
// reused within one resolution context.
type FairnessSeed struct {
	ServerSeed string
	ClientSeed string
	Nonce      int64
}

// FairnessResult carries the uniform random value derived from a seed triple
// together with the proof a third party needs to recompute it.
type FairnessResult struct {
	// Value is uniform in [0, 1).
	Value float64

	// Proof is the full hex digest of the resolution. Given the disclosed
	// seed triple, anyone can recompute the digest and the value.
	Proof string

	// Seed echoes the input triple for audit trails.
	Seed FairnessSeed
}

// Fairness resolves seed triples into verifiable random values. It is pure:
// the same triple always yields the same result, and implementations must be
// safe for concurrent use.
type Fairness interface {
	Resolve(seed FairnessSeed) (FairnessResult, error)
}

// NonceSource allocates monotonically increasing nonces per seed pair.
type NonceSource interface {
	Next(ctx context.Context, userID, clientSeed string) (int64, error)
}
