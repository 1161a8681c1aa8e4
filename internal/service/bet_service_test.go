package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betforge/gamecore/internal/domain"
	"github.com/betforge/gamecore/internal/fairness"
	"github.com/betforge/gamecore/internal/games"
)

type fakeNonces struct {
	mu   sync.Mutex
	next map[string]int64
}

func newFakeNonces() *fakeNonces {
	return &fakeNonces{next: make(map[string]int64)}
}

func (f *fakeNonces) Next(_ context.Context, userID, clientSeed string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + ":" + clientSeed
	n := f.next[key]
	f.next[key] = n + 1
	return n, nil
}

type fakeApplier struct {
	mu       sync.Mutex
	requests []domain.TransactionRequest
	replay   *domain.TransactionResult
	err      error
}

func (f *fakeApplier) Apply(_ context.Context, req domain.TransactionRequest) (domain.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return domain.TransactionResult{}, f.err
	}
	if f.replay != nil {
		return *f.replay, nil
	}
	entry := domain.LedgerEntry{
		ID:             "e1",
		UserID:         req.UserID,
		GameID:         req.GameID,
		BetAmount:      req.BetAmount,
		WinAmount:      req.WinAmount,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	return domain.TransactionResult{Entry: entry}, nil
}

const testMasterSecret = "8e3f2a6c91d44b7fa2c05e8b13f6d9a47c1e0b5d6f8a29c3e7d415f60b8a2c9d"

func testBetService(t *testing.T, applier *fakeApplier) *BetService {
	t.Helper()
	chain, err := fairness.NewSeedChain(testMasterSecret)
	if err != nil {
		t.Fatalf("NewSeedChain: %v", err)
	}
	cases := map[string]games.Case{
		"starter": {
			ID: "starter",
			Items: []games.CaseItem{
				{ID: "common", Name: "Common", Weight: 90, Multiplier: decimal.NewFromFloat(0.5)},
				{ID: "rare", Name: "Rare", Weight: 10, Multiplier: decimal.NewFromInt(5)},
			},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBetService(fairness.NewGenerator("house-default"), chain, 1, "house-default", newFakeNonces(), applier, cases, logger)
}

func TestPlaceRouletteBetSettles(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{}
	svc := testBetService(t, applier)

	receipt, err := svc.PlaceRouletteBet(context.Background(), RouletteBetRequest{
		UserID:         "u1",
		ClientSeed:     "my-seed",
		Stake:          decimal.NewFromInt(100),
		Kind:           games.RouletteRed,
		IdempotencyKey: "bet-1",
	})
	if err != nil {
		t.Fatalf("PlaceRouletteBet: %v", err)
	}

	if receipt.Nonce != 0 {
		t.Fatalf("nonce = %d, want 0", receipt.Nonce)
	}
	if receipt.ClientSeed != "my-seed" {
		t.Fatalf("client seed = %q", receipt.ClientSeed)
	}
	if receipt.Proof == "" || receipt.ServerSeedCommitment == "" {
		t.Fatal("missing proof or commitment")
	}
	if receipt.Outcome["pocket"] == "" {
		t.Fatal("missing pocket in outcome")
	}

	// The settlement request must carry the full fairness trail.
	if len(applier.requests) != 1 {
		t.Fatalf("apply calls = %d, want 1", len(applier.requests))
	}
	req := applier.requests[0]
	if req.GameID != "roulette" {
		t.Fatalf("game id = %q", req.GameID)
	}
	if req.Metadata["proof"] != receipt.Proof {
		t.Fatal("proof not recorded in metadata")
	}
	if req.Metadata["nonce"] != "0" {
		t.Fatalf("metadata nonce = %q", req.Metadata["nonce"])
	}
}

func TestPlaceRouletteBetOutcomeVerifiable(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{}
	svc := testBetService(t, applier)

	receipt, err := svc.PlaceRouletteBet(context.Background(), RouletteBetRequest{
		UserID:     "u1",
		ClientSeed: "verify-me",
		Stake:      decimal.NewFromInt(10),
		Kind:       games.RouletteStraight,
		Target:     17,
	})
	if err != nil {
		t.Fatalf("PlaceRouletteBet: %v", err)
	}

	// Recompute the outcome from the public material alone.
	chain, err := fairness.NewSeedChain(testMasterSecret)
	if err != nil {
		t.Fatalf("NewSeedChain: %v", err)
	}
	serverSeed, err := chain.SeedFor(receipt.Epoch)
	if err != nil {
		t.Fatalf("SeedFor: %v", err)
	}
	if !fairness.VerifyCommitment(serverSeed, receipt.ServerSeedCommitment) {
		t.Fatal("commitment does not match revealed server seed")
	}

	gen := fairness.NewGenerator("")
	fr, err := gen.Resolve(domain.FairnessSeed{
		ServerSeed: serverSeed,
		ClientSeed: receipt.ClientSeed,
		Nonce:      receipt.Nonce,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fr.Proof != receipt.Proof {
		t.Fatalf("recomputed proof %s != receipt proof %s", fr.Proof, receipt.Proof)
	}

	wantPocket := strconv.Itoa(int(fr.Value * 37))
	if receipt.Outcome["pocket"] != wantPocket {
		t.Fatalf("pocket = %s, want %s", receipt.Outcome["pocket"], wantPocket)
	}
}

func TestPlaceRouletteBetNonceAdvances(t *testing.T) {
	t.Parallel()

	svc := testBetService(t, &fakeApplier{})

	req := RouletteBetRequest{
		UserID:     "u1",
		ClientSeed: "s",
		Stake:      decimal.NewFromInt(1),
		Kind:       games.RouletteOdd,
	}
	first, err := svc.PlaceRouletteBet(context.Background(), req)
	if err != nil {
		t.Fatalf("first bet: %v", err)
	}
	second, err := svc.PlaceRouletteBet(context.Background(), req)
	if err != nil {
		t.Fatalf("second bet: %v", err)
	}
	if first.Nonce != 0 || second.Nonce != 1 {
		t.Fatalf("nonces = %d, %d; want 0, 1", first.Nonce, second.Nonce)
	}
}

func TestPlaceRouletteBetDefaultsClientSeed(t *testing.T) {
	t.Parallel()

	svc := testBetService(t, &fakeApplier{})

	receipt, err := svc.PlaceRouletteBet(context.Background(), RouletteBetRequest{
		UserID: "u1",
		Stake:  decimal.NewFromInt(1),
		Kind:   games.RouletteEven,
	})
	if err != nil {
		t.Fatalf("PlaceRouletteBet: %v", err)
	}
	if receipt.ClientSeed != "house-default" {
		t.Fatalf("client seed = %q, want the configured default", receipt.ClientSeed)
	}

	// The fallback keys the nonce stream, not just the receipt echo.
	second, err := svc.PlaceRouletteBet(context.Background(), RouletteBetRequest{
		UserID: "u1",
		Stake:  decimal.NewFromInt(1),
		Kind:   games.RouletteEven,
	})
	if err != nil {
		t.Fatalf("second bet: %v", err)
	}
	if second.Nonce != 1 {
		t.Fatalf("second nonce = %d, want 1", second.Nonce)
	}
}

func TestPlaceRouletteBetRejectsEmptyUser(t *testing.T) {
	t.Parallel()

	svc := testBetService(t, &fakeApplier{})

	_, err := svc.PlaceRouletteBet(context.Background(), RouletteBetRequest{
		Stake: decimal.NewFromInt(1),
		Kind:  games.RouletteRed,
	})
	if !errors.Is(err, domain.ErrInvalidBet) {
		t.Fatalf("error = %v, want ErrInvalidBet", err)
	}
}

func TestOpenCaseSettles(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{}
	svc := testBetService(t, applier)

	receipt, err := svc.OpenCase(context.Background(), CaseOpenRequest{
		UserID:     "u1",
		ClientSeed: "s",
		CaseID:     "starter",
		Stake:      decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("OpenCase: %v", err)
	}
	if receipt.Outcome["item"] == "" {
		t.Fatal("missing item in outcome")
	}
	if got := applier.requests[0].GameID; got != "case:starter" {
		t.Fatalf("game id = %q", got)
	}
}

func TestOpenCaseUnknownCase(t *testing.T) {
	t.Parallel()

	svc := testBetService(t, &fakeApplier{})

	_, err := svc.OpenCase(context.Background(), CaseOpenRequest{
		UserID: "u1",
		CaseID: "missing",
		Stake:  decimal.NewFromInt(1),
	})
	if !errors.Is(err, domain.ErrInvalidBet) {
		t.Fatalf("error = %v, want ErrInvalidBet", err)
	}
}

func TestPlaceRouletteBetReplayedReceipt(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{
		replay: &domain.TransactionResult{
			Entry: domain.LedgerEntry{
				ID:     "orig",
				UserID: "u1",
				GameID: "roulette",
				Metadata: map[string]string{
					"game":                   "roulette",
					"client_seed":            "orig-seed",
					"nonce":                  "4",
					"epoch":                  "1",
					"proof":                  "origproof",
					"server_seed_commitment": "origcommit",
					"pocket":                 "12",
					"won":                    "true",
				},
			},
			Replayed: true,
		},
	}
	svc := testBetService(t, applier)

	receipt, err := svc.PlaceRouletteBet(context.Background(), RouletteBetRequest{
		UserID:         "u1",
		ClientSeed:     "different-seed",
		Stake:          decimal.NewFromInt(10),
		Kind:           games.RouletteRed,
		IdempotencyKey: "bet-1",
	})
	if err != nil {
		t.Fatalf("PlaceRouletteBet: %v", err)
	}

	// The receipt describes the originally settled bet, not this resolution.
	if !receipt.Transaction.Replayed {
		t.Fatal("result not marked replayed")
	}
	if receipt.Nonce != 4 || receipt.Proof != "origproof" || receipt.ClientSeed != "orig-seed" {
		t.Fatalf("receipt not rebuilt from entry: %+v", receipt)
	}
	if receipt.Outcome["pocket"] != "12" {
		t.Fatalf("outcome pocket = %q, want 12", receipt.Outcome["pocket"])
	}
	if _, ok := receipt.Outcome["proof"]; ok {
		t.Fatal("fairness fields leaked into outcome map")
	}
}
