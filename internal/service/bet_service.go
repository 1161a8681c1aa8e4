// Package service wires fairness, game resolution, and the ledger into the
// operations callers actually invoke.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/betforge/gamecore/internal/domain"
	"github.com/betforge/gamecore/internal/fairness"
	"github.com/betforge/gamecore/internal/games"
	"github.com/betforge/gamecore/internal/ledger"
)

// TransactionApplier is the slice of the ledger engine the bet service needs.
type TransactionApplier interface {
	Apply(ctx context.Context, req domain.TransactionRequest) (domain.TransactionResult, error)
}

// BetReceipt is the full record handed back for a settled bet: the ledger
// result plus everything a player needs to verify the outcome independently.
type BetReceipt struct {
	Transaction domain.TransactionResult

	// Fairness proof material. The commitment is published before the epoch's
	// server seed is revealed, so players can verify outcomes after rotation.
	ServerSeedCommitment string
	ClientSeed           string
	Nonce                int64
	Epoch                int64
	Proof                string

	// Outcome holds the game-specific result fields (pocket, item, and so on).
	Outcome map[string]string
}

// BetService resolves and settles bets. Each bet consumes one nonce, derives
// its outcome from the fairness generator, and settles through the
// transaction engine in a single exactly-once application.
type BetService struct {
	gen         domain.Fairness
	chain       *fairness.SeedChain
	epoch       int64
	defaultSeed string
	nonces      domain.NonceSource
	engine      TransactionApplier
	cases       map[string]games.Case
	logger      *slog.Logger
}

// NewBetService creates a BetService. cases is the catalog of openable cases
// keyed by ID; epoch selects which server seed of the chain is active;
// defaultClientSeed stands in when a bet carries no client seed, so nonce
// streams and receipts stay keyed consistently.
func NewBetService(
	gen domain.Fairness,
	chain *fairness.SeedChain,
	epoch int64,
	defaultClientSeed string,
	nonces domain.NonceSource,
	engine TransactionApplier,
	cases map[string]games.Case,
	logger *slog.Logger,
) *BetService {
	return &BetService{
		gen:         gen,
		chain:       chain,
		epoch:       epoch,
		defaultSeed: defaultClientSeed,
		nonces:      nonces,
		engine:      engine,
		cases:       cases,
		logger:      logger.With(slog.String("component", "bet_service")),
	}
}

// RouletteBetRequest describes one roulette bet.
type RouletteBetRequest struct {
	UserID         string
	ClientSeed     string
	Stake          decimal.Decimal
	Kind           games.RouletteBetKind
	Target         int
	IdempotencyKey string
}

// CaseOpenRequest describes one case opening.
type CaseOpenRequest struct {
	UserID         string
	ClientSeed     string
	CaseID         string
	Stake          decimal.Decimal
	IdempotencyKey string
}

// PlaceRouletteBet resolves and settles a roulette bet.
func (s *BetService) PlaceRouletteBet(ctx context.Context, req RouletteBetRequest) (BetReceipt, error) {
	bet := games.RouletteBet{Stake: req.Stake, Kind: req.Kind, Target: req.Target}

	return s.settle(ctx, "roulette", req.UserID, req.ClientSeed, req.Stake, req.IdempotencyKey,
		func(fr domain.FairnessResult) (domain.Outcome, error) {
			return games.ResolveRoulette(bet, fr)
		})
}

// OpenCase resolves and settles a case opening.
func (s *BetService) OpenCase(ctx context.Context, req CaseOpenRequest) (BetReceipt, error) {
	c, ok := s.cases[req.CaseID]
	if !ok {
		return BetReceipt{}, fmt.Errorf("service: unknown case %q: %w", req.CaseID, domain.ErrInvalidBet)
	}

	return s.settle(ctx, "case:"+req.CaseID, req.UserID, req.ClientSeed, req.Stake, req.IdempotencyKey,
		func(fr domain.FairnessResult) (domain.Outcome, error) {
			return games.ResolveCaseOpen(c, req.Stake, fr)
		})
}

func (s *BetService) settle(
	ctx context.Context,
	gameID, userID, clientSeed string,
	stake decimal.Decimal,
	idempotencyKey string,
	resolve func(domain.FairnessResult) (domain.Outcome, error),
) (BetReceipt, error) {
	if userID == "" {
		return BetReceipt{}, fmt.Errorf("service: empty user id: %w", domain.ErrInvalidBet)
	}
	if clientSeed == "" {
		clientSeed = s.defaultSeed
	}

	nonce, err := s.nonces.Next(ctx, userID, clientSeed)
	if err != nil {
		return BetReceipt{}, fmt.Errorf("service: allocate nonce: %w", err)
	}

	serverSeed, err := s.chain.SeedFor(s.epoch)
	if err != nil {
		return BetReceipt{}, fmt.Errorf("service: derive server seed: %w", err)
	}

	fr, err := s.gen.Resolve(domain.FairnessSeed{
		ServerSeed: serverSeed,
		ClientSeed: clientSeed,
		Nonce:      nonce,
	})
	if err != nil {
		return BetReceipt{}, fmt.Errorf("service: resolve fairness: %w", err)
	}

	outcome, err := resolve(fr)
	if err != nil {
		return BetReceipt{}, err
	}

	commitment := fairness.Commitment(serverSeed)

	metadata := make(map[string]string, len(outcome.Payload)+5)
	for k, v := range outcome.Payload {
		metadata[k] = v
	}
	metadata["client_seed"] = clientSeed
	metadata["nonce"] = strconv.FormatInt(nonce, 10)
	metadata["epoch"] = strconv.FormatInt(s.epoch, 10)
	metadata["proof"] = fr.Proof
	metadata["server_seed_commitment"] = commitment

	res, err := s.engine.Apply(ctx, domain.TransactionRequest{
		UserID:         userID,
		GameID:         gameID,
		BetAmount:      stake,
		WinAmount:      outcome.WinAmount,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return BetReceipt{}, err
	}

	// A replay means this nonce's resolution never settled; the receipt must
	// describe the originally applied bet, which lives in the entry metadata.
	if res.Replayed {
		return receiptFromEntry(res), nil
	}

	s.logger.InfoContext(ctx, "bet settled",
		slog.String("user_id", userID),
		slog.String("game_id", gameID),
		slog.Int64("nonce", nonce),
		slog.String("stake", stake.String()),
		slog.String("win", outcome.WinAmount.String()),
	)

	return BetReceipt{
		Transaction:          res,
		ServerSeedCommitment: commitment,
		ClientSeed:           clientSeed,
		Nonce:                nonce,
		Epoch:                s.epoch,
		Proof:                fr.Proof,
		Outcome:              outcome.Payload,
	}, nil
}

func receiptFromEntry(res domain.TransactionResult) BetReceipt {
	md := res.Entry.Metadata
	nonce, _ := strconv.ParseInt(md["nonce"], 10, 64)
	epoch, _ := strconv.ParseInt(md["epoch"], 10, 64)

	outcome := make(map[string]string, len(md))
	for k, v := range md {
		switch k {
		case "client_seed", "nonce", "epoch", "proof", "server_seed_commitment":
		default:
			outcome[k] = v
		}
	}

	return BetReceipt{
		Transaction:          res,
		ServerSeedCommitment: md["server_seed_commitment"],
		ClientSeed:           md["client_seed"],
		Nonce:                nonce,
		Epoch:                epoch,
		Proof:                md["proof"],
		Outcome:              outcome,
	}
}

var _ TransactionApplier = (*ledger.Engine)(nil)
