// Package games contains the pure outcome resolvers. Each resolver maps a
// bet and a fairness result to a win amount and a result payload; balances
// and persistence are the transaction engine's concern.
package games

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/betforge/gamecore/internal/domain"
)

// RouletteBetKind enumerates the supported roulette bet types.
type RouletteBetKind string

const (
	RouletteStraight RouletteBetKind = "straight"
	RouletteRed      RouletteBetKind = "red"
	RouletteBlack    RouletteBetKind = "black"
	RouletteOdd      RouletteBetKind = "odd"
	RouletteEven     RouletteBetKind = "even"
	RouletteLow      RouletteBetKind = "low"  // 1-18
	RouletteHigh     RouletteBetKind = "high" // 19-36
	RouletteDozen    RouletteBetKind = "dozen"
	RouletteColumn   RouletteBetKind = "column"
)

// roulettePockets is the number of pockets on a European wheel.
const roulettePockets = 37

// roulettePayouts maps a bet kind to its payout multiplier applied to the
// stake on a win (stake included, e.g. straight pays 36x the stake total).
var roulettePayouts = map[RouletteBetKind]int64{
	RouletteStraight: 36,
	RouletteRed:      2,
	RouletteBlack:    2,
	RouletteOdd:      2,
	RouletteEven:     2,
	RouletteLow:      2,
	RouletteHigh:     2,
	RouletteDozen:    3,
	RouletteColumn:   3,
}

// redPockets is the standard red set of a European wheel.
var redPockets = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true,
	14: true, 16: true, 18: true, 19: true, 21: true, 23: true,
	25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

// RouletteBet describes a single roulette wager.
type RouletteBet struct {
	Stake decimal.Decimal
	Kind  RouletteBetKind

	// Target selects the pocket for straight bets (0-36), the dozen for
	// dozen bets (1-3), or the column for column bets (1-3). Ignored for
	// the other kinds.
	Target int
}

func (b RouletteBet) validate() error {
	if b.Stake.IsNegative() {
		return fmt.Errorf("games: negative roulette stake %s: %w", b.Stake, domain.ErrInvalidBet)
	}
	if _, ok := roulettePayouts[b.Kind]; !ok {
		return fmt.Errorf("games: unknown roulette bet kind %q: %w", b.Kind, domain.ErrInvalidBet)
	}
	switch b.Kind {
	case RouletteStraight:
		if b.Target < 0 || b.Target >= roulettePockets {
			return fmt.Errorf("games: straight target %d out of range: %w", b.Target, domain.ErrInvalidBet)
		}
	case RouletteDozen, RouletteColumn:
		if b.Target < 1 || b.Target > 3 {
			return fmt.Errorf("games: %s target %d out of range: %w", b.Kind, b.Target, domain.ErrInvalidBet)
		}
	}
	return nil
}

// ResolveRoulette maps the fairness value onto a wheel pocket and settles the
// bet. The zero pocket loses every outside bet.
func ResolveRoulette(bet RouletteBet, fr domain.FairnessResult) (domain.Outcome, error) {
	if err := bet.validate(); err != nil {
		return domain.Outcome{}, err
	}

	pocket := int(fr.Value * roulettePockets)
	if pocket >= roulettePockets {
		// Guards the value == nextafter(1) edge; fr.Value is in [0,1).
		pocket = roulettePockets - 1
	}

	won := rouletteWins(bet, pocket)

	win := decimal.Zero
	if won {
		win = bet.Stake.Mul(decimal.NewFromInt(roulettePayouts[bet.Kind]))
	}

	return domain.Outcome{
		WinAmount: win,
		Payload: map[string]string{
			"game":   "roulette",
			"pocket": strconv.Itoa(pocket),
			"color":  pocketColor(pocket),
			"kind":   string(bet.Kind),
			"won":    strconv.FormatBool(won),
		},
	}, nil
}

func rouletteWins(bet RouletteBet, pocket int) bool {
	switch bet.Kind {
	case RouletteStraight:
		return pocket == bet.Target
	case RouletteRed:
		return redPockets[pocket]
	case RouletteBlack:
		return pocket != 0 && !redPockets[pocket]
	case RouletteOdd:
		return pocket != 0 && pocket%2 == 1
	case RouletteEven:
		return pocket != 0 && pocket%2 == 0
	case RouletteLow:
		return pocket >= 1 && pocket <= 18
	case RouletteHigh:
		return pocket >= 19 && pocket <= 36
	case RouletteDozen:
		return pocket != 0 && (pocket-1)/12+1 == bet.Target
	case RouletteColumn:
		return pocket != 0 && (pocket-1)%3+1 == bet.Target
	default:
		return false
	}
}

func pocketColor(pocket int) string {
	switch {
	case pocket == 0:
		return "green"
	case redPockets[pocket]:
		return "red"
	default:
		return "black"
	}
}
