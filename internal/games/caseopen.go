package games

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/betforge/gamecore/internal/domain"
)

// CaseItem is one prize in a case with its draw weight and the multiplier
// applied to the stake when drawn.
type CaseItem struct {
	ID         string
	Name       string
	Rarity     string
	Weight     float64
	Multiplier decimal.Decimal
}

// Case is an ordered weighted prize table. Order matters: the cumulative
// weight buckets are laid out in slice order, so a given fairness value
// always selects the same item.
type Case struct {
	ID    string
	Items []CaseItem
}

// TotalWeight sums the item weights.
func (c Case) TotalWeight() float64 {
	var total float64
	for _, item := range c.Items {
		total += item.Weight
	}
	return total
}

// Validate checks that the case has at least one item and sane weights.
func (c Case) Validate() error {
	if len(c.Items) == 0 {
		return fmt.Errorf("games: case %q has no items: %w", c.ID, domain.ErrInvalidBet)
	}
	for _, item := range c.Items {
		if item.Weight < 0 {
			return fmt.Errorf("games: case %q item %q has negative weight: %w", c.ID, item.ID, domain.ErrInvalidBet)
		}
	}
	if c.TotalWeight() <= 0 {
		return fmt.Errorf("games: case %q has non-positive total weight: %w", c.ID, domain.ErrInvalidBet)
	}
	return nil
}

// ResolveCaseOpen picks an item from the case by cumulative-weight lookup on
// the fairness value and settles the stake against the item's multiplier.
func ResolveCaseOpen(c Case, stake decimal.Decimal, fr domain.FairnessResult) (domain.Outcome, error) {
	if stake.IsNegative() {
		return domain.Outcome{}, fmt.Errorf("games: negative case stake %s: %w", stake, domain.ErrInvalidBet)
	}
	if err := c.Validate(); err != nil {
		return domain.Outcome{}, err
	}

	roll := fr.Value * c.TotalWeight()

	item := c.Items[len(c.Items)-1]
	var cumulative float64
	for _, candidate := range c.Items {
		cumulative += candidate.Weight
		if roll < cumulative {
			item = candidate
			break
		}
	}

	win := stake.Mul(item.Multiplier)

	return domain.Outcome{
		WinAmount: win,
		Payload: map[string]string{
			"game":       "case_open",
			"case":       c.ID,
			"item":       item.ID,
			"name":       item.Name,
			"rarity":     item.Rarity,
			"multiplier": item.Multiplier.String(),
			"roll":       strconv.FormatFloat(roll, 'f', -1, 64),
		},
	}, nil
}
