package domain

import "github.com/shopspring/decimal"

// Outcome is the result of a pure game resolution: the amount won (zero on a
// loss) and a game-specific payload describing what happened. Resolvers never
// touch balances or persistence; the payload travels into the ledger entry's
// metadata via the transaction engine.
type Outcome struct {
	WinAmount decimal.Decimal
	Payload   map[string]string
}
