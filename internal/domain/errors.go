package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSeed       = errors.New("invalid fairness seed")
	ErrInvalidBet        = errors.New("invalid bet parameters")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateKey      = errors.New("idempotency key already applied")
	ErrReplayMismatch    = errors.New("idempotency replay with different arguments")
	ErrBalanceConflict   = errors.New("balance changed concurrently")
	ErrPersistenceFailed = errors.New("persistence failed after retries")
	ErrLockHeld          = errors.New("lock already held")
	ErrNotRunning        = errors.New("simulator not running")
)
