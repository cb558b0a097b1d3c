package payouts

import "errors"

var (
	// ErrValidation covers bad input, rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means no payout exists with the given id.
	ErrNotFound = errors.New("payout not found")
	// ErrInvalidState means the payout's current status does not permit the
	// requested transition. No mutation happens.
	ErrInvalidState = errors.New("invalid state for requested transition")
	// ErrAlreadyProcessed short-circuits a redelivered job whose payout is
	// already processing, sent or settled.
	ErrAlreadyProcessed = errors.New("payout already processed")
)
