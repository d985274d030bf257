package core

import "errors"

// Sentinel error taxonomy. Callers compare with errors.Is;
// wrapping with fmt.Errorf("...: %w", err) preserves the sentinel.
var (
	// ErrNotFound is a recoverable lookup miss: claim, registration, block.
	ErrNotFound = errors.New("not found")

	// ErrInvalidNodeLevel means a level executor was asked to handle work
	// that belongs to a different level. Programmer error; fatal for the tick.
	ErrInvalidNodeLevel = errors.New("invalid node level")

	// ErrInvalidTransactionType is a user error at L1 enqueue time.
	ErrInvalidTransactionType = errors.New("invalid transaction type")

	// ErrNotEnoughVerifications means a broadcast DTO cannot yet be built
	// because fewer than the required receipts exist for the prior level.
	ErrNotEnoughVerifications = errors.New("not enough verifications")

	// ErrNotAcceptingVerifications means a receipt arrived for a block that
	// is not tracked or has already promoted past the receipt's level, or
	// from a chain the claim does not assign at that level.
	ErrNotAcceptingVerifications = errors.New("not accepting verifications at this level")

	// ErrInsufficientFunds is L5-only: public-chain balance too low to anchor.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnableToUpdate means matchmaking has no replacement chain available.
	ErrUnableToUpdate = errors.New("unable to update claim")

	// ErrMatchmakingRetryable wraps a 5xx from matchmaking.
	ErrMatchmakingRetryable = errors.New("matchmaking retryable error")

	// ErrUnauthorized is a DC1-HMAC admission failure.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited means a key exceeded RATE_LIMIT requests in the
	// sliding 60-second window.
	ErrRateLimited = errors.New("rate limited")

	// ErrActionForbidden means a root-only endpoint was called with a
	// non-root key.
	ErrActionForbidden = errors.New("action forbidden")

	// ErrTransactionNotFound is returned by the public-chain anchor client
	// when a previously broadcast transaction hash is no longer known.
	ErrTransactionNotFound = errors.New("interchain transaction not found")
)
