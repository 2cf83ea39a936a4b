package incentives

import "errors"

// Failure taxonomy. Every error aborts the enclosing operation as a whole:
// the unit of work rolls back all mutations and no notification is emitted.
var (
	// Authorization failures
	ErrUnauthorized        = errors.New("caller is not the emission manager")
	ErrUnauthorizedClaimer = errors.New("caller is not the authorized claimer for user")

	// Invalid-argument failures
	ErrInvalidRecipient = errors.New("recipient must not be nil")
	ErrInvalidUser      = errors.New("user must not be nil")
	ErrNilStrategy      = errors.New("strategy name must not be empty")
	ErrUnknownStrategy  = errors.New("strategy is not deployed in the catalog")
	ErrUnknownOracle    = errors.New("oracle is not deployed in the catalog")

	// Precondition failures
	ErrOracleNoPrice       = errors.New("oracle latest answer must be strictly positive")
	ErrNoStrategyInstalled = errors.New("no transfer strategy installed for reward")
	ErrTransferFailed      = errors.New("transfer strategy reported failure")
)
