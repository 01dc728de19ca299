package wager

import "errors"

// Error taxonomy. Every engine error wraps exactly one of these; callers
// match with errors.Is and turn them into user-facing replies.
var (
	// ErrInvalidInput: malformed command parameters.
	ErrInvalidInput = errors.New("wager: invalid input")

	// ErrNotFound: unknown wager id.
	ErrNotFound = errors.New("wager: not found")

	// ErrInvalidState: the command is not allowed in the wager's current status.
	ErrInvalidState = errors.New("wager: invalid state")

	// ErrEventRejected: the oracle did not recognize the proposed event.
	ErrEventRejected = errors.New("wager: event not recognized")

	// ErrOracleFailure: the LLM or schedule call failed or timed out.
	ErrOracleFailure = errors.New("wager: oracle failure")

	// ErrSettlementFailure: the ledger call failed or was not confirmed.
	ErrSettlementFailure = errors.New("wager: settlement failure")

	// ErrUndetermined: the oracle could not decide the outcome.
	ErrUndetermined = errors.New("wager: outcome undetermined")

	// ErrStore: the wager table could not be read or written.
	ErrStore = errors.New("wager: store failure")
)
