// Package errs defines the sentinel error taxonomy shared across the engine.
// Components wrap these with fmt.Errorf("...: %w", errs.ErrX) and callers
// classify with errors.Is instead of matching on message strings.
package errs

import "errors"

var (
	// ErrValidation covers malformed requests and constraint violations
	// (tick size, min notional, leverage cap). No state change.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientFunds covers a failed balance reservation. No state change.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound covers a missing order, position, market or session.
	ErrNotFound = errors.New("not found")

	// ErrConflict covers an invalid status transition (e.g. cancel a filled
	// order). Idempotent in bulk operations, a failure in single operations.
	ErrConflict = errors.New("conflict")

	// ErrMarketHalted covers a paused symbol or maintenance mode.
	ErrMarketHalted = errors.New("market halted")

	// ErrUpstream covers price-source disconnects or corrupt data. Never
	// propagated to user operations directly; handled by failover/reconnect.
	ErrUpstream = errors.New("upstream error")

	// ErrInternal covers invariant violations. The unit of work that
	// produced it must abort; never swallow this.
	ErrInternal = errors.New("internal error")
)

// Kind classifies an error for the outward-facing order_rejected event.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrMarketHalted):
		return "market_halted"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrInternal):
		return "internal_error"
	default:
		return "unknown_error"
	}
}
