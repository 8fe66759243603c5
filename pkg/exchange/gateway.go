// Package exchange abstracts the trading venue behind a small adapter
// interface. The engine never sees a concrete wire protocol; everything
// it needs from the venue flows through Gateway, and every call is
// treated as fallible.
package exchange

import (
	"context"
	"errors"
	"fmt"
)

// Gateway abstracts a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	GetPositions(ctx context.Context) ([]PositionSnapshot, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// RejectionError marks a permanent venue rejection. Submissions that
// fail this way are surfaced immediately and never retried.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("venue rejected order: %s", e.Reason)
}

// TransientError marks a retryable venue failure (network trouble,
// throttling, 5xx-equivalent).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient venue failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// IsRejection reports whether err is a permanent venue rejection.
func IsRejection(err error) bool {
	var target *RejectionError
	return errors.As(err, &target)
}

// IsTransient reports whether err should be retried. Unknown errors
// classify as transient so a flaky adapter gets bounded retries rather
// than a spurious permanent failure; only an explicit rejection is
// final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsRejection(err)
}
