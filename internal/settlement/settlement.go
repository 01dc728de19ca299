// Package settlement moves stakes on an external ledger: escrow when a wager
// is placed, distribute when it is resolved. Calls return only after the
// ledger has confirmed them.
package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress = errors.New("settlement: invalid participant address")
	ErrInvalidAmount  = errors.New("settlement: invalid stake amount")
	ErrReverted       = errors.New("settlement: transaction reverted")
)

// Connector is the ledger. Both calls are keyed by wager id; the returned
// string is the confirmed transaction reference.
type Connector interface {
	Escrow(ctx context.Context, wagerID int64, agree, disagree []string, stake decimal.Decimal) (string, error)
	Distribute(ctx context.Context, wagerID int64, agreeWon bool) (string, error)
}

// NopConnector confirms every call without touching a ledger. It is used
// when settlement is disabled.
type NopConnector struct{}

func (NopConnector) Escrow(context.Context, int64, []string, []string, decimal.Decimal) (string, error) {
	return "", nil
}

func (NopConnector) Distribute(context.Context, int64, bool) (string, error) {
	return "", nil
}

var _ Connector = NopConnector{}
