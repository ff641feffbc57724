// Package ledger provides local implementations of the asset ledger the
// vault settles against: an in-memory ledger for tests and a pebble-backed
// ledger for single-node deployments.
package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrInsufficientBalance is returned when the source account cannot cover a transfer
var ErrInsufficientBalance = errors.New("insufficient balance")

// Transfer is one movement of an asset between two accounts.
// Ref identifies the transfer for auditing and idempotent retries.
type Transfer struct {
	Ref    string
	Asset  string
	From   string
	To     string
	Amount *uint256.Int
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %s %s->%s", t.Amount.Dec(), t.Asset, t.From, t.To)
}

// Reverse returns the compensating transfer
func (t Transfer) Reverse() Transfer {
	return Transfer{Ref: t.Ref + "-revert", Asset: t.Asset, From: t.To, To: t.From, Amount: t.Amount}
}

func validate(t Transfer) error {
	if t.Asset == "" || t.From == "" || t.To == "" {
		return fmt.Errorf("transfer %s: asset and accounts are required", t.Ref)
	}
	if t.Amount == nil {
		return fmt.Errorf("transfer %s: amount is required", t.Ref)
	}
	return nil
}
