package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// Memory is an in-process ledger. FailWhen, if set, is consulted before
// every transfer and its error aborts it.
type Memory struct {
	mu       sync.Mutex
	balances map[string]map[string]*uint256.Int
	journal  []Transfer

	FailWhen func(Transfer) error
}

// NewMemory creates an empty ledger
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]map[string]*uint256.Int)}
}

// Deposit credits an account out of thin air
func (m *Memory) Deposit(asset, account string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance(asset, account)
	b.Add(b, amount)
}

// Balance returns an account's balance of asset
func (m *Memory) Balance(asset, account string) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(asset, account).Clone()
}

// Journal returns the applied transfers in order
func (m *Memory) Journal() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.journal...)
}

// Transfer moves amount of asset from one account to another
func (m *Memory) Transfer(ctx context.Context, asset, from, to string, amount *uint256.Int) error {
	return m.TransferBatch(ctx, []Transfer{{Asset: asset, From: from, To: to, Amount: amount}})
}

// TransferBatch applies every transfer or none of them
func (m *Memory) TransferBatch(ctx context.Context, transfers []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage on copies so a failing leg leaves balances untouched.
	staged := make(map[[2]string]*uint256.Int)
	get := func(asset, account string) *uint256.Int {
		k := [2]string{asset, account}
		if b, ok := staged[k]; ok {
			return b
		}
		b := m.balance(asset, account).Clone()
		staged[k] = b
		return b
	}
	for _, t := range transfers {
		if err := validate(t); err != nil {
			return err
		}
		if m.FailWhen != nil {
			if err := m.FailWhen(t); err != nil {
				return err
			}
		}
		src := get(t.Asset, t.From)
		if src.Lt(t.Amount) {
			return fmt.Errorf("%s: %w", t, ErrInsufficientBalance)
		}
		src.Sub(src, t.Amount)
		dst := get(t.Asset, t.To)
		dst.Add(dst, t.Amount)
	}

	for k, b := range staged {
		m.balances[k[0]][k[1]] = b
	}
	m.journal = append(m.journal, transfers...)
	return nil
}

func (m *Memory) balance(asset, account string) *uint256.Int {
	accounts, ok := m.balances[asset]
	if !ok {
		accounts = make(map[string]*uint256.Int)
		m.balances[asset] = accounts
	}
	b, ok := accounts[account]
	if !ok {
		b = new(uint256.Int)
		accounts[account] = b
	}
	return b
}
