package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/holiman/uint256"
)

const (
	balancePrefix = "bal/"
	journalPrefix = "jnl/"
)

// Pebble is a durable ledger keeping balances in a local pebble store.
// Every batch commits with a synced write.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens or creates a ledger in dir
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	return &Pebble{db: db}, nil
}

// Close closes the store
func (p *Pebble) Close() error {
	return p.db.Close()
}

// Deposit credits an account, used for seeding and bridging funds in
func (p *Pebble) Deposit(asset, account string, amount *uint256.Int) error {
	b := p.db.NewIndexedBatch()
	defer b.Close()

	bal, err := readBalance(b, asset, account)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	if err := b.Set(balanceKey(asset, account), encodeAmount(bal), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Balance returns an account's balance of asset
func (p *Pebble) Balance(asset, account string) (*uint256.Int, error) {
	return readBalance(p.db, asset, account)
}

// Transfer moves amount of asset from one account to another
func (p *Pebble) Transfer(ctx context.Context, asset, from, to string, amount *uint256.Int) error {
	return p.TransferBatch(ctx, []Transfer{{Asset: asset, From: from, To: to, Amount: amount}})
}

// TransferBatch applies all transfers in one atomic pebble batch
func (p *Pebble) TransferBatch(ctx context.Context, transfers []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := p.db.NewIndexedBatch()
	defer b.Close()

	now := time.Now().UnixNano()
	for i, t := range transfers {
		if err := validate(t); err != nil {
			return err
		}
		src, err := readBalance(b, t.Asset, t.From)
		if err != nil {
			return err
		}
		if src.Lt(t.Amount) {
			return fmt.Errorf("%s: %w", t, ErrInsufficientBalance)
		}
		src.Sub(src, t.Amount)
		if err := b.Set(balanceKey(t.Asset, t.From), encodeAmount(src), nil); err != nil {
			return err
		}

		// Read after writing the source so self-transfers see the debit.
		dst, err := readBalance(b, t.Asset, t.To)
		if err != nil {
			return err
		}
		dst.Add(dst, t.Amount)
		if err := b.Set(balanceKey(t.Asset, t.To), encodeAmount(dst), nil); err != nil {
			return err
		}
		if err := b.Set(journalKey(now, i), []byte(t.Ref+"|"+t.String()), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit transfers: %w", err)
	}
	return nil
}

// getter is satisfied by both *pebble.DB and indexed batches
type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func readBalance(r getter, asset, account string) (*uint256.Int, error) {
	val, closer, err := r.Get(balanceKey(asset, account))
	if errors.Is(err, pebble.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	defer closer.Close()
	return new(uint256.Int).SetBytes(val), nil
}

func balanceKey(asset, account string) []byte {
	return []byte(balancePrefix + asset + "/" + account)
}

func journalKey(nanos int64, leg int) []byte {
	key := make([]byte, len(journalPrefix)+12)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], uint64(nanos))
	binary.BigEndian.PutUint32(key[len(journalPrefix)+8:], uint32(leg))
	return key
}

func encodeAmount(v *uint256.Int) []byte {
	b := v.Bytes32()
	return b[:]
}
