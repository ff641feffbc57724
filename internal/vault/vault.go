// Package vault settles matched trades: it computes maker and taker fees,
// moves assets through the ledger, and guarantees a settlement is marked
// processed only after every leg has landed.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/ledger"
	"github.com/xtrntr/clob/internal/models"
	"go.uber.org/zap"
)

// MaxFeeBps caps either fee rate at 10%
const MaxFeeBps = 1000

const bpsDenominator = 10_000

var legNamespace = uuid.MustParse("6f1d8a52-2c3e-4b8e-9a57-0c1f4e7b9d21")

// Ledger moves assets between accounts
type Ledger interface {
	Transfer(ctx context.Context, asset, from, to string, amount *uint256.Int) error
}

// BatchLedger can apply several transfers atomically
type BatchLedger interface {
	TransferBatch(ctx context.Context, transfers []ledger.Transfer) error
}

// Receipt describes a processed settlement
type Receipt struct {
	SettlementID uint64
	TakerFee     *uint256.Int
	MakerFee     *uint256.Int
	Legs         []ledger.Transfer
}

// Obligation records a settlement whose transfers did not complete.
// Stuck obligations had a compensation failure and need manual repair.
type Obligation struct {
	SettlementID uint64
	Attempts     int
	LastError    string
	LastAttempt  time.Time
	Stuck        bool
}

// Vault owns the fee schedule and the settlement history
type Vault struct {
	mu          sync.Mutex
	ledger      Ledger
	admin       string
	fees        models.FeeConfig
	settlements map[uint64]*models.Settlement
	obligations map[uint64]*Obligation
	log         *zap.Logger
	now         func() time.Time
}

// New creates a vault settling against l. admin is the only caller allowed
// to change fees.
func New(l Ledger, admin string, fees models.FeeConfig, log *zap.Logger) (*Vault, error) {
	if err := validateFees(fees.TakerFeeBps, fees.MakerFeeBps); err != nil {
		return nil, err
	}
	if fees.Recipient == "" {
		return nil, fmt.Errorf("fee recipient is required: %w", models.ErrValidation)
	}
	return &Vault{
		ledger:      l,
		admin:       admin,
		fees:        fees,
		settlements: make(map[uint64]*models.Settlement),
		obligations: make(map[uint64]*Obligation),
		log:         log,
		now:         time.Now,
	}, nil
}

// FeeConfig returns the current fee schedule
func (v *Vault) FeeConfig() models.FeeConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fees
}

// SetFeeRates changes both rates for settlements processed from now on
func (v *Vault) SetFeeRates(caller string, takerBps, makerBps uint64) error {
	if err := v.authorize(caller); err != nil {
		return err
	}
	if err := validateFees(takerBps, makerBps); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fees.TakerFeeBps = takerBps
	v.fees.MakerFeeBps = makerBps
	v.log.Info("fee rates updated", zap.Uint64("taker_bps", takerBps), zap.Uint64("maker_bps", makerBps))
	return nil
}

// SetFeeRecipient changes where fees are credited
func (v *Vault) SetFeeRecipient(caller, recipient string) error {
	if err := v.authorize(caller); err != nil {
		return err
	}
	if recipient == "" {
		return fmt.Errorf("fee recipient is required: %w", models.ErrValidation)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fees.Recipient = recipient
	v.log.Info("fee recipient updated", zap.String("recipient", recipient))
	return nil
}

// CalculateFees previews the fees of a trade under the current schedule
func (v *Vault) CalculateFees(qty, price *uint256.Int) (takerFee, makerFee *uint256.Int, err error) {
	return calculateFees(qty, price, v.FeeConfig())
}

func calculateFees(qty, price *uint256.Int, fees models.FeeConfig) (takerFee, makerFee *uint256.Int, err error) {
	notional, overflow := new(uint256.Int).MulOverflow(qty, price)
	if overflow {
		return nil, nil, fmt.Errorf("notional of %s at %s overflows: %w", qty.Dec(), price.Dec(), models.ErrValidation)
	}
	denom := uint256.NewInt(bpsDenominator)
	takerFee, _ = new(uint256.Int).MulDivOverflow(notional, uint256.NewInt(fees.TakerFeeBps), denom)
	makerFee, _ = new(uint256.Int).MulDivOverflow(notional, uint256.NewInt(fees.MakerFeeBps), denom)
	return takerFee, makerFee, nil
}

// Settlement returns a copy of a settlement the vault has seen
func (v *Vault) Settlement(id uint64) (*models.Settlement, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.settlements[id]
	if !ok {
		return nil, fmt.Errorf("settlement %d: %w", id, models.ErrNotFound)
	}
	return s.Clone(), nil
}

// Pending returns the open reconciliation obligations ordered by settlement id
func (v *Vault) Pending() []Obligation {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Obligation, 0, len(v.obligations))
	for _, o := range v.obligations {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettlementID < out[j].SettlementID })
	return out
}

// ProcessSettlements processes each settlement independently. Receipts are
// returned for those that succeeded; failures are joined into the error.
func (v *Vault) ProcessSettlements(ctx context.Context, settlements []*models.Settlement) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0, len(settlements))
	var errs []error
	for _, s := range settlements {
		r, err := v.ProcessSettlement(ctx, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts, errors.Join(errs...)
}

// ProcessSettlement executes one settlement. Processing a settlement that is
// already processed fails with models.ErrAlreadyProcessed. On a ledger
// failure the settlement stays unprocessed and an obligation is recorded.
func (v *Vault) ProcessSettlement(ctx context.Context, s *models.Settlement) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, known := v.settlements[s.ID]
	if s.Processed || (known && rec.Processed) {
		return nil, fmt.Errorf("settlement %d: %w", s.ID, models.ErrAlreadyProcessed)
	}
	if !known {
		rec = s.Clone()
		v.settlements[s.ID] = rec
	}
	return v.process(ctx, rec, s)
}

// Retry reprocesses every obligation that is not stuck
func (v *Vault) Retry(ctx context.Context) ([]*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]uint64, 0, len(v.obligations))
	for id, o := range v.obligations {
		if !o.Stuck {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var receipts []*Receipt
	var errs []error
	for _, id := range ids {
		r, err := v.process(ctx, v.settlements[id], nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts, errors.Join(errs...)
}

// process runs under v.mu. caller, when set, is the caller's copy to flag.
func (v *Vault) process(ctx context.Context, rec, caller *models.Settlement) (*Receipt, error) {
	takerFee, makerFee, err := calculateFees(rec.Quantity, rec.Price, v.fees)
	if err != nil {
		return nil, err
	}
	legs := buildLegs(rec, takerFee, makerFee, v.fees.Recipient)

	stuck, err := v.execute(ctx, legs)
	if err != nil {
		ob, ok := v.obligations[rec.ID]
		if !ok {
			ob = &Obligation{SettlementID: rec.ID}
			v.obligations[rec.ID] = ob
		}
		ob.Attempts++
		ob.LastError = err.Error()
		ob.LastAttempt = v.now()
		ob.Stuck = stuck
		v.log.Error("settlement transfer failed",
			zap.Uint64("settlement_id", rec.ID),
			zap.Int("attempts", ob.Attempts),
			zap.Bool("stuck", stuck),
			zap.Error(err),
		)
		return nil, fmt.Errorf("settlement %d: %w: %w", rec.ID, models.ErrTransferFailed, err)
	}

	rec.Processed = true
	if caller != nil {
		caller.Processed = true
	}
	delete(v.obligations, rec.ID)
	v.log.Debug("settlement processed",
		zap.Uint64("settlement_id", rec.ID),
		zap.String("taker_fee", takerFee.Dec()),
		zap.String("maker_fee", makerFee.Dec()),
	)
	return &Receipt{SettlementID: rec.ID, TakerFee: takerFee, MakerFee: makerFee, Legs: legs}, nil
}

// execute applies legs all-or-nothing. It reports stuck when a partial
// application could not be rolled back.
func (v *Vault) execute(ctx context.Context, legs []ledger.Transfer) (bool, error) {
	if bl, ok := v.ledger.(BatchLedger); ok {
		return false, bl.TransferBatch(ctx, legs)
	}
	for i, leg := range legs {
		err := v.ledger.Transfer(ctx, leg.Asset, leg.From, leg.To, leg.Amount)
		if err == nil {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			rev := legs[j].Reverse()
			// A cancelled ctx must not prevent the rollback.
			if rerr := v.ledger.Transfer(context.WithoutCancel(ctx), rev.Asset, rev.From, rev.To, rev.Amount); rerr != nil {
				return true, fmt.Errorf("%w; rollback of %s failed: %w", err, legs[j], rerr)
			}
		}
		return false, err
	}
	return false, nil
}

// buildLegs lays out the transfers of a settlement. Fees are charged in the
// quote token on notional, since bps of notional is a quote amount: the
// seller's fee is withheld from the quote it receives and the buyer's fee
// is paid on top of the notional, so the buyer's base arrives whole.
func buildLegs(s *models.Settlement, takerFee, makerFee *uint256.Int, recipient string) []ledger.Transfer {
	buyerFee, sellerFee := makerFee, takerFee
	if s.TakerIsBuy {
		buyerFee, sellerFee = takerFee, makerFee
	}
	notional := new(uint256.Int).Mul(s.Quantity, s.Price)
	buyer, seller := s.Buyer(), s.Seller()

	legs := []ledger.Transfer{
		{Asset: s.Pair.Base, From: seller, To: buyer, Amount: s.Quantity.Clone()},
		{Asset: s.Pair.Quote, From: buyer, To: seller, Amount: new(uint256.Int).Sub(notional, sellerFee)},
	}
	if fees := new(uint256.Int).Add(buyerFee, sellerFee); !fees.IsZero() {
		legs = append(legs, ledger.Transfer{Asset: s.Pair.Quote, From: buyer, To: recipient, Amount: fees})
	}
	for i := range legs {
		legs[i].Ref = uuid.NewSHA1(legNamespace, []byte(fmt.Sprintf("settlement/%d/leg/%d", s.ID, i))).String()
	}
	return legs
}

func (v *Vault) authorize(caller string) error {
	if caller == "" || caller != v.admin {
		return fmt.Errorf("caller %q is not the vault admin: %w", caller, models.ErrUnauthorized)
	}
	return nil
}

func validateFees(takerBps, makerBps uint64) error {
	if takerBps > MaxFeeBps || makerBps > MaxFeeBps {
		return fmt.Errorf("fee rates %d/%d bps exceed %d: %w", takerBps, makerBps, MaxFeeBps, models.ErrValidation)
	}
	return nil
}
