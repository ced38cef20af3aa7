// Package escrow tracks available versus locked balances per (owner, asset)
// and is the single authority both order placement and settlement move funds
// through.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownEscrow       = errors.New("unknown escrow")
	ErrDuplicateEscrow     = errors.New("duplicate escrow reference")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnavailable         = errors.New("ledger unavailable")
)

// Escrow lock reasons.
const (
	ReasonOrder          = "ORDER"
	ReasonIPOApplication = "IPO_APPLICATION"
	ReasonIPOAllotment   = "IPO_ALLOTMENT"
)

// Balance is a point-in-time view of one (owner, asset) account.
type Balance struct {
	Owner     uuid.UUID       `json:"owner"`
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Entry is the remaining locked amount tagged to one reference id. An entry
// is drawn down by releases and locked transfers and disappears at zero;
// further operations on its reference id fail with ErrUnknownEscrow.
type Entry struct {
	RefID     uuid.UUID
	Owner     uuid.UUID
	Asset     string
	Remaining decimal.Decimal
	Reason    string
	CreatedAt time.Time
}

type accountKey struct {
	owner uuid.UUID
	asset string
}

func (k accountKey) String() string { return k.owner.String() + "/" + k.asset }

type account struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
}

// Ledger is an in-memory implementation of the ledger/custody port.
// Operations on one (owner, asset) pair are mutually exclusive via a
// per-account mutex; cross-account operations acquire both locks in a fixed
// global order to avoid deadlock.
type Ledger struct {
	logger *zap.Logger

	mu       sync.RWMutex
	accounts map[accountKey]*account
	entries  map[uuid.UUID]*Entry
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:   logger,
		accounts: make(map[accountKey]*account),
		entries:  make(map[uuid.UUID]*Entry),
	}
}

func (l *Ledger) account(key accountKey) *account {
	l.mu.RLock()
	acct, ok := l.accounts[key]
	l.mu.RUnlock()
	if ok {
		return acct
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok = l.accounts[key]; ok {
		return acct
	}
	acct = &account{available: decimal.Zero, locked: decimal.Zero}
	l.accounts[key] = acct
	return acct
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}

// Deposit credits an owner's available balance.
func (l *Ledger) Deposit(ctx context.Context, owner uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	acct := l.account(accountKey{owner, asset})
	acct.mu.Lock()
	acct.available = acct.available.Add(amount)
	acct.mu.Unlock()
	return nil
}

// Withdraw debits an owner's available balance.
func (l *Ledger) Withdraw(ctx context.Context, owner uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	acct := l.account(accountKey{owner, asset})
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, acct.available, amount)
	}
	acct.available = acct.available.Sub(amount)
	return nil
}

// Balance returns the current totals for one (owner, asset) pair.
func (l *Ledger) Balance(ctx context.Context, owner uuid.UUID, asset string) (Balance, error) {
	if err := checkCtx(ctx); err != nil {
		return Balance{}, err
	}
	acct := l.account(accountKey{owner, asset})
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return Balance{
		Owner:     owner,
		Asset:     asset,
		Total:     acct.available.Add(acct.locked),
		Available: acct.available,
		Locked:    acct.locked,
	}, nil
}

// Balances returns every asset balance held by one owner.
func (l *Ledger) Balances(ctx context.Context, owner uuid.UUID) ([]Balance, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	l.mu.RLock()
	assets := make([]string, 0)
	for key := range l.accounts {
		if key.owner == owner {
			assets = append(assets, key.asset)
		}
	}
	l.mu.RUnlock()

	sort.Strings(assets)
	balances := make([]Balance, 0, len(assets))
	for _, asset := range assets {
		bal, err := l.Balance(ctx, owner, asset)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

// Lock moves amount from available to locked, tagged with reason and refID.
// It fails with ErrInsufficientBalance before any mutation.
func (l *Ledger) Lock(ctx context.Context, owner uuid.UUID, asset string, amount decimal.Decimal, reason string, refID uuid.UUID) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}

	acct := l.account(accountKey{owner, asset})
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, acct.available, amount)
	}

	l.mu.Lock()
	if _, exists := l.entries[refID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateEscrow, refID)
	}
	l.entries[refID] = &Entry{
		RefID:     refID,
		Owner:     owner,
		Asset:     asset,
		Remaining: amount,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	l.mu.Unlock()

	acct.available = acct.available.Sub(amount)
	acct.locked = acct.locked.Add(amount)

	l.logger.Debug("escrow locked",
		zap.String("ref_id", refID.String()),
		zap.String("owner", owner.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("reason", reason))
	return nil
}

func (l *Ledger) entry(refID uuid.UUID) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[refID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEscrow, refID)
	}
	return e, nil
}

// LockedRemaining returns the undrawn amount of an escrow entry.
func (l *Ledger) LockedRemaining(ctx context.Context, refID uuid.UUID) (decimal.Decimal, error) {
	if err := checkCtx(ctx); err != nil {
		return decimal.Zero, err
	}
	e, err := l.entry(refID)
	if err != nil {
		return decimal.Zero, err
	}
	acct := l.account(accountKey{e.Owner, e.Asset})
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return e.Remaining, nil
}

// Release moves amount of the entry's locked balance back to its owner's
// available balance. Draining the entry removes it; a released refID cannot
// be released again.
func (l *Ledger) Release(ctx context.Context, refID uuid.UUID, amount decimal.Decimal) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	e, err := l.entry(refID)
	if err != nil {
		return err
	}

	acct := l.account(accountKey{e.Owner, e.Asset})
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if e, err = l.entry(refID); err != nil {
		return err
	}
	if e.Remaining.LessThan(amount) {
		return fmt.Errorf("%w: escrow %s holds %s, release of %s requested", ErrInsufficientBalance, refID, e.Remaining, amount)
	}
	acct.locked = acct.locked.Sub(amount)
	acct.available = acct.available.Add(amount)
	l.drawDown(e, amount)
	return nil
}

// ReleaseAll releases the entry's full remaining amount and returns it.
func (l *Ledger) ReleaseAll(ctx context.Context, refID uuid.UUID) (decimal.Decimal, error) {
	if err := checkCtx(ctx); err != nil {
		return decimal.Zero, err
	}
	e, err := l.entry(refID)
	if err != nil {
		return decimal.Zero, err
	}

	acct := l.account(accountKey{e.Owner, e.Asset})
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if e, err = l.entry(refID); err != nil {
		return decimal.Zero, err
	}
	amount := e.Remaining
	acct.locked = acct.locked.Sub(amount)
	acct.available = acct.available.Add(amount)
	l.drawDown(e, amount)
	return amount, nil
}

// TransferLocked debits the entry owner's locked balance and credits the
// recipient's available balance directly. Used for trade payouts, fee
// collection and IPO allotments.
func (l *Ledger) TransferLocked(ctx context.Context, refID uuid.UUID, to uuid.UUID, amount decimal.Decimal) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	e, err := l.entry(refID)
	if err != nil {
		return err
	}

	fromKey := accountKey{e.Owner, e.Asset}
	toKey := accountKey{to, e.Asset}
	fromAcct := l.account(fromKey)
	toAcct := l.account(toKey)

	// Fixed global lock order prevents deadlock between concurrent transfers.
	if fromKey == toKey {
		fromAcct.mu.Lock()
		defer fromAcct.mu.Unlock()
	} else if fromKey.String() < toKey.String() {
		fromAcct.mu.Lock()
		defer fromAcct.mu.Unlock()
		toAcct.mu.Lock()
		defer toAcct.mu.Unlock()
	} else {
		toAcct.mu.Lock()
		defer toAcct.mu.Unlock()
		fromAcct.mu.Lock()
		defer fromAcct.mu.Unlock()
	}

	if e, err = l.entry(refID); err != nil {
		return err
	}
	if e.Remaining.LessThan(amount) {
		return fmt.Errorf("%w: escrow %s holds %s, transfer of %s requested", ErrInsufficientBalance, refID, e.Remaining, amount)
	}
	fromAcct.locked = fromAcct.locked.Sub(amount)
	toAcct.available = toAcct.available.Add(amount)
	l.drawDown(e, amount)
	return nil
}

// drawDown reduces an entry and removes it once drained. Callers hold the
// owner's account lock.
func (l *Ledger) drawDown(e *Entry, amount decimal.Decimal) {
	e.Remaining = e.Remaining.Sub(amount)
	if e.Remaining.LessThanOrEqual(decimal.Zero) {
		l.mu.Lock()
		delete(l.entries, e.RefID)
		l.mu.Unlock()
	}
}
