// Package funding is the credit-accounting contract the health monitor
// and planner prompts consume, plus a KV-backed treasury implementation
// for local colonies.
package funding

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/remingtons1/colony/pkg/store"
)

// ErrInsufficientFunds is returned when the parent treasury cannot cover
// a transfer.
var ErrInsufficientFunds = errors.New("insufficient treasury funds")

// Funding is the credit-accounting contract.
type Funding interface {
	// FundChild transfers cents from the parent treasury to a worker.
	FundChild(ctx context.Context, address string, cents int64) error
	// RecallCredits pulls a worker's remaining balance back to the
	// parent treasury and returns the amount recovered.
	RecallCredits(ctx context.Context, address string) (int64, error)
	// GetBalance returns a worker's current balance in cents.
	GetBalance(ctx context.Context, address string) (int64, error)
	// ParentBalance returns the parent treasury balance in cents.
	ParentBalance(ctx context.Context) (int64, error)
}

// KV keys of the treasury ledger.
const (
	parentBalanceKey = "treasury.balance.parent"
	childKeyPrefix   = "treasury.balance."
)

// Treasury is a KV-backed Funding implementation. Balances live in the
// durable store under treasury.balance.<address>; transfers are
// transactional.
type Treasury struct {
	store store.Store

	// Reserve is the parent balance floor FundChild will not dip below.
	Reserve int64
}

// NewTreasury creates a treasury over the durable store.
func NewTreasury(st store.Store) *Treasury {
	return &Treasury{store: st}
}

func balanceKey(address string) string {
	return childKeyPrefix + address
}

func readBalance(ctx context.Context, st store.Store, key string) (int64, error) {
	raw, err := st.GetKV(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cents, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt balance under %s: %w", key, err)
	}
	return cents, nil
}

func writeBalance(ctx context.Context, st store.Store, key string, cents int64) error {
	return st.SetKV(ctx, key, strconv.FormatInt(cents, 10))
}

func (t *Treasury) FundChild(ctx context.Context, address string, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", cents)
	}
	return t.store.WithTx(ctx, func(tx store.Store) error {
		parent, err := readBalance(ctx, tx, parentBalanceKey)
		if err != nil {
			return err
		}
		if parent-cents < t.Reserve {
			return fmt.Errorf("%w: have %d, need %d with reserve %d",
				ErrInsufficientFunds, parent, cents, t.Reserve)
		}
		child, err := readBalance(ctx, tx, balanceKey(address))
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, parentBalanceKey, parent-cents); err != nil {
			return err
		}
		return writeBalance(ctx, tx, balanceKey(address), child+cents)
	})
}

func (t *Treasury) RecallCredits(ctx context.Context, address string) (int64, error) {
	var recalled int64
	err := t.store.WithTx(ctx, func(tx store.Store) error {
		child, err := readBalance(ctx, tx, balanceKey(address))
		if err != nil {
			return err
		}
		if child <= 0 {
			return nil
		}
		parent, err := readBalance(ctx, tx, parentBalanceKey)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, balanceKey(address), 0); err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, parentBalanceKey, parent+child); err != nil {
			return err
		}
		recalled = child
		return nil
	})
	return recalled, err
}

func (t *Treasury) GetBalance(ctx context.Context, address string) (int64, error) {
	return readBalance(ctx, t.store, balanceKey(address))
}

func (t *Treasury) ParentBalance(ctx context.Context) (int64, error) {
	return readBalance(ctx, t.store, parentBalanceKey)
}

// Deposit credits the parent treasury, e.g. from external revenue.
func (t *Treasury) Deposit(ctx context.Context, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", cents)
	}
	return t.store.WithTx(ctx, func(tx store.Store) error {
		parent, err := readBalance(ctx, tx, parentBalanceKey)
		if err != nil {
			return err
		}
		return writeBalance(ctx, tx, parentBalanceKey, parent+cents)
	})
}
