package ledger

import (
	"fmt"

	"github.com/xtrntr/escrow/internal/models"
)

// Pocket selects which counter of a balance a debit draws from.
type Pocket string

const (
	PocketDeposit Pocket = "deposit"
	PocketIncome  Pocket = "income"
)

// Balance returns the staged balance of token for an account.
func (tx *Tx) Balance(id models.AccountID, token models.TokenID) (models.Balance, error) {
	a, err := tx.Account(id)
	if err != nil {
		return models.Balance{}, err
	}
	if b, ok := a.Balances[token]; ok {
		return *b, nil
	}
	return models.Balance{}, nil
}

// CreditDeposit increases the escrowed deposit of an account.
func (tx *Tx) CreditDeposit(id models.AccountID, token models.TokenID, amount uint64) error {
	return tx.credit(id, token, amount, PocketDeposit)
}

// CreditIncome increases the withdrawable income of an account.
func (tx *Tx) CreditIncome(id models.AccountID, token models.TokenID, amount uint64) error {
	return tx.credit(id, token, amount, PocketIncome)
}

func (tx *Tx) credit(id models.AccountID, token models.TokenID, amount uint64, pocket Pocket) error {
	a, err := tx.touch(id)
	if err != nil {
		return err
	}
	b := balanceOf(a, token)
	counter := pocketOf(b, pocket)
	sum, ok := checkedAdd(*counter, amount)
	if !ok {
		return fmt.Errorf("credit %s of %s: %w", pocket, id, ErrOverflow)
	}
	*counter = sum
	return nil
}

// Debit decreases a counter, failing without change when it would go negative.
func (tx *Tx) Debit(id models.AccountID, token models.TokenID, amount uint64, pocket Pocket) error {
	a, err := tx.Account(id)
	if err != nil {
		return err
	}
	var current uint64
	if b, ok := a.Balances[token]; ok {
		current = *pocketOf(b, pocket)
	}
	if amount > current {
		return fmt.Errorf("debit %d from %s of %s: %w", amount, pocket, id, ErrInsufficientBalance)
	}
	a, _ = tx.touch(id)
	*pocketOf(balanceOf(a, token), pocket) = current - amount
	return nil
}

// AccumulateEarning adds commission to the global per-token earning.
func (tx *Tx) AccumulateEarning(token models.TokenID, amount uint64) error {
	sum, ok := checkedAdd(tx.cfg.Earning[token], amount)
	if !ok {
		return fmt.Errorf("earning of token %d: %w", token, ErrOverflow)
	}
	tx.cfg.Earning[token] = sum
	tx.cfgDirty = true
	return nil
}

// DebitEarning removes platform earning, failing when it would go negative.
func (tx *Tx) DebitEarning(token models.TokenID, amount uint64) error {
	current := tx.cfg.Earning[token]
	if amount > current {
		return fmt.Errorf("earning of token %d: %w", token, ErrInsufficientBalance)
	}
	tx.cfg.Earning[token] = current - amount
	tx.cfgDirty = true
	return nil
}

func balanceOf(a *models.Account, token models.TokenID) *models.Balance {
	b, ok := a.Balances[token]
	if !ok {
		b = &models.Balance{}
		a.Balances[token] = b
	}
	return b
}

func pocketOf(b *models.Balance, pocket Pocket) *uint64 {
	if pocket == PocketIncome {
		return &b.Income
	}
	return &b.Deposit
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
