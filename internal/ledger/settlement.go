package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/xtrntr/escrow/internal/models"
)

// Settlement describes one buyer-to-seller fund movement.
type Settlement struct {
	Buyer      models.AccountID `json:"buyer"`
	Seller     models.AccountID `json:"seller"`
	Token      models.TokenID   `json:"token"`
	Amount     uint64           `json:"amount"`
	Commission uint64           `json:"commission"`
	Net        uint64           `json:"net"`
}

// Calculator returns the commission calculator for the staged fee schedule.
func (tx *Tx) Calculator() Calculator {
	return Calculator{Rate: tx.cfg.Fees.CommissionFee, Mode: tx.l.mode}
}

// MoveFunds debits amount from the buyer's deposit, credits the seller's
// income with amount minus commission and adds the commission to earning.
// Every precondition is checked before the first write.
func (tx *Tx) MoveFunds(buyer, seller models.AccountID, amount uint64, token models.TokenID) (Settlement, error) {
	b, err := tx.Balance(buyer, token)
	if err != nil {
		return Settlement{}, err
	}
	sellerAcct, err := tx.Account(seller)
	if err != nil {
		return Settlement{}, err
	}
	if b.Deposit < amount {
		return Settlement{}, fmt.Errorf("buyer %s deposit %d < %d: %w", buyer, b.Deposit, amount, ErrInsufficientBalance)
	}

	commission := tx.Calculator().Compute(amount, IsPremium(sellerAcct))
	if commission > amount {
		panic(fmt.Sprintf("ledger: commission %d exceeds amount %d", commission, amount))
	}
	net := amount - commission

	s, err := tx.Balance(seller, token)
	if err != nil {
		return Settlement{}, err
	}
	if _, ok := checkedAdd(s.Income, net); !ok {
		return Settlement{}, fmt.Errorf("seller %s income: %w", seller, ErrOverflow)
	}
	if _, ok := checkedAdd(tx.cfg.Earning[token], commission); !ok {
		return Settlement{}, fmt.Errorf("earning of token %d: %w", token, ErrOverflow)
	}

	// nothing below can fail once the checks above passed
	mustApply(tx.Debit(buyer, token, amount, PocketDeposit))
	mustApply(tx.CreditIncome(seller, token, net))
	mustApply(tx.AccumulateEarning(token, commission))

	return Settlement{
		Buyer:      buyer,
		Seller:     seller,
		Token:      token,
		Amount:     amount,
		Commission: commission,
		Net:        net,
	}, nil
}

// Withdraw debits a pocket of an account and emits a transfer instruction
// for the same amount to that account. On failure no instruction is emitted.
func (tx *Tx) Withdraw(id models.AccountID, token models.TokenID, amount uint64, pocket Pocket) (models.Transfer, error) {
	if err := tx.Debit(id, token, amount, pocket); err != nil {
		return models.Transfer{}, err
	}
	return tx.emit(id, token, amount), nil
}

// WithdrawEarning moves platform earning out to receiver.
func (tx *Tx) WithdrawEarning(receiver models.AccountID, token models.TokenID, amount uint64) (models.Transfer, error) {
	if err := tx.DebitEarning(token, amount); err != nil {
		return models.Transfer{}, err
	}
	return tx.emit(receiver, token, amount), nil
}

func (tx *Tx) emit(receiver models.AccountID, token models.TokenID, amount uint64) models.Transfer {
	t := models.Transfer{
		ID:       uuid.NewString(),
		Receiver: receiver,
		Token:    token,
		Amount:   amount,
	}
	tx.transfers = append(tx.transfers, t)
	return t
}

func mustApply(err error) {
	if err != nil {
		panic(fmt.Sprintf("ledger: invariant violated after precondition check: %v", err))
	}
}
