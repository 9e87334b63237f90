package escrow

import (
	"fmt"

	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/models"
)

// paymentRule describes one linked payment an operation requires. Payments
// are matched positionally, one rule per payment.
type paymentRule struct {
	name     string
	kind     models.PaymentKind
	receiver models.AccountID
	token    models.TokenID
	min      uint64
	exact    bool
}

func (r paymentRule) check(caller models.AccountID, p models.Payment) error {
	switch {
	case p.Kind != r.kind:
		return fmt.Errorf("%s: kind %q, want %q: %w", r.name, p.Kind, r.kind, ledger.ErrInvalidEvidence)
	case p.Sender != caller:
		return fmt.Errorf("%s: sender %s is not the caller: %w", r.name, p.Sender, ledger.ErrInvalidEvidence)
	case p.Receiver != r.receiver:
		return fmt.Errorf("%s: receiver %s, want %s: %w", r.name, p.Receiver, r.receiver, ledger.ErrInvalidEvidence)
	case p.Token != r.token:
		return fmt.Errorf("%s: asset %d, want %d: %w", r.name, p.Token, r.token, ledger.ErrInvalidEvidence)
	case r.exact && p.Amount != r.min:
		return fmt.Errorf("%s: amount %d, want exactly %d: %w", r.name, p.Amount, r.min, ledger.ErrInvalidEvidence)
	case p.Amount < r.min:
		return fmt.Errorf("%s: amount %d below %d: %w", r.name, p.Amount, r.min, ledger.ErrInvalidEvidence)
	}
	return nil
}

func matchPayments(caller models.AccountID, payments []models.Payment, rules ...paymentRule) error {
	if len(payments) != len(rules) {
		return fmt.Errorf("got %d linked payments, want %d: %w", len(payments), len(rules), ledger.ErrInvalidEvidence)
	}
	for i, r := range rules {
		if err := r.check(caller, payments[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) toLedger(name string, min uint64) paymentRule {
	return paymentRule{name: name, kind: models.PaymentNative, receiver: d.cfg.Address, token: models.NativeToken, min: min}
}

func oracleFee(cfg *models.GlobalConfig, exact bool) paymentRule {
	return paymentRule{
		name:     "oracle fee",
		kind:     models.PaymentNative,
		receiver: cfg.Oracle,
		token:    models.NativeToken,
		min:      cfg.Fees.OracleFee,
		exact:    exact,
	}
}
