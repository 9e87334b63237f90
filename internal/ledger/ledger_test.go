package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/escrow/internal/models"
)

const (
	admin  models.AccountID = "admin"
	buyer  models.AccountID = "buyer"
	seller models.AccountID = "seller"
	usdc   models.TokenID   = 98_430_563
)

type recordingJournal struct {
	applied []*Changeset
	err     error
}

func (j *recordingJournal) Apply(_ context.Context, cs *Changeset) error {
	if j.err != nil {
		return j.err
	}
	j.applied = append(j.applied, cs)
	return nil
}

// newTestLedger returns a ledger with buyer and seller opted in and usdc bound.
func newTestLedger(t *testing.T, opts Options) *Ledger {
	t.Helper()
	l, err := New(admin, opts)
	require.NoError(t, err)

	tx := l.Begin()
	require.NoError(t, tx.BindToken(usdc))
	require.NoError(t, tx.OptIn(buyer))
	require.NoError(t, tx.OptIn(seller))
	require.NoError(t, tx.SetSeller(seller))
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)
	return l
}

func deposit(t *testing.T, l *Ledger, id models.AccountID, amount uint64) {
	t.Helper()
	tx := l.Begin()
	require.NoError(t, tx.CreditDeposit(id, usdc, amount))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)
}

func balance(l *Ledger, id models.AccountID) models.Balance {
	a, ok := l.Account(id)
	if !ok {
		return models.Balance{}
	}
	if b, ok := a.Balances[usdc]; ok {
		return *b
	}
	return models.Balance{}
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(admin, Options{})
	require.NoError(t, err)

	cfg := l.Config()
	assert.Equal(t, admin, cfg.Admin)
	assert.Equal(t, admin, cfg.Oracle)
	assert.Equal(t, DefaultFees, cfg.Fees)
	assert.Empty(t, cfg.Earning)
	assert.Equal(t, DefaultCapacity, l.Capacity())
	assert.Equal(t, PremiumLegacy, l.PremiumMode())

	_, err = New("", Options{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = New(admin, Options{Capacity: MaxCapacity + 1})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestTx_OptInAndCloseOut(t *testing.T) {
	l := newTestLedger(t, Options{})

	tx := l.Begin()
	assert.True(t, errors.Is(tx.OptIn(buyer), ErrAlreadySet))
	tx.Rollback()

	a, ok := l.Account(buyer)
	require.True(t, ok)
	assert.Len(t, a.Orders, DefaultCapacity)
	assert.False(t, a.Roles.Seller)

	deposit(t, l, buyer, 10)
	tx = l.Begin()
	assert.True(t, errors.Is(tx.CloseOut(buyer), ErrAccountNotEmpty))
	require.NoError(t, tx.CloseOut(seller))
	cs, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.AccountID{seller}, cs.Closed)

	_, ok = l.Account(seller)
	assert.False(t, ok)

	tx = l.Begin()
	defer tx.Rollback()
	_, err = tx.Account(seller)
	assert.True(t, errors.Is(err, ErrNotOptedIn))
}

func TestTx_RollbackLeavesStateUnchanged(t *testing.T) {
	l := newTestLedger(t, Options{})
	deposit(t, l, buyer, 1_000)

	tx := l.Begin()
	_, err := tx.MoveFunds(buyer, seller, 1_000, usdc)
	require.NoError(t, err)
	require.NoError(t, tx.SetPremium(seller))
	tx.Rollback()

	assert.Equal(t, uint64(1_000), balance(l, buyer).Deposit)
	assert.Equal(t, uint64(0), balance(l, seller).Income)
	s, _ := l.Account(seller)
	assert.False(t, s.Roles.Premium)
	assert.Zero(t, l.Config().Earning[usdc])
}

func TestTx_CommitTwice(t *testing.T) {
	l := newTestLedger(t, Options{})
	tx := l.Begin()
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)
	_, err = tx.Commit(context.Background())
	assert.True(t, errors.Is(err, ErrTxDone))
	tx.Rollback()
}

func TestTx_JournalFailureAppliesNothing(t *testing.T) {
	j := &recordingJournal{}
	l := newTestLedger(t, Options{Journal: j})
	require.Len(t, j.applied, 1)

	j.err = errors.New("db down")
	tx := l.Begin()
	require.NoError(t, tx.CreditDeposit(buyer, usdc, 500))
	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.Zero(t, balance(l, buyer).Deposit)

	j.err = nil
	deposit(t, l, buyer, 500)
	last := j.applied[len(j.applied)-1]
	require.Len(t, last.Accounts, 1)
	assert.Equal(t, buyer, last.Accounts[0].ID)
	assert.Nil(t, last.Config)
}

func TestTx_DebitSafety(t *testing.T) {
	l := newTestLedger(t, Options{})
	deposit(t, l, buyer, 100)

	tx := l.Begin()
	err := tx.Debit(buyer, usdc, 101, PocketDeposit)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	err = tx.Debit(buyer, usdc, 1, PocketIncome)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	b, err := tx.Balance(buyer, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), b.Deposit)

	require.NoError(t, tx.Debit(buyer, usdc, 100, PocketDeposit))
	b, _ = tx.Balance(buyer, usdc)
	assert.Zero(t, b.Deposit)
	tx.Rollback()
}

func TestTx_CreditOverflow(t *testing.T) {
	l := newTestLedger(t, Options{})
	deposit(t, l, buyer, math.MaxUint64)

	tx := l.Begin()
	defer tx.Rollback()
	assert.True(t, errors.Is(tx.CreditDeposit(buyer, usdc, 1), ErrOverflow))
	b, _ := tx.Balance(buyer, usdc)
	assert.Equal(t, uint64(math.MaxUint64), b.Deposit)
}

func TestTx_MoveFundsConservation(t *testing.T) {
	tests := []struct {
		name       string
		premium    bool
		amount     uint64
		commission uint64
	}{
		{"non-premium 500", false, 500, 5},
		{"premium 500", true, 500, 0},
		{"non-premium 2000", false, 2_000, 20},
		{"premium 1000000", true, 1_000_000, 7_500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, Options{})
			if tt.premium {
				tx := l.Begin()
				require.NoError(t, tx.SetPremium(seller))
				_, err := tx.Commit(context.Background())
				require.NoError(t, err)
			}
			deposit(t, l, buyer, tt.amount+7)

			tx := l.Begin()
			s, err := tx.MoveFunds(buyer, seller, tt.amount, usdc)
			require.NoError(t, err)
			_, err = tx.Commit(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.commission, s.Commission)
			assert.Equal(t, tt.amount-tt.commission, s.Net)
			assert.Equal(t, uint64(7), balance(l, buyer).Deposit)
			assert.Equal(t, tt.amount-tt.commission, balance(l, seller).Income)
			assert.Equal(t, tt.commission, l.Config().Earning[usdc])
		})
	}
}

func TestTx_MoveFundsInsufficientDeposit(t *testing.T) {
	l := newTestLedger(t, Options{})
	deposit(t, l, buyer, 1_999)

	tx := l.Begin()
	defer tx.Rollback()
	_, err := tx.MoveFunds(buyer, seller, 2_000, usdc)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	b, _ := tx.Balance(buyer, usdc)
	assert.Equal(t, uint64(1_999), b.Deposit)
	s, _ := tx.Balance(seller, usdc)
	assert.Zero(t, s.Income)
}

func TestTx_MoveFundsIncomeOverflow(t *testing.T) {
	l := newTestLedger(t, Options{})
	deposit(t, l, buyer, 1_000)
	tx := l.Begin()
	require.NoError(t, tx.CreditIncome(seller, usdc, math.MaxUint64))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)

	tx = l.Begin()
	defer tx.Rollback()
	_, err = tx.MoveFunds(buyer, seller, 1_000, usdc)
	assert.True(t, errors.Is(err, ErrOverflow))
	b, _ := tx.Balance(buyer, usdc)
	assert.Equal(t, uint64(1_000), b.Deposit)
}

func TestTx_WithdrawEmitsTransfer(t *testing.T) {
	l := newTestLedger(t, Options{})
	deposit(t, l, buyer, 300)

	tx := l.Begin()
	_, err := tx.Withdraw(buyer, usdc, 301, PocketDeposit)
	require.True(t, errors.Is(err, ErrInsufficientBalance))
	tr, err := tx.Withdraw(buyer, usdc, 120, PocketDeposit)
	require.NoError(t, err)
	cs, err := tx.Commit(context.Background())
	require.NoError(t, err)

	require.Len(t, cs.Transfers, 1)
	assert.Equal(t, tr, cs.Transfers[0])
	assert.Equal(t, buyer, tr.Receiver)
	assert.Equal(t, uint64(120), tr.Amount)
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, uint64(180), balance(l, buyer).Deposit)
}

func TestTx_WithdrawEarning(t *testing.T) {
	l := newTestLedger(t, Options{})
	deposit(t, l, buyer, 10_000)

	tx := l.Begin()
	_, err := tx.MoveFunds(buyer, seller, 10_000, usdc)
	require.NoError(t, err)
	_, err = tx.WithdrawEarning(admin, usdc, 101)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	tr, err := tx.WithdrawEarning(admin, usdc, 100)
	require.NoError(t, err)
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, admin, tr.Receiver)
	assert.Zero(t, l.Config().Earning[usdc])
}

func TestTx_ConfigMutations(t *testing.T) {
	l := newTestLedger(t, Options{})
	tx := l.Begin()
	assert.True(t, errors.Is(tx.BindToken(usdc), ErrAlreadySet))
	assert.True(t, errors.Is(tx.BindToken(models.NativeToken), ErrInvalidArgument))
	assert.True(t, errors.Is(tx.SetFees(models.Fees{CommissionFee: 101}), ErrInvalidArgument))
	require.NoError(t, tx.SetOracle("oracle"))
	cs, err := tx.Commit(context.Background())
	require.NoError(t, err)

	require.NotNil(t, cs.Config)
	assert.Equal(t, models.AccountID("oracle"), l.Config().Oracle)
}

func TestRestore_RejectsCapacityMismatch(t *testing.T) {
	cfg := models.GlobalConfig{Admin: admin, Oracle: admin, Fees: DefaultFees}
	acct := &models.Account{ID: buyer, Orders: make([]*models.Order, 3)}
	_, err := Restore(cfg, []*models.Account{acct}, Options{Capacity: 6})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	l, err := Restore(cfg, []*models.Account{acct}, Options{Capacity: 3})
	require.NoError(t, err)
	assert.Len(t, l.Accounts(), 1)
}

func TestPolicy(t *testing.T) {
	cfg := &models.GlobalConfig{Admin: admin, Oracle: "oracle"}
	assert.True(t, IsAdmin(cfg, admin))
	assert.False(t, IsAdmin(cfg, "oracle"))
	assert.True(t, IsOracle(cfg, "oracle"))
	assert.True(t, IsOracleOrAdmin(cfg, admin))
	assert.False(t, IsOracleOrAdmin(cfg, buyer))
	assert.False(t, IsAdmin(&models.GlobalConfig{}, ""))

	acct := &models.Account{Roles: models.Roles{Seller: true}}
	assert.True(t, IsSeller(acct))
	assert.False(t, IsPremium(acct))
	assert.False(t, IsSeller(nil))
}
