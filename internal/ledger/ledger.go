package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtrntr/escrow/internal/models"
)

// DefaultFees are applied at creation: 1% commission, 50000 oracle fee,
// 100000 premium cost and 1000000 seller insurance, in native base units.
var DefaultFees = models.Fees{
	CommissionFee:   1,
	OracleFee:       50_000,
	PremiumCost:     100_000,
	SellerInsurance: 1_000_000,
}

const DefaultCapacity = 6

// Changeset is everything a committed transaction changed.
type Changeset struct {
	Config    *models.GlobalConfig // nil when the global namespace is unchanged
	Accounts  []*models.Account
	Closed    []models.AccountID
	Transfers []models.Transfer
}

func (cs *Changeset) empty() bool {
	return cs.Config == nil && len(cs.Accounts) == 0 && len(cs.Closed) == 0
}

// Journal durably records a changeset before it becomes visible.
type Journal interface {
	Apply(ctx context.Context, cs *Changeset) error
}

// Options configure a Ledger.
type Options struct {
	Capacity    int
	PremiumMode PremiumMode
	Fees        *models.Fees
	Journal     Journal
}

// Ledger is the aggregate of the global config and every opted-in account.
// All reads and writes go through a Tx; only one Tx is open at a time.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	mode     PremiumMode
	journal  Journal
	config   models.GlobalConfig
	accounts map[models.AccountID]*models.Account
}

// New creates a ledger the way deployment does: the creator becomes both
// admin and oracle and earnings start empty.
func New(admin models.AccountID, opts Options) (*Ledger, error) {
	if admin == "" {
		return nil, fmt.Errorf("admin is required: %w", ErrInvalidArgument)
	}
	fees := DefaultFees
	if opts.Fees != nil {
		fees = *opts.Fees
	}
	cfg := models.GlobalConfig{
		Admin:   admin,
		Oracle:  admin,
		Fees:    fees,
		Tokens:  map[models.TokenID]bool{},
		Earning: map[models.TokenID]uint64{},
	}
	return Restore(cfg, nil, opts)
}

// Restore rebuilds a ledger from a persisted snapshot.
func Restore(cfg models.GlobalConfig, accounts []*models.Account, opts Options) (*Ledger, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Capacity < 1 || opts.Capacity > MaxCapacity {
		return nil, fmt.Errorf("capacity %d out of range: %w", opts.Capacity, ErrInvalidArgument)
	}
	if opts.PremiumMode == "" {
		opts.PremiumMode = PremiumLegacy
	}
	if err := validateFees(cfg.Fees); err != nil {
		return nil, err
	}
	l := &Ledger{
		capacity: opts.Capacity,
		mode:     opts.PremiumMode,
		journal:  opts.Journal,
		config:   cfg.Clone(),
		accounts: make(map[models.AccountID]*models.Account, len(accounts)),
	}
	for _, a := range accounts {
		if len(a.Orders) != l.capacity {
			return nil, fmt.Errorf("account %s has %d slots, want %d: %w", a.ID, len(a.Orders), l.capacity, ErrInvalidArgument)
		}
		l.accounts[a.ID] = a.Clone()
	}
	return l, nil
}

func (l *Ledger) Capacity() int { return l.capacity }

func (l *Ledger) PremiumMode() PremiumMode { return l.mode }

// Config returns a copy of the committed global config.
func (l *Ledger) Config() models.GlobalConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config.Clone()
}

// Account returns a copy of a committed account.
func (l *Ledger) Account(id models.AccountID) (*models.Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Accounts returns copies of all committed accounts ordered by id.
func (l *Ledger) Accounts() []*models.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Begin opens a transaction. It blocks until any other open transaction
// finishes; the caller must Commit or Rollback.
func (l *Ledger) Begin() *Tx {
	l.mu.Lock()
	return &Tx{
		l:      l,
		cfg:    l.config.Clone(),
		staged: map[models.AccountID]*models.Account{},
		dirty:  map[models.AccountID]bool{},
		closed: map[models.AccountID]bool{},
	}
}

// Tx stages every mutation on private copies. Nothing is visible to other
// transactions until Commit succeeds.
type Tx struct {
	l         *Ledger
	cfg       models.GlobalConfig
	cfgDirty  bool
	staged    map[models.AccountID]*models.Account
	dirty     map[models.AccountID]bool
	closed    map[models.AccountID]bool
	transfers []models.Transfer
	done      bool
}

// Config returns the staged global config. Callers must not mutate it.
func (tx *Tx) Config() *models.GlobalConfig { return &tx.cfg }

// Capacity is the per-account order slot count.
func (tx *Tx) Capacity() int { return tx.l.capacity }

// Account returns the staged copy of an account.
func (tx *Tx) Account(id models.AccountID) (*models.Account, error) {
	if a, ok := tx.staged[id]; ok {
		return a, nil
	}
	if tx.closed[id] {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotOptedIn)
	}
	a, ok := tx.l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotOptedIn)
	}
	c := a.Clone()
	tx.staged[id] = c
	return c, nil
}

// Orders returns the order store of a staged account for mutation.
func (tx *Tx) Orders(id models.AccountID) (*OrderStore, error) {
	a, err := tx.Account(id)
	if err != nil {
		return nil, err
	}
	tx.dirty[id] = true
	return NewOrderStore(a), nil
}

func (tx *Tx) touch(id models.AccountID) (*models.Account, error) {
	a, err := tx.Account(id)
	if err != nil {
		return nil, err
	}
	tx.dirty[id] = true
	return a, nil
}

// OptIn creates an account with default local state.
func (tx *Tx) OptIn(id models.AccountID) error {
	if id == "" {
		return fmt.Errorf("account id is required: %w", ErrInvalidArgument)
	}
	if _, err := tx.Account(id); err == nil {
		return fmt.Errorf("account %s: %w", id, ErrAlreadySet)
	}
	delete(tx.closed, id)
	tx.staged[id] = &models.Account{
		ID:       id,
		Balances: map[models.TokenID]*models.Balance{},
		Orders:   make([]*models.Order, tx.l.capacity),
	}
	tx.dirty[id] = true
	return nil
}

// CloseOut removes an account that holds no value and no orders.
func (tx *Tx) CloseOut(id models.AccountID) error {
	a, err := tx.Account(id)
	if err != nil {
		return err
	}
	if !a.Empty() {
		return fmt.Errorf("account %s: %w", id, ErrAccountNotEmpty)
	}
	delete(tx.staged, id)
	delete(tx.dirty, id)
	tx.closed[id] = true
	return nil
}

// SetSeller flags an account as seller.
func (tx *Tx) SetSeller(id models.AccountID) error {
	a, err := tx.touch(id)
	if err != nil {
		return err
	}
	if a.Roles.Seller {
		return fmt.Errorf("account %s is a seller: %w", id, ErrAlreadySet)
	}
	a.Roles.Seller = true
	return nil
}

// SetPremium flags a seller as premium.
func (tx *Tx) SetPremium(id models.AccountID) error {
	a, err := tx.touch(id)
	if err != nil {
		return err
	}
	if !a.Roles.Seller {
		return fmt.Errorf("account %s is not a seller: %w", id, ErrUnauthorized)
	}
	if a.Roles.Premium {
		return fmt.Errorf("account %s is premium: %w", id, ErrAlreadySet)
	}
	a.Roles.Premium = true
	return nil
}

// SetOracle replaces the oracle address.
func (tx *Tx) SetOracle(oracle models.AccountID) error {
	if oracle == "" {
		return fmt.Errorf("oracle is required: %w", ErrInvalidArgument)
	}
	tx.cfg.Oracle = oracle
	tx.cfgDirty = true
	return nil
}

// SetFees replaces the fee schedule.
func (tx *Tx) SetFees(fees models.Fees) error {
	if err := validateFees(fees); err != nil {
		return err
	}
	tx.cfg.Fees = fees
	tx.cfgDirty = true
	return nil
}

// BindToken marks token as tradable.
func (tx *Tx) BindToken(token models.TokenID) error {
	if token == models.NativeToken {
		return fmt.Errorf("native token cannot be bound: %w", ErrInvalidArgument)
	}
	if tx.cfg.Tokens[token] {
		return fmt.Errorf("token %d: %w", token, ErrAlreadySet)
	}
	tx.cfg.Tokens[token] = true
	tx.cfgDirty = true
	return nil
}

// TokenBound reports whether setup bound token.
func (tx *Tx) TokenBound(token models.TokenID) bool { return tx.cfg.Tokens[token] }

// Commit journals the changeset, then makes it visible. If the journal
// fails, nothing is applied.
func (tx *Tx) Commit(ctx context.Context) (*Changeset, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	defer tx.finish()

	cs := &Changeset{Transfers: tx.transfers}
	if tx.cfgDirty {
		cfg := tx.cfg.Clone()
		cs.Config = &cfg
	}
	ids := make([]models.AccountID, 0, len(tx.dirty))
	for id := range tx.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		cs.Accounts = append(cs.Accounts, tx.staged[id].Clone())
	}
	for id := range tx.closed {
		if _, ok := tx.l.accounts[id]; ok {
			cs.Closed = append(cs.Closed, id)
		}
	}
	sort.Slice(cs.Closed, func(i, j int) bool { return cs.Closed[i] < cs.Closed[j] })

	if tx.l.journal != nil && !cs.empty() {
		if err := tx.l.journal.Apply(ctx, cs); err != nil {
			return nil, fmt.Errorf("failed to journal changeset: %w", err)
		}
	}

	for _, id := range ids {
		tx.l.accounts[id] = tx.staged[id]
	}
	for _, id := range cs.Closed {
		delete(tx.l.accounts, id)
	}
	if tx.cfgDirty {
		tx.l.config = tx.cfg
	}
	return cs, nil
}

// Rollback discards the transaction. It is safe to call after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.l.mu.Unlock()
}

func validateFees(f models.Fees) error {
	if f.CommissionFee > 100 {
		return fmt.Errorf("commission fee %d%% above 100%%: %w", f.CommissionFee, ErrInvalidArgument)
	}
	return nil
}
