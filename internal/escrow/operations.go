package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtrntr/escrow/internal/events"
	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/models"
)

// Operation names as reported in receipts, logs and metrics.
const (
	OpOptIn              = "opt_in"
	OpCloseOut           = "close_out"
	OpSetup              = "setup"
	OpSetOracle          = "set_oracle"
	OpUpdateFees         = "update_fees"
	OpBecomeSeller       = "become_seller"
	OpBecomePremium      = "become_premium"
	OpPlaceOrder         = "place_order"
	OpRequestOrderAction = "order_request"
	OpOracleSettleOrder  = "oracle_settle_order"
	OpTakeOrder          = "take_order"
	OpSellerRejectOrder  = "seller_reject_order"
	OpSellerWithdraw     = "seller_withdraw"
	OpBuyerWithdraw      = "buyer_withdraw"
	OpOracleCancelOrder  = "oracle_cancel_order"
	OpOracleTakeOrder    = "oracle_take_order"
	OpOraclePopOrder     = "oracle_pop_order"
	OpWithdrawEarning    = "withdraw_earning"
)

// OrderAction is a buyer or seller request forwarded to the oracle.
type OrderAction string

const (
	ActionCancel OrderAction = "cancel"
	ActionAccept OrderAction = "accept"
	ActionReject OrderAction = "reject"
)

func ParseOrderAction(s string) (OrderAction, error) {
	switch a := OrderAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCancel, ActionAccept, ActionReject:
		return a, nil
	}
	return "", fmt.Errorf("unknown order action %q: %w", s, ledger.ErrInvalidArgument)
}

// OrderRef names one order in a buyer's slots.
type OrderRef struct {
	Buyer   models.AccountID `json:"buyer"`
	OrderID string           `json:"order_id"`
}

// CancelArgs are the arguments of OracleCancelOrder. When OrderID is set the
// order is cancelled too, and a zero Token or Amount is taken from it.
type CancelArgs struct {
	Buyer   models.AccountID `json:"buyer"`
	Token   models.TokenID   `json:"token"`
	Amount  uint64           `json:"amount"`
	OrderID string           `json:"order_id,omitempty"`
}

// SettleArgs are the arguments of OracleTakeOrder. When OrderID is set the
// order must be Accepted and is completed by the settlement.
type SettleArgs struct {
	Seller  models.AccountID `json:"seller"`
	Buyer   models.AccountID `json:"buyer"`
	Token   models.TokenID   `json:"token"`
	Amount  uint64           `json:"amount"`
	OrderID string           `json:"order_id,omitempty"`
}

func (d *Dispatcher) OptIn(ctx context.Context, caller models.AccountID) (*Receipt, error) {
	return d.execute(ctx, OpOptIn, caller, func(tx *ledger.Tx, c *call) error {
		if err := tx.OptIn(caller); err != nil {
			return err
		}
		c.emit(events.TypeAccountOptedIn, nil)
		return nil
	})
}

// CloseOut removes the caller's account. It must hold no value and no orders.
func (d *Dispatcher) CloseOut(ctx context.Context, caller models.AccountID) (*Receipt, error) {
	return d.execute(ctx, OpCloseOut, caller, func(tx *ledger.Tx, c *call) error {
		if err := tx.CloseOut(caller); err != nil {
			return err
		}
		c.emit(events.TypeAccountClosed, nil)
		return nil
	})
}

// Setup binds a trading token. The admin pays at least the setup minimum to
// the ledger address.
func (d *Dispatcher) Setup(ctx context.Context, caller models.AccountID, token models.TokenID, payments []models.Payment) (*Pending, error) {
	return d.prepare(ctx, OpSetup, caller, payments, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsAdmin(tx.Config(), caller) {
			return fmt.Errorf("setup by %s: %w", caller, ledger.ErrUnauthorized)
		}
		if err := matchPayments(caller, payments, d.toLedger("setup payment", d.cfg.SetupMinPayment)); err != nil {
			return err
		}
		if err := tx.BindToken(token); err != nil {
			return err
		}
		c.announce(events.TypeTokenBound, map[string]any{"token": token})
		return nil
	})
}

func (d *Dispatcher) SetOracle(ctx context.Context, caller, oracle models.AccountID) (*Receipt, error) {
	return d.execute(ctx, OpSetOracle, caller, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsAdmin(tx.Config(), caller) {
			return fmt.Errorf("set oracle by %s: %w", caller, ledger.ErrUnauthorized)
		}
		if err := tx.SetOracle(oracle); err != nil {
			return err
		}
		c.announce(events.TypeConfigUpdated, map[string]any{"oracle": oracle})
		return nil
	})
}

func (d *Dispatcher) UpdateFees(ctx context.Context, caller models.AccountID, fees models.Fees) (*Receipt, error) {
	return d.execute(ctx, OpUpdateFees, caller, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsAdmin(tx.Config(), caller) {
			return fmt.Errorf("update fees by %s: %w", caller, ledger.ErrUnauthorized)
		}
		if err := tx.SetFees(fees); err != nil {
			return err
		}
		c.announce(events.TypeConfigUpdated, map[string]any{"fees": fees})
		return nil
	})
}

// BecomeSeller registers the caller as seller against a seller insurance
// payment to the ledger.
func (d *Dispatcher) BecomeSeller(ctx context.Context, caller models.AccountID, payments []models.Payment) (*Pending, error) {
	return d.prepare(ctx, OpBecomeSeller, caller, payments, func(tx *ledger.Tx, c *call) error {
		if _, err := tx.Account(caller); err != nil {
			return err
		}
		rule := d.toLedger("seller insurance", tx.Config().Fees.SellerInsurance)
		if err := matchPayments(caller, payments, rule); err != nil {
			return err
		}
		if err := tx.SetSeller(caller); err != nil {
			return err
		}
		c.emit(events.TypeSellerRegistered, nil)
		return nil
	})
}

// BecomePremium upgrades a seller against a premium cost payment.
func (d *Dispatcher) BecomePremium(ctx context.Context, caller models.AccountID, payments []models.Payment) (*Pending, error) {
	return d.prepare(ctx, OpBecomePremium, caller, payments, func(tx *ledger.Tx, c *call) error {
		if err := tx.SetPremium(caller); err != nil {
			return err
		}
		rule := d.toLedger("premium cost", tx.Config().Fees.PremiumCost)
		if err := matchPayments(caller, payments, rule); err != nil {
			return err
		}
		c.emit(events.TypeSellerPremium, nil)
		return nil
	})
}

// PlaceOrder escrows a buyer deposit. The first payment is the asset transfer
// of token to the ledger, the second the exact oracle fee to the oracle.
func (d *Dispatcher) PlaceOrder(ctx context.Context, caller models.AccountID, token models.TokenID, payments []models.Payment) (*Pending, error) {
	return d.prepare(ctx, OpPlaceOrder, caller, payments, func(tx *ledger.Tx, c *call) error {
		if _, err := tx.Account(caller); err != nil {
			return err
		}
		if !tx.TokenBound(token) {
			return fmt.Errorf("token %d: %w", token, ledger.ErrTokenNotBound)
		}
		deposit := paymentRule{
			name:     "order deposit",
			kind:     models.PaymentAsset,
			receiver: d.cfg.Address,
			token:    token,
			min:      1,
		}
		if err := matchPayments(caller, payments, deposit, oracleFee(tx.Config(), true)); err != nil {
			return err
		}
		amount := payments[0].Amount
		if err := tx.CreditDeposit(caller, token, amount); err != nil {
			return err
		}
		c.emit(events.TypeDepositCredited, map[string]any{"token": token, "amount": amount})
		return nil
	})
}

// RequestOrderAction forwards a cancel, accept or reject request to the
// oracle. It changes no ledger state; the oracle fee payment is the bundle.
func (d *Dispatcher) RequestOrderAction(ctx context.Context, caller models.AccountID, action OrderAction, ref OrderRef, payments []models.Payment) (*Pending, error) {
	parsed, parseErr := ParseOrderAction(string(action))
	op := OpRequestOrderAction
	if parseErr == nil {
		op = fmt.Sprintf("%s_%s", parsed, OpRequestOrderAction)
	}
	return d.prepare(ctx, op, caller, payments, func(tx *ledger.Tx, c *call) error {
		if parseErr != nil {
			return parseErr
		}
		if _, err := tx.Account(caller); err != nil {
			return err
		}
		if ref.OrderID == "" || ref.Buyer == "" {
			return fmt.Errorf("buyer and order id are required: %w", ledger.ErrInvalidArgument)
		}
		if err := matchPayments(caller, payments, oracleFee(tx.Config(), false)); err != nil {
			return err
		}
		c.receipt.Status = StatusRequestRecorded
		c.emit(events.TypeOrderRequested, map[string]any{
			"action":   parsed,
			"buyer":    ref.Buyer,
			"order_id": ref.OrderID,
		}, ref.Buyer)
		return nil
	})
}

// OracleSettleOrder records an order in the buyer's slots and credits the
// buyer's deposit in the same transaction.
func (d *Dispatcher) OracleSettleOrder(ctx context.Context, caller, buyer models.AccountID, order models.Order, deposit uint64) (*Receipt, error) {
	return d.execute(ctx, OpOracleSettleOrder, caller, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsOracle(tx.Config(), caller) {
			return fmt.Errorf("settle order by %s: %w", caller, ledger.ErrUnauthorized)
		}
		if !tx.TokenBound(order.Token) {
			return fmt.Errorf("token %d: %w", order.Token, ledger.ErrTokenNotBound)
		}
		seller, err := tx.Account(order.Seller)
		if err != nil {
			return err
		}
		if !ledger.IsSeller(seller) {
			return fmt.Errorf("%s is not a seller: %w", order.Seller, ledger.ErrInvalidArgument)
		}
		store, err := tx.Orders(buyer)
		if err != nil {
			return err
		}
		slot, err := store.Insert(order)
		if err != nil {
			return err
		}
		if deposit > 0 {
			if err := tx.CreditDeposit(buyer, order.Token, deposit); err != nil {
				return err
			}
		}
		inserted, _ := store.Get(slot)
		c.receipt.Slot = &slot
		c.receipt.Order = &inserted
		c.emit(events.TypeOrderInserted, map[string]any{"buyer": buyer, "slot": slot, "order": inserted, "deposit": deposit}, buyer, inserted.Seller)
		return nil
	})
}

// TakeOrder lets the recorded seller accept a pending order. A missing order
// or a foreign seller is reported as a status, not an error.
func (d *Dispatcher) TakeOrder(ctx context.Context, caller models.AccountID, ref OrderRef) (*Receipt, error) {
	return d.execute(ctx, OpTakeOrder, caller, func(tx *ledger.Tx, c *call) error {
		return d.sellerTransition(tx, c, ref, models.StatusAccepted)
	})
}

// SellerRejectOrder lets the recorded seller cancel a pending order.
func (d *Dispatcher) SellerRejectOrder(ctx context.Context, caller models.AccountID, ref OrderRef) (*Receipt, error) {
	return d.execute(ctx, OpSellerRejectOrder, caller, func(tx *ledger.Tx, c *call) error {
		return d.sellerTransition(tx, c, ref, models.StatusCancelled)
	})
}

func (d *Dispatcher) sellerTransition(tx *ledger.Tx, c *call, ref OrderRef, to models.OrderStatus) error {
	if _, err := tx.Account(c.caller); err != nil {
		return err
	}
	store, err := tx.Orders(ref.Buyer)
	if err != nil {
		return err
	}
	slot, ok := store.Search(ref.OrderID)
	if !ok {
		c.receipt.Status = StatusOrderNotFound
		return nil
	}
	order, _ := store.Get(slot)
	if order.Seller != c.caller {
		c.receipt.Status = StatusNotTheSeller
		return nil
	}
	if order.Status != models.StatusPending {
		return fmt.Errorf("order %q is %s: %w", order.OrderID, order.Status, ledger.ErrInvalidTransition)
	}
	order.Status = to
	if err := store.Set(slot, order); err != nil {
		return err
	}
	c.receipt.Status = StatusOrderUpdated
	c.receipt.Slot = &slot
	c.receipt.Order = &order
	c.emit(events.TypeOrderUpdated, map[string]any{"buyer": ref.Buyer, "slot": slot, "order": order}, ref.Buyer, order.Seller)
	return nil
}

// SellerWithdraw pays out seller income.
func (d *Dispatcher) SellerWithdraw(ctx context.Context, caller models.AccountID, token models.TokenID, amount uint64) (*Receipt, error) {
	return d.execute(ctx, OpSellerWithdraw, caller, func(tx *ledger.Tx, c *call) error {
		acct, err := tx.Account(caller)
		if err != nil {
			return err
		}
		if !ledger.IsSeller(acct) {
			return fmt.Errorf("%s is not a seller: %w", caller, ledger.ErrUnauthorized)
		}
		if amount == 0 {
			return fmt.Errorf("withdraw amount is zero: %w", ledger.ErrInvalidArgument)
		}
		_, err = tx.Withdraw(caller, token, amount, ledger.PocketIncome)
		return err
	})
}

// BuyerWithdraw pays out deposit that no open order still relies on.
func (d *Dispatcher) BuyerWithdraw(ctx context.Context, caller models.AccountID, token models.TokenID, amount uint64) (*Receipt, error) {
	return d.execute(ctx, OpBuyerWithdraw, caller, func(tx *ledger.Tx, c *call) error {
		acct, err := tx.Account(caller)
		if err != nil {
			return err
		}
		if amount == 0 {
			return fmt.Errorf("withdraw amount is zero: %w", ledger.ErrInvalidArgument)
		}
		b, _ := tx.Balance(caller, token)
		locked := lockedDeposit(acct, token)
		if b.Deposit < locked || amount > b.Deposit-locked {
			return fmt.Errorf("withdraw %d of deposit %d with %d locked in open orders: %w",
				amount, b.Deposit, locked, ledger.ErrInsufficientBalance)
		}
		_, err = tx.Withdraw(caller, token, amount, ledger.PocketDeposit)
		return err
	})
}

// lockedDeposit sums the open orders of token, saturating at MaxUint64.
func lockedDeposit(acct *models.Account, token models.TokenID) uint64 {
	var sum uint64
	for _, o := range acct.Orders {
		if o == nil || o.Token != token || o.Status.Terminal() {
			continue
		}
		if sum+o.Amount < sum {
			return ^uint64(0)
		}
		sum += o.Amount
	}
	return sum
}

// OracleCancelOrder refunds buyer deposit and optionally cancels the order.
func (d *Dispatcher) OracleCancelOrder(ctx context.Context, caller models.AccountID, args CancelArgs) (*Receipt, error) {
	return d.execute(ctx, OpOracleCancelOrder, caller, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsOracleOrAdmin(tx.Config(), caller) {
			return fmt.Errorf("cancel order by %s: %w", caller, ledger.ErrUnauthorized)
		}
		if args.OrderID != "" {
			order, err := d.transition(tx, c, args.Buyer, args.OrderID, func(o models.Order) error {
				if o.Status.Terminal() {
					return fmt.Errorf("order %q is %s: %w", o.OrderID, o.Status, ledger.ErrInvalidTransition)
				}
				return nil
			}, models.StatusCancelled)
			if err != nil {
				return err
			}
			if args.Token, args.Amount, err = fillFromOrder(order, args.Token, args.Amount); err != nil {
				return err
			}
		}
		if args.Amount == 0 {
			return fmt.Errorf("refund amount is zero: %w", ledger.ErrInvalidArgument)
		}
		_, err := tx.Withdraw(args.Buyer, args.Token, args.Amount, ledger.PocketDeposit)
		return err
	})
}

// OracleTakeOrder settles funds from buyer deposit to seller income.
func (d *Dispatcher) OracleTakeOrder(ctx context.Context, caller models.AccountID, args SettleArgs) (*Receipt, error) {
	return d.execute(ctx, OpOracleTakeOrder, caller, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsOracleOrAdmin(tx.Config(), caller) {
			return fmt.Errorf("take order by %s: %w", caller, ledger.ErrUnauthorized)
		}
		if args.OrderID != "" {
			order, err := d.transition(tx, c, args.Buyer, args.OrderID, func(o models.Order) error {
				if o.Status != models.StatusAccepted {
					return fmt.Errorf("order %q is %s: %w", o.OrderID, o.Status, ledger.ErrInvalidTransition)
				}
				if o.Seller != args.Seller {
					return fmt.Errorf("order %q belongs to seller %s: %w", o.OrderID, o.Seller, ledger.ErrInvalidArgument)
				}
				return nil
			}, models.StatusCompleted)
			if err != nil {
				return err
			}
			if args.Token, args.Amount, err = fillFromOrder(order, args.Token, args.Amount); err != nil {
				return err
			}
		}
		s, err := tx.MoveFunds(args.Buyer, args.Seller, args.Amount, args.Token)
		if err != nil {
			return err
		}
		c.receipt.Settlement = &s
		c.emit(events.TypeFundsMoved, s, s.Buyer, s.Seller)
		return nil
	})
}

// transition moves a buyer's order to a new status after check accepts it.
func (d *Dispatcher) transition(tx *ledger.Tx, c *call, buyer models.AccountID, orderID string, check func(models.Order) error, to models.OrderStatus) (models.Order, error) {
	store, err := tx.Orders(buyer)
	if err != nil {
		return models.Order{}, err
	}
	slot, ok := store.Search(orderID)
	if !ok {
		return models.Order{}, fmt.Errorf("order %q of %s: %w", orderID, buyer, ledger.ErrNotFound)
	}
	order, _ := store.Get(slot)
	if err := check(order); err != nil {
		return models.Order{}, err
	}
	order.Status = to
	if err := store.Set(slot, order); err != nil {
		return models.Order{}, err
	}
	c.receipt.Status = StatusOrderUpdated
	c.receipt.Slot = &slot
	c.receipt.Order = &order
	c.emit(events.TypeOrderUpdated, map[string]any{"buyer": buyer, "slot": slot, "order": order}, buyer, order.Seller)
	return order, nil
}

func fillFromOrder(o models.Order, token models.TokenID, amount uint64) (models.TokenID, uint64, error) {
	if token == models.NativeToken {
		token = o.Token
	}
	if amount == 0 {
		amount = o.Amount
	}
	if token != o.Token || amount != o.Amount {
		return 0, 0, fmt.Errorf("order %q is %d of token %d: %w", o.OrderID, o.Amount, o.Token, ledger.ErrInvalidArgument)
	}
	return token, amount, nil
}

// OraclePopOrder removes a completed or cancelled order and compacts the
// buyer's slots.
func (d *Dispatcher) OraclePopOrder(ctx context.Context, caller models.AccountID, ref OrderRef) (*Receipt, error) {
	return d.execute(ctx, OpOraclePopOrder, caller, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsOracleOrAdmin(tx.Config(), caller) {
			return fmt.Errorf("pop order by %s: %w", caller, ledger.ErrUnauthorized)
		}
		store, err := tx.Orders(ref.Buyer)
		if err != nil {
			return err
		}
		slot, ok := store.Search(ref.OrderID)
		if !ok {
			return fmt.Errorf("order %q of %s: %w", ref.OrderID, ref.Buyer, ledger.ErrNotFound)
		}
		order, _ := store.Get(slot)
		if !order.Status.Terminal() {
			return fmt.Errorf("order %q is %s: %w", order.OrderID, order.Status, ledger.ErrInvalidTransition)
		}
		removed, err := store.Remove(slot)
		if err != nil {
			return err
		}
		c.receipt.Slot = &slot
		c.receipt.Order = &removed
		c.emit(events.TypeOrderRemoved, map[string]any{"buyer": ref.Buyer, "slot": slot, "order": removed}, ref.Buyer, removed.Seller)
		return nil
	})
}

// WithdrawEarning sends platform earning to the admin.
func (d *Dispatcher) WithdrawEarning(ctx context.Context, caller models.AccountID, token models.TokenID, amount uint64) (*Receipt, error) {
	return d.execute(ctx, OpWithdrawEarning, caller, func(tx *ledger.Tx, c *call) error {
		if !ledger.IsAdmin(tx.Config(), caller) {
			return fmt.Errorf("withdraw earning by %s: %w", caller, ledger.ErrUnauthorized)
		}
		if amount == 0 {
			return fmt.Errorf("withdraw amount is zero: %w", ledger.ErrInvalidArgument)
		}
		_, err := tx.WithdrawEarning(caller, token, amount)
		return err
	})
}

// Account returns the committed state of an account.
func (d *Dispatcher) Account(id models.AccountID) (*models.Account, error) {
	a, ok := d.ledger.Account(id)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ledger.ErrNotOptedIn)
	}
	return a, nil
}

func (d *Dispatcher) Config() models.GlobalConfig { return d.ledger.Config() }
