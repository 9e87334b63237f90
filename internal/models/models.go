package models

// AccountID is an opaque account address
type AccountID string

// TokenID identifies a tradable asset. NativeToken is the chain's own coin,
// used for fees, insurance and premium payments.
type TokenID uint64

const NativeToken TokenID = 0

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAccepted  OrderStatus = "accepted"
	StatusCancelled OrderStatus = "cancelled"
	StatusCompleted OrderStatus = "completed"
)

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Order is a buyer-initiated trade request held in the buyer's order slots
type Order struct {
	Seller  AccountID   `json:"seller"`
	OrderID string      `json:"order_id"` // caller supplied, unique among live slots of one account
	Amount  uint64      `json:"amount"`
	Token   TokenID     `json:"token"`
	Status  OrderStatus `json:"status"`
}

// Balance holds the escrowed and withdrawable amounts of one token
type Balance struct {
	Deposit uint64 `json:"deposit"` // buyer value held until settlement
	Income  uint64 `json:"income"`  // seller value ready to withdraw
}

// Roles are the per-account flags
type Roles struct {
	Seller  bool `json:"is_seller"`
	Premium bool `json:"is_premium"`
}

// Account is the per-account namespace of the ledger
type Account struct {
	ID         AccountID            `json:"id"`
	Roles      Roles                `json:"roles"`
	Balances   map[TokenID]*Balance `json:"balances"`
	Orders     []*Order             `json:"orders"` // fixed length; nil marks an empty slot
	OrderCount uint8                `json:"order_count"`
}

// Clone returns a deep copy so staged mutations never alias committed state
func (a *Account) Clone() *Account {
	c := &Account{
		ID:         a.ID,
		Roles:      a.Roles,
		Balances:   make(map[TokenID]*Balance, len(a.Balances)),
		Orders:     make([]*Order, len(a.Orders)),
		OrderCount: a.OrderCount,
	}
	for token, b := range a.Balances {
		bc := *b
		c.Balances[token] = &bc
	}
	for i, o := range a.Orders {
		if o != nil {
			oc := *o
			c.Orders[i] = &oc
		}
	}
	return c
}

// Empty reports whether the account holds no value and no live orders
func (a *Account) Empty() bool {
	for _, b := range a.Balances {
		if b.Deposit != 0 || b.Income != 0 {
			return false
		}
	}
	return a.OrderCount == 0
}

// Fees is the configurable fee schedule
type Fees struct {
	CommissionFee   uint64 `json:"commission_fee"` // percent of a settled amount
	OracleFee       uint64 `json:"oracle_fee"`
	PremiumCost     uint64 `json:"premium_cost"`
	SellerInsurance uint64 `json:"seller_insurance"`
}

// GlobalConfig is the global namespace of the ledger
type GlobalConfig struct {
	Admin   AccountID          `json:"admin"`
	Oracle  AccountID          `json:"oracle"`
	Fees    Fees               `json:"fees"`
	Tokens  map[TokenID]bool   `json:"tokens"` // tokens bound by setup
	Earning map[TokenID]uint64 `json:"earning"`
}

// Clone returns a deep copy of the config
func (g GlobalConfig) Clone() GlobalConfig {
	c := g
	c.Tokens = make(map[TokenID]bool, len(g.Tokens))
	for k, v := range g.Tokens {
		c.Tokens[k] = v
	}
	c.Earning = make(map[TokenID]uint64, len(g.Earning))
	for k, v := range g.Earning {
		c.Earning[k] = v
	}
	return c
}

// PaymentKind distinguishes native coin payments from asset transfers
type PaymentKind string

const (
	PaymentNative PaymentKind = "payment"
	PaymentAsset  PaymentKind = "asset_transfer"
)

// Payment is linked payment evidence the host has already verified on chain
type Payment struct {
	TxID     string      `json:"tx_id"`
	Kind     PaymentKind `json:"kind"`
	Sender   AccountID   `json:"sender"`
	Receiver AccountID   `json:"receiver"`
	Amount   uint64      `json:"amount"`
	Token    TokenID     `json:"token"`
}

// Transfer is an instruction for the host to move value out of the ledger
type Transfer struct {
	ID       string    `json:"id"`
	Receiver AccountID `json:"receiver"`
	Token    TokenID   `json:"token"`
	Amount   uint64    `json:"amount"`
}
