package ledger

import (
	"fmt"

	"github.com/xtrntr/escrow/internal/models"
)

// MaxCapacity bounds N so that order_count fits in a byte.
const MaxCapacity = 255

// OrderStore is the fixed-capacity order list of a single account. Live
// orders always occupy slots [0, OrderCount); empty slots are nil.
type OrderStore struct {
	acct *models.Account
}

// NewOrderStore wraps the order slots of acct. The capacity is the length of
// acct.Orders, fixed when the account opted in.
func NewOrderStore(acct *models.Account) *OrderStore {
	return &OrderStore{acct: acct}
}

func (s *OrderStore) Capacity() int { return len(s.acct.Orders) }

func (s *OrderStore) Count() int { return int(s.acct.OrderCount) }

// Insert writes order into the next free slot as Pending and returns the slot.
func (s *OrderStore) Insert(order models.Order) (int, error) {
	if s.Count() >= s.Capacity() {
		return 0, ErrCapacityExceeded
	}
	if _, ok := s.Search(order.OrderID); ok {
		return 0, fmt.Errorf("order %q: %w", order.OrderID, ErrAlreadySet)
	}
	order.Status = models.StatusPending
	idx := s.Count()
	s.acct.Orders[idx] = &order
	s.acct.OrderCount++
	return idx, nil
}

// Get returns a copy of the order in slot i, or false for an empty slot.
func (s *OrderStore) Get(i int) (models.Order, bool) {
	if i < 0 || i >= s.Capacity() || s.acct.Orders[i] == nil {
		return models.Order{}, false
	}
	return *s.acct.Orders[i], true
}

// Set overwrites a live slot in place.
func (s *OrderStore) Set(i int, order models.Order) error {
	if i < 0 || i >= s.Capacity() || s.acct.Orders[i] == nil {
		return fmt.Errorf("slot %d: %w", i, ErrNotFound)
	}
	*s.acct.Orders[i] = order
	return nil
}

// Search scans the live slots for orderID and returns the first match.
func (s *OrderStore) Search(orderID string) (int, bool) {
	for i := 0; i < s.Count(); i++ {
		if o := s.acct.Orders[i]; o != nil && o.OrderID == orderID {
			return i, true
		}
	}
	return 0, false
}

// Remove clears slot i, compacts the remaining orders to the left and
// decrements the order count.
func (s *OrderStore) Remove(i int) (models.Order, error) {
	order, ok := s.Get(i)
	if !ok {
		return models.Order{}, fmt.Errorf("slot %d: %w", i, ErrNotFound)
	}
	s.acct.Orders[i] = nil
	s.rebalance()
	return order, nil
}

// Live returns copies of the live orders in slot order.
func (s *OrderStore) Live() []models.Order {
	orders := make([]models.Order, 0, s.Count())
	for i := 0; i < s.Count(); i++ {
		if o := s.acct.Orders[i]; o != nil {
			orders = append(orders, *o)
		}
	}
	return orders
}

// rebalance moves every order into the first empty slot before it in a single
// left-to-right pass, keeping relative order, then recounts.
func (s *OrderStore) rebalance() {
	slots := s.acct.Orders
	free := -1
	for i := range slots {
		if slots[i] == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if free >= 0 {
			slots[free] = slots[i]
			slots[i] = nil
			free++
		}
	}
	if free < 0 {
		free = len(slots)
	}
	s.acct.OrderCount = uint8(free)
}
