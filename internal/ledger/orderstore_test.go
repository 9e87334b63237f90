package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/escrow/internal/models"
)

func newStore(capacity int) *OrderStore {
	return NewOrderStore(&models.Account{
		ID:       "buyer",
		Balances: map[models.TokenID]*models.Balance{},
		Orders:   make([]*models.Order, capacity),
	})
}

func order(id string) models.Order {
	return models.Order{Seller: "seller", OrderID: id, Amount: 100, Token: 7}
}

func ids(orders []models.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.OrderID)
	}
	return out
}

func TestOrderStore_InsertUpToCapacity(t *testing.T) {
	s := newStore(6)
	for i := 0; i < 6; i++ {
		idx, err := s.Insert(order(fmt.Sprintf("o%d", i)))
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, 6, s.Count())

	before := s.Live()
	_, err := s.Insert(order("o6"))
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.Equal(t, 6, s.Count())
	assert.Equal(t, before, s.Live())
}

func TestOrderStore_InsertSetsPending(t *testing.T) {
	s := newStore(2)
	o := order("a")
	o.Status = models.StatusCompleted
	idx, err := s.Insert(o)
	require.NoError(t, err)

	got, ok := s.Get(idx)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestOrderStore_InsertRejectsLiveDuplicate(t *testing.T) {
	s := newStore(3)
	_, err := s.Insert(order("a"))
	require.NoError(t, err)
	_, err = s.Insert(order("a"))
	assert.True(t, errors.Is(err, ErrAlreadySet))
	assert.Equal(t, 1, s.Count())
}

func TestOrderStore_Search(t *testing.T) {
	s := newStore(4)
	_, ok := s.Search("")
	assert.False(t, ok, "empty slots must never match")

	for _, id := range []string{"a", "", "c"} {
		_, err := s.Insert(order(id))
		require.NoError(t, err)
	}

	tests := []struct {
		id    string
		want  int
		found bool
	}{
		{"a", 0, true},
		{"", 1, true},
		{"c", 2, true},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		idx, ok := s.Search(tt.id)
		assert.Equal(t, tt.found, ok, "id %q", tt.id)
		if tt.found {
			assert.Equal(t, tt.want, idx, "id %q", tt.id)
		}
	}
}

func TestOrderStore_RemoveCompacts(t *testing.T) {
	tests := []struct {
		name   string
		remove int
		want   []string
	}{
		{"first", 0, []string{"b", "c", "d", "e"}},
		{"middle", 2, []string{"a", "b", "d", "e"}},
		{"last", 4, []string{"a", "b", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(6)
			for _, id := range []string{"a", "b", "c", "d", "e"} {
				_, err := s.Insert(order(id))
				require.NoError(t, err)
			}

			removed, err := s.Remove(tt.remove)
			require.NoError(t, err)
			assert.NotContains(t, tt.want, removed.OrderID)
			assert.Equal(t, tt.want, ids(s.Live()))
			assert.Equal(t, len(tt.want), s.Count())

			for i := s.Count(); i < s.Capacity(); i++ {
				_, ok := s.Get(i)
				assert.False(t, ok, "slot %d should be empty", i)
			}
		})
	}
}

func TestOrderStore_RemoveFreesCapacity(t *testing.T) {
	s := newStore(2)
	_, _ = s.Insert(order("a"))
	_, _ = s.Insert(order("b"))

	_, err := s.Remove(0)
	require.NoError(t, err)
	_, err = s.Insert(order("c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(s.Live()))
}

func TestOrderStore_RemoveEmptySlot(t *testing.T) {
	s := newStore(2)
	_, err := s.Remove(0)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Remove(5)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOrderStore_SetInPlace(t *testing.T) {
	s := newStore(2)
	idx, _ := s.Insert(order("a"))
	o, _ := s.Get(idx)
	o.Status = models.StatusAccepted
	require.NoError(t, s.Set(idx, o))

	got, _ := s.Get(idx)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Error(t, s.Set(1, o))
}
