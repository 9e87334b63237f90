// Package evidence guards linked payment evidence against reuse: a payment
// transaction may back at most one ledger operation.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xtrntr/escrow/internal/models"
)

var (
	ErrReplayed      = errors.New("payment evidence already used")
	ErrMissingTxID   = errors.New("payment evidence has no transaction id")
	ErrDuplicateTxID = errors.New("payment evidence repeats a transaction id")
)

// Registry claims payment transaction ids. Claim is all-or-nothing.
type Registry interface {
	Claim(ctx context.Context, payments []models.Payment) error
	Release(ctx context.Context, payments []models.Payment) error
}

func txIDs(payments []models.Payment) ([]string, error) {
	seen := make(map[string]bool, len(payments))
	out := make([]string, 0, len(payments))
	for _, p := range payments {
		id := strings.TrimSpace(p.TxID)
		if id == "" {
			return nil, ErrMissingTxID
		}
		if seen[id] {
			return nil, fmt.Errorf("%s: %w", id, ErrDuplicateTxID)
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// MemoryRegistry keeps claims in process. Claims never expire.
type MemoryRegistry struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{claimed: map[string]bool{}}
}

func (r *MemoryRegistry) Claim(_ context.Context, payments []models.Payment) error {
	ids, err := txIDs(payments)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.claimed[id] {
			return fmt.Errorf("%s: %w", id, ErrReplayed)
		}
	}
	for _, id := range ids {
		r.claimed[id] = true
	}
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, payments []models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range payments {
		delete(r.claimed, strings.TrimSpace(p.TxID))
	}
	return nil
}
