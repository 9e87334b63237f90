package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/escrow/internal/models"
)

const (
	TypeAccountOptedIn   = "account.opted_in"
	TypeAccountClosed    = "account.closed"
	TypeTokenBound       = "config.token_bound"
	TypeConfigUpdated    = "config.updated"
	TypeSellerRegistered = "seller.registered"
	TypeSellerPremium    = "seller.premium"
	TypeDepositCredited  = "deposit.credited"
	TypeOrderRequested   = "order.requested"
	TypeOrderInserted    = "order.inserted"
	TypeOrderUpdated     = "order.updated"
	TypeOrderRemoved     = "order.removed"
	TypeFundsMoved       = "funds.moved"
	TypeTransfer         = "transfer.instructed"
)

// Event is the envelope for every ledger notification.
type Event struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	OperationID string           `json:"operation_id"`
	Caller      models.AccountID `json:"caller"`
	Timestamp   time.Time        `json:"timestamp"`
	Payload     any              `json:"payload,omitempty"`

	// Parties are the accounts the event concerns, caller included. Public
	// events carry only global config and are visible to every subscriber.
	Parties []models.AccountID `json:"parties,omitempty"`
	Public  bool               `json:"public,omitempty"`
}

// New builds an event concerning the caller and the given parties.
func New(eventType, operationID string, caller models.AccountID, payload any, parties ...models.AccountID) Event {
	e := Event{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		OperationID: operationID,
		Caller:      caller,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
	for _, p := range append([]models.AccountID{caller}, parties...) {
		if p != "" && !e.Concerns(p) {
			e.Parties = append(e.Parties, p)
		}
	}
	return e
}

// Concerns reports whether account is one of the event's parties.
func (e Event) Concerns(account models.AccountID) bool {
	for _, p := range e.Parties {
		if p == account {
			return true
		}
	}
	return false
}

// VisibleTo reports whether a subscriber authenticated as account may see e.
func (e Event) VisibleTo(account models.AccountID) bool {
	return e.Public || e.Concerns(account)
}

// Publisher delivers committed ledger events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Multi fans events out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops events.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) error { return nil }
