package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/escrow/internal/events"
	"github.com/xtrntr/escrow/internal/evidence"
	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/models"
)

// Result statuses reported to callers.
const (
	StatusApplied         = "applied"
	StatusOrderUpdated    = "status_order_updated"
	StatusOrderNotFound   = "order_not_found"
	StatusNotTheSeller    = "sender_is_not_the_seller_order"
	StatusRequestRecorded = "request_recorded"
)

// Config holds dispatcher settings that are not part of the ledger state.
type Config struct {
	Address         models.AccountID // the ledger's own receiving address
	SetupMinPayment uint64
}

// Receipt is the result of a committed operation.
type Receipt struct {
	OperationID string             `json:"operation_id"`
	Operation   string             `json:"operation"`
	Status      string             `json:"status"`
	Slot        *int               `json:"slot,omitempty"`
	Order       *models.Order      `json:"order,omitempty"`
	Settlement  *ledger.Settlement `json:"settlement,omitempty"`
	Transfers   []models.Transfer  `json:"transfers,omitempty"`
}

// Dispatcher is the public operation surface of the ledger. It checks roles
// and linked payment evidence, then delegates to a ledger transaction.
type Dispatcher struct {
	ledger    *ledger.Ledger
	cfg       Config
	evidence  evidence.Registry
	publisher events.Publisher
	metrics   *Metrics
	log       *logrus.Entry
}

func NewDispatcher(l *ledger.Ledger, cfg Config, reg evidence.Registry, pub events.Publisher, metrics *Metrics, log *logrus.Entry) *Dispatcher {
	if reg == nil {
		reg = evidence.NewMemoryRegistry()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{ledger: l, cfg: cfg, evidence: reg, publisher: pub, metrics: metrics, log: log}
}

// Ledger exposes the underlying aggregate for read views.
func (d *Dispatcher) Ledger() *ledger.Ledger { return d.ledger }

// call collects what one operation produced while its transaction is open.
type call struct {
	id      string
	op      string
	caller  models.AccountID
	receipt Receipt
	events  []events.Event
}

// emit records an event concerning the caller and parties.
func (c *call) emit(eventType string, payload any, parties ...models.AccountID) {
	c.events = append(c.events, events.New(eventType, c.id, c.caller, payload, parties...))
}

// announce records an event every subscriber may see. Only global config
// changes are announced.
func (c *call) announce(eventType string, payload any) {
	e := events.New(eventType, c.id, c.caller, payload)
	e.Public = true
	c.events = append(c.events, e)
}

type opFunc func(tx *ledger.Tx, c *call) error

// Pending is an operation whose ledger mutation is staged but not committed,
// waiting for the host to confirm the linked payment went through. It holds
// the ledger until Commit or Abort is called, so every other operation waits
// on it. Hosts should either use Complete or defer Abort right after the
// operation returns; Abort after Commit is a no-op.
type Pending struct {
	d        *Dispatcher
	tx       *ledger.Tx
	call     *call
	payments []models.Payment
	start    time.Time
	done     bool
}

// Receipt previews the result the operation will have once committed.
func (p *Pending) Receipt() Receipt { return p.call.receipt }

// Commit applies the staged mutation.
func (p *Pending) Commit(ctx context.Context) (*Receipt, error) {
	if p.done {
		return nil, ledger.ErrTxDone
	}
	p.done = true

	cs, err := p.tx.Commit(ctx)
	if err != nil {
		p.d.release(ctx, p.payments)
		p.d.finish(p.call, p.start, err)
		return nil, err
	}

	r := p.call.receipt
	r.Transfers = cs.Transfers
	for _, t := range cs.Transfers {
		p.call.emit(events.TypeTransfer, t, t.Receiver)
		p.d.metrics.TransfersTotal.WithLabelValues(tokenLabel(t.Token)).Inc()
	}
	if s := r.Settlement; s != nil {
		p.d.metrics.SettledAmount.WithLabelValues(tokenLabel(s.Token)).Add(float64(s.Amount))
		p.d.metrics.CommissionTotal.WithLabelValues(tokenLabel(s.Token)).Add(float64(s.Commission))
	}
	p.d.publish(ctx, p.call)
	p.d.finish(p.call, p.start, nil)
	return &r, nil
}

// Complete runs confirm against the staged receipt and commits when it
// succeeds. A confirm error or panic aborts the operation, so the ledger is
// never left held. A nil confirm commits straight away.
func (p *Pending) Complete(ctx context.Context, confirm func(Receipt) error) (*Receipt, error) {
	defer p.Abort(ctx)
	if confirm != nil {
		if err := confirm(p.call.receipt); err != nil {
			return nil, err
		}
	}
	return p.Commit(ctx)
}

// Abort discards the staged mutation and frees the linked payments for reuse.
func (p *Pending) Abort(ctx context.Context) {
	if p.done {
		return
	}
	p.done = true
	p.tx.Rollback()
	p.d.release(ctx, p.payments)
	p.d.finish(p.call, p.start, errAborted)
}

var errAborted = errors.New("aborted by host")

// prepare runs fn inside a new transaction and claims the linked payments.
// Any failure rolls back before returning.
func (d *Dispatcher) prepare(ctx context.Context, op string, caller models.AccountID, payments []models.Payment, fn opFunc) (*Pending, error) {
	c := &call{
		id:      uuid.NewString(),
		op:      op,
		caller:  caller,
		receipt: Receipt{Operation: op, Status: StatusApplied},
	}
	c.receipt.OperationID = c.id
	start := time.Now()

	tx := d.ledger.Begin()
	defer func() {
		// a broken invariant must not leave the ledger locked
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx, c); err != nil {
		tx.Rollback()
		d.finish(c, start, err)
		return nil, err
	}
	if len(payments) > 0 {
		if err := d.evidence.Claim(ctx, payments); err != nil {
			tx.Rollback()
			err = fmt.Errorf("%w: %w", ledger.ErrInvalidEvidence, err)
			d.finish(c, start, err)
			return nil, err
		}
	}
	return &Pending{d: d, tx: tx, call: c, payments: payments, start: start}, nil
}

// execute runs an operation that needs no linked payment and commits it.
func (d *Dispatcher) execute(ctx context.Context, op string, caller models.AccountID, fn opFunc) (*Receipt, error) {
	p, err := d.prepare(ctx, op, caller, nil, fn)
	if err != nil {
		return nil, err
	}
	return p.Commit(ctx)
}

func (d *Dispatcher) release(ctx context.Context, payments []models.Payment) {
	if len(payments) == 0 {
		return
	}
	if err := d.evidence.Release(ctx, payments); err != nil {
		d.log.WithError(err).Error("failed to release payment evidence")
	}
}

func (d *Dispatcher) publish(ctx context.Context, c *call) {
	if len(c.events) == 0 {
		return
	}
	if err := d.publisher.Publish(ctx, c.events...); err != nil {
		d.metrics.PublishFailures.Inc()
		d.log.WithError(err).WithFields(logrus.Fields{
			"op":           c.op,
			"operation_id": c.id,
		}).Error("failed to publish ledger events")
	}
}

func (d *Dispatcher) finish(c *call, start time.Time, err error) {
	kind := Kind(err)
	d.metrics.OperationsTotal.WithLabelValues(c.op, kind).Inc()
	d.metrics.OperationDuration.WithLabelValues(c.op).Observe(time.Since(start).Seconds())

	entry := d.log.WithFields(logrus.Fields{
		"op":           c.op,
		"caller":       c.caller,
		"operation_id": c.id,
		"outcome":      kind,
	})
	if err != nil {
		entry.WithError(err).Warn("operation rejected")
		return
	}
	entry.WithField("status", c.receipt.Status).Info("operation committed")
}

// Kind names the error class of err, or "ok" for nil.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrAlreadySet):
		return "already_set"
	case errors.Is(err, ledger.ErrInvalidEvidence):
		return "invalid_evidence"
	case errors.Is(err, ledger.ErrNotOptedIn):
		return "not_opted_in"
	case errors.Is(err, ledger.ErrOverflow):
		return "overflow"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ledger.ErrAccountNotEmpty):
		return "account_not_empty"
	case errors.Is(err, ledger.ErrTokenNotBound):
		return "token_not_bound"
	case errors.Is(err, errAborted):
		return "aborted"
	default:
		return "error"
	}
}
