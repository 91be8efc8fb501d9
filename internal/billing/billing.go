// Package billing consumes paid-invoice events and starts the background
// reconciliation sweeps alongside its event loop.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudconnect/tunneld/internal/db"
)

// ErrQueueFull is returned by Submit when the event loop is behind
var ErrQueueFull = errors.New("payment queue full")

// Invoice is a paid invoice as delivered by the wallet host
type Invoice struct {
	PaymentHash string         `json:"payment_hash" binding:"required"`
	Amount      int64          `json:"amount"`
	Memo        string         `json:"memo"`
	Extra       map[string]any `json:"extra"`
}

// Tag returns extra.tag, the extension an invoice belongs to
func (inv Invoice) Tag() string {
	tag, _ := inv.Extra["tag"].(string)
	return tag
}

// PaymentStore records processed payments
type PaymentStore interface {
	RecordPayment(ctx context.Context, p *db.Payment) (bool, error)
}

// Sweeps are the reconciliation loops started with the bootstrap
type Sweeps interface {
	RunHealthSweep(ctx context.Context)
	RunStartupSweep(ctx context.Context) int
}

// Bootstrap owns the invoice queue
type Bootstrap struct {
	store  PaymentStore
	sweeps Sweeps
	tag    string
	queue  chan Invoice
}

// New creates a Bootstrap accepting invoices tagged tag
func New(store PaymentStore, sweeps Sweeps, tag string, queueSize int) *Bootstrap {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bootstrap{
		store:  store,
		sweeps: sweeps,
		tag:    tag,
		queue:  make(chan Invoice, queueSize),
	}
}

// Submit queues a paid invoice without blocking
func (b *Bootstrap) Submit(inv Invoice) error {
	select {
	case b.queue <- inv:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the health and startup sweeps and consumes invoices until ctx
// is done. It returns once all three have stopped.
func (b *Bootstrap) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if b.sweeps != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.sweeps.RunHealthSweep(ctx)
		}()
		go func() {
			defer wg.Done()
			b.sweeps.RunStartupSweep(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case inv := <-b.queue:
			if _, err := b.Handle(ctx, inv); err != nil {
				slog.Error(fmt.Sprintf("Error processing payment for %s: %v", b.tag, err))
			}
		}
	}
}

// Handle processes one invoice. Invoices for other extensions are ignored
// and report false.
func (b *Bootstrap) Handle(ctx context.Context, inv Invoice) (bool, error) {
	if inv.Tag() != b.tag {
		slog.Debug("Ignoring invoice for another extension", "tag", inv.Tag(), "payment_hash", inv.PaymentHash)
		return false, nil
	}

	slog.Info(fmt.Sprintf("Invoice paid for %s: %s", b.tag, inv.PaymentHash))

	extra, err := json.Marshal(inv.Extra)
	if err != nil {
		return false, fmt.Errorf("encode extra: %w", err)
	}
	inserted, err := b.store.RecordPayment(ctx, &db.Payment{
		Hash:   inv.PaymentHash,
		Amount: inv.Amount,
		Memo:   inv.Memo,
		Tag:    b.tag,
		Extra:  string(extra),
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		slog.Info("Payment already recorded", "payment_hash", inv.PaymentHash)
	}
	return true, nil
}
