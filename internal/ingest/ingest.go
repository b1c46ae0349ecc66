// Package ingest applies M-Pesa gateway callbacks to escrows.
//
// Callbacks are at-least-once and unordered, so every apply is idempotent:
// a replayed receipt is acknowledged without a second state change, and a
// receipt seen on a different escrow is rejected outright. Confirmations
// that arrive after the escrow was rolled back are never auto-applied; they
// are flagged for operator reconciliation instead.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/logging"
	"github.com/pesabridge/pesabridge/internal/metrics"
	"github.com/pesabridge/pesabridge/internal/mpesa"
)

// Apply outcomes, used as the metric label and returned for observability.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeUnmatched = "unmatched"
	OutcomeRejected  = "rejected"
)

// Ingestor matches callbacks to escrows and advances their state.
type Ingestor struct {
	escrows *escrow.Service

	// OnFiatConfirmed fires after an STK confirmation records the fiat
	// receipt on an escrow. The settlement layer uses it to cancel the
	// rollback timer and queue the crypto transfer.
	OnFiatConfirmed func(ctx context.Context, e *escrow.Escrow)

	// OnPayoutFailed fires when a B2C payout result reports failure, so the
	// crypto leg can be compensated.
	OnPayoutFailed func(ctx context.Context, e *escrow.Escrow)

	tasks   chan func(context.Context)
	running atomic.Bool
}

// taskBuffer bounds the number of callbacks waiting for the apply worker.
// Overflow applies inline rather than dropping an acked callback.
const taskBuffer = 256

// New creates an ingestor.
func New(escrows *escrow.Service) *Ingestor {
	return &Ingestor{
		escrows: escrows,
		tasks:   make(chan func(context.Context), taskBuffer),
	}
}

// Start launches the apply worker. The handlers ack the gateway first and
// hand the business logic to this worker; without Start every submit applies
// inline.
func (i *Ingestor) Start(ctx context.Context) {
	if !i.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer i.running.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-i.tasks:
				i.apply(ctx, fn)
			}
		}
	}()
}

// apply runs fn, containing any panic. A crashing apply must never take the
// worker or the handler down with it.
func (i *Ingestor) apply(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("callback apply panicked", "panic", r)
		}
	}()
	fn(ctx)
}

func (i *Ingestor) submit(ctx context.Context, fn func(context.Context)) {
	if i.running.Load() {
		select {
		case i.tasks <- fn:
			return
		default:
		}
	}
	i.apply(ctx, fn)
}

// SubmitSTK schedules an STK result for asynchronous apply.
func (i *Ingestor) SubmitSTK(ctx context.Context, cb *mpesa.STKCallback) {
	i.submit(ctx, func(ctx context.Context) {
		if outcome, err := i.ApplySTK(ctx, cb); err != nil {
			logging.L(ctx).Error("stk callback apply failed",
				"outcome", outcome, "error", err)
		}
	})
}

// SubmitB2C schedules a B2C result for asynchronous apply.
func (i *Ingestor) SubmitB2C(ctx context.Context, cb *mpesa.B2CCallback) {
	i.submit(ctx, func(ctx context.Context) {
		if outcome, err := i.ApplyB2C(ctx, cb); err != nil {
			logging.L(ctx).Error("b2c callback apply failed",
				"outcome", outcome, "error", err)
		}
	})
}

// ApplySTK applies an STK push result to its onramp escrow. The returned
// outcome is one of the Outcome constants.
func (i *Ingestor) ApplySTK(ctx context.Context, cb *mpesa.STKCallback) (string, error) {
	ref := cb.Body.StkCallback.CheckoutRequestID
	log := logging.L(ctx).With("kind", "stk", "reference", ref)

	outcome, err := i.applySTK(ctx, cb, log)
	metrics.WebhooksTotal.WithLabelValues("stk", outcome).Inc()
	return outcome, err
}

func (i *Ingestor) applySTK(ctx context.Context, cb *mpesa.STKCallback, log *slog.Logger) (string, error) {
	ref := cb.Body.StkCallback.CheckoutRequestID
	e, err := i.escrows.GetByReference(ctx, ref)
	if err != nil {
		if !errors.Is(err, escrow.ErrEscrowNotFound) {
			return OutcomeUnmatched, err
		}
		if e = i.matchByPhone(ctx, cb, log); e == nil {
			log.Warn("callback matches no escrow")
			return OutcomeUnmatched, nil
		}
	}
	log = log.With("escrow_id", e.ID)

	if !cb.Success() {
		return i.applyFiatFailure(ctx, e, cb.Body.StkCallback.ResultDesc, log)
	}

	receipt := cb.Receipt()
	if receipt == "" {
		log.Error("success callback without receipt")
		return OutcomeRejected, fmt.Errorf("callback for %s has no receipt", e.ID)
	}

	// Idempotency and double-spend guard
	if holder, err := i.escrows.GetByReceipt(ctx, receipt); err == nil {
		if holder.ID == e.ID {
			log.Info("receipt replayed", "receipt", receipt)
			return OutcomeDuplicate, nil
		}
		log.Error("receipt already bound to another escrow",
			"receipt", receipt, "holder", holder.ID)
		return OutcomeRejected, fmt.Errorf("%w: receipt %s", escrow.ErrReceiptUsed, receipt)
	}

	// A confirmation landing after the window expired and funds were
	// returned must not resurrect the escrow.
	if e.RolledBack || e.Status == escrow.StatusFailed || e.Status == escrow.StatusError {
		log.Warn("payment confirmed after rollback", "receipt", receipt, "status", string(e.Status))
		if _, ferr := i.escrows.FlagForReview(ctx, e.ID,
			fmt.Sprintf("fiat payment %s confirmed after escrow was rolled back", receipt)); ferr != nil {
			log.Error("flagging for review failed", "error", ferr)
		}
		return OutcomeRejected, nil
	}

	confirmed, err := i.escrows.ConfirmFiat(ctx, e.ID, receipt)
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidStatus) {
			// Escrow moved past reservation between lookup and confirm.
			// Late receipts attach without another transition.
			if _, berr := i.escrows.BackfillReceipt(ctx, e.ID, receipt); berr == nil {
				log.Info("receipt backfilled", "receipt", receipt)
				return OutcomeDuplicate, nil
			}
		}
		return OutcomeRejected, err
	}

	log.Info("fiat payment confirmed", "receipt", receipt)
	if i.OnFiatConfirmed != nil {
		i.OnFiatConfirmed(ctx, confirmed)
	}
	return OutcomeApplied, nil
}

// matchWindow bounds how old an escrow may be for the phone fallback;
// anything older is stale enough that a blind match risks crediting the
// wrong transaction.
const matchWindow = 10 * time.Minute

// matchByPhone pairs a callback with the payer's most recent unreferenced
// escrow when the reference from initiation was lost, then backfills the
// reference so later deliveries match directly.
func (i *Ingestor) matchByPhone(ctx context.Context, cb *mpesa.STKCallback, log *slog.Logger) *escrow.Escrow {
	phone := cb.Phone()
	if phone == "" {
		return nil
	}
	e, err := i.escrows.FindRecentByPhone(ctx, phone, time.Now().Add(-matchWindow))
	if err != nil {
		return nil
	}
	if _, aerr := i.escrows.AttachReference(ctx, e.ID, cb.Body.StkCallback.CheckoutRequestID); aerr != nil {
		log.Warn("backfilling reference failed", "escrow_id", e.ID, "error", aerr)
	}
	log.Info("callback matched by payer phone", "escrow_id", e.ID)
	return e
}

// applyFiatFailure handles a non-zero result code, usually a cancelled or
// timed-out prompt. No money moved, so the escrow just fails.
func (i *Ingestor) applyFiatFailure(ctx context.Context, e *escrow.Escrow, desc string, log *slog.Logger) (string, error) {
	if e.Status == escrow.StatusCompleted {
		log.Warn("failure callback for settled escrow", "desc", desc)
		if _, err := i.escrows.FlagForReview(ctx, e.ID,
			fmt.Sprintf("gateway reported failure after settlement: %s", desc)); err != nil {
			return OutcomeRejected, err
		}
		return OutcomeRejected, nil
	}
	if e.Status == escrow.StatusFailed || e.Status == escrow.StatusError {
		log.Info("failure callback replayed", "desc", desc)
		return OutcomeDuplicate, nil
	}

	if _, err := i.escrows.Fail(ctx, e.ID, "payment failed: "+desc, false); err != nil {
		return OutcomeRejected, err
	}
	log.Info("fiat payment failed", "desc", desc)
	return OutcomeApplied, nil
}

// ApplyB2C applies a payout result to its offramp escrow.
func (i *Ingestor) ApplyB2C(ctx context.Context, cb *mpesa.B2CCallback) (string, error) {
	ref := cb.Result.ConversationID
	log := logging.L(ctx).With("kind", "b2c", "reference", ref)

	outcome, err := i.applyB2C(ctx, cb, log)
	metrics.WebhooksTotal.WithLabelValues("b2c", outcome).Inc()
	return outcome, err
}

func (i *Ingestor) applyB2C(ctx context.Context, cb *mpesa.B2CCallback, log *slog.Logger) (string, error) {
	e, err := i.escrows.GetByReference(ctx, cb.Result.ConversationID)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			log.Warn("callback matches no escrow")
			return OutcomeUnmatched, nil
		}
		return OutcomeUnmatched, err
	}
	log = log.With("escrow_id", e.ID)

	if !cb.Success() {
		if e.Status == escrow.StatusFailed || e.Status == escrow.StatusError {
			return OutcomeDuplicate, nil
		}
		log.Warn("payout failed", "desc", cb.Result.ResultDesc)
		if i.OnPayoutFailed != nil {
			// Compensation fails the escrow after refunding the crypto leg
			i.OnPayoutFailed(ctx, e)
			return OutcomeApplied, nil
		}
		if _, err := i.escrows.Fail(ctx, e.ID, "payout failed: "+cb.Result.ResultDesc, false); err != nil {
			return OutcomeRejected, err
		}
		return OutcomeApplied, nil
	}

	receipt := cb.Receipt()

	// A payout result landing after the deposit was refunded must not
	// resurrect the escrow; the money now needs an operator to reconcile.
	if e.RolledBack || e.Status == escrow.StatusFailed || e.Status == escrow.StatusError {
		log.Warn("payout confirmed after rollback", "receipt", receipt, "status", string(e.Status))
		if _, ferr := i.escrows.FlagForReview(ctx, e.ID,
			fmt.Sprintf("payout %s confirmed after escrow was rolled back", receipt)); ferr != nil {
			log.Error("flagging for review failed", "error", ferr)
		}
		return OutcomeRejected, nil
	}

	if e.Status == escrow.StatusCompleted {
		if e.FiatReceiptNumber == receipt {
			log.Info("payout result replayed", "receipt", receipt)
			return OutcomeDuplicate, nil
		}
		// Settled without a receipt on file: attach it now
		if _, err := i.escrows.BackfillReceipt(ctx, e.ID, receipt); err != nil {
			return OutcomeRejected, err
		}
		log.Info("payout receipt backfilled", "receipt", receipt)
		return OutcomeApplied, nil
	}

	if receipt != "" {
		if _, err := i.escrows.BackfillReceipt(ctx, e.ID, receipt); err != nil {
			log.Error("recording payout receipt failed", "receipt", receipt, "error", err)
			return OutcomeRejected, err
		}
	}
	if _, err := i.escrows.Complete(ctx, e.ID, e.TxHash); err != nil {
		return OutcomeRejected, err
	}
	log.Info("payout confirmed", "receipt", receipt)
	return OutcomeApplied, nil
}
