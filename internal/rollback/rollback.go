// Package rollback returns escrowed funds when settlement cannot finish.
//
// Every escrow gets a confirmation deadline at creation, and an offramp gets
// a fresh one when its fiat payout is initiated. The coordinator arms a timer
// per deadline and cancels it when the awaited confirmation arrives; a
// timer that fires checks current state before touching anything, so a
// confirmation racing the deadline wins cleanly. Compensation refunds
// whichever leg already moved money: fiat back over B2C for onramps,
// crypto back on-chain for offramps. When the refund itself fails the
// escrow escalates to the error state for an operator.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/logging"
	"github.com/pesabridge/pesabridge/internal/metrics"
	"github.com/pesabridge/pesabridge/internal/mpesa"
	"github.com/pesabridge/pesabridge/internal/wallet"
)

// Rollback triggers, used as the metric label.
const (
	TriggerTimeout = "timeout"
	TriggerFailure = "failure"
)

const (
	// DefaultSweepInterval is how often the coordinator re-scans for
	// deadlined escrows whose timer was lost, typically after a restart.
	DefaultSweepInterval = 30 * time.Second

	sweepBatch = 100
)

// Coordinator arms confirmation timers and runs compensation.
type Coordinator struct {
	escrows *escrow.Service
	wallets wallet.Service
	gateway mpesa.Gateway

	sweepInterval time.Duration

	timers  sync.Map // escrow ID -> *time.Timer
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a coordinator. Call Start to begin the background sweep.
func New(escrows *escrow.Service, wallets wallet.Service, gateway mpesa.Gateway) *Coordinator {
	return &Coordinator{
		escrows:       escrows,
		wallets:       wallets,
		gateway:       gateway,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the sweep loop and re-arms timers for escrows already past
// or approaching their deadline, recovering state lost in a restart.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	if n, err := c.sweep(ctx); err != nil {
		logging.L(ctx).Error("initial deadline sweep failed", "error", err)
	} else if n > 0 {
		logging.L(ctx).Info("recovered deadlined escrows", "count", n)
	}

	go c.loop(ctx)
}

// Stop halts the sweep loop. Armed timers keep their callbacks but fire into
// a state check, so stopping mid-flight cannot double-refund.
func (c *Coordinator) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stop)
	<-c.done
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeSweep(ctx)
		}
	}
}

func (c *Coordinator) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("deadline sweep panicked", "panic", r)
		}
	}()
	if _, err := c.sweep(ctx); err != nil {
		logging.L(ctx).Error("deadline sweep failed", "error", err)
	}
}

// sweep rolls back escrows whose deadline passed without a live timer.
func (c *Coordinator) sweep(ctx context.Context) (int, error) {
	deadlined, err := c.escrows.ListDeadlined(ctx, time.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range deadlined {
		if _, armed := c.timers.Load(e.ID); armed {
			continue // The timer will handle it
		}
		c.expire(ctx, e.ID)
		n++
	}
	return n, nil
}

// Arm schedules a rollback at the escrow's confirmation deadline. Arming an
// escrow that already has a timer is a no-op.
func (c *Coordinator) Arm(ctx context.Context, e *escrow.Escrow) {
	if _, loaded := c.timers.Load(e.ID); loaded {
		return
	}

	delay := time.Until(e.ConfirmationDeadline)
	if delay < 0 {
		delay = 0
	}
	id := e.ID
	timer := time.AfterFunc(delay, func() {
		c.expire(context.Background(), id)
	})

	if _, loaded := c.timers.LoadOrStore(id, timer); loaded {
		timer.Stop()
		return
	}
	metrics.ConfirmationTimersActive.Inc()
	logging.L(ctx).Debug("confirmation timer armed",
		"escrow_id", id, "deadline", e.ConfirmationDeadline)
}

// Cancel disarms the timer for an escrow whose first leg confirmed in time.
// Safe to call more than once and for escrows never armed.
func (c *Coordinator) Cancel(escrowID string) {
	v, loaded := c.timers.LoadAndDelete(escrowID)
	if !loaded {
		return
	}
	v.(*time.Timer).Stop()
	metrics.ConfirmationTimersActive.Dec()
}

// expire fires when a confirmation window closes. It re-reads the escrow
// before acting: a confirmation that landed meanwhile means nothing to do.
func (c *Coordinator) expire(ctx context.Context, escrowID string) {
	if _, loaded := c.timers.LoadAndDelete(escrowID); loaded {
		metrics.ConfirmationTimersActive.Dec()
	}

	e, err := c.escrows.Get(ctx, escrowID)
	if err != nil {
		logging.L(ctx).Error("loading escrow at deadline failed",
			"escrow_id", escrowID, "error", err)
		return
	}

	switch {
	case e.Status == escrow.StatusPending, e.Status == escrow.StatusReserved:
		// Still waiting on the first leg, roll back
	case e.Status == escrow.StatusProcessing && e.Direction == escrow.DirectionOfframp:
		// Payout initiated but the result callback never arrived
	default:
		return
	}
	if time.Now().Before(e.ConfirmationDeadline) {
		return // Deadline moved or the sweep raced a fresh escrow
	}

	logging.L(ctx).Warn("confirmation window expired",
		"escrow_id", e.ID, "status", string(e.Status))
	c.Compensate(ctx, e, TriggerTimeout)
}

// Compensate refunds whichever leg already moved funds and fails the escrow.
// Called by the deadline path with TriggerTimeout and by settlement when a
// second leg permanently fails with TriggerFailure.
func (c *Coordinator) Compensate(ctx context.Context, e *escrow.Escrow, trigger string) {
	log := logging.L(ctx).With("escrow_id", e.ID, "trigger", trigger)

	refundRef, refunded, err := c.refund(ctx, e, log)
	if err != nil {
		metrics.RollbacksTotal.WithLabelValues(trigger, "error").Inc()
		reason := fmt.Sprintf("rollback failed: %v", err)
		if _, merr := c.escrows.MarkError(ctx, e.ID, reason); merr != nil {
			log.Error("escalating escrow failed", "error", merr)
		}
		log.Error("compensation failed, escrow needs an operator", "error", err)
		return
	}

	reason := "confirmation window expired"
	if trigger == TriggerFailure {
		reason = "settlement failed, funds returned"
	}
	if refundRef != "" {
		// Keep the compensating transfer reference on the record for audit.
		reason = reason + " (refund " + refundRef + ")"
	}
	if _, err := c.escrows.Fail(ctx, e.ID, reason, refunded); err != nil {
		log.Error("failing escrow after rollback failed", "error", err)
		metrics.RollbacksTotal.WithLabelValues(trigger, "error").Inc()
		return
	}

	metrics.RollbacksTotal.WithLabelValues(trigger, "refunded").Inc()
	log.Info("escrow rolled back", "refunded", refunded)
}

// refund returns the funds of whichever leg completed. The returned reference
// identifies the compensating transfer; refunded is false when no money had
// moved yet and there was nothing to send back.
func (c *Coordinator) refund(ctx context.Context, e *escrow.Escrow, log *slog.Logger) (ref string, refunded bool, err error) {
	switch e.Direction {
	case escrow.DirectionOnramp:
		// Fiat only moved once a receipt was recorded. A reserved escrow
		// without one means the prompt went out but the customer never paid.
		if e.FiatReceiptNumber == "" {
			return "", false, nil
		}
		result, err := c.gateway.B2CPayment(ctx, mpesa.B2CParams{
			Phone:     e.Phone,
			Amount:    e.FiatAmount.StringFixed(0),
			Narrative: "refund " + e.ID,
		})
		if err != nil {
			return "", false, fmt.Errorf("refunding fiat: %w", err)
		}
		log.Info("fiat refund initiated", "conversation_id", result.ConversationID)
		return result.ConversationID, true, nil

	case escrow.DirectionOfframp:
		// Crypto only moved once the escrow left pending
		if e.Status == escrow.StatusPending {
			return "", false, nil
		}
		if e.RecipientAddr == "" {
			return "", false, fmt.Errorf("no refund address on escrow %s", e.ID)
		}
		result, err := c.wallets.Transfer(ctx, e.Chain, e.Token, e.RecipientAddr, e.CryptoAmount)
		if err != nil {
			return "", false, fmt.Errorf("refunding crypto: %w", err)
		}
		log.Info("crypto refund submitted", "tx_hash", result.TxHash)
		return result.TxHash, true, nil
	}
	return "", false, fmt.Errorf("unknown direction %q on escrow %s", e.Direction, e.ID)
}
