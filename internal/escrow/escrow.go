// Package escrow holds funds in trust while a dual-leg settlement completes.
//
// Flow (onramp):
//  1. User initiates → escrow created pending, STK push sent
//  2. Push accepted → reserved, crypto amount earmarked for the payout
//  3. M-Pesa callback confirms payment → receipt recorded, transfer queued
//  4. Transfer confirmed on-chain → completed
//  5. Transfer fails permanently or window expires → failed, fiat refunded
//  6. Refund itself fails → error, flagged for manual intervention
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/pesabridge/internal/idgen"
	"github.com/pesabridge/pesabridge/internal/logging"
	"github.com/pesabridge/pesabridge/internal/metrics"
	"github.com/pesabridge/pesabridge/internal/syncutil"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrInvalidStatus  = errors.New("invalid escrow status for this operation")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrReceiptUsed    = errors.New("fiat receipt already recorded on another escrow")
	ErrAlreadySettled = errors.New("escrow already settled")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending    Status = "pending"    // Created, first leg not yet accepted
	StatusReserved   Status = "reserved"   // First leg accepted, crypto earmarked, fiat unconfirmed
	StatusProcessing Status = "processing" // Second leg in flight
	StatusCompleted  Status = "completed"  // Both legs settled
	StatusFailed     Status = "failed"     // Settlement failed, compensation applied
	StatusError      Status = "error"      // Compensation failed, needs an operator
)

// Direction indicates which way value flows.
type Direction string

const (
	DirectionOnramp  Direction = "onramp"  // Fiat in, crypto out
	DirectionOfframp Direction = "offramp" // Crypto in, fiat out
)

// IsTerminal returns true if the escrow has settled. Completed escrows still
// accept receipt backfill through Amend, but no status transition leaves them.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusCompleted
}

// CanRecover returns true if a manual resubmission may still complete this escrow.
func (e *Escrow) CanRecover() bool {
	return e.Status == StatusFailed || e.Status == StatusError
}

// Escrow represents a single dual-leg settlement record.
type Escrow struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`

	// Fiat leg
	FiatAmount        decimal.Decimal `json:"fiatAmount"`
	FiatCurrency      string          `json:"fiatCurrency"`
	Phone             string          `json:"phone"`
	MpesaReference    string          `json:"mpesaReference,omitempty"`    // CheckoutRequestID / ConversationID
	FiatReceiptNumber string          `json:"fiatReceiptNumber,omitempty"` // MpesaReceiptNumber, set on fiat confirmation

	// Crypto leg
	Chain         string `json:"chain"`
	Token         string `json:"token"`
	CryptoAmount  string `json:"cryptoAmount"` // Decimal string in token units
	RecipientAddr string `json:"recipientAddr"`
	TxHash        string `json:"txHash,omitempty"`

	ConfirmationDeadline time.Time `json:"confirmationDeadline"`

	FailureReason              string `json:"failureReason,omitempty"`
	RolledBack                 bool   `json:"rolledBack"`
	RequiresManualIntervention bool   `json:"requiresManualIntervention"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Mutation applies field changes to an escrow inside a store transition.
// The store sets UpdatedAt after the mutation runs.
type Mutation func(*Escrow)

// Store persists escrow data. Transition and Amend are conditional updates:
// they apply only when the current status is one of from, so concurrent
// writers cannot clobber a settled record.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByReference(ctx context.Context, reference string) (*Escrow, error)
	GetByReceipt(ctx context.Context, receipt string) (*Escrow, error)
	Transition(ctx context.Context, id string, from []Status, to Status, mut Mutation) (*Escrow, error)
	Amend(ctx context.Context, id string, from []Status, mut Mutation) (*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	ListDeadlined(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListForReview(ctx context.Context, limit int) ([]*Escrow, error)
}

// CreateParams contains the parameters for creating an escrow record.
type CreateParams struct {
	Direction     Direction
	FiatAmount    decimal.Decimal
	FiatCurrency  string
	Phone         string
	Chain         string
	Token         string
	CryptoAmount  string
	RecipientAddr string
	Window        time.Duration // Confirmation window; deadline = now + Window
}

// Service implements the escrow state machine over a Store.
type Service struct {
	store Store
	// Per-escrow locks keep webhook apply, processor completion, and
	// rollback from racing.
	locks syncutil.ShardedMutex
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create creates a new pending escrow.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if p.FiatAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if p.Window <= 0 {
		return nil, fmt.Errorf("confirmation window must be positive")
	}

	now := time.Now()
	e := &Escrow{
		ID:                   idgen.WithPrefix("esc_"),
		Direction:            p.Direction,
		Status:               StatusPending,
		FiatAmount:           p.FiatAmount,
		FiatCurrency:         p.FiatCurrency,
		Phone:                p.Phone,
		Chain:                p.Chain,
		Token:                p.Token,
		CryptoAmount:         p.CryptoAmount,
		RecipientAddr:        strings.ToLower(p.RecipientAddr),
		ConfirmationDeadline: now.Add(p.Window),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("", string(StatusPending)).Inc()
	return e, nil
}

// AttachReference records the gateway reference (CheckoutRequestID) once the
// payment prompt is accepted and moves the escrow to reserved: the crypto
// amount is earmarked while the fiat confirmation is pending. Reserved is
// allowed as a source so the phone-fallback backfill can attach a reference
// that was lost at initiation.
func (s *Service) AttachReference(ctx context.Context, id, reference string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	return s.transition(ctx, id, []Status{StatusPending, StatusReserved}, StatusReserved, func(e *Escrow) {
		e.MpesaReference = reference
	})
}

// AttachPayoutReference records the gateway reference for an offramp payout,
// which is initiated only after the crypto deposit moved the escrow into
// processing. The confirmation clock restarts: the payout result callback
// must land before the new deadline or the deposit is refunded.
func (s *Service) AttachPayoutReference(ctx context.Context, id, reference string, deadline time.Time) (*Escrow, error) {
	defer s.locks.Lock(id)()

	return s.store.Amend(ctx, id, []Status{StatusProcessing}, func(e *Escrow) {
		e.MpesaReference = reference
		e.ConfirmationDeadline = deadline
	})
}

// RecordDeposit stores the transaction hash of an offramp crypto deposit.
func (s *Service) RecordDeposit(ctx context.Context, id, txHash string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	return s.store.Amend(ctx, id, []Status{StatusPending, StatusProcessing}, func(e *Escrow) {
		e.TxHash = txHash
	})
}

// ConfirmFiat records the fiat receipt when the payment callback lands. The
// escrow is normally reserved by then; pending is accepted for escrows whose
// reference was never recorded and that matched through the phone fallback.
func (s *Service) ConfirmFiat(ctx context.Context, id, receipt string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.FiatReceiptNumber != "" && e.FiatReceiptNumber != receipt {
		return nil, fmt.Errorf("%w: escrow %s already has receipt %s", ErrReceiptUsed, id, e.FiatReceiptNumber)
	}

	return s.transition(ctx, id, []Status{StatusPending, StatusReserved}, StatusReserved, func(e *Escrow) {
		e.FiatReceiptNumber = receipt
	})
}

// MarkProcessing moves an escrow into processing when its transfer job is
// picked up. Reserved is the normal entry; pending is allowed for offramps
// where the crypto leg runs first.
func (s *Service) MarkProcessing(ctx context.Context, id string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	return s.transition(ctx, id, []Status{StatusPending, StatusReserved}, StatusProcessing, nil)
}

// Complete settles an escrow after the second leg confirms. Reserved is a
// valid source for transfers that land before the job pickup was recorded;
// failed and error escrows may complete through manual resubmission.
func (s *Service) Complete(ctx context.Context, id, txHash string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.transition(ctx, id,
		[]Status{StatusReserved, StatusProcessing, StatusFailed, StatusError},
		StatusCompleted,
		func(e *Escrow) {
			now := time.Now()
			e.TxHash = txHash
			e.CompletedAt = &now
			e.FailureReason = ""
			e.RequiresManualIntervention = false
		})
	if err != nil {
		return nil, err
	}

	metrics.EscrowSettlementDuration.Observe(time.Since(e.CreatedAt).Seconds())
	return e, nil
}

// Fail marks an escrow failed with a reason. rolledBack records whether a
// compensating refund was applied.
func (s *Service) Fail(ctx context.Context, id, reason string, rolledBack bool) (*Escrow, error) {
	defer s.locks.Lock(id)()

	return s.transition(ctx, id,
		[]Status{StatusPending, StatusReserved, StatusProcessing},
		StatusFailed,
		func(e *Escrow) {
			e.FailureReason = reason
			e.RolledBack = rolledBack
		})
}

// MarkError escalates a failed escrow whose compensation also failed.
// These records always require manual intervention.
func (s *Service) MarkError(ctx context.Context, id, reason string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	return s.transition(ctx, id,
		[]Status{StatusPending, StatusReserved, StatusProcessing, StatusFailed},
		StatusError,
		func(e *Escrow) {
			e.FailureReason = reason
			e.RequiresManualIntervention = true
		})
}

// FlagForReview marks an escrow for operator attention without changing status.
func (s *Service) FlagForReview(ctx context.Context, id, reason string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Amend(ctx, id,
		[]Status{StatusPending, StatusReserved, StatusProcessing, StatusCompleted, StatusFailed, StatusError},
		func(e *Escrow) {
			if e.FailureReason == "" {
				e.FailureReason = reason
			}
			e.RequiresManualIntervention = true
		})
	if err != nil {
		return nil, err
	}
	metrics.ManualReviewTotal.Inc()
	return e, nil
}

// BackfillReceipt records a late-arriving fiat receipt. This is the one write
// allowed on a completed escrow, and only when no receipt is present yet.
func (s *Service) BackfillReceipt(ctx context.Context, id, receipt string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.FiatReceiptNumber != "" {
		if e.FiatReceiptNumber == receipt {
			return e, nil // Idempotent replay
		}
		return nil, fmt.Errorf("%w: escrow %s already has receipt %s", ErrReceiptUsed, id, e.FiatReceiptNumber)
	}

	return s.store.Amend(ctx, id,
		[]Status{StatusReserved, StatusProcessing, StatusCompleted, StatusFailed, StatusError},
		func(e *Escrow) {
			e.FiatReceiptNumber = receipt
		})
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByReference returns the escrow holding a gateway reference.
func (s *Service) GetByReference(ctx context.Context, reference string) (*Escrow, error) {
	return s.store.GetByReference(ctx, reference)
}

// GetByReceipt returns the escrow holding a fiat receipt number.
func (s *Service) GetByReceipt(ctx context.Context, receipt string) (*Escrow, error) {
	return s.store.GetByReceipt(ctx, receipt)
}

// FindRecentByPhone returns the newest reserved or pending escrow for the
// phone created after since that has no gateway reference yet. It backs the
// webhook fallback match for callbacks whose initiation response was lost.
func (s *Service) FindRecentByPhone(ctx context.Context, phone string, since time.Time) (*Escrow, error) {
	var best *Escrow
	for _, status := range []Status{StatusReserved, StatusPending} {
		list, err := s.store.ListByStatus(ctx, status, 100)
		if err != nil {
			return nil, err
		}
		for _, e := range list {
			if e.Phone != phone || e.MpesaReference != "" || e.CreatedAt.Before(since) {
				continue
			}
			if best == nil || e.CreatedAt.After(best.CreatedAt) {
				best = e
			}
		}
	}
	if best == nil {
		return nil, ErrEscrowNotFound
	}
	return best, nil
}

// ListByStatus returns up to limit escrows in the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// ListForReview returns escrows flagged for manual intervention.
func (s *Service) ListForReview(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListForReview(ctx, limit)
}

// ListDeadlined returns non-settled escrows whose confirmation window has
// passed, used to re-arm rollback timers after a restart.
func (s *Service) ListDeadlined(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDeadlined(ctx, before, limit)
}

// transition performs a CAS status change and records the metric.
// Caller must hold the per-escrow lock.
func (s *Service) transition(ctx context.Context, id string, from []Status, to Status, mut Mutation) (*Escrow, error) {
	e, err := s.store.Transition(ctx, id, from, to, mut)
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			logging.L(ctx).Warn("escrow transition rejected",
				"escrow_id", id, "to", string(to))
		}
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(statusFrom(from, e), string(to)).Inc()
	return e, nil
}

// statusFrom picks the label for the transition source. With a single allowed
// source it is exact; otherwise the store told us what it moved from.
func statusFrom(from []Status, e *Escrow) string {
	if len(from) == 1 {
		return string(from[0])
	}
	// Transition stores return the post-update record; the actual prior
	// status is not echoed back, so label with the set.
	parts := make([]string, len(from))
	for i, s := range from {
		parts[i] = string(s)
	}
	return strings.Join(parts, "|")
}
