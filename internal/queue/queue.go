// Package queue provides a durable priority queue for crypto transfer jobs.
//
// Jobs wait in one of three priority tiers and move to a processing set while
// a worker holds them under a lease. Failed attempts park in a time-ordered
// retry set until their backoff elapses. At most one live job exists per
// escrow at any time, wherever the job currently sits.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesabridge/pesabridge/internal/assets"
	"github.com/pesabridge/pesabridge/internal/logging"
	"github.com/pesabridge/pesabridge/internal/metrics"
)

var (
	ErrEmpty                = errors.New("queue is empty")
	ErrJobNotFound          = errors.New("job not found")
	ErrDuplicateJob         = errors.New("a live job already exists for this escrow")
	ErrUpstreamInsufficient = errors.New("treasury balance below transfer amount")
)

// Priority orders jobs across tiers. High drains before normal, normal before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Job is a single crypto transfer awaiting execution.
type Job struct {
	ID            string     `json:"id"`
	EscrowID      string     `json:"escrowId"`
	Priority      Priority   `json:"priority"`
	Chain         string     `json:"chain"`
	Token         string     `json:"token"`
	Amount        string     `json:"amount"` // Decimal string in token units
	RecipientAddr string     `json:"recipientAddr"`
	Attempts      int        `json:"attempts"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"` // Set while parked for retry
	LeasedUntil   *time.Time `json:"leasedUntil,omitempty"`   // Set while processing
	LastError     string     `json:"lastError,omitempty"`
}

// Age returns how long the job has existed since first enqueue.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.EnqueuedAt)
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	High       int `json:"high"`
	Normal     int `json:"normal"`
	Low        int `json:"low"`
	Processing int `json:"processing"`
	Retry      int `json:"retry"`
}

// Waiting returns the number of jobs in priority tiers.
func (s *Stats) Waiting() int {
	return s.High + s.Normal + s.Low
}

// Store persists queue state. Implementations must keep the one-live-job-per-
// escrow invariant: Enqueue fails with ErrDuplicateJob while any job for the
// same escrow sits in a tier, the processing set, or the retry set.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue atomically claims the oldest job from the highest non-empty
	// tier, increments its attempt count, and leases it until now+lease.
	Dequeue(ctx context.Context, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, jobID string) error
	// Retry parks a processing job in the retry set until nextAttemptAt.
	Retry(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error
	// Fail removes a processing job permanently.
	Fail(ctx context.Context, jobID string) error
	// PromoteDue moves retry-set jobs whose nextAttemptAt has passed back
	// into their priority tiers. Returns the number promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// RequeueStalled returns processing jobs with expired leases to their
	// tiers. Returns the number requeued.
	RequeueStalled(ctx context.Context, now time.Time) (int, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Job, error)
	Stats(ctx context.Context) (*Stats, error)
}

// EnqueueParams describes a transfer to queue.
type EnqueueParams struct {
	EscrowID      string
	Priority      Priority
	Chain         string
	Token         string
	Amount        string
	RecipientAddr string
}

// BalanceChecker reports the treasury's spendable balance for an asset as a
// decimal string. wallet.Service satisfies it.
type BalanceChecker interface {
	TreasuryBalance(ctx context.Context, chain, token string) (string, error)
}

// Queue wraps a Store with metrics and logging.
type Queue struct {
	store    Store
	balances BalanceChecker // optional, rejects obviously unfundable jobs early
}

// New creates a queue over the given store.
func New(store Store) *Queue {
	return &Queue{store: store}
}

// WithBalanceCheck enables the enqueue-time treasury balance precheck.
// The check is an early rejection only; the processor re-checks balance
// right before executing each transfer.
func (q *Queue) WithBalanceCheck(b BalanceChecker) *Queue {
	q.balances = b
	return q
}

// Enqueue adds a transfer job. Duplicate escrows are rejected with
// ErrDuplicateJob so a retry storm cannot double-pay.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	priority := p.Priority
	if !priority.Valid() {
		priority = PriorityNormal
	}

	if q.balances != nil {
		if err := q.precheckBalance(ctx, p); err != nil {
			return nil, err
		}
	}

	job := &Job{
		ID:            uuid.NewString(),
		EscrowID:      p.EscrowID,
		Priority:      priority,
		Chain:         p.Chain,
		Token:         p.Token,
		Amount:        p.Amount,
		RecipientAddr: p.RecipientAddr,
		EnqueuedAt:    time.Now(),
	}

	if err := q.store.Enqueue(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			metrics.QueueJobsTotal.WithLabelValues(string(priority), "deduplicated").Inc()
			logging.L(ctx).Info("duplicate transfer suppressed",
				"escrow_id", p.EscrowID, "priority", string(priority))
		}
		return nil, err
	}

	logging.L(ctx).Info("transfer queued",
		"job_id", job.ID, "escrow_id", job.EscrowID,
		"priority", string(job.Priority), "amount", job.Amount)
	return job, nil
}

// precheckBalance compares raw integer units scaled by token decimals, so
// decimal rounding cannot produce a false rejection.
func (q *Queue) precheckBalance(ctx context.Context, p EnqueueParams) error {
	asset, err := assets.Lookup(assets.Chain(p.Chain), assets.Token(p.Token))
	if err != nil {
		return err
	}
	need, err := assets.ParseUnits(p.Amount, asset.Decimals)
	if err != nil {
		return fmt.Errorf("parsing transfer amount: %w", err)
	}
	have, err := q.balances.TreasuryBalance(ctx, p.Chain, p.Token)
	if err != nil {
		// A failed balance read must not block the queue; the processor
		// re-checks right before the transfer executes.
		logging.L(ctx).Warn("treasury balance precheck skipped",
			"chain", p.Chain, "token", p.Token, "error", err)
		return nil
	}
	haveRaw, err := assets.ParseUnits(have, asset.Decimals)
	if err != nil {
		return fmt.Errorf("parsing treasury balance: %w", err)
	}
	if haveRaw.Cmp(need) < 0 {
		return fmt.Errorf("%w: need %s %s on %s, have %s",
			ErrUpstreamInsufficient, p.Amount, p.Token, p.Chain, have)
	}
	return nil
}

// Dequeue claims the next job under a lease. Returns ErrEmpty when no tier
// has work.
func (q *Queue) Dequeue(ctx context.Context, lease time.Duration) (*Job, error) {
	return q.store.Dequeue(ctx, lease)
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if err := q.store.Complete(ctx, job.ID); err != nil {
		return err
	}
	metrics.QueueJobsTotal.WithLabelValues(string(job.Priority), "completed").Inc()
	return nil
}

// Retry parks a job until nextAttemptAt.
func (q *Queue) Retry(ctx context.Context, job *Job, nextAttemptAt time.Time, lastError string) error {
	if err := q.store.Retry(ctx, job.ID, nextAttemptAt, lastError); err != nil {
		return err
	}
	metrics.QueueJobsTotal.WithLabelValues(string(job.Priority), "retried").Inc()
	return nil
}

// Fail removes a job permanently.
func (q *Queue) Fail(ctx context.Context, job *Job, outcome string) error {
	if err := q.store.Fail(ctx, job.ID); err != nil {
		return err
	}
	metrics.QueueJobsTotal.WithLabelValues(string(job.Priority), outcome).Inc()
	return nil
}

// PromoteDue moves due retry jobs back into their tiers.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return q.store.PromoteDue(ctx, now)
}

// RequeueStalled sweeps jobs whose worker lease expired back into their tiers.
func (q *Queue) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	n, err := q.store.RequeueStalled(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.QueueStalledRequeuedTotal.Add(float64(n))
		logging.L(ctx).Warn("requeued stalled jobs", "count", n)
	}
	return n, nil
}

// GetByEscrow returns the live job for an escrow, if any.
func (q *Queue) GetByEscrow(ctx context.Context, escrowID string) (*Job, error) {
	return q.store.GetByEscrow(ctx, escrowID)
}

// Stats snapshots queue depths and refreshes the depth gauges.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.WithLabelValues(string(PriorityHigh)).Set(float64(stats.High))
	metrics.QueueDepth.WithLabelValues(string(PriorityNormal)).Set(float64(stats.Normal))
	metrics.QueueDepth.WithLabelValues(string(PriorityLow)).Set(float64(stats.Low))
	metrics.QueueProcessingJobs.Set(float64(stats.Processing))
	return stats, nil
}
