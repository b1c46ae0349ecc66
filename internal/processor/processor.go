// Package processor drains the transfer queue and executes crypto transfers.
//
// A pool of workers claims jobs under a lease, submits the on-chain transfer,
// and waits for confirmation. Transient failures reschedule the job with
// exponential backoff; permanent failures and exhausted jobs fail the escrow.
// Background sweepers promote due retries and reclaim jobs whose worker died
// mid-lease.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/logging"
	"github.com/pesabridge/pesabridge/internal/metrics"
	"github.com/pesabridge/pesabridge/internal/queue"
	"github.com/pesabridge/pesabridge/internal/retry"
	"github.com/pesabridge/pesabridge/internal/wallet"
)

// Config tunes the worker pool.
type Config struct {
	Workers      int
	Lease        time.Duration // How long a claimed job stays invisible
	MaxAttempts  int
	MaxAge       time.Duration // Jobs older than this expire instead of retrying
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration // Idle sleep when the queue is empty
	ConfirmWait  time.Duration // On-chain confirmation timeout per attempt
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.Lease <= 0 {
		out.Lease = 5 * time.Minute
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.MaxAge <= 0 {
		out.MaxAge = 24 * time.Hour
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 2 * time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 5 * time.Minute
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.ConfirmWait <= 0 {
		out.ConfirmWait = 2 * time.Minute
	}
	return out
}

// Processor executes queued transfer jobs.
type Processor struct {
	cfg     Config
	queue   *queue.Queue
	escrows *escrow.Service
	wallets wallet.Service

	// OnGiveUp runs when a job is abandoned, instead of the default of
	// failing the escrow outright. The settlement layer wires it to the
	// rollback coordinator so funds already received get returned.
	OnGiveUp func(ctx context.Context, e *escrow.Escrow, reason string)

	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

// New creates a processor. Call Start to begin draining the queue.
func New(cfg Config, q *queue.Queue, escrows *escrow.Service, wallets wallet.Service) *Processor {
	return &Processor{
		cfg:     cfg.withDefaults(),
		queue:   q,
		escrows: escrows,
		wallets: wallets,
		stopped: make(chan struct{}),
	}
}

// Start launches the worker pool and sweepers. They run until Stop is called
// or ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.sweeper(ctx)

	logging.L(ctx).Info("processor started", "workers", p.cfg.Workers)
}

// Stop signals all workers to exit and waits for in-flight jobs to settle.
func (p *Processor) Stop() {
	p.once.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.cfg.Lease)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				logging.L(ctx).Error("dequeue failed", "worker", id, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-p.stopped:
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.ProcessJob(ctx, job)
	}
}

// sweeper promotes due retries and reclaims expired leases.
func (p *Processor) sweeper(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval * 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		case <-ticker.C:
			now := time.Now()
			if n, err := p.queue.PromoteDue(ctx, now); err != nil {
				logging.L(ctx).Error("promoting retries failed", "error", err)
			} else if n > 0 {
				logging.L(ctx).Debug("promoted due retries", "count", n)
			}
			if _, err := p.queue.RequeueStalled(ctx, now); err != nil {
				logging.L(ctx).Error("stalled sweep failed", "error", err)
			}
		}
	}
}

// ProcessJob runs a single attempt of a claimed job.
func (p *Processor) ProcessJob(ctx context.Context, job *queue.Job) {
	timer := time.Now()
	defer func() {
		metrics.JobAttemptDuration.Observe(time.Since(timer).Seconds())
	}()

	log := logging.L(ctx).With(
		"job_id", job.ID, "escrow_id", job.EscrowID, "attempt", job.Attempts)

	if _, err := p.escrows.MarkProcessing(ctx, job.EscrowID); err != nil {
		if !errors.Is(err, escrow.ErrInvalidStatus) {
			log.Error("marking escrow processing failed", "error", err)
			p.retryOrGiveUp(ctx, job, err)
			return
		}
		// The escrow is not in a startable state. Redelivered attempts
		// find it already processing; anything else means the escrow
		// settled or was rolled back underneath the job, and paying out
		// now would be wrong.
		e, gerr := p.escrows.Get(ctx, job.EscrowID)
		if gerr != nil {
			log.Error("loading escrow failed", "error", gerr)
			p.retryOrGiveUp(ctx, job, gerr)
			return
		}
		switch e.Status {
		case escrow.StatusProcessing:
			// Continue the attempt
		case escrow.StatusFailed, escrow.StatusError:
			// Only an operator receipt resubmission re-queues a job for a
			// failed escrow. Never pay out once the fiat was refunded.
			if e.RolledBack || e.FiatReceiptNumber == "" {
				log.Warn("escrow no longer transferable, dropping job", "status", string(e.Status))
				if ferr := p.queue.Fail(ctx, job, "failed"); ferr != nil {
					log.Error("removing job failed", "error", ferr)
				}
				return
			}
			// Receipt-backed recovery attempt, continue
		case escrow.StatusCompleted:
			log.Info("escrow already settled, dropping job")
			if cerr := p.queue.Complete(ctx, job); cerr != nil {
				log.Error("removing job failed", "error", cerr)
			}
			return
		default:
			log.Warn("escrow no longer transferable, dropping job", "status", string(e.Status))
			if ferr := p.queue.Fail(ctx, job, "failed"); ferr != nil {
				log.Error("removing job failed", "error", ferr)
			}
			return
		}
	}

	// Bounded execution budget, scaled by priority: urgent transfers are
	// worth waiting longer for before the attempt counts as failed.
	budget := p.transferBudget(job.Priority)
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result, err := p.wallets.Transfer(tctx, job.Chain, job.Token, job.RecipientAddr, job.Amount)
	if err != nil {
		log.Warn("transfer submission failed", "error", err)
		p.retryOrGiveUp(ctx, job, err)
		return
	}

	confirmed, err := p.wallets.WaitForConfirmation(tctx, job.Chain, result.TxHash, budget)
	if err != nil {
		log.Warn("confirmation failed", "tx_hash", result.TxHash, "error", err)
		p.retryOrGiveUp(ctx, job, err)
		return
	}

	if _, err := p.escrows.Complete(ctx, job.EscrowID, confirmed.TxHash); err != nil {
		log.Error("completing escrow failed", "tx_hash", confirmed.TxHash, "error", err)
		// The transfer landed. Never retry the job or we double-pay.
		if _, ferr := p.escrows.FlagForReview(ctx, job.EscrowID,
			fmt.Sprintf("transfer confirmed in tx %s but escrow completion failed: %v", confirmed.TxHash, err)); ferr != nil {
			log.Error("flagging escrow for review failed", "error", ferr)
		}
		if cerr := p.queue.Complete(ctx, job); cerr != nil {
			log.Error("removing job after confirmed transfer failed", "error", cerr)
		}
		return
	}

	if err := p.queue.Complete(ctx, job); err != nil {
		log.Error("removing completed job failed", "error", err)
		return
	}

	log.Info("transfer settled",
		"tx_hash", confirmed.TxHash, "block", confirmed.BlockNumber,
		"chain", job.Chain, "token", job.Token, "amount", job.Amount)
}

// transferBudget returns the per-attempt timeout for a job's tier.
func (p *Processor) transferBudget(priority queue.Priority) time.Duration {
	switch priority {
	case queue.PriorityHigh:
		return 2 * p.cfg.ConfirmWait
	case queue.PriorityLow:
		return p.cfg.ConfirmWait / 2
	default:
		return p.cfg.ConfirmWait
	}
}

// retryOrGiveUp classifies the failure and either reschedules the job with
// backoff or fails it permanently along with its escrow.
func (p *Processor) retryOrGiveUp(ctx context.Context, job *queue.Job, cause error) {
	log := logging.L(ctx).With("job_id", job.ID, "escrow_id", job.EscrowID)
	now := time.Now()

	switch {
	case IsPermanent(cause):
		p.giveUp(ctx, job, "failed", fmt.Sprintf("permanent failure: %v", cause))

	case job.Attempts >= p.cfg.MaxAttempts:
		p.giveUp(ctx, job, "failed",
			fmt.Sprintf("exhausted %d attempts, last error: %v", job.Attempts, cause))

	case job.Age(now) > p.cfg.MaxAge:
		p.giveUp(ctx, job, "expired",
			fmt.Sprintf("job exceeded maximum age %s, last error: %v", p.cfg.MaxAge, cause))

	default:
		delay := retry.Backoff(job.Attempts, p.cfg.BaseDelay, p.cfg.MaxDelay)
		next := now.Add(delay)
		if err := p.queue.Retry(ctx, job, next, cause.Error()); err != nil {
			log.Error("parking job for retry failed", "error", err)
			return
		}
		log.Info("transfer rescheduled",
			"attempt", job.Attempts, "next_attempt_in", delay.Round(time.Millisecond), "error", cause)
	}
}

// giveUp removes the job and fails the escrow with the reason.
func (p *Processor) giveUp(ctx context.Context, job *queue.Job, outcome, reason string) {
	log := logging.L(ctx).With("job_id", job.ID, "escrow_id", job.EscrowID)

	if err := p.queue.Fail(ctx, job, outcome); err != nil {
		log.Error("removing failed job failed", "error", err)
	}

	if p.OnGiveUp != nil {
		if e, err := p.escrows.Get(ctx, job.EscrowID); err == nil {
			p.OnGiveUp(ctx, e, reason)
			log.Warn("transfer abandoned", "outcome", outcome, "reason", reason)
			return
		}
	}
	if _, err := p.escrows.Fail(ctx, job.EscrowID, reason, false); err != nil {
		log.Error("failing escrow failed", "error", err)
		if _, merr := p.escrows.MarkError(ctx, job.EscrowID, reason); merr != nil {
			log.Error("marking escrow errored failed", "error", merr)
		}
	}
	log.Warn("transfer abandoned", "outcome", outcome, "reason", reason)
}

// IsPermanent reports whether a transfer error can never succeed on retry.
// Everything else is assumed transient: RPC hiccups, timeouts, and gateway
// outages all clear up on their own.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if retry.IsPermanent(err) {
		return true
	}
	switch {
	case errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInsufficientBalance),
		errors.Is(err, wallet.ErrUnknownChain),
		errors.Is(err, wallet.ErrInvalidPrivateKey):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, probe := range []string{
		"execution reverted",
		"invalid opcode",
		"exceeds allowance",
		"insufficient funds",
		"nonce too low",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}
