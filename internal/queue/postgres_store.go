package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists queue state in PostgreSQL. Tiers, the processing
// set, and the retry set are states of one transfer_jobs table; the unique
// index on escrow_id is the dedup guarantee, and FOR UPDATE SKIP LOCKED
// lets concurrent workers dequeue without contending.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed queue store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, escrow_id, priority, chain, token, amount, recipient_addr,
	       attempts, enqueued_at, next_attempt_at, leased_until, last_error`

func (p *PostgresStore) Enqueue(ctx context.Context, job *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_jobs (
			id, escrow_id, state, priority, chain, token, amount,
			recipient_addr, attempts, enqueued_at
		) VALUES ($1, $2, 'queued', $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.EscrowID, string(job.Priority), job.Chain, job.Token,
		job.Amount, job.RecipientAddr, job.Attempts, job.EnqueuedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateJob
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Dequeue(ctx context.Context, lease time.Duration) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE transfer_jobs SET
			state = 'processing',
			attempts = attempts + 1,
			leased_until = $1,
			next_attempt_at = NULL
		WHERE id = (
			SELECT id FROM transfer_jobs
			WHERE state = 'queued'
			ORDER BY CASE priority
				WHEN 'high' THEN 0
				WHEN 'normal' THEN 1
				ELSE 2
			END, enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		time.Now().Add(lease),
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	return job, err
}

func (p *PostgresStore) Complete(ctx context.Context, jobID string) error {
	return p.remove(ctx, jobID)
}

func (p *PostgresStore) Fail(ctx context.Context, jobID string) error {
	return p.remove(ctx, jobID)
}

func (p *PostgresStore) remove(ctx context.Context, jobID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM transfer_jobs WHERE id = $1 AND state = 'processing'`, jobID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) Retry(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfer_jobs SET
			state = 'retry',
			leased_until = NULL,
			next_attempt_at = $1,
			last_error = $2
		WHERE id = $3 AND state = 'processing'`,
		nextAttemptAt, lastError, jobID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfer_jobs SET
			state = 'queued',
			next_attempt_at = NULL
		WHERE state = 'retry' AND next_attempt_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (p *PostgresStore) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfer_jobs SET
			state = 'queued',
			leased_until = NULL
		WHERE state = 'processing' AND leased_until < $1`, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Job, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transfer_jobs WHERE escrow_id = $1`, escrowID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT state, priority, COUNT(*)
		FROM transfer_jobs
		GROUP BY state, priority`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{}
	for rows.Next() {
		var state, priority string
		var count int
		if err := rows.Scan(&state, &priority, &count); err != nil {
			return nil, err
		}
		switch state {
		case "processing":
			stats.Processing += count
		case "retry":
			stats.Retry += count
		default:
			switch Priority(priority) {
			case PriorityHigh:
				stats.High += count
			case PriorityNormal:
				stats.Normal += count
			default:
				stats.Low += count
			}
		}
	}
	return stats, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var (
		priority      string
		nextAttemptAt sql.NullTime
		leasedUntil   sql.NullTime
		lastError     sql.NullString
	)

	err := s.Scan(
		&j.ID, &j.EscrowID, &priority, &j.Chain, &j.Token, &j.Amount,
		&j.RecipientAddr, &j.Attempts, &j.EnqueuedAt,
		&nextAttemptAt, &leasedUntil, &lastError,
	)
	if err != nil {
		return nil, err
	}

	j.Priority = Priority(priority)
	if nextAttemptAt.Valid {
		j.NextAttemptAt = &nextAttemptAt.Time
	}
	if leasedUntil.Valid {
		j.LeasedUntil = &leasedUntil.Time
	}
	j.LastError = lastError.String

	return j, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
