package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory queue store for demo/development mode.
type MemoryStore struct {
	mu         sync.Mutex
	tiers      map[Priority][]*Job
	processing map[string]*Job
	retry      []*Job
	byEscrow   map[string]string // escrow ID -> live job ID
}

// NewMemoryStore creates a new in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tiers: map[Priority][]*Job{
			PriorityHigh:   {},
			PriorityNormal: {},
			PriorityLow:    {},
		},
		processing: make(map[string]*Job),
		byEscrow:   make(map[string]string),
	}
}

func (m *MemoryStore) Enqueue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEscrow[job.EscrowID]; ok {
		return ErrDuplicateJob
	}

	cp := *job
	m.tiers[cp.Priority] = append(m.tiers[cp.Priority], &cp)
	m.byEscrow[cp.EscrowID] = cp.ID
	return nil
}

func (m *MemoryStore) Dequeue(ctx context.Context, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		tier := m.tiers[p]
		if len(tier) == 0 {
			continue
		}
		job := tier[0]
		m.tiers[p] = tier[1:]

		job.Attempts++
		until := time.Now().Add(lease)
		job.LeasedUntil = &until
		job.NextAttemptAt = nil
		m.processing[job.ID] = job

		cp := *job
		return &cp, nil
	}
	return nil, ErrEmpty
}

func (m *MemoryStore) Complete(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.processing[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(m.processing, jobID)
	delete(m.byEscrow, job.EscrowID)
	return nil
}

func (m *MemoryStore) Retry(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.processing[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(m.processing, jobID)

	job.LeasedUntil = nil
	job.NextAttemptAt = &nextAttemptAt
	job.LastError = lastError
	m.retry = append(m.retry, job)
	sort.Slice(m.retry, func(i, j int) bool {
		return m.retry[i].NextAttemptAt.Before(*m.retry[j].NextAttemptAt)
	})
	return nil
}

func (m *MemoryStore) Fail(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.processing[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(m.processing, jobID)
	delete(m.byEscrow, job.EscrowID)
	return nil
}

func (m *MemoryStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	promoted := 0
	var remaining []*Job
	for _, job := range m.retry {
		if job.NextAttemptAt != nil && !job.NextAttemptAt.After(now) {
			job.NextAttemptAt = nil
			m.tiers[job.Priority] = append(m.tiers[job.Priority], job)
			promoted++
		} else {
			remaining = append(remaining, job)
		}
	}
	m.retry = remaining
	return promoted, nil
}

func (m *MemoryStore) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for id, job := range m.processing {
		if job.LeasedUntil != nil && job.LeasedUntil.Before(now) {
			delete(m.processing, id)
			job.LeasedUntil = nil
			m.tiers[job.Priority] = append(m.tiers[job.Priority], job)
			requeued++
		}
	}
	return requeued, nil
}

func (m *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrJobNotFound
	}

	if job, ok := m.processing[jobID]; ok {
		cp := *job
		return &cp, nil
	}
	for _, tier := range m.tiers {
		for _, job := range tier {
			if job.ID == jobID {
				cp := *job
				return &cp, nil
			}
		}
	}
	for _, job := range m.retry {
		if job.ID == jobID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, ErrJobNotFound
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &Stats{
		High:       len(m.tiers[PriorityHigh]),
		Normal:     len(m.tiers[PriorityNormal]),
		Low:        len(m.tiers[PriorityLow]),
		Processing: len(m.processing),
		Retry:      len(m.retry),
	}, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
