package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows   map[string]*Escrow
	byRef     map[string]string // mpesa reference -> escrow ID
	byReceipt map[string]string // fiat receipt -> escrow ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[string]*Escrow),
		byRef:     make(map[string]string),
		byReceipt: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return fmt.Errorf("escrow %s already exists", e.ID)
	}
	cp := *e
	m.escrows[e.ID] = &cp
	if e.MpesaReference != "" {
		m.byRef[e.MpesaReference] = e.ID
	}
	if e.FiatReceiptNumber != "" {
		m.byReceipt[e.FiatReceiptNumber] = e.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) GetByReceipt(ctx context.Context, receipt string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReceipt[receipt]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, to Status, mut Mutation) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !statusIn(e.Status, from) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status)
	}

	cp := *e
	cp.Status = to
	if mut != nil {
		mut(&cp)
	}
	if err := m.reindex(e, &cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	m.escrows[id] = &cp

	out := cp
	return &out, nil
}

func (m *MemoryStore) Amend(ctx context.Context, id string, from []Status, mut Mutation) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !statusIn(e.Status, from) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status)
	}

	cp := *e
	if mut != nil {
		mut(&cp)
	}
	if err := m.reindex(e, &cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	m.escrows[id] = &cp

	out := cp
	return &out, nil
}

// reindex maintains the reference and receipt lookups and enforces receipt
// uniqueness the way the sparse unique index does in Postgres.
// Caller must hold m.mu.
func (m *MemoryStore) reindex(old, updated *Escrow) error {
	if updated.FiatReceiptNumber != "" && updated.FiatReceiptNumber != old.FiatReceiptNumber {
		if holder, ok := m.byReceipt[updated.FiatReceiptNumber]; ok && holder != updated.ID {
			return ErrReceiptUsed
		}
	}
	if old.MpesaReference != updated.MpesaReference {
		if old.MpesaReference != "" {
			delete(m.byRef, old.MpesaReference)
		}
		if updated.MpesaReference != "" {
			m.byRef[updated.MpesaReference] = updated.ID
		}
	}
	if old.FiatReceiptNumber != updated.FiatReceiptNumber {
		if old.FiatReceiptNumber != "" {
			delete(m.byReceipt, old.FiatReceiptNumber)
		}
		if updated.FiatReceiptNumber != "" {
			m.byReceipt[updated.FiatReceiptNumber] = updated.ID
		}
	}
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDeadlined(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !deadlineApplies(e) {
			continue
		}
		if e.ConfirmationDeadline.Before(before) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListForReview(ctx context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.RequiresManualIntervention {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// deadlineApplies reports whether an escrow in this state is still waiting on
// an external confirmation. Processing onramps are excluded: their transfer is
// owned by the queue, and sweeping them would refund fiat a transfer retry
// might still pay out.
func deadlineApplies(e *Escrow) bool {
	switch e.Status {
	case StatusPending, StatusReserved:
		return true
	case StatusProcessing:
		return e.Direction == DirectionOfframp
	}
	return false
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
