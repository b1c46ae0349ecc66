package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/queue"
	"github.com/pesabridge/pesabridge/internal/retry"
	"github.com/pesabridge/pesabridge/internal/wallet"
)

// scriptedWallet fails a set number of transfers before succeeding.
type scriptedWallet struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	transfers int
}

func (w *scriptedWallet) Transfer(ctx context.Context, chain, token, to, amount string) (*wallet.TransferResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transfers++
	if w.failures > 0 {
		w.failures--
		return nil, w.failWith
	}
	return &wallet.TransferResult{TxHash: "0xabc", To: to, Amount: amount}, nil
}

func (w *scriptedWallet) WaitForConfirmation(ctx context.Context, chain, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
	return &wallet.TransferResult{TxHash: txHash, BlockNumber: 42}, nil
}

func (w *scriptedWallet) TreasuryBalance(ctx context.Context, chain, token string) (string, error) {
	return "1000000", nil
}

func (w *scriptedWallet) Address() string { return "0x0000000000000000000000000000000000000001" }
func (w *scriptedWallet) Close() error    { return nil }

func (w *scriptedWallet) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transfers
}

func newFixture(t *testing.T, w wallet.Service, cfg Config) (*Processor, *queue.Queue, *escrow.Service) {
	t.Helper()
	q := queue.New(queue.NewMemoryStore())
	escrows := escrow.NewService(escrow.NewMemoryStore())
	return New(cfg, q, escrows, w), q, escrows
}

func reservedEscrow(t *testing.T, escrows *escrow.Service) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := escrows.Create(ctx, escrow.CreateParams{
		Direction:     escrow.DirectionOnramp,
		FiatAmount:    decimal.NewFromInt(1000),
		FiatCurrency:  "KES",
		Phone:         "254712345678",
		Chain:         "base-sepolia",
		Token:         "USDC",
		CryptoAmount:  "7.46",
		RecipientAddr: "0x1111111111111111111111111111111111111111",
		Window:        3 * time.Minute,
	})
	require.NoError(t, err)
	_, err = escrows.ConfirmFiat(ctx, e.ID, "NLJ7RT61SV-"+e.ID)
	require.NoError(t, err)
	return e
}

func enqueue(t *testing.T, q *queue.Queue, e *escrow.Escrow) *queue.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), queue.EnqueueParams{
		EscrowID:      e.ID,
		Priority:      queue.PriorityNormal,
		Chain:         e.Chain,
		Token:         e.Token,
		Amount:        e.CryptoAmount,
		RecipientAddr: e.RecipientAddr,
	})
	require.NoError(t, err)
	return job
}

func TestProcess_Success(t *testing.T) {
	ctx := context.Background()
	w := &scriptedWallet{}
	p, q, escrows := newFixture(t, w, Config{})
	e := reservedEscrow(t, escrows)
	enqueue(t, q, e)

	job, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	p.ProcessJob(ctx, job)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, got.Status)
	assert.Equal(t, "0xabc", got.TxHash)

	_, err = q.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestProcess_TransientFailureReschedules(t *testing.T) {
	ctx := context.Background()
	w := &scriptedWallet{failures: 1, failWith: wallet.ErrRPCConnection}
	p, q, escrows := newFixture(t, w, Config{MaxAttempts: 5})
	e := reservedEscrow(t, escrows)
	enqueue(t, q, e)

	job, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	p.ProcessJob(ctx, job)

	// Job parked in the retry set, escrow still in flight
	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusProcessing, got.Status)

	live, err := q.GetByEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.NotNil(t, live.NextAttemptAt)
	assert.Equal(t, "wallet: RPC connection failed", live.LastError)

	// Redeliver well past the backoff and let it succeed
	promoted, err := q.PromoteDue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	job, err = q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	p.ProcessJob(ctx, job)

	got, err = escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, got.Status)
}

func TestProcess_PermanentFailureFailsEscrow(t *testing.T) {
	ctx := context.Background()
	w := &scriptedWallet{failures: 10, failWith: wallet.ErrInvalidAddress}
	p, q, escrows := newFixture(t, w, Config{})
	e := reservedEscrow(t, escrows)
	enqueue(t, q, e)

	job, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	p.ProcessJob(ctx, job)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "permanent failure")

	// One attempt only, job gone
	assert.Equal(t, 1, w.calls())
	_, err = q.GetByEscrow(ctx, e.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestProcess_ExhaustedAttempts(t *testing.T) {
	ctx := context.Background()
	w := &scriptedWallet{failures: 100, failWith: wallet.ErrRPCConnection}
	p, q, escrows := newFixture(t, w, Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	e := reservedEscrow(t, escrows)
	enqueue(t, q, e)

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			_, err := q.PromoteDue(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
		}
		job, err := q.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		p.ProcessJob(ctx, job)
	}

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "exhausted 2 attempts")
}

func TestProcess_SettledEscrowDropsJobWithoutTransfer(t *testing.T) {
	ctx := context.Background()
	w := &scriptedWallet{}
	p, q, escrows := newFixture(t, w, Config{})
	e := reservedEscrow(t, escrows)
	enqueue(t, q, e)

	job, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	// Settle the escrow underneath the claimed job
	_, err = escrows.MarkProcessing(ctx, e.ID)
	require.NoError(t, err)
	_, err = escrows.Complete(ctx, e.ID, "0xolder")
	require.NoError(t, err)

	p.ProcessJob(ctx, job)

	assert.Equal(t, 0, w.calls())
	_, err = q.GetByEscrow(ctx, e.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestProcess_RolledBackEscrowDropsJobWithoutTransfer(t *testing.T) {
	ctx := context.Background()
	w := &scriptedWallet{}
	p, q, escrows := newFixture(t, w, Config{})
	e := reservedEscrow(t, escrows)
	enqueue(t, q, e)

	job, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	_, err = escrows.Fail(ctx, e.ID, "confirmation window expired", true)
	require.NoError(t, err)

	p.ProcessJob(ctx, job)

	assert.Equal(t, 0, w.calls())
	_, err = q.GetByEscrow(ctx, e.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.True(t, got.RolledBack)
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(wallet.ErrRPCConnection))
	assert.False(t, IsPermanent(wallet.ErrTimeout))
	assert.True(t, IsPermanent(wallet.ErrInsufficientBalance))
	assert.True(t, IsPermanent(wallet.ErrInvalidAddress))
	assert.True(t, IsPermanent(wallet.ErrUnknownChain))
	assert.True(t, IsPermanent(retry.Permanent(errors.New("rejected"))))
	assert.True(t, IsPermanent(errors.New("execution reverted: ERC20: transfer amount exceeds balance")))
	assert.True(t, IsPermanent(errors.New("nonce too low: address 0x1 current 7 tx 5")))
}

func TestStartStop_DrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &scriptedWallet{}
	p, q, escrows := newFixture(t, w, Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	e := reservedEscrow(t, escrows)
	enqueue(t, q, e)

	p.Start(ctx)
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		got, err := escrows.Get(ctx, e.ID)
		require.NoError(t, err)
		if got.Status == escrow.StatusCompleted {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("escrow never completed, status %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
