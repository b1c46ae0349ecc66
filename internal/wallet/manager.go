package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pesabridge/pesabridge/internal/assets"
	"github.com/pesabridge/pesabridge/internal/idgen"
	"github.com/pesabridge/pesabridge/internal/metrics"
)

// Service is the chain-facing surface the processor and rollback coordinator
// depend on. Manager implements it over real RPC connections; Simulator
// implements it for demo mode.
type Service interface {
	Transfer(ctx context.Context, chain, token, to, amount string) (*TransferResult, error)
	WaitForConfirmation(ctx context.Context, chain, txHash string, timeout time.Duration) (*TransferResult, error)
	TreasuryBalance(ctx context.Context, chain, token string) (string, error)
	Address() string
	Close() error
}

// Manager routes transfers to per-chain wallets sharing one treasury key.
type Manager struct {
	wallets map[string]*Wallet
	address string
}

// NewManager dials each configured chain and builds its wallet.
// rpcURLs maps chain name to RPC endpoint; chains without an entry use the
// registry default.
func NewManager(privateKey string, chains []string, rpcURLs map[string]string) (*Manager, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("wallet: at least one chain required")
	}

	m := &Manager{wallets: make(map[string]*Wallet)}
	for _, name := range chains {
		_, info, err := assets.ChainByName(name)
		if err != nil {
			return nil, err
		}
		rpcURL := rpcURLs[name]
		if rpcURL == "" {
			rpcURL = info.DefaultRPCURL
		}
		w, err := New(Config{
			RPCURL:     rpcURL,
			PrivateKey: privateKey,
			ChainID:    info.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("wallet: chain %s: %w", name, err)
		}
		m.wallets[name] = w
		m.address = w.Address()
	}
	return m, nil
}

func (m *Manager) wallet(chain string) (*Wallet, error) {
	w, ok := m.wallets[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return w, nil
}

// Transfer sends amount of token on chain to the recipient.
func (m *Manager) Transfer(ctx context.Context, chain, token, to, amount string) (*TransferResult, error) {
	w, err := m.wallet(chain)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	}
	asset, err := assets.Lookup(assets.Chain(chain), assets.Token(token))
	if err != nil {
		return nil, err
	}

	result, err := w.Transfer(ctx, asset, common.HexToAddress(to), amount)
	if err != nil {
		metrics.TransfersTotal.WithLabelValues(chain, token, "error").Inc()
		return nil, err
	}
	metrics.TransfersTotal.WithLabelValues(chain, token, "submitted").Inc()
	return result, nil
}

// WaitForConfirmation blocks until the transaction is mined on chain.
func (m *Manager) WaitForConfirmation(ctx context.Context, chain, txHash string, timeout time.Duration) (*TransferResult, error) {
	w, err := m.wallet(chain)
	if err != nil {
		return nil, err
	}
	return w.WaitForConfirmation(ctx, txHash, timeout)
}

// TreasuryBalance returns the treasury balance of token on chain.
func (m *Manager) TreasuryBalance(ctx context.Context, chain, token string) (string, error) {
	w, err := m.wallet(chain)
	if err != nil {
		return "", err
	}
	asset, err := assets.Lookup(assets.Chain(chain), assets.Token(token))
	if err != nil {
		return "", err
	}
	return w.TreasuryBalance(ctx, asset)
}

// Address returns the shared treasury address.
func (m *Manager) Address() string {
	return m.address
}

// Close closes all chain connections.
func (m *Manager) Close() error {
	for _, w := range m.wallets {
		_ = w.Close()
	}
	return nil
}

// Simulator fakes on-chain transfers for demo mode. Every transfer succeeds
// instantly with a synthetic hash.
type Simulator struct {
	mu        sync.Mutex
	transfers []*TransferResult
}

// NewSimulator creates a demo-mode wallet service.
func NewSimulator() *Simulator {
	return &Simulator{}
}

func (s *Simulator) Transfer(ctx context.Context, chain, token, to, amount string) (*TransferResult, error) {
	if _, err := assets.Lookup(assets.Chain(chain), assets.Token(token)); err != nil {
		return nil, err
	}
	result := &TransferResult{
		TxHash: "0x" + idgen.Hex(32),
		From:   s.Address(),
		To:     to,
		Amount: amount,
	}
	s.mu.Lock()
	s.transfers = append(s.transfers, result)
	s.mu.Unlock()
	metrics.TransfersTotal.WithLabelValues(chain, token, "simulated").Inc()
	return result, nil
}

func (s *Simulator) WaitForConfirmation(ctx context.Context, chain, txHash string, timeout time.Duration) (*TransferResult, error) {
	return &TransferResult{TxHash: txHash, BlockNumber: 1}, nil
}

func (s *Simulator) TreasuryBalance(ctx context.Context, chain, token string) (string, error) {
	return "1000000", nil
}

func (s *Simulator) Address() string {
	return "0x0000000000000000000000000000000000000001"
}

func (s *Simulator) Close() error { return nil }

// Transfers returns all simulated transfers, for tests and demo inspection.
func (s *Simulator) Transfers() []*TransferResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TransferResult, len(s.transfers))
	copy(out, s.transfers)
	return out
}

// Compile-time interface checks.
var (
	_ Service = (*Manager)(nil)
	_ Service = (*Simulator)(nil)
)
