// Package settlement orchestrates the two legs of a bridge transaction.
//
// An onramp collects M-Pesa fiat first, then pays out crypto: create the
// escrow, arm its rollback timer, prompt the customer with an STK push, and
// queue the transfer once the payment callback confirms. An offramp runs the
// legs the other way: the customer's crypto deposit is confirmed on-chain,
// then a B2C payout sends fiat and the payout callback settles the escrow.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/pesabridge/internal/assets"
	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/ingest"
	"github.com/pesabridge/pesabridge/internal/logging"
	"github.com/pesabridge/pesabridge/internal/mpesa"
	"github.com/pesabridge/pesabridge/internal/processor"
	"github.com/pesabridge/pesabridge/internal/queue"
	"github.com/pesabridge/pesabridge/internal/rollback"
	"github.com/pesabridge/pesabridge/internal/validation"
)

var (
	ErrNoRate         = errors.New("no exchange rate available")
	ErrInvalidRequest = errors.New("invalid settlement request")
)

// Config tunes settlement behavior.
type Config struct {
	ConfirmationWindow time.Duration
	FiatCurrency       string
	DefaultChain       string
	// Fiat amounts at or above this settle on the high priority tier.
	HighPriorityFiat decimal.Decimal
}

// Service orchestrates escrow creation, gateway calls, and job scheduling.
type Service struct {
	cfg       Config
	escrows   *escrow.Service
	jobs      *queue.Queue
	gateway   mpesa.Gateway
	rollbacks *rollback.Coordinator
	rates     RateProvider
}

// New creates a settlement service.
func New(cfg Config, escrows *escrow.Service, jobs *queue.Queue, gateway mpesa.Gateway, rollbacks *rollback.Coordinator, rates RateProvider) *Service {
	if cfg.ConfirmationWindow <= 0 {
		cfg.ConfirmationWindow = 3 * time.Minute
	}
	if cfg.FiatCurrency == "" {
		cfg.FiatCurrency = "KES"
	}
	if cfg.HighPriorityFiat.IsZero() {
		cfg.HighPriorityFiat = decimal.NewFromInt(100000)
	}
	return &Service{
		cfg:       cfg,
		escrows:   escrows,
		jobs:      jobs,
		gateway:   gateway,
		rollbacks: rollbacks,
		rates:     rates,
	}
}

// Wire connects the callback ingestor and transfer processor to settlement:
// confirmed payments cancel the rollback timer and queue the crypto leg,
// abandoned transfers and failed payouts trigger compensation.
func (s *Service) Wire(ing *ingest.Ingestor, proc *processor.Processor) {
	ing.OnFiatConfirmed = func(ctx context.Context, e *escrow.Escrow) {
		s.rollbacks.Cancel(e.ID)
		s.queueTransfer(ctx, e)
	}
	ing.OnPayoutFailed = func(ctx context.Context, e *escrow.Escrow) {
		s.rollbacks.Cancel(e.ID)
		s.rollbacks.Compensate(ctx, e, rollback.TriggerFailure)
	}
	proc.OnGiveUp = func(ctx context.Context, e *escrow.Escrow, reason string) {
		s.rollbacks.Cancel(e.ID)
		logging.L(ctx).Warn("transfer abandoned, compensating",
			"escrow_id", e.ID, "reason", reason)
		s.rollbacks.Compensate(ctx, e, rollback.TriggerFailure)
	}
}

// OnrampParams describes a fiat-to-crypto request.
type OnrampParams struct {
	Phone         string
	FiatAmount    decimal.Decimal
	Chain         string
	Token         string
	RecipientAddr string
}

// CreateOnramp opens an onramp escrow and prompts the customer to pay.
func (s *Service) CreateOnramp(ctx context.Context, p OnrampParams) (*escrow.Escrow, error) {
	phone := validation.SanitizePhone(p.Phone)
	if !validation.IsValidPhone(phone) {
		return nil, fmt.Errorf("%w: phone %q", ErrInvalidRequest, p.Phone)
	}
	if !validation.IsValidEthAddress(p.RecipientAddr) {
		return nil, fmt.Errorf("%w: recipient address %q", ErrInvalidRequest, p.RecipientAddr)
	}
	if p.FiatAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	chain, token, err := s.resolveAsset(p.Chain, p.Token)
	if err != nil {
		return nil, err
	}
	cryptoAmount, err := s.convert(ctx, p.FiatAmount, chain, token)
	if err != nil {
		return nil, err
	}

	e, err := s.escrows.Create(ctx, escrow.CreateParams{
		Direction:     escrow.DirectionOnramp,
		FiatAmount:    p.FiatAmount,
		FiatCurrency:  s.cfg.FiatCurrency,
		Phone:         phone,
		Chain:         chain,
		Token:         token,
		CryptoAmount:  cryptoAmount,
		RecipientAddr: p.RecipientAddr,
		Window:        s.cfg.ConfirmationWindow,
	})
	if err != nil {
		return nil, err
	}

	s.rollbacks.Arm(ctx, e)

	push, err := s.gateway.STKPush(ctx, mpesa.STKPushParams{
		Phone:     phone,
		Amount:    p.FiatAmount.StringFixed(0),
		Reference: e.ID,
		Narrative: "PesaBridge onramp",
	})
	if err != nil {
		s.rollbacks.Cancel(e.ID)
		if _, ferr := s.escrows.Fail(ctx, e.ID, fmt.Sprintf("payment prompt failed: %v", err), false); ferr != nil {
			logging.L(ctx).Error("failing escrow after prompt failure failed",
				"escrow_id", e.ID, "error", ferr)
		}
		return nil, fmt.Errorf("initiating payment: %w", err)
	}

	e, err = s.escrows.AttachReference(ctx, e.ID, push.CheckoutRequestID)
	if err != nil {
		// The prompt is out; callbacks for it would be unmatched without
		// the reference, so this escrow needs an operator.
		logging.L(ctx).Error("attaching payment reference failed",
			"escrow_id", e.ID, "reference", push.CheckoutRequestID, "error", err)
		if _, ferr := s.escrows.FlagForReview(ctx, e.ID,
			fmt.Sprintf("payment prompt %s sent but reference not recorded", push.CheckoutRequestID)); ferr != nil {
			logging.L(ctx).Error("flagging for review failed", "error", ferr)
		}
		return nil, err
	}

	logging.L(ctx).Info("onramp opened",
		"escrow_id", e.ID, "phone", phone,
		"fiat", p.FiatAmount.String(), "crypto", cryptoAmount,
		"checkout_request_id", push.CheckoutRequestID)
	return e, nil
}

// OfframpParams describes a crypto-to-fiat request. RefundAddr receives the
// crypto back if the payout cannot complete.
type OfframpParams struct {
	Phone        string
	CryptoAmount string
	Chain        string
	Token        string
	RefundAddr   string
}

// CreateOfframp opens an offramp escrow waiting for the customer's deposit.
func (s *Service) CreateOfframp(ctx context.Context, p OfframpParams) (*escrow.Escrow, error) {
	phone := validation.SanitizePhone(p.Phone)
	if !validation.IsValidPhone(phone) {
		return nil, fmt.Errorf("%w: phone %q", ErrInvalidRequest, p.Phone)
	}
	if p.RefundAddr != "" && !validation.IsValidEthAddress(p.RefundAddr) {
		return nil, fmt.Errorf("%w: refund address %q", ErrInvalidRequest, p.RefundAddr)
	}

	chain, token, err := s.resolveAsset(p.Chain, p.Token)
	if err != nil {
		return nil, err
	}
	cryptoAmount, err := decimal.NewFromString(p.CryptoAmount)
	if err != nil || cryptoAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: crypto amount %q", ErrInvalidRequest, p.CryptoAmount)
	}

	rate, err := s.rates.Rate(ctx, s.cfg.FiatCurrency, token)
	if err != nil {
		return nil, err
	}
	fiatAmount := cryptoAmount.Mul(rate).RoundDown(2)
	if fiatAmount.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: amount converts below 1 %s", ErrInvalidRequest, s.cfg.FiatCurrency)
	}

	e, err := s.escrows.Create(ctx, escrow.CreateParams{
		Direction:     escrow.DirectionOfframp,
		FiatAmount:    fiatAmount,
		FiatCurrency:  s.cfg.FiatCurrency,
		Phone:         phone,
		Chain:         chain,
		Token:         token,
		CryptoAmount:  cryptoAmount.String(),
		RecipientAddr: p.RefundAddr,
		Window:        s.cfg.ConfirmationWindow,
	})
	if err != nil {
		return nil, err
	}

	s.rollbacks.Arm(ctx, e)

	logging.L(ctx).Info("offramp opened",
		"escrow_id", e.ID, "phone", phone,
		"crypto", cryptoAmount.String(), "fiat", fiatAmount.String())
	return e, nil
}

// ConfirmDeposit records the customer's on-chain deposit for an offramp and
// initiates the fiat payout. Idempotent for the same transaction hash.
func (s *Service) ConfirmDeposit(ctx context.Context, escrowID, txHash string) (*escrow.Escrow, error) {
	if !validation.IsValidHex(txHash) {
		return nil, fmt.Errorf("%w: tx hash %q", ErrInvalidRequest, txHash)
	}

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Direction != escrow.DirectionOfframp {
		return nil, fmt.Errorf("%w: escrow %s is not an offramp", ErrInvalidRequest, escrowID)
	}
	if e.TxHash == txHash && e.Status != escrow.StatusPending {
		return e, nil // Replay
	}
	if e.Status != escrow.StatusPending {
		return nil, fmt.Errorf("%w: escrow %s is %s", escrow.ErrInvalidStatus, escrowID, e.Status)
	}

	s.rollbacks.Cancel(e.ID)

	e, err = s.escrows.MarkProcessing(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.escrows.RecordDeposit(ctx, e.ID, txHash); err != nil {
		return nil, err
	}

	payout, err := s.gateway.B2CPayment(ctx, mpesa.B2CParams{
		Phone:     e.Phone,
		Amount:    e.FiatAmount.StringFixed(0),
		Narrative: "PesaBridge offramp " + e.ID,
	})
	if err != nil {
		refreshed, gerr := s.escrows.Get(ctx, e.ID)
		if gerr == nil {
			s.rollbacks.Compensate(ctx, refreshed, rollback.TriggerFailure)
		}
		return nil, fmt.Errorf("initiating payout: %w", err)
	}

	e, err = s.escrows.AttachPayoutReference(ctx, e.ID, payout.ConversationID,
		time.Now().Add(s.cfg.ConfirmationWindow))
	if err != nil {
		logging.L(ctx).Error("attaching payout reference failed",
			"escrow_id", e.ID, "reference", payout.ConversationID, "error", err)
		return nil, err
	}

	// The payout result is asynchronous too. Restart the clock so a result
	// callback that never arrives refunds the deposit instead of leaving the
	// escrow in processing forever.
	s.rollbacks.Arm(ctx, e)

	logging.L(ctx).Info("offramp deposit confirmed",
		"escrow_id", e.ID, "tx_hash", txHash, "conversation_id", payout.ConversationID)
	return e, nil
}

// ResubmitReceipt is the operator recovery path for a failed or errored
// onramp. A verified fiat receipt proves the customer paid, so the crypto
// leg re-queues at high priority and the processor completes the escrow
// when the transfer lands.
func (s *Service) ResubmitReceipt(ctx context.Context, escrowID, receipt string) (*escrow.Escrow, error) {
	if receipt == "" {
		return nil, fmt.Errorf("%w: receipt required", ErrInvalidRequest)
	}

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Direction != escrow.DirectionOnramp {
		return nil, fmt.Errorf("%w: escrow %s is not an onramp", ErrInvalidRequest, escrowID)
	}
	if !e.CanRecover() {
		return nil, fmt.Errorf("%w: escrow %s is %s", escrow.ErrInvalidStatus, escrowID, e.Status)
	}
	if e.RolledBack {
		return nil, fmt.Errorf("%w: escrow %s was already refunded", ErrInvalidRequest, escrowID)
	}
	if holder, herr := s.escrows.GetByReceipt(ctx, receipt); herr == nil && holder.ID != e.ID {
		return nil, fmt.Errorf("%w: receipt %s belongs to %s", escrow.ErrReceiptUsed, receipt, holder.ID)
	}

	e, err = s.escrows.BackfillReceipt(ctx, e.ID, receipt)
	if err != nil {
		return nil, err
	}

	if _, err := s.jobs.Enqueue(ctx, queue.EnqueueParams{
		EscrowID:      e.ID,
		Priority:      queue.PriorityHigh,
		Chain:         e.Chain,
		Token:         e.Token,
		Amount:        e.CryptoAmount,
		RecipientAddr: e.RecipientAddr,
	}); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return nil, fmt.Errorf("queueing recovery transfer: %w", err)
	}

	logging.L(ctx).Info("receipt resubmitted, recovery transfer queued",
		"escrow_id", e.ID, "receipt", receipt)
	return e, nil
}

// queueTransfer schedules the crypto leg of a confirmed onramp.
func (s *Service) queueTransfer(ctx context.Context, e *escrow.Escrow) {
	priority := queue.PriorityNormal
	if e.FiatAmount.GreaterThanOrEqual(s.cfg.HighPriorityFiat) {
		priority = queue.PriorityHigh
	}

	_, err := s.jobs.Enqueue(ctx, queue.EnqueueParams{
		EscrowID:      e.ID,
		Priority:      priority,
		Chain:         e.Chain,
		Token:         e.Token,
		Amount:        e.CryptoAmount,
		RecipientAddr: e.RecipientAddr,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		logging.L(ctx).Error("queueing transfer failed", "escrow_id", e.ID, "error", err)
		if _, ferr := s.escrows.FlagForReview(ctx, e.ID,
			fmt.Sprintf("payment confirmed but transfer not queued: %v", err)); ferr != nil {
			logging.L(ctx).Error("flagging for review failed", "error", ferr)
		}
	}
}

// resolveAsset validates the chain/token pair, applying the default chain.
func (s *Service) resolveAsset(chain, token string) (string, string, error) {
	if chain == "" {
		chain = s.cfg.DefaultChain
	}
	if token == "" {
		token = string(assets.TokenUSDC)
	}
	if _, err := assets.Lookup(assets.Chain(chain), assets.Token(token)); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return chain, token, nil
}

// convert prices a fiat amount in token units, rounded to the asset's
// decimals.
func (s *Service) convert(ctx context.Context, fiat decimal.Decimal, chain, token string) (string, error) {
	rate, err := s.rates.Rate(ctx, s.cfg.FiatCurrency, token)
	if err != nil {
		return "", err
	}
	asset, err := assets.Lookup(assets.Chain(chain), assets.Token(token))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	amount := fiat.DivRound(rate, int32(asset.Decimals))
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: amount converts to zero %s", ErrInvalidRequest, token)
	}
	return amount.String(), nil
}
