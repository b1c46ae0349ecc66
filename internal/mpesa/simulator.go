package mpesa

import (
	"context"
	"strings"
	"sync"

	"github.com/pesabridge/pesabridge/internal/idgen"
	"github.com/pesabridge/pesabridge/internal/logging"
)

// Simulator is an in-memory Gateway for demo mode and tests. Every
// request is accepted; callbacks never arrive on their own, so demo
// settlement drives confirmation through the callback endpoints or the
// rollback path.
type Simulator struct {
	mu       sync.Mutex
	stk      []STKPushParams
	b2c      []B2CParams
	failNext bool
}

// NewSimulator creates a simulator gateway.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// FailNext makes the next request fail with a retryable error. Test hook.
func (s *Simulator) FailNext() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

func (s *Simulator) takeFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failNext
	s.failNext = false
	return f
}

// STKPush records the request and returns a synthetic acceptance.
func (s *Simulator) STKPush(ctx context.Context, p STKPushParams) (*STKPushResult, error) {
	if s.takeFailure() {
		return nil, &RequestError{Status: 503, Message: "simulated outage", Retryable: true}
	}
	s.mu.Lock()
	s.stk = append(s.stk, p)
	s.mu.Unlock()

	id := "ws_CO_" + strings.ToUpper(idgen.Hex(12))
	logging.L(ctx).Info("simulated stk push", "checkout_request_id", id, "phone", p.Phone)
	return &STKPushResult{
		CheckoutRequestID: id,
		MerchantRequestID: idgen.Hex(16),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

// B2CPayment records the request and returns a synthetic acceptance.
func (s *Simulator) B2CPayment(ctx context.Context, p B2CParams) (*B2CResult, error) {
	if s.takeFailure() {
		return nil, &RequestError{Status: 503, Message: "simulated outage", Retryable: true}
	}
	s.mu.Lock()
	s.b2c = append(s.b2c, p)
	s.mu.Unlock()

	id := "AG_" + strings.ToUpper(idgen.Hex(12))
	logging.L(ctx).Info("simulated b2c payout", "conversation_id", id, "phone", p.Phone)
	return &B2CResult{
		ConversationID:         id,
		OriginatorConversation: idgen.Hex(16),
		ResponseCode:           "0",
	}, nil
}

// STKRequests returns a copy of recorded STK push requests.
func (s *Simulator) STKRequests() []STKPushParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]STKPushParams, len(s.stk))
	copy(out, s.stk)
	return out
}

// B2CRequests returns a copy of recorded B2C requests.
func (s *Simulator) B2CRequests() []B2CParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]B2CParams, len(s.b2c))
	copy(out, s.b2c)
	return out
}

var _ Gateway = (*Simulator)(nil)
