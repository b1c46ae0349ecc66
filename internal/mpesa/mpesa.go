// Package mpesa integrates with the Safaricom Daraja API for fiat legs.
package mpesa

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrGatewayUnavailable = errors.New("mpesa: gateway unavailable")
	ErrRequestRejected    = errors.New("mpesa: request rejected")
	ErrAuthFailed         = errors.New("mpesa: authentication failed")
)

// STKPushParams initiates a customer-to-business payment prompt.
type STKPushParams struct {
	Phone     string // MSISDN, 2547XXXXXXXX
	Amount    string // Whole KES, Daraja rejects decimals on sandbox
	Reference string // Account reference shown on the prompt
	Narrative string
}

// STKPushResult is the synchronous acknowledgement of an STK push.
type STKPushResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResponseCode      string
	CustomerMessage   string
}

// B2CParams initiates a business-to-customer payout.
type B2CParams struct {
	Phone     string
	Amount    string
	Narrative string
}

// B2CResult is the synchronous acknowledgement of a B2C request.
type B2CResult struct {
	ConversationID         string
	OriginatorConversation string
	ResponseCode           string
}

// Gateway is the fiat-side surface the settlement orchestrator depends on.
// Client implements it against Daraja; Simulator implements it for demo mode.
type Gateway interface {
	// STKPush prompts the customer to authorize a payment. The returned
	// CheckoutRequestID matches the asynchronous callback.
	STKPush(ctx context.Context, p STKPushParams) (*STKPushResult, error)
	// B2CPayment pays out to a customer. The returned ConversationID
	// matches the asynchronous result callback.
	B2CPayment(ctx context.Context, p B2CParams) (*B2CResult, error)
}

// RequestError carries the Daraja error body for failed requests.
type RequestError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("mpesa: request failed (%d %s): %s", e.Status, e.Code, e.Message)
}

// Unwrap lets errors.Is see rejected requests as ErrRequestRejected.
func (e *RequestError) Unwrap() error {
	if e.Retryable {
		return ErrGatewayUnavailable
	}
	return ErrRequestRejected
}
