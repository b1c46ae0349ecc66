package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesabridge/pesabridge/internal/escrow"
	"github.com/pesabridge/pesabridge/internal/mpesa"
)

func newTestIngestor(t *testing.T) (*Ingestor, *escrow.Service) {
	t.Helper()
	escrows := escrow.NewService(escrow.NewMemoryStore())
	return New(escrows), escrows
}

func initiatedEscrow(t *testing.T, escrows *escrow.Service, ref string) *escrow.Escrow {
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
	e, err = escrows.AttachReference(ctx, e.ID, ref)
	require.NoError(t, err)
	return e
}

func stkSuccess(ref, receipt string) *mpesa.STKCallback {
	var cb mpesa.STKCallback
	cb.Body.StkCallback.CheckoutRequestID = ref
	cb.Body.StkCallback.ResultCode = 0
	cb.Body.StkCallback.CallbackMetadata.Item = []mpesa.CallbackItem{
		{Name: "Amount", Value: 1000.0},
		{Name: "MpesaReceiptNumber", Value: receipt},
	}
	return &cb
}

func stkFailure(ref string, code int, desc string) *mpesa.STKCallback {
	var cb mpesa.STKCallback
	cb.Body.StkCallback.CheckoutRequestID = ref
	cb.Body.StkCallback.ResultCode = code
	cb.Body.StkCallback.ResultDesc = desc
	return &cb
}

func TestApplySTK_ConfirmsPayment(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := initiatedEscrow(t, escrows, "ws_CO_1")

	var confirmed *escrow.Escrow
	ing.OnFiatConfirmed = func(_ context.Context, e *escrow.Escrow) { confirmed = e }

	outcome, err := ing.ApplySTK(ctx, stkSuccess("ws_CO_1", "NLJ7RT61SV"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReserved, got.Status)
	assert.Equal(t, "NLJ7RT61SV", got.FiatReceiptNumber)

	require.NotNil(t, confirmed)
	assert.Equal(t, e.ID, confirmed.ID)
}

func TestApplySTK_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := initiatedEscrow(t, escrows, "ws_CO_1")

	hookCalls := 0
	ing.OnFiatConfirmed = func(context.Context, *escrow.Escrow) { hookCalls++ }

	cb := stkSuccess("ws_CO_1", "NLJ7RT61SV")
	outcome, err := ing.ApplySTK(ctx, cb)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	for i := 0; i < 3; i++ {
		outcome, err = ing.ApplySTK(ctx, cb)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReserved, got.Status)
	assert.Equal(t, 1, hookCalls)
}

func TestApplySTK_ReceiptBoundElsewhereRejected(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	initiatedEscrow(t, escrows, "ws_CO_1")
	other := initiatedEscrow(t, escrows, "ws_CO_2")

	_, err := ing.ApplySTK(ctx, stkSuccess("ws_CO_1", "NLJ7RT61SV"))
	require.NoError(t, err)

	outcome, err := ing.ApplySTK(ctx, stkSuccess("ws_CO_2", "NLJ7RT61SV"))
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	got, err := escrows.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReserved, got.Status)
	assert.Empty(t, got.FiatReceiptNumber)
}

func TestApplySTK_Unmatched(t *testing.T) {
	ing, _ := newTestIngestor(t)
	outcome, err := ing.ApplySTK(context.Background(), stkSuccess("ws_CO_unknown", "R1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, outcome)
}

func TestSubmitSTK_AppliesAsynchronously(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing, escrows := newTestIngestor(t)
	e := initiatedEscrow(t, escrows, "ws_CO_async")
	ing.Start(ctx)

	ing.SubmitSTK(context.Background(), stkSuccess("ws_CO_async", "NLJASYNC01"))

	require.Eventually(t, func() bool {
		got, err := escrows.Get(context.Background(), e.ID)
		return err == nil && got.Status == escrow.StatusReserved
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_PanicDoesNotKillWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing, escrows := newTestIngestor(t)
	first := initiatedEscrow(t, escrows, "ws_CO_panics")
	second, err := escrows.Create(context.Background(), escrow.CreateParams{
		Direction:     escrow.DirectionOnramp,
		FiatAmount:    decimal.NewFromInt(500),
		FiatCurrency:  "KES",
		Phone:         "254798765432",
		Chain:         "base-sepolia",
		Token:         "USDC",
		CryptoAmount:  "3.73",
		RecipientAddr: "0x2222222222222222222222222222222222222222",
		Window:        3 * time.Minute,
	})
	require.NoError(t, err)
	_, err = escrows.AttachReference(context.Background(), second.ID, "ws_CO_survives")
	require.NoError(t, err)

	ing.OnFiatConfirmed = func(_ context.Context, e *escrow.Escrow) {
		if e.ID == first.ID {
			panic("hook exploded")
		}
	}
	ing.Start(ctx)

	ing.SubmitSTK(context.Background(), stkSuccess("ws_CO_panics", "NLJPANIC01"))
	ing.SubmitSTK(context.Background(), stkSuccess("ws_CO_survives", "NLJPANIC02"))

	// The second apply still lands, so the panic did not kill the worker
	require.Eventually(t, func() bool {
		got, err := escrows.Get(context.Background(), second.ID)
		return err == nil && got.Status == escrow.StatusReserved
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplySTK_FallsBackToPhoneMatch(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)

	// Escrow whose STK initiation response was lost, so no reference is
	// attached. The callback can only be paired through the payer phone.
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

	cb := stkSuccess("ws_CO_lost", "NLJ8PHONE1")
	cb.Body.StkCallback.CallbackMetadata.Item = append(
		cb.Body.StkCallback.CallbackMetadata.Item,
		mpesa.CallbackItem{Name: "PhoneNumber", Value: 254712345678.0})

	outcome, err := ing.ApplySTK(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReserved, got.Status)
	assert.Equal(t, "ws_CO_lost", got.MpesaReference, "reference should be backfilled")

	// A replay of the same callback now matches directly by reference
	outcome, err = ing.ApplySTK(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestApplySTK_PhoneMatchIgnoresReferencedEscrows(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	initiatedEscrow(t, escrows, "ws_CO_other")

	// Same phone, but the escrow already carries a different reference, so
	// the stray callback must not steal it.
	cb := stkSuccess("ws_CO_stray", "NLJ8PHONE2")
	cb.Body.StkCallback.CallbackMetadata.Item = append(
		cb.Body.StkCallback.CallbackMetadata.Item,
		mpesa.CallbackItem{Name: "PhoneNumber", Value: 254712345678.0})

	outcome, err := ing.ApplySTK(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, outcome)
}

func TestApplySTK_FailureFailsEscrow(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := initiatedEscrow(t, escrows, "ws_CO_1")

	outcome, err := ing.ApplySTK(ctx, stkFailure("ws_CO_1", 1032, "Request cancelled by user"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "Request cancelled by user")

	// Replayed failure does not error
	outcome, err = ing.ApplySTK(ctx, stkFailure("ws_CO_1", 1032, "Request cancelled by user"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestApplySTK_SuccessAfterRollbackFlagsReview(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := initiatedEscrow(t, escrows, "ws_CO_1")

	hookCalls := 0
	ing.OnFiatConfirmed = func(context.Context, *escrow.Escrow) { hookCalls++ }

	_, err := escrows.Fail(ctx, e.ID, "confirmation window expired", true)
	require.NoError(t, err)

	outcome, err := ing.ApplySTK(ctx, stkSuccess("ws_CO_1", "NLJ7RT61SV"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, 0, hookCalls)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.True(t, got.RequiresManualIntervention)
	assert.Empty(t, got.FiatReceiptNumber)
}

func offrampEscrow(t *testing.T, escrows *escrow.Service, ref string) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := escrows.Create(ctx, escrow.CreateParams{
		Direction:    escrow.DirectionOfframp,
		FiatAmount:   decimal.NewFromInt(500),
		FiatCurrency: "KES",
		Phone:        "254712345678",
		Chain:        "base-sepolia",
		Token:        "USDC",
		CryptoAmount: "3.73",
		Window:       3 * time.Minute,
	})
	require.NoError(t, err)
	_, err = escrows.MarkProcessing(ctx, e.ID)
	require.NoError(t, err)
	_, err = escrows.AttachPayoutReference(ctx, e.ID, ref, time.Now().Add(3*time.Minute))
	require.NoError(t, err)
	return e
}

func b2cResult(ref string, code int, receipt string) *mpesa.B2CCallback {
	var cb mpesa.B2CCallback
	cb.Result.ConversationID = ref
	cb.Result.ResultCode = code
	cb.Result.TransactionID = receipt
	if receipt != "" {
		cb.Result.ResultParameters.ResultParameter = []mpesa.CallbackItem{
			{Name: "TransactionReceipt", Value: receipt},
		}
	}
	return &cb
}

func TestApplyB2C_CompletesOfframp(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := offrampEscrow(t, escrows, "AG_1")

	outcome, err := ing.ApplyB2C(ctx, b2cResult("AG_1", 0, "NLJ41HAY6Q"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, got.Status)
	assert.Equal(t, "NLJ41HAY6Q", got.FiatReceiptNumber)

	// Replay
	outcome, err = ing.ApplyB2C(ctx, b2cResult("AG_1", 0, "NLJ41HAY6Q"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestApplyB2C_FailureTriggersCompensation(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := offrampEscrow(t, escrows, "AG_1")

	var compensated *escrow.Escrow
	ing.OnPayoutFailed = func(_ context.Context, e *escrow.Escrow) { compensated = e }

	cb := b2cResult("AG_1", 2001, "")
	cb.Result.ResultDesc = "The initiator information is invalid."
	outcome, err := ing.ApplyB2C(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	// The hook owns failing the escrow after the refund
	require.NotNil(t, compensated)
	assert.Equal(t, e.ID, compensated.ID)
	assert.Equal(t, escrow.StatusProcessing, compensated.Status)
}

func TestApplyB2C_FailureWithoutHookFailsEscrow(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := offrampEscrow(t, escrows, "AG_1")

	cb := b2cResult("AG_1", 2001, "")
	cb.Result.ResultDesc = "The initiator information is invalid."
	outcome, err := ing.ApplyB2C(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "The initiator information is invalid")

	// Replay
	outcome, err = ing.ApplyB2C(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestApplyB2C_SuccessAfterRollbackFlagsReview(t *testing.T) {
	ctx := context.Background()
	ing, escrows := newTestIngestor(t)
	e := offrampEscrow(t, escrows, "AG_1")

	// Deposit refunded after the payout result window expired
	_, err := escrows.Fail(ctx, e.ID, "confirmation window expired", true)
	require.NoError(t, err)

	outcome, err := ing.ApplyB2C(ctx, b2cResult("AG_1", 0, "NLJ41HAY6Q"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	got, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, got.Status)
	assert.True(t, got.RequiresManualIntervention)
}

func TestHandler_STKEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ing, escrows := newTestIngestor(t)
	e := initiatedEscrow(t, escrows, "ws_CO_191220191020363925")

	router := gin.New()
	NewHandler(ing).RegisterRoutes(router.Group("/v1"))

	body := fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":0,
	  "CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}]}}}}`,
		"ws_CO_191220191020363925")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/stk", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 0, resp["ResultCode"])

	got, err := escrows.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReserved, got.Status)
}

func TestHandler_MalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ing, _ := newTestIngestor(t)

	router := gin.New()
	NewHandler(ing).RegisterRoutes(router.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/b2c", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
