package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, stkStatus int, stkBody any) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok123",
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(stkStatus)
		_ = json.NewEncoder(w).Encode(stkBody)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		BaseURL:         srv.URL,
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		Shortcode:       "174379",
		Passkey:         "passkey",
		CallbackBaseURL: "https://bridge.example.com",
	})
	return srv, client
}

func TestClient_STKPush(t *testing.T) {
	_, client := newTestServer(t, http.StatusOK, map[string]string{
		"CheckoutRequestID": "ws_CO_123",
		"MerchantRequestID": "mr_1",
		"ResponseCode":      "0",
		"CustomerMessage":   "Success. Request accepted for processing",
	})

	result, err := client.STKPush(context.Background(), STKPushParams{
		Phone:     "254712345678",
		Amount:    "1000",
		Reference: "esc_abc",
		Narrative: "onramp",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_123", result.CheckoutRequestID)
	assert.Equal(t, "0", result.ResponseCode)
}

func TestClient_STKPush_Rejected(t *testing.T) {
	_, client := newTestServer(t, http.StatusBadRequest, map[string]string{
		"errorCode":    "400.002.02",
		"errorMessage": "Bad Request - Invalid PhoneNumber",
	})

	_, err := client.STKPush(context.Background(), STKPushParams{Phone: "bad"})
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.False(t, reqErr.Retryable)
	assert.True(t, errors.Is(err, ErrRequestRejected))
	assert.False(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestClient_STKPush_ServerError(t *testing.T) {
	_, client := newTestServer(t, http.StatusInternalServerError, map[string]string{
		"errorMessage": "Spike Arrest Violation",
	})

	_, err := client.STKPush(context.Background(), STKPushParams{Phone: "254712345678"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestClient_TokenCached(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok123", "expires_in": "3599",
		})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"ResponseCode": "0"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		BaseURL: srv.URL, ConsumerKey: "k", ConsumerSecret: "s",
		Shortcode: "174379", Passkey: "pk", CallbackBaseURL: "https://x",
	})
	for i := 0; i < 3; i++ {
		_, err := client.STKPush(context.Background(), STKPushParams{Phone: "254712345678", Amount: "10"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tokenCalls)
}

func TestClient_AuthFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{BaseURL: srv.URL, ConsumerKey: "bad", ConsumerSecret: "bad"})
	_, err := client.STKPush(context.Background(), STKPushParams{Phone: "254712345678"})
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func TestSTKCallback_Parsing(t *testing.T) {
	raw := `{
	  "Body": {
	    "stkCallback": {
	      "MerchantRequestID": "29115-34620561-1",
	      "CheckoutRequestID": "ws_CO_191220191020363925",
	      "ResultCode": 0,
	      "ResultDesc": "The service request is processed successfully.",
	      "CallbackMetadata": {
	        "Item": [
	          {"Name": "Amount", "Value": 1000.00},
	          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
	          {"Name": "TransactionDate", "Value": 20191219102115},
	          {"Name": "PhoneNumber", "Value": 254708374149}
	        ]
	      }
	    }
	  }
	}`

	var cb STKCallback
	require.NoError(t, json.Unmarshal([]byte(raw), &cb))
	assert.True(t, cb.Success())
	assert.Equal(t, "NLJ7RT61SV", cb.Receipt())
	assert.Equal(t, "1000", cb.Amount())
	assert.Equal(t, "254708374149", cb.Phone())
}

func TestSTKCallback_Cancelled(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`

	var cb STKCallback
	require.NoError(t, json.Unmarshal([]byte(raw), &cb))
	assert.False(t, cb.Success())
	assert.Empty(t, cb.Receipt())
}

func TestB2CCallback_Parsing(t *testing.T) {
	raw := `{
	  "Result": {
	    "ResultType": 0,
	    "ResultCode": 0,
	    "ResultDesc": "The service request is processed successfully.",
	    "OriginatorConversationID": "10571-7910404-1",
	    "ConversationID": "AG_20191219_00004e48cf7e3533f581",
	    "TransactionID": "NLJ41HAY6Q",
	    "ResultParameters": {
	      "ResultParameter": [
	        {"Name": "TransactionAmount", "Value": 10},
	        {"Name": "TransactionReceipt", "Value": "NLJ41HAY6Q"}
	      ]
	    }
	  }
	}`

	var cb B2CCallback
	require.NoError(t, json.Unmarshal([]byte(raw), &cb))
	assert.True(t, cb.Success())
	assert.Equal(t, "NLJ41HAY6Q", cb.Receipt())
}

func TestSimulator(t *testing.T) {
	sim := NewSimulator()

	res, err := sim.STKPush(context.Background(), STKPushParams{Phone: "254712345678", Amount: "500"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CheckoutRequestID)
	assert.Len(t, sim.STKRequests(), 1)

	sim.FailNext()
	_, err = sim.STKPush(context.Background(), STKPushParams{Phone: "254712345678"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))

	b2c, err := sim.B2CPayment(context.Background(), B2CParams{Phone: "254712345678", Amount: "500"})
	require.NoError(t, err)
	assert.NotEmpty(t, b2c.ConversationID)
	assert.Len(t, sim.B2CRequests(), 1)
}
