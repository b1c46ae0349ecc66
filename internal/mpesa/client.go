package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pesabridge/pesabridge/internal/circuitbreaker"
	"github.com/pesabridge/pesabridge/internal/logging"
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"
	b2cPath     = "/mpesa/b2c/v1/paymentrequest"

	// tokenSlack renews the cached token early so in-flight requests
	// never carry one about to expire.
	tokenSlack = 60 * time.Second

	breakerKey = "daraja"
)

// ClientConfig configures a Daraja client.
type ClientConfig struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	Timeout            time.Duration
}

// Client talks to the Daraja API with OAuth token caching and a circuit
// breaker so a flapping gateway fails fast instead of tying up workers.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *circuitbreaker.Breaker

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a Daraja client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// token returns a valid cached access token, fetching a new one when needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSlack)) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuthFailed, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %v", ErrAuthFailed, err)
	}

	c.accessToken = body.AccessToken
	// Daraja reports expires_in in seconds as a string ("3599")
	expires := time.Hour
	if d, err := time.ParseDuration(body.ExpiresIn + "s"); err == nil {
		expires = d
	}
	c.tokenExpiry = time.Now().Add(expires)
	return c.accessToken, nil
}

// STKPush initiates a payment prompt on the customer's phone.
func (c *Client) STKPush(ctx context.Context, p STKPushParams) (*STKPushResult, error) {
	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))

	payload := map[string]string{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            p.Amount,
		"PartyA":            p.Phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       p.Phone,
		"CallBackURL":       c.cfg.CallbackBaseURL + "/v1/callbacks/stk",
		"AccountReference":  p.Reference,
		"TransactionDesc":   p.Narrative,
	}

	var out struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		MerchantRequestID string `json:"MerchantRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		CustomerMessage   string `json:"CustomerMessage"`
	}
	if err := c.post(ctx, stkPushPath, payload, &out); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("stk push accepted",
		"checkout_request_id", out.CheckoutRequestID, "phone", p.Phone)
	return &STKPushResult{
		CheckoutRequestID: out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		ResponseCode:      out.ResponseCode,
		CustomerMessage:   out.CustomerMessage,
	}, nil
}

// B2CPayment initiates a payout to the customer's phone.
func (c *Client) B2CPayment(ctx context.Context, p B2CParams) (*B2CResult, error) {
	payload := map[string]string{
		"InitiatorName":      c.cfg.InitiatorName,
		"SecurityCredential": c.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             p.Amount,
		"PartyA":             c.cfg.Shortcode,
		"PartyB":             p.Phone,
		"Remarks":            p.Narrative,
		"QueueTimeOutURL":    c.cfg.CallbackBaseURL + "/v1/callbacks/b2c",
		"ResultURL":          c.cfg.CallbackBaseURL + "/v1/callbacks/b2c",
		"Occasion":           "settlement",
	}

	var out struct {
		ConversationID           string `json:"ConversationID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ResponseCode             string `json:"ResponseCode"`
	}
	if err := c.post(ctx, b2cPath, payload, &out); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("b2c payout accepted",
		"conversation_id", out.ConversationID, "phone", p.Phone)
	return &B2CResult{
		ConversationID:         out.ConversationID,
		OriginatorConversation: out.OriginatorConversationID,
		ResponseCode:           out.ResponseCode,
	}, nil
}

// post sends an authenticated JSON request through the circuit breaker.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if !c.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
	}

	token, err := c.token(ctx)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(raw, &apiErr)

		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		if retryable {
			c.breaker.RecordFailure(breakerKey)
		} else {
			// 4xx means the gateway is healthy and rejected us
			c.breaker.RecordSuccess(breakerKey)
		}
		return &RequestError{
			Status:    resp.StatusCode,
			Code:      apiErr.ErrorCode,
			Message:   apiErr.ErrorMessage,
			Retryable: retryable,
		}
	}

	c.breaker.RecordSuccess(breakerKey)
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Compile-time assertion that Client implements Gateway.
var _ Gateway = (*Client)(nil)
