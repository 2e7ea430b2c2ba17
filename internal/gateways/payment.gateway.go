package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adverve/billing-engine/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

var (
	ErrGatewayTimeout = errors.New("payment gateway timeout")
	ErrChargeNotFound = errors.New("charge not found")
)

type ChargeState string

const (
	ChargeStatusSucceeded ChargeState = "succeeded"
	ChargeStatusDeclined  ChargeState = "declined"
	ChargeStatusPending   ChargeState = "pending"
)

// DeclineError is a definitive rejection from the card network. It is not
// retryable: the same request with the same key will decline again.
type DeclineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

type ChargeMetadata struct {
	AccountID int64  `json:"account_id"`
	Purpose   string `json:"purpose"`
}

type ChargeRequest struct {
	PaymentMethodRef string          `json:"payment_method_ref"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	IdempotencyKey   string          `json:"-"`
	Metadata         ChargeMetadata  `json:"metadata"`
}

type ChargeResponse struct {
	ExternalPaymentRef string          `json:"payment_ref"`
	Status             ChargeState     `json:"status"`
	Amount             decimal.Decimal `json:"amount"`
	ProcessedAt        time.Time       `json:"processed_at"`
}

type ChargeStatus struct {
	ExternalPaymentRef string      `json:"payment_ref"`
	Status             ChargeState `json:"status"`
	ErrorCode          string      `json:"error_code,omitempty"`
	ErrorMsg           string      `json:"error_message,omitempty"`
}

type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// Client talks to the off-session payment processor. Every charge carries an
// Idempotency-Key header so the processor deduplicates retries and
// concurrent submissions on its side.
type Client struct {
	config *Config
	client *fasthttp.Client
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("gateway base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
	}

	logger.Info("Payment gateway client initialized", "url", config.BaseURL, "timeout", config.Timeout)

	return &Client{
		config: config,
		client: httpClient,
	}, nil
}

// Charge submits an off-session charge against a stored payment method.
// A declined card returns *DeclineError; a timeout returns ErrGatewayTimeout
// and the caller must reconcile with GetCharge before assuming anything.
func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	startTime := time.Now()
	body, statusCode, err := c.doRequest(ctx, "POST", "/v1/charges", req.IdempotencyKey, reqBody)
	latency := time.Since(startTime).Milliseconds()

	if err != nil {
		return nil, err
	}

	switch statusCode {
	case fasthttp.StatusOK, fasthttp.StatusCreated:
		var resp ChargeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if resp.Status == ChargeStatusDeclined {
			return nil, &DeclineError{Code: "declined", Message: "charge declined"}
		}

		logger.Info("Charge captured", "payment_ref", resp.ExternalPaymentRef, "amount", resp.Amount.String(), "latency_ms", latency)

		return &resp, nil
	case fasthttp.StatusPaymentRequired, fasthttp.StatusUnprocessableEntity:
		var decline DeclineError
		if err := json.Unmarshal(body, &decline); err != nil {
			return nil, &DeclineError{Code: "declined", Message: string(body)}
		}
		return nil, &decline
	default:
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, body)
	}
}

// GetCharge looks up a charge by its idempotency key. Used to reconcile
// charges whose outcome was lost to a timeout.
func (c *Client) GetCharge(ctx context.Context, idempotencyKey string) (*ChargeStatus, error) {
	path := fmt.Sprintf("/v1/charges/%s", idempotencyKey)
	body, statusCode, err := c.doRequest(ctx, "GET", path, "", nil)
	if err != nil {
		return nil, err
	}

	switch statusCode {
	case fasthttp.StatusOK:
		var status ChargeStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &status, nil
	case fasthttp.StatusNotFound:
		return nil, ErrChargeNotFound
	default:
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, body)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path, idempotencyKey string, body []byte) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			return nil, 0, fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
		}
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, resp.StatusCode(), nil
}
