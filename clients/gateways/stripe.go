package gateways

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

// StripeClient drives card and SEPA charges through the Stripe
// PaymentIntents API. Stripe is the primary gateway for EUR/USD/GBP traffic.
type StripeClient struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	HttpClient    *http.Client
}

func NewStripeClient(baseURL, secretKey, webhookSecret string) *StripeClient {
	if baseURL == "" {
		baseURL = "https://api.stripe.com/v1"
	}
	return &StripeClient{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		SecretKey:     secretKey,
		WebhookSecret: webhookSecret,
		HttpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *StripeClient) Name() string { return "stripe" }

func (s *StripeClient) Supports(currency string) bool {
	switch strings.ToUpper(currency) {
	case "EUR", "USD", "GBP":
		return true
	}
	return false
}

func (s *StripeClient) post(ctx context.Context, path, idempotencyKey string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return resp, nil
}

type stripeIntent struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		DeclineCode string `json:"decline_code"`
		Code        string `json:"code"`
	} `json:"last_payment_error"`
}

func (s *StripeClient) toResult(intent stripeIntent) ChargeResult {
	res := ChargeResult{GatewayName: s.Name(), PaymentRef: intent.ID}
	switch intent.Status {
	case "succeeded":
		res.Status = ChargeSucceeded
	case "canceled", "requires_payment_method":
		res.Status = ChargeDeclined
		if intent.LastPaymentError != nil {
			res.DeclineCode = intent.LastPaymentError.DeclineCode
			if res.DeclineCode == "" {
				res.DeclineCode = intent.LastPaymentError.Code
			}
		}
	default:
		// requires_confirmation / requires_action / processing
		res.Status = ChargePending
	}
	return res
}

func (s *StripeClient) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount.Amount, 10))
	form.Set("currency", strings.ToLower(req.Amount.Currency))
	form.Set("confirm", "true")
	form.Set("payment_method", req.PaymentMethod)
	form.Set("description", req.Description)
	form.Set("receipt_email", req.CustomerEmail)
	// The idempotency key is also stored as metadata so Status can search on it.
	form.Set("metadata[idempotency_key]", req.IdempotencyKey)

	resp, err := s.post(ctx, "/payment_intents", req.IdempotencyKey, form)
	if err != nil {
		return ChargeResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return ChargeResult{}, fmt.Errorf("%w: stripe status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var intent stripeIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return ChargeResult{}, fmt.Errorf("%w: invalid stripe response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		// Card errors come back as 402 with the intent embedded.
		if resp.StatusCode == http.StatusPaymentRequired {
			res := s.toResult(intent)
			res.Status = ChargeDeclined
			return res, ErrPaymentDeclined
		}
		return ChargeResult{}, fmt.Errorf("%w: stripe status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	res := s.toResult(intent)
	if res.Status == ChargeDeclined {
		return res, ErrPaymentDeclined
	}
	return res, nil
}

func (s *StripeClient) Refund(ctx context.Context, paymentRef string, amount shared_models.Money) error {
	form := url.Values{}
	form.Set("payment_intent", paymentRef)
	form.Set("amount", strconv.FormatInt(amount.Amount, 10))

	resp, err := s.post(ctx, "/refunds", "", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: stripe refund status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("%w: stripe refund status %d: %s", ErrRefundFailed, resp.StatusCode, string(body))
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: invalid stripe refund response: %v", ErrGatewayUnavailable, err)
	}
	if out.Status != "succeeded" && out.Status != "pending" {
		return fmt.Errorf("%w: refund state %s", ErrRefundFailed, out.Status)
	}
	return nil
}

// Status searches payment intents by the idempotency key recorded in metadata.
func (s *StripeClient) Status(ctx context.Context, idempotencyKey string) (ChargeResult, error) {
	query := url.QueryEscape(fmt.Sprintf("metadata['idempotency_key']:'%s'", idempotencyKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.BaseURL+"/payment_intents/search?query="+query, nil)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("build stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)

	resp, err := s.HttpClient.Do(req)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ChargeResult{}, fmt.Errorf("%w: stripe search status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var out struct {
		Data []stripeIntent `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChargeResult{}, fmt.Errorf("%w: invalid stripe search response: %v", ErrGatewayUnavailable, err)
	}
	if len(out.Data) == 0 {
		return ChargeResult{}, ErrPaymentNotFound
	}
	return s.toResult(out.Data[0]), nil
}

// VerifyWebhookSignature checks a Stripe-Signature header (t=...,v1=...)
// against the webhook secret.
func (s *StripeClient) VerifyWebhookSignature(signature string, body []byte) bool {
	var timestamp, v1 string
	for _, part := range strings.Split(signature, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if timestamp == "" || v1 == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(v1))
}
