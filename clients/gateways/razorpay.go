package gateways

import (
	"context"
	"fmt"
	"strings"

	"github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

// RazorpayClient wraps the Razorpay SDK behind the uniform gateway contract.
// Razorpay settles the non-European corridors and acts as the failover
// gateway. Charges follow Razorpay's order flow: the order is created here,
// the capture lands asynchronously via webhook, so a fresh charge reports
// ChargePending rather than an immediate success.
type RazorpayClient struct {
	Client        *razorpay.Client
	WebhookSecret string
}

func NewRazorpayClient(keyID, keySecret, webhookSecret string) *RazorpayClient {
	return &RazorpayClient{
		Client:        razorpay.NewClient(keyID, keySecret),
		WebhookSecret: webhookSecret,
	}
}

func (r *RazorpayClient) Name() string { return "razorpay" }

func (r *RazorpayClient) Supports(currency string) bool {
	switch strings.ToUpper(currency) {
	case "EUR", "USD", "GBP", "TND":
		return true
	}
	return false
}

// Charge creates a Razorpay order keyed by the idempotency key (stored as the
// order receipt, which Razorpay enforces unique per merchant).
func (r *RazorpayClient) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	data := map[string]interface{}{
		"amount":   req.Amount.Amount,
		"currency": strings.ToUpper(req.Amount.Currency),
		"receipt":  req.IdempotencyKey,
		"notes": map[string]interface{}{
			"description":    req.Description,
			"customer_email": req.CustomerEmail,
		},
	}

	order, err := r.Client.Order.Create(data, nil)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("%w: razorpay order create: %v", ErrGatewayUnavailable, err)
	}

	orderID, _ := order["id"].(string)
	if orderID == "" {
		return ChargeResult{}, fmt.Errorf("%w: razorpay order response missing id", ErrGatewayUnavailable)
	}

	return ChargeResult{
		GatewayName: r.Name(),
		PaymentRef:  orderID,
		Status:      ChargePending,
	}, nil
}

func (r *RazorpayClient) Refund(ctx context.Context, paymentRef string, amount shared_models.Money) error {
	_, err := r.Client.Payment.Refund(paymentRef, int(amount.Amount), nil, nil)
	if err != nil {
		return fmt.Errorf("%w: razorpay refund: %v", ErrRefundFailed, err)
	}
	return nil
}

// Status resolves an order by receipt and inspects its payments.
func (r *RazorpayClient) Status(ctx context.Context, idempotencyKey string) (ChargeResult, error) {
	orders, err := r.Client.Order.All(map[string]interface{}{"receipt": idempotencyKey}, nil)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("%w: razorpay order lookup: %v", ErrGatewayUnavailable, err)
	}

	items, _ := orders["items"].([]interface{})
	if len(items) == 0 {
		return ChargeResult{}, ErrPaymentNotFound
	}
	order, _ := items[0].(map[string]interface{})
	orderID, _ := order["id"].(string)
	status, _ := order["status"].(string)

	res := ChargeResult{GatewayName: r.Name(), PaymentRef: orderID}
	switch status {
	case "paid":
		res.Status = ChargeSucceeded
	case "attempted", "created":
		res.Status = ChargePending
	default:
		res.Status = ChargeDeclined
	}
	return res, nil
}

func (r *RazorpayClient) VerifyWebhookSignature(signature string, body []byte) bool {
	return utils.VerifyWebhookSignature(string(body), signature, r.WebhookSecret)
}
