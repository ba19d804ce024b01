package shared_models

import (
	"errors"
	"fmt"
)

// Money is an amount in minor units (cents, millimes) plus an ISO 4217 code.
// Integer arithmetic only; float money drifts.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

var ErrCurrencyMismatch = errors.New("currency mismatch")

func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

func (m Money) IsZero() bool { return m.Amount == 0 }

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// Exchange rates against the EUR pivot, in rate-per-EUR scaled by 1e6.
// Static table refreshed at deploy time; good enough for gateway routing,
// never used for customer-facing pricing.
var eurRatesMicro = map[string]int64{
	"EUR": 1_000_000,
	"USD": 1_080_000,
	"TND": 3_250_000,
	"GBP": 860_000,
}

var ErrUnsupportedCurrency = errors.New("unsupported currency")

// Convert converts an amount between supported currencies via the EUR pivot.
func Convert(m Money, toCurrency string) (Money, error) {
	if m.Currency == toCurrency {
		return m, nil
	}
	from, ok := eurRatesMicro[m.Currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, m.Currency)
	}
	to, ok := eurRatesMicro[toCurrency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, toCurrency)
	}
	// amount / from * to, rounded half up.
	converted := (m.Amount*to + from/2) / from
	return Money{Amount: converted, Currency: toCurrency}, nil
}

// SupportedCurrencies returns the ISO codes the platform can settle in.
func SupportedCurrencies() []string {
	return []string{"EUR", "USD", "TND", "GBP"}
}

// Reason codes surfaced to callers instead of raw external-system errors.
const (
	ReasonNone                = ""
	ReasonNoAvailability      = "no_availability"
	ReasonOperatorUnreachable = "operator_unreachable"
	ReasonPaymentDeclined     = "payment_declined"
	ReasonGatewayUnreachable  = "gateway_unreachable"
	ReasonPaymentUnresolved   = "payment_unresolved"
	ReasonHoldExpired         = "hold_expired"
	ReasonConfirmFailed       = "confirm_failed"
	ReasonUserCancelled       = "user_cancelled"
	ReasonCompensationFailed  = "compensation_failed"
	ReasonReconciled          = "reconciled"
)
