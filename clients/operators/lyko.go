package operators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

// LykoClient integrates an operator through the Lyko aggregator platform.
// One LykoClient instance is configured per operator carried on Lyko (GNV,
// Corsica Lines, ...); Lyko multiplexes them behind a single bearer-token API.
type LykoClient struct {
	OperatorCode string
	BaseURL      string
	APIKey       string
	Routes       []string
	HttpClient   *http.Client
}

func NewLykoClient(operatorCode, baseURL, apiKey string, routes []string) *LykoClient {
	return &LykoClient{
		OperatorCode: strings.ToUpper(operatorCode),
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		Routes:       routes,
		HttpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *LykoClient) Code() string { return c.OperatorCode }

func (c *LykoClient) CoversRoute(departurePort, arrivalPort string) bool {
	want := strings.ToUpper(departurePort) + "-" + strings.ToUpper(arrivalPort)
	for _, r := range c.Routes {
		if r == want {
			return true
		}
	}
	return false
}

func (c *LykoClient) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal lyko payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build lyko request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperatorUnavailable, err)
	}
	return resp, nil
}

type lykoResult struct {
	OperatorCode  string `json:"operator_code"`
	OfferID       string `json:"offer_id"`
	VesselName    string `json:"vessel_name"`
	DepartureTime string `json:"departure_time"`
	ArrivalTime   string `json:"arrival_time"`
	FareClass     string `json:"fare_class"`
	Seats         int    `json:"available_seats"`
	Vehicles      int    `json:"available_vehicles"`
	PriceMinor    int64  `json:"price_minor"`
	Currency      string `json:"currency"`
}

func (c *LykoClient) Search(ctx context.Context, criteria SearchCriteria) ([]Offer, error) {
	payload := map[string]any{
		"departure_port": criteria.DeparturePort,
		"arrival_port":   criteria.ArrivalPort,
		"departure_date": criteria.DepartureDate.Format("2006-01-02"),
		"passengers":     criteria.Passengers,
		"vehicles":       criteria.Vehicles,
		"operators":      []string{c.OperatorCode},
	}

	resp, err := c.do(ctx, http.MethodPost, "/search", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return nil, ErrInvalidCriteria
	default:
		return nil, fmt.Errorf("%w: lyko search status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		Results []lykoResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid lyko response: %v", ErrOperatorUnavailable, err)
	}

	offers := make([]Offer, 0, len(out.Results))
	for _, r := range out.Results {
		dep, err := time.Parse(time.RFC3339, r.DepartureTime)
		if err != nil {
			logger.WarnLogger.Warnf("Skipping Lyko offer %s: bad departure %q", r.OfferID, r.DepartureTime)
			continue
		}
		arr, _ := time.Parse(time.RFC3339, r.ArrivalTime)
		code := r.OperatorCode
		if code == "" {
			code = c.OperatorCode
		}
		currency := r.Currency
		if currency == "" {
			currency = "EUR"
		}
		offers = append(offers, Offer{
			OperatorCode:  code,
			OfferRef:      r.OfferID,
			VesselName:    r.VesselName,
			DeparturePort: criteria.DeparturePort,
			ArrivalPort:   criteria.ArrivalPort,
			DepartureTime: dep,
			ArrivalTime:   arr,
			FareClass:     r.FareClass,
			SeatsLeft:     r.Seats,
			VehiclesLeft:  r.Vehicles,
			Price:         shared_models.NewMoney(r.PriceMinor, currency),
		})
	}
	return offers, nil
}

func (c *LykoClient) Hold(ctx context.Context, offerRef string, info PassengerInfo) (HoldRef, error) {
	payload := map[string]any{
		"offer_id":   offerRef,
		"operator":   c.OperatorCode,
		"lead_name":  info.LeadName,
		"lead_email": info.LeadEmail,
		"passengers": info.Passengers,
		"vehicles":   info.Vehicles,
	}

	resp, err := c.do(ctx, http.MethodPost, "/reservations/hold", payload)
	if err != nil {
		return HoldRef{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusConflict:
		return HoldRef{}, ErrNoAvailability
	default:
		return HoldRef{}, fmt.Errorf("%w: lyko hold status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		HoldRef   string `json:"hold_ref"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HoldRef{}, fmt.Errorf("%w: invalid lyko hold response: %v", ErrOperatorUnavailable, err)
	}
	expires, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		return HoldRef{}, fmt.Errorf("%w: bad lyko hold expiry %q", ErrOperatorUnavailable, out.ExpiresAt)
	}
	return HoldRef{OperatorCode: c.OperatorCode, Ref: out.HoldRef, ExpiresAt: expires}, nil
}

func (c *LykoClient) Confirm(ctx context.Context, hold HoldRef, proof PaymentProof) (string, error) {
	payload := map[string]any{
		"hold_ref":        hold.Ref,
		"payment_ref":     proof.PaymentRef,
		"payment_gateway": proof.GatewayName,
		"amount_minor":    proof.Amount.Amount,
		"currency":        proof.Amount.Currency,
	}

	resp, err := c.do(ctx, http.MethodPost, "/reservations/confirm", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusGone:
		return "", ErrHoldExpired
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrHoldNotFound
	default:
		return "", fmt.Errorf("%w: lyko confirm status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		BookingRef string `json:"booking_reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: invalid lyko confirm response: %v", ErrOperatorUnavailable, err)
	}
	return out.BookingRef, nil
}

func (c *LykoClient) Release(ctx context.Context, hold HoldRef) error {
	resp, err := c.do(ctx, http.MethodPost, "/reservations/release", map[string]any{"hold_ref": hold.Ref})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil
	}
	return fmt.Errorf("%w: lyko release status %d", ErrOperatorUnavailable, resp.StatusCode)
}

func (c *LykoClient) Status(ctx context.Context, operatorBookingRef string) (BookingStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/reservations/"+operatorBookingRef, nil)
	if err != nil {
		return BookingStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return BookingStatus{Ref: operatorBookingRef}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return BookingStatus{}, fmt.Errorf("%w: lyko status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BookingStatus{}, fmt.Errorf("%w: invalid lyko status response: %v", ErrOperatorUnavailable, err)
	}
	return BookingStatus{
		Ref:       operatorBookingRef,
		Confirmed: out.Status == "confirmed",
		Cancelled: out.Status == "cancelled",
	}, nil
}
