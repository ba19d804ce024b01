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

// CTNClient talks directly to the CTN (Compagnie Tunisienne de Navigation)
// booking API. CTN authenticates with an X-API-Key header and prices in TND.
type CTNClient struct {
	BaseURL    string
	APIKey     string
	Routes     []string // "TUNIS-MARSEILLE" style pairs from config
	HttpClient *http.Client
}

// NewCTNClient builds a CTN adapter. routes lists the port pairs CTN serves,
// upper-cased "FROM-TO".
func NewCTNClient(baseURL, apiKey string, routes []string) *CTNClient {
	return &CTNClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Routes:     routes,
		HttpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *CTNClient) Code() string { return "CTN" }

func (c *CTNClient) CoversRoute(departurePort, arrivalPort string) bool {
	want := strings.ToUpper(departurePort) + "-" + strings.ToUpper(arrivalPort)
	for _, r := range c.Routes {
		if r == want {
			return true
		}
	}
	return false
}

func (c *CTNClient) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal ctn payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build ctn request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.APIKey)

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperatorUnavailable, err)
	}
	return resp, nil
}

// ctnSailing is CTN's wire format for one sailing.
type ctnSailing struct {
	RouteID   string `json:"route_id"`
	Vessel    string `json:"vessel"`
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
	FareClass string `json:"fare_class"`
	Seats     int    `json:"seats_available"`
	Vehicles  int    `json:"vehicles_available"`
	FareMinor int64  `json:"fare_minor"`
	Currency  string `json:"currency"`
}

func (c *CTNClient) Search(ctx context.Context, criteria SearchCriteria) ([]Offer, error) {
	payload := map[string]any{
		"from":       criteria.DeparturePort,
		"to":         criteria.ArrivalPort,
		"date":       criteria.DepartureDate.Format("2006-01-02"),
		"passengers": criteria.Passengers,
		"vehicles":   criteria.Vehicles,
	}

	resp, err := c.do(ctx, http.MethodPost, "/search", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, ErrInvalidCriteria
	default:
		return nil, fmt.Errorf("%w: ctn search status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		Sailings []ctnSailing `json:"sailings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid ctn response: %v", ErrOperatorUnavailable, err)
	}

	offers := make([]Offer, 0, len(out.Sailings))
	for _, s := range out.Sailings {
		dep, err := time.Parse(time.RFC3339, s.Departure)
		if err != nil {
			logger.WarnLogger.Warnf("Skipping CTN sailing %s: bad departure %q", s.RouteID, s.Departure)
			continue
		}
		arr, _ := time.Parse(time.RFC3339, s.Arrival)
		currency := s.Currency
		if currency == "" {
			currency = "TND"
		}
		offers = append(offers, Offer{
			OperatorCode:  c.Code(),
			OfferRef:      s.RouteID,
			VesselName:    s.Vessel,
			DeparturePort: criteria.DeparturePort,
			ArrivalPort:   criteria.ArrivalPort,
			DepartureTime: dep,
			ArrivalTime:   arr,
			FareClass:     s.FareClass,
			SeatsLeft:     s.Seats,
			VehiclesLeft:  s.Vehicles,
			Price:         shared_models.NewMoney(s.FareMinor, currency),
		})
	}
	return offers, nil
}

func (c *CTNClient) Hold(ctx context.Context, offerRef string, info PassengerInfo) (HoldRef, error) {
	payload := map[string]any{
		"route_id":   offerRef,
		"lead_name":  info.LeadName,
		"lead_email": info.LeadEmail,
		"passengers": info.Passengers,
		"vehicles":   info.Vehicles,
	}

	resp, err := c.do(ctx, http.MethodPost, "/holds", payload)
	if err != nil {
		return HoldRef{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusConflict:
		return HoldRef{}, ErrNoAvailability
	default:
		return HoldRef{}, fmt.Errorf("%w: ctn hold status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		HoldID    string `json:"hold_id"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HoldRef{}, fmt.Errorf("%w: invalid ctn hold response: %v", ErrOperatorUnavailable, err)
	}
	expires, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		return HoldRef{}, fmt.Errorf("%w: bad ctn hold expiry %q", ErrOperatorUnavailable, out.ExpiresAt)
	}
	return HoldRef{OperatorCode: c.Code(), Ref: out.HoldID, ExpiresAt: expires}, nil
}

func (c *CTNClient) Confirm(ctx context.Context, hold HoldRef, proof PaymentProof) (string, error) {
	payload := map[string]any{
		"payment_ref":     proof.PaymentRef,
		"payment_gateway": proof.GatewayName,
		"amount_minor":    proof.Amount.Amount,
		"amount_currency": proof.Amount.Currency,
	}

	resp, err := c.do(ctx, http.MethodPost, "/holds/"+hold.Ref+"/confirm", payload)
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
		return "", fmt.Errorf("%w: ctn confirm status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		BookingRef string `json:"booking_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: invalid ctn confirm response: %v", ErrOperatorUnavailable, err)
	}
	return out.BookingRef, nil
}

func (c *CTNClient) Release(ctx context.Context, hold HoldRef) error {
	resp, err := c.do(ctx, http.MethodDelete, "/holds/"+hold.Ref, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 404/410 mean the hold is already gone, which is what release wants.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil
	}
	return fmt.Errorf("%w: ctn release status %d", ErrOperatorUnavailable, resp.StatusCode)
}

func (c *CTNClient) Status(ctx context.Context, operatorBookingRef string) (BookingStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/bookings/"+operatorBookingRef, nil)
	if err != nil {
		return BookingStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return BookingStatus{Ref: operatorBookingRef}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return BookingStatus{}, fmt.Errorf("%w: ctn status %d", ErrOperatorUnavailable, resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BookingStatus{}, fmt.Errorf("%w: invalid ctn status response: %v", ErrOperatorUnavailable, err)
	}
	return BookingStatus{
		Ref:       operatorBookingRef,
		Confirmed: out.Status == "confirmed",
		Cancelled: out.Status == "cancelled",
	}, nil
}
