package operators

import (
	"context"
	"errors"
	"time"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

// Sentinel errors shared by all operator adapters. Adapters normalize every
// operator-specific failure into one of these so the layers above never see a
// raw HTTP status.
var (
	ErrOperatorUnavailable = errors.New("operator unavailable")
	ErrInvalidCriteria     = errors.New("invalid search criteria")
	ErrNoAvailability      = errors.New("no availability")
	ErrHoldExpired         = errors.New("hold expired")
	ErrHoldNotFound        = errors.New("hold not found")
)

// SearchCriteria is the normalized search request sent to every operator.
type SearchCriteria struct {
	DeparturePort string    `json:"departure_port"`
	ArrivalPort   string    `json:"arrival_port"`
	DepartureDate time.Time `json:"departure_date"`
	Passengers    int       `json:"passengers"`
	Vehicles      int       `json:"vehicles"`
}

// Offer is one sailing returned by an operator, normalized.
type Offer struct {
	OperatorCode  string              `json:"operator_code"`
	OfferRef      string              `json:"offer_ref"`
	VesselName    string              `json:"vessel_name"`
	DeparturePort string              `json:"departure_port"`
	ArrivalPort   string              `json:"arrival_port"`
	DepartureTime time.Time           `json:"departure_time"`
	ArrivalTime   time.Time           `json:"arrival_time"`
	FareClass     string              `json:"fare_class"`
	SeatsLeft     int                 `json:"seats_left"`
	VehiclesLeft  int                 `json:"vehicles_left"`
	Price         shared_models.Money `json:"price"`
}

// PassengerInfo travels with a hold request; the operator needs the manifest
// before it will reserve inventory.
type PassengerInfo struct {
	LeadName   string `json:"lead_name"`
	LeadEmail  string `json:"lead_email"`
	Passengers int    `json:"passengers"`
	Vehicles   int    `json:"vehicles"`
}

// HoldRef identifies a provisional, time-bounded inventory reservation.
type HoldRef struct {
	OperatorCode string    `json:"operator_code"`
	Ref          string    `json:"ref"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PaymentProof is presented to the operator on Confirm.
type PaymentProof struct {
	GatewayName string              `json:"gateway_name"`
	PaymentRef  string              `json:"payment_ref"`
	Amount      shared_models.Money `json:"amount"`
}

// BookingStatus is the operator's view of a booking, used by reconciliation.
type BookingStatus struct {
	Ref       string `json:"ref"`
	Confirmed bool   `json:"confirmed"`
	Cancelled bool   `json:"cancelled"`
}

// Client is the capability contract every ferry operator adapter implements.
// Concrete adapters are selected at configuration time, one per external
// system; callers always receive this interface wrapped by the resilience
// decorator.
type Client interface {
	Code() string
	// CoversRoute reports whether this operator serves the port pair;
	// the aggregator skips operators it returns false for.
	CoversRoute(departurePort, arrivalPort string) bool
	Search(ctx context.Context, criteria SearchCriteria) ([]Offer, error)
	Hold(ctx context.Context, offerRef string, info PassengerInfo) (HoldRef, error)
	Confirm(ctx context.Context, hold HoldRef, proof PaymentProof) (string, error)
	Release(ctx context.Context, hold HoldRef) error
	Status(ctx context.Context, operatorBookingRef string) (BookingStatus, error)
}
