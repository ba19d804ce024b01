package search

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

type fakeOperator struct {
	code   string
	routes []string
	offers []operators.Offer
	err    error
	delay  time.Duration
}

func (f *fakeOperator) Code() string { return f.code }

func (f *fakeOperator) CoversRoute(dep, arr string) bool {
	route := strings.ToUpper(dep) + "-" + strings.ToUpper(arr)
	for _, r := range f.routes {
		if r == route {
			return true
		}
	}
	return false
}

func (f *fakeOperator) Search(ctx context.Context, _ operators.SearchCriteria) ([]operators.Offer, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", operators.ErrOperatorUnavailable, ctx.Err())
		}
	}
	return f.offers, f.err
}

func (f *fakeOperator) Hold(context.Context, string, operators.PassengerInfo) (operators.HoldRef, error) {
	return operators.HoldRef{}, nil
}

func (f *fakeOperator) Confirm(context.Context, operators.HoldRef, operators.PaymentProof) (string, error) {
	return "", nil
}

func (f *fakeOperator) Release(context.Context, operators.HoldRef) error { return nil }

func (f *fakeOperator) Status(context.Context, string) (operators.BookingStatus, error) {
	return operators.BookingStatus{}, nil
}

func offer(op, vessel string, dep time.Time, amount int64, currency string) operators.Offer {
	return operators.Offer{
		OperatorCode:  op,
		OfferRef:      op + "-" + vessel,
		VesselName:    vessel,
		DeparturePort: "TUNIS",
		ArrivalPort:   "MARSEILLE",
		DepartureTime: dep,
		Price:         shared_models.NewMoney(amount, currency),
	}
}

func tunisCriteria() operators.SearchCriteria {
	return operators.SearchCriteria{
		DeparturePort: "TUNIS",
		ArrivalPort:   "MARSEILLE",
		DepartureDate: time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC),
		Passengers:    2,
	}
}

func TestSearchMergesPartialResults(t *testing.T) {
	dep := time.Date(2026, 9, 14, 8, 0, 0, 0, time.UTC)
	good := &fakeOperator{
		code:   "CTN",
		routes: []string{"TUNIS-MARSEILLE"},
		offers: []operators.Offer{
			offer("CTN", "Carthage", dep.Add(4*time.Hour), 18000, "EUR"),
			offer("CTN", "Tanit", dep, 12000, "EUR"),
		},
	}
	slow := &fakeOperator{
		code:   "GNV",
		routes: []string{"TUNIS-MARSEILLE"},
		delay:  time.Second,
		offers: []operators.Offer{offer("GNV", "Fantastic", dep, 9000, "EUR")},
	}

	agg := NewAggregator([]operators.Client{good, slow}, 50*time.Millisecond)
	res, err := agg.Search(context.Background(), tunisCriteria())
	require.NoError(t, err)

	require.Len(t, res.Offers, 2)
	assert.Equal(t, "Tanit", res.Offers[0].VesselName)
	assert.Equal(t, "Carthage", res.Offers[1].VesselName)

	require.Len(t, res.Omissions, 1)
	assert.Equal(t, "GNV", res.Omissions[0].OperatorCode)
}

func TestSearchSkipsNonCoveringOperators(t *testing.T) {
	covering := &fakeOperator{
		code:   "CTN",
		routes: []string{"TUNIS-MARSEILLE"},
		offers: []operators.Offer{offer("CTN", "Tanit", time.Now(), 12000, "EUR")},
	}
	other := &fakeOperator{code: "CORS", routes: []string{"BASTIA-NICE"}}

	agg := NewAggregator([]operators.Client{covering, other}, time.Second)
	res, err := agg.Search(context.Background(), tunisCriteria())
	require.NoError(t, err)

	require.Len(t, res.Offers, 1)
	require.Len(t, res.Omissions, 1)
	assert.Equal(t, "CORS", res.Omissions[0].OperatorCode)
	assert.Equal(t, "route not covered", res.Omissions[0].Reason)
}

func TestSearchOrdersByPriceThenDepartureThenOperator(t *testing.T) {
	dep := time.Date(2026, 9, 14, 8, 0, 0, 0, time.UTC)
	a := &fakeOperator{
		code:   "CTN",
		routes: []string{"TUNIS-MARSEILLE"},
		offers: []operators.Offer{
			offer("CTN", "Tanit", dep.Add(2*time.Hour), 10000, "EUR"),
			offer("CTN", "Carthage", dep, 10000, "EUR"),
		},
	}
	b := &fakeOperator{
		code:   "GNV",
		routes: []string{"TUNIS-MARSEILLE"},
		offers: []operators.Offer{
			offer("GNV", "Fantastic", dep, 10000, "EUR"),
			offer("GNV", "Excellent", dep, 8000, "EUR"),
		},
	}

	agg := NewAggregator([]operators.Client{a, b}, time.Second)
	res, err := agg.Search(context.Background(), tunisCriteria())
	require.NoError(t, err)

	require.Len(t, res.Offers, 4)
	assert.Equal(t, "Excellent", res.Offers[0].VesselName)
	assert.Equal(t, "Carthage", res.Offers[1].VesselName) // same price+time, CTN < GNV
	assert.Equal(t, "Fantastic", res.Offers[2].VesselName)
	assert.Equal(t, "Tanit", res.Offers[3].VesselName)
}

func TestSearchDeduplicatesOffers(t *testing.T) {
	dep := time.Date(2026, 9, 14, 8, 0, 0, 0, time.UTC)
	op := &fakeOperator{
		code:   "CTN",
		routes: []string{"TUNIS-MARSEILLE"},
		offers: []operators.Offer{
			offer("CTN", "Tanit", dep, 12000, "EUR"),
			offer("CTN", "Tanit", dep, 12000, "EUR"),
		},
	}

	agg := NewAggregator([]operators.Client{op}, time.Second)
	res, err := agg.Search(context.Background(), tunisCriteria())
	require.NoError(t, err)
	assert.Len(t, res.Offers, 1)
}

func TestSearchRejectsInvalidCriteria(t *testing.T) {
	agg := NewAggregator(nil, time.Second)

	_, err := agg.Search(context.Background(), operators.SearchCriteria{})
	assert.ErrorIs(t, err, operators.ErrInvalidCriteria)

	c := tunisCriteria()
	c.Passengers = 0
	_, err = agg.Search(context.Background(), c)
	assert.ErrorIs(t, err, operators.ErrInvalidCriteria)
}
