package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

// Omission records an operator that contributed nothing to a merged result,
// so callers can surface partial coverage without failing the search.
type Omission struct {
	OperatorCode string `json:"operator_code"`
	Reason       string `json:"reason"`
}

// Result is a merged, deduplicated, ordered search response.
type Result struct {
	Offers    []operators.Offer `json:"offers"`
	Omissions []Omission        `json:"omissions,omitempty"`
}

// Aggregator fans one search out to every operator covering the route.
type Aggregator struct {
	Operators []operators.Client
	// Timeout bounds each operator call individually; one slow operator
	// never delays the others.
	Timeout time.Duration
}

func NewAggregator(clients []operators.Client, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Aggregator{Operators: clients, Timeout: timeout}
}

type operatorOutcome struct {
	code   string
	offers []operators.Offer
	err    error
}

// Search queries all covering operators in parallel and merges whatever came
// back. Operator failures and empty responses both manifest as absence.
func (a *Aggregator) Search(ctx context.Context, criteria operators.SearchCriteria) (Result, error) {
	if criteria.DeparturePort == "" || criteria.ArrivalPort == "" {
		return Result{}, operators.ErrInvalidCriteria
	}
	if criteria.Passengers <= 0 {
		return Result{}, fmt.Errorf("%w: at least one passenger required", operators.ErrInvalidCriteria)
	}

	var covering []operators.Client
	var result Result
	for _, op := range a.Operators {
		if op.CoversRoute(criteria.DeparturePort, criteria.ArrivalPort) {
			covering = append(covering, op)
		} else {
			result.Omissions = append(result.Omissions, Omission{
				OperatorCode: op.Code(),
				Reason:       "route not covered",
			})
		}
	}

	outcomes := make(chan operatorOutcome, len(covering))
	var wg sync.WaitGroup
	for _, op := range covering {
		wg.Add(1)
		go func(op operators.Client) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, a.Timeout)
			defer cancel()
			offers, err := op.Search(opCtx, criteria)
			outcomes <- operatorOutcome{code: op.Code(), offers: offers, err: err}
		}(op)
	}
	wg.Wait()
	close(outcomes)

	var merged []operators.Offer
	for out := range outcomes {
		if out.err != nil {
			logger.WarnLogger.Warnf("Search omitted operator %s: %v", out.code, out.err)
			result.Omissions = append(result.Omissions, Omission{
				OperatorCode: out.code,
				Reason:       out.err.Error(),
			})
			continue
		}
		merged = append(merged, out.offers...)
	}

	result.Offers = mergeOffers(merged)
	return result, nil
}

// mergeOffers drops duplicates by (operator, vessel, departure time) and
// orders by price ascending, departure ascending, then operator code.
func mergeOffers(offers []operators.Offer) []operators.Offer {
	seen := make(map[string]struct{}, len(offers))
	deduped := offers[:0]
	for _, o := range offers {
		key := fmt.Sprintf("%s|%s|%d", o.OperatorCode, o.VesselName, o.DepartureTime.Unix())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, o)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		pi, pj := comparablePrice(deduped[i].Price), comparablePrice(deduped[j].Price)
		if pi != pj {
			return pi < pj
		}
		if !deduped[i].DepartureTime.Equal(deduped[j].DepartureTime) {
			return deduped[i].DepartureTime.Before(deduped[j].DepartureTime)
		}
		return deduped[i].OperatorCode < deduped[j].OperatorCode
	})
	return deduped
}

// comparablePrice converts a price to EUR minor units so offers quoted in
// different currencies sort together. Unconvertible currencies fall back to
// the raw amount.
func comparablePrice(m shared_models.Money) int64 {
	converted, err := shared_models.Convert(m, "EUR")
	if err != nil {
		return m.Amount
	}
	return converted.Amount
}
