package resilience

import (
	"context"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/gateways"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

// resilientOperator decorates an operator adapter so that every outbound call
// runs through the executor. The decoration is uniform: adapters stay free of
// retry logic.
type resilientOperator struct {
	inner operators.Client
	exec  *Executor
}

// WrapOperator returns the adapter decorated with the resilience policy.
func WrapOperator(inner operators.Client, policy Policy, registry *Registry) operators.Client {
	return &resilientOperator{
		inner: inner,
		exec:  NewExecutor("operator:"+inner.Code(), policy, registry),
	}
}

func (r *resilientOperator) Code() string { return r.inner.Code() }

func (r *resilientOperator) CoversRoute(departurePort, arrivalPort string) bool {
	return r.inner.CoversRoute(departurePort, arrivalPort)
}

func (r *resilientOperator) Search(ctx context.Context, criteria operators.SearchCriteria) ([]operators.Offer, error) {
	var offers []operators.Offer
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		var inner error
		offers, inner = r.inner.Search(ctx, criteria)
		return inner
	})
	return offers, err
}

func (r *resilientOperator) Hold(ctx context.Context, offerRef string, info operators.PassengerInfo) (operators.HoldRef, error) {
	var hold operators.HoldRef
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		var inner error
		hold, inner = r.inner.Hold(ctx, offerRef, info)
		return inner
	})
	return hold, err
}

func (r *resilientOperator) Confirm(ctx context.Context, hold operators.HoldRef, proof operators.PaymentProof) (string, error) {
	var ref string
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		var inner error
		ref, inner = r.inner.Confirm(ctx, hold, proof)
		return inner
	})
	return ref, err
}

func (r *resilientOperator) Release(ctx context.Context, hold operators.HoldRef) error {
	return r.exec.Do(ctx, func(ctx context.Context) error {
		return r.inner.Release(ctx, hold)
	})
}

func (r *resilientOperator) Status(ctx context.Context, operatorBookingRef string) (operators.BookingStatus, error) {
	var status operators.BookingStatus
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		var inner error
		status, inner = r.inner.Status(ctx, operatorBookingRef)
		return inner
	})
	return status, err
}

// resilientGateway decorates a payment gateway client the same way.
type resilientGateway struct {
	inner gateways.Client
	exec  *Executor
}

// WrapGateway returns the gateway client decorated with the resilience policy.
func WrapGateway(inner gateways.Client, policy Policy, registry *Registry) gateways.Client {
	return &resilientGateway{
		inner: inner,
		exec:  NewExecutor("gateway:"+inner.Name(), policy, registry),
	}
}

func (r *resilientGateway) Name() string { return r.inner.Name() }

func (r *resilientGateway) Supports(currency string) bool { return r.inner.Supports(currency) }

func (r *resilientGateway) Charge(ctx context.Context, req gateways.ChargeRequest) (gateways.ChargeResult, error) {
	var res gateways.ChargeResult
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		var inner error
		res, inner = r.inner.Charge(ctx, req)
		return inner
	})
	return res, err
}

func (r *resilientGateway) Refund(ctx context.Context, paymentRef string, amount shared_models.Money) error {
	return r.exec.Do(ctx, func(ctx context.Context) error {
		return r.inner.Refund(ctx, paymentRef, amount)
	})
}

func (r *resilientGateway) Status(ctx context.Context, idempotencyKey string) (gateways.ChargeResult, error) {
	var res gateways.ChargeResult
	err := r.exec.Do(ctx, func(ctx context.Context) error {
		var inner error
		res, inner = r.inner.Status(ctx, idempotencyKey)
		return inner
	})
	return res, err
}

func (r *resilientGateway) VerifyWebhookSignature(signature string, body []byte) bool {
	return r.inner.VerifyWebhookSignature(signature, body)
}
