package booking_controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/saga"
)

type stubSaga struct {
	created   *booking_models.Booking
	createErr error
	lastReq   saga.CreateBookingRequest
	calls     int

	booking   *booking_models.Booking
	getErr    error
	cancelErr error
}

func (s *stubSaga) CreateBooking(_ context.Context, req saga.CreateBookingRequest) (*booking_models.Booking, error) {
	s.calls++
	s.lastReq = req
	return s.created, s.createErr
}

func (s *stubSaga) GetBooking(context.Context, uuid.UUID) (*booking_models.Booking, error) {
	return s.booking, s.getErr
}

func (s *stubSaga) Cancel(context.Context, uuid.UUID) (*booking_models.Booking, error) {
	return s.booking, s.cancelErr
}

type stubSteps struct{}

func (stubSteps) Steps(context.Context, uuid.UUID) ([]booking_models.StepEntry, error) {
	return []booking_models.StepEntry{{Seq: 1, Step: "hold", Outcome: "ok"}}, nil
}

func router(s *stubSaga) *gin.Engine {
	gin.SetMode(gin.TestMode)
	bc := NewBookingController(s, stubSteps{})
	r := gin.New()
	r.POST("/bookings", bc.CreateBooking)
	r.GET("/bookings/:id", bc.GetBooking)
	r.POST("/bookings/:id/cancel", bc.CancelBooking)
	return r
}

func validBody() []byte {
	return []byte(`{
		"operator_code": "CTN",
		"offer_ref": "offer-1",
		"departure_port": "TUNIS",
		"arrival_port": "MARSEILLE",
		"passengers": 2,
		"lead_name": "A. Traveler",
		"lead_email": "a@example.com",
		"amount_minor": 24000,
		"currency": "EUR"
	}`)
}

func TestCreateBookingUsesHeaderIdempotencyKey(t *testing.T) {
	s := &stubSaga{created: &booking_models.Booking{ID: uuid.New(), State: booking_models.StateConfirmed}}
	r := router(s)

	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewReader(validBody()))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "client-key-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "client-key-7", s.lastReq.IdempotencyKey)
	assert.Equal(t, int64(24000), s.lastReq.Total.Amount)
	assert.Equal(t, "EUR", s.lastReq.Total.Currency)
}

func TestCreateBookingRequiresIdempotencyKey(t *testing.T) {
	s := &stubSaga{}
	r := router(s)

	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewReader(validBody()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, s.calls)
}

func TestCreateBookingMapsSagaErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{saga.ErrInvalidBooking, http.StatusBadRequest},
		{saga.ErrUnknownOperator, http.StatusBadRequest},
		{saga.ErrBookingBusy, http.StatusConflict},
		{fmt.Errorf("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := &stubSaga{createErr: tc.err}
		r := router(s)

		req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewReader(validBody()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "k")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestGetBookingReturnsStepLog(t *testing.T) {
	id := uuid.New()
	s := &stubSaga{booking: &booking_models.Booking{ID: id, State: booking_models.StateHeld}}
	r := router(s)

	req := httptest.NewRequest(http.MethodGet, "/bookings/"+id.String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Booking booking_models.Booking     `json:"booking"`
		Steps   []booking_models.StepEntry `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Booking.ID)
	require.Len(t, resp.Steps, 1)
	assert.Equal(t, "hold", resp.Steps[0].Step)
}

func TestGetBookingNotFound(t *testing.T) {
	s := &stubSaga{getErr: booking_models.ErrBookingNotFound}
	r := router(s)

	req := httptest.NewRequest(http.MethodGet, "/bookings/"+uuid.NewString(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBookingRejectsBadID(t *testing.T) {
	r := router(&stubSaga{})

	req := httptest.NewRequest(http.MethodGet, "/bookings/not-a-uuid", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelBusyBookingReturnsAccepted(t *testing.T) {
	s := &stubSaga{cancelErr: saga.ErrBookingBusy}
	r := router(s)

	req := httptest.NewRequest(http.MethodPost, "/bookings/"+uuid.NewString()+"/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCancelTerminalBookingReturnsBooking(t *testing.T) {
	s := &stubSaga{booking: &booking_models.Booking{ID: uuid.New(), State: booking_models.StateCancelled}}
	r := router(s)

	req := httptest.NewRequest(http.MethodPost, "/bookings/"+uuid.NewString()+"/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
