package booking_models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/shared_models"
)

func TestCanTransitionForwardPath(t *testing.T) {
	path := []BookingState{
		StateCreated, StateHolding, StateHeld, StatePaying,
		StatePaid, StateConfirming, StateConfirmed,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]),
			"%s -> %s should be allowed", path[i], path[i+1])
	}
}

func TestCanTransitionRejectsBackward(t *testing.T) {
	assert.False(t, CanTransition(StatePaid, StateHeld))
	assert.False(t, CanTransition(StateConfirming, StatePaying))
	assert.False(t, CanTransition(StateHeld, StateCreated))
}

func TestCanTransitionCompensationBranches(t *testing.T) {
	assert.True(t, CanTransition(StateHeld, StateCompensating))
	assert.True(t, CanTransition(StatePaying, StateCompensating))
	assert.True(t, CanTransition(StatePaid, StateCompensating))
	assert.True(t, CanTransition(StateConfirming, StateCompensating))
	assert.True(t, CanTransition(StateCompensating, StateCancelled))
	assert.True(t, CanTransition(StateCompensating, StateFailed))

	// created has nothing to undo, it cancels directly
	assert.False(t, CanTransition(StateCreated, StateCompensating))
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []BookingState{StateConfirmed, StateCancelled, StateFailed} {
		assert.True(t, IsTerminal(s))
		assert.Empty(t, allowedTransitions[s], "terminal state %s must have no exits", s)
	}
}

func TestNewBookingStartsCreated(t *testing.T) {
	total := shared_models.NewMoney(12050, "EUR")
	b, err := NewBooking("client-key-1", "CTN", "offer-42", total)
	require.NoError(t, err)

	assert.Equal(t, StateCreated, b.State)
	assert.Equal(t, "client-key-1", b.IdempotencyKey)
	assert.Equal(t, total, b.Total)
	assert.False(t, b.CancelRequested)
	assert.NotZero(t, b.ID)
}
