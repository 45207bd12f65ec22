package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_TransientFailuresOpenCircuit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.esp.fail = func(esp.Message) error { return errors.New("503 upstream") }

	for i := 0; i < 5; i++ {
		_, err := h.sender.Send(ctx, "org-1", esp.Message{To: "a@example.com"})
		require.Error(t, err)
	}

	_, err := h.sender.Send(ctx, "org-1", esp.Message{To: "a@example.com"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, engine.StateOpen, h.breaker.GetState(ctx, "fake").State)
}

func TestSender_RejectionsDoNotOpenCircuit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.esp.fail = func(esp.Message) error {
		return &esp.ProviderError{Provider: "fake", StatusCode: 400}
	}

	for i := 0; i < 10; i++ {
		_, err := h.sender.Send(ctx, "org-1", esp.Message{To: "a@example.com"})
		assert.ErrorIs(t, err, esp.ErrRejected)
	}
	assert.Equal(t, engine.StateClosed, h.breaker.GetState(ctx, "fake").State)
}

func TestSender_SuccessReturnsProviderID(t *testing.T) {
	h := newHarness(t)

	id, err := h.sender.Send(context.Background(), "org-1", esp.Message{To: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, "fake", h.sender.Provider())
}
